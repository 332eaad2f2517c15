package worker

import "errors"

var (
	// ErrNotRunning is returned when an operation needs a live worker.
	ErrNotRunning = errors.New("worker: not running")

	// ErrRestarting is returned while an automatic or manual restart is in flight.
	ErrRestarting = errors.New("worker: restart in progress")

	// ErrStartTimeout is returned when a worker does not answer its health
	// endpoint within the start timeout.
	ErrStartTimeout = errors.New("worker: start timeout")

	// ErrStartFailed is returned when a worker cannot be launched or exits
	// during startup.
	ErrStartFailed = errors.New("worker: start failed")

	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("worker: controller shutting down")
)

// Reason codes attached to status changes made by the controller.
const (
	CodeStarting          = "STARTING"
	CodeStarted           = "STARTED"
	CodeStopped           = "STOPPED"
	CodeStaleStatus       = "STALE_STATUS"
	CodeStartFailed       = "START_FAILED"
	CodeStartTimeout      = "START_TIMEOUT"
	CodePortsExhausted    = "PORTS_EXHAUSTED"
	CodeWorkerExited      = "WORKER_EXITED"
	CodeHealthCheckFailed = "HEALTH_CHECK_FAILED"
	CodeHealthRecovered   = "HEALTH_RECOVERED"
	CodeBudgetExhausted   = "RESTART_BUDGET_EXHAUSTED"
	CodeShutdown          = "GATEWAY_SHUTDOWN"
)
