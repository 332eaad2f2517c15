package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/events"
	"github.com/nerrad567/devgate/internal/infrastructure/config"
	"github.com/nerrad567/devgate/internal/process"
)

// statusWriteTimeout bounds registry writes made outside a caller's context.
const statusWriteTimeout = 5 * time.Second

// Logger defines the logging interface used by the controller.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Process is a running worker as seen by the controller.
type Process interface {
	PID() int
	Done() <-chan struct{}
	ExitErr() error
	Stop(graceful bool) error
	Stats() process.Stats
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec process.Spec) (Process, error)
}

// ExecLauncher launches real OS processes.
type ExecLauncher struct {
	*process.Launcher
}

// Launch implements Launcher.
func (l ExecLauncher) Launch(ctx context.Context, spec process.Spec) (Process, error) {
	p, err := l.Launcher.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PortAllocator hands out worker ports.
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}

// Mirror follows a worker's event stream while it runs. Detach must not
// wait for the stream goroutine, which may itself be calling Transition.
type Mirror interface {
	Attach(hash string, port int)
	Detach(hash string)
}

// Metrics records controller measurements.
type Metrics interface {
	RecordProbe(hash string, latency time.Duration, healthy bool)
	RecordRestart(hash string, attempt int, delay time.Duration, code string)
}

// StatusListener is called after every persisted status transition. It
// runs on the transitioning goroutine and must not block.
type StatusListener func(change device.StatusChange)

// Target is what the proxy needs to route a request.
type Target struct {
	Hash   string
	Status device.Status
	Port   int
}

// Snapshot is a read-only view of a live worker.
type Snapshot struct {
	DeviceHash        string         `json:"deviceHash"`
	PID               int            `json:"pid"`
	Port              int            `json:"port"`
	StartedAt         time.Time      `json:"startedAt"`
	UptimeSeconds     float64        `json:"uptimeSeconds"`
	RestartCount      int            `json:"restartCount"`
	LastHealthCheckAt *time.Time     `json:"lastHealthCheckAt,omitempty"`
	Process           *process.Stats `json:"process,omitempty"`
}

// instance is the controller's record of one live worker. Fields other
// than lastHealthCheck are immutable after creation.
type instance struct {
	hash         string
	proc         Process
	port         int
	startedAt    time.Time
	restartCount int

	lastHealthCheck atomic.Int64 // unix nanos, 0 when never probed

	cancel context.CancelFunc
}

func (i *instance) snapshot() Snapshot {
	s := Snapshot{
		DeviceHash:    i.hash,
		PID:           i.proc.PID(),
		Port:          i.port,
		StartedAt:     i.startedAt,
		UptimeSeconds: time.Since(i.startedAt).Seconds(),
		RestartCount:  i.restartCount,
	}
	if ns := i.lastHealthCheck.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastHealthCheckAt = &t
	}
	return s
}

// Controller owns every worker process. It is the single writer of device
// status: other components request changes through Transition.
//
// Thread Safety: all exported methods are safe for concurrent use. Work on
// one device is serialized by a per-hash lock; the live table is guarded by
// an RWMutex and only mutated while the device's lock is held.
type Controller struct {
	cfg      config.WorkersConfig
	store    device.Store
	ports    PortAllocator
	launcher Launcher
	health   *HealthMonitor
	backoff  process.Backoff

	mirror    Mirror
	publisher events.Publisher
	metrics   Metrics
	logger    Logger

	locks *keyedMutex

	mu         sync.RWMutex
	workers    map[string]*instance
	pending    map[string]*pendingRestart
	failures   map[string][]time.Time
	restarting map[string]struct{}

	listenersMu sync.RWMutex
	listeners   []StatusListener

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closing    atomic.Bool
	wg         sync.WaitGroup
}

// NewController creates a controller. Call the Set* methods before the
// first Start.
func NewController(
	cfg config.WorkersConfig,
	healthCfg config.HealthConfig,
	store device.Store,
	ports PortAllocator,
	launcher Launcher,
) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		store:      store,
		ports:      ports,
		launcher:   launcher,
		health:     NewHealthMonitor(healthCfg, cfg.HealthPath, cfg.Auth),
		backoff:    process.Backoff{Initial: cfg.Restart.InitialDelay, Max: cfg.Restart.MaxDelay},
		mirror:     noopMirror{},
		publisher:  events.Nop{},
		metrics:    noopMetrics{},
		logger:     noopLogger{},
		locks:      newKeyedMutex(),
		workers:    make(map[string]*instance),
		pending:    make(map[string]*pendingRestart),
		failures:   make(map[string][]time.Time),
		restarting: make(map[string]struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(logger Logger) {
	c.logger = logger
}

// SetMirror connects the event mirror attached to every started worker.
func (c *Controller) SetMirror(m Mirror) {
	if m != nil {
		c.mirror = m
	}
}

// SetPublisher connects the realtime hub.
func (c *Controller) SetPublisher(p events.Publisher) {
	if p != nil {
		c.publisher = p
	}
}

// SetMetrics connects a metrics sink.
func (c *Controller) SetMetrics(m Metrics) {
	if m != nil {
		c.metrics = m
	}
}

// AddStatusListener registers a listener for status transitions.
func (c *Controller) AddStatusListener(l StatusListener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

// Start launches the device's worker and waits until it answers its health
// endpoint. Start is idempotent: a device that already has a live worker
// gets its current snapshot back.
func (c *Controller) Start(ctx context.Context, hash string) (Snapshot, error) {
	if c.closing.Load() {
		return Snapshot{}, ErrShuttingDown
	}

	unlock := c.locks.Lock(hash)
	defer unlock()

	if inst := c.live(hash); inst != nil {
		return inst.snapshot(), nil
	}

	d, err := c.store.FindByHash(ctx, hash)
	if err != nil {
		return Snapshot{}, err
	}

	c.cancelPendingRestart(hash)
	c.clearFailures(hash)

	inst, err := c.startLocked(ctx, d, 0)
	if err != nil {
		return Snapshot{}, err
	}
	return inst.snapshot(), nil
}

// startLocked performs the launch sequence. The caller holds the device lock.
func (c *Controller) startLocked(ctx context.Context, d *device.Device, restartCount int) (*instance, error) {
	hash := d.Hash

	// A live status with no live worker is left over from a crash or an
	// unclean gateway exit.
	if !device.CanTransition(d.Status, device.StatusStarting) && d.Status.Live() {
		c.setStatus(ctx, hash, device.StatusStopped, lifecycleReason(CodeStaleStatus, "no live worker for status "+string(d.Status)))
	}

	if _, err := c.setStatus(ctx, hash, device.StatusStarting, lifecycleReason(CodeStarting, "worker starting")); err != nil {
		return nil, err
	}

	port, err := c.ports.Allocate()
	if err != nil {
		c.setStatus(ctx, hash, device.StatusError, lifecycleReason(CodePortsExhausted, err.Error()))
		return nil, fmt.Errorf("allocating port: %w", err)
	}

	spec, err := c.buildSpec(d, port)
	if err != nil {
		c.ports.Release(port)
		c.setStatus(ctx, hash, device.StatusError, lifecycleReason(CodeStartFailed, err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	proc, err := c.launcher.Launch(ctx, spec)
	if err != nil {
		c.ports.Release(port)
		c.setStatus(ctx, hash, device.StatusError, lifecycleReason(CodeStartFailed, err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	if err := c.health.waitReady(ctx, port, proc.Done(), c.cfg.StartTimeout); err != nil {
		if stopErr := proc.Stop(false); stopErr != nil {
			c.logger.Warn("failed to kill worker after failed start", "device_hash", hash, "error", stopErr)
		}
		c.ports.Release(port)
		code := CodeStartFailed
		if errors.Is(err, ErrStartTimeout) {
			code = CodeStartTimeout
		}
		c.setStatus(context.WithoutCancel(ctx), hash, device.StatusError, lifecycleReason(code, err.Error()))
		return nil, err
	}

	if err := c.store.UpdatePort(ctx, hash, port); err != nil {
		c.logger.Warn("failed to persist worker port", "device_hash", hash, "error", err)
	}

	instCtx, cancel := context.WithCancel(c.baseCtx)
	inst := &instance{
		hash:         hash,
		proc:         proc,
		port:         port,
		startedAt:    time.Now(),
		restartCount: restartCount,
		cancel:       cancel,
	}

	c.mu.Lock()
	c.workers[hash] = inst
	c.mu.Unlock()

	reason := lifecycleReason(CodeStarted, "worker started")
	reason.Data = map[string]any{"port": port, "pid": proc.PID(), "restartCount": restartCount}
	if _, err := c.setStatus(ctx, hash, device.StatusActive, reason); err != nil {
		if stopErr := c.teardown(ctx, inst, false); stopErr != nil {
			c.logger.Warn("failed to kill worker after rejected activation", "device_hash", hash, "error", stopErr)
		}
		return nil, fmt.Errorf("%w: recording active status: %w", ErrStartFailed, err)
	}

	c.mirror.Attach(hash, port)

	c.wg.Add(1)
	go c.supervise(instCtx, inst)

	c.logger.Info("worker started",
		"device_hash", hash,
		"port", port,
		"pid", proc.PID(),
		"restart_count", restartCount,
	)
	return inst, nil
}

// Stop ends the device's worker. graceful=false skips SIGTERM. Any pending
// automatic restart is cancelled. Stopping a device with no live worker
// only records the stopped status.
func (c *Controller) Stop(ctx context.Context, hash string, graceful bool) error {
	unlock := c.locks.Lock(hash)
	defer unlock()

	d, err := c.store.FindByHash(ctx, hash)
	if err != nil {
		return err
	}

	hadPending := c.cancelPendingRestart(hash)

	inst := c.live(hash)
	if inst == nil {
		if d.Status == device.StatusStopped || (d.Status == device.StatusRegistered && !hadPending) {
			return ErrNotRunning
		}
		_, err := c.setStatus(ctx, hash, device.StatusStopped, lifecycleReason(CodeStopped, "worker stopped"))
		return err
	}

	stopErr := c.teardown(ctx, inst, graceful)

	if _, err := c.setStatus(ctx, hash, device.StatusStopped, lifecycleReason(CodeStopped, "worker stopped")); err != nil {
		return err
	}

	c.publisher.Publish(events.GlobalChannel, events.ProcessStopped, map[string]any{
		"deviceHash": hash,
		"pid":        inst.proc.PID(),
		"graceful":   graceful,
		"unexpected": false,
	})

	if stopErr != nil {
		return fmt.Errorf("stopping worker: %w", stopErr)
	}
	return nil
}

// teardown removes inst from the live table and releases everything it
// holds. The caller holds the device lock.
func (c *Controller) teardown(ctx context.Context, inst *instance, graceful bool) error {
	c.mu.Lock()
	if c.workers[inst.hash] == inst {
		delete(c.workers, inst.hash)
	}
	c.mu.Unlock()

	inst.cancel()
	c.mirror.Detach(inst.hash)

	err := inst.proc.Stop(graceful)

	c.ports.Release(inst.port)
	if perr := c.store.UpdatePort(context.WithoutCancel(ctx), inst.hash, 0); perr != nil && !errors.Is(perr, device.ErrDeviceNotFound) {
		c.logger.Warn("failed to clear worker port", "device_hash", inst.hash, "error", perr)
	}
	return err
}

// Restart stops and starts the worker and clears its failure budget.
func (c *Controller) Restart(ctx context.Context, hash string) (Snapshot, error) {
	c.mu.Lock()
	if _, busy := c.restarting[hash]; busy {
		c.mu.Unlock()
		return Snapshot{}, ErrRestarting
	}
	c.restarting[hash] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.restarting, hash)
		c.mu.Unlock()
	}()

	if err := c.Stop(ctx, hash, true); err != nil && !errors.Is(err, ErrNotRunning) {
		return Snapshot{}, err
	}
	return c.Start(ctx, hash)
}

// Transition applies a status change requested by another component. It
// only applies while the device has a live worker.
func (c *Controller) Transition(ctx context.Context, hash string, to device.Status, reason device.Reason) error {
	unlock := c.locks.Lock(hash)
	defer unlock()

	if c.live(hash) == nil {
		c.mu.RLock()
		_, pending := c.pending[hash]
		c.mu.RUnlock()
		if pending {
			return ErrRestarting
		}
		return ErrNotRunning
	}

	_, err := c.setStatus(ctx, hash, to, reason)
	return err
}

// Lookup returns the routing target for a device.
func (c *Controller) Lookup(ctx context.Context, hash string) (Target, error) {
	d, err := c.store.FindByHash(ctx, hash)
	if err != nil {
		return Target{}, err
	}
	t := Target{Hash: hash, Status: d.Status}
	if inst := c.live(hash); inst != nil {
		t.Port = inst.port
	}
	return t, nil
}

// Get returns the snapshot of a live worker including process stats.
func (c *Controller) Get(hash string) (Snapshot, bool) {
	inst := c.live(hash)
	if inst == nil {
		return Snapshot{}, false
	}
	s := inst.snapshot()
	stats := inst.proc.Stats()
	s.Process = &stats
	return s, true
}

// Snapshots returns every live worker ordered by hash.
func (c *Controller) Snapshots() []Snapshot {
	c.mu.RLock()
	out := make([]Snapshot, 0, len(c.workers))
	for _, inst := range c.workers {
		out = append(out, inst.snapshot())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceHash < out[j].DeviceHash })
	return out
}

// LiveCount returns the number of live workers.
func (c *Controller) LiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.workers)
}

func (c *Controller) live(hash string) *instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workers[hash]
}

// setStatus persists a transition and notifies listeners. A same-state
// write returns the zero change and notifies nobody.
func (c *Controller) setStatus(ctx context.Context, hash string, to device.Status, reason device.Reason) (device.StatusChange, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	updated, from, err := c.store.UpdateStatus(ctx, hash, to)
	if err != nil {
		c.logger.Warn("status transition rejected",
			"device_hash", hash,
			"from", from,
			"to", to,
			"code", reason.Code,
			"error", err,
		)
		return device.StatusChange{}, err
	}
	if from == to {
		return device.StatusChange{}, nil
	}

	change := device.StatusChange{
		Device: *updated,
		From:   from,
		To:     to,
		Reason: reason,
		At:     updated.StatusChangedAt,
	}
	c.logger.Info("device status changed",
		"device_hash", hash,
		"from", from,
		"to", to,
		"code", reason.Code,
	)

	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()
	for _, l := range listeners {
		l(change.Clone())
	}
	return change, nil
}

func lifecycleReason(code, message string) device.Reason {
	return device.Reason{Type: device.ReasonLifecycle, Code: code, Message: message}
}

// Shutdown stops every live worker in parallel and cancels pending
// restarts. Further Start calls fail with ErrShuttingDown.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.closing.Store(true)

	c.mu.Lock()
	for hash, pr := range c.pending {
		pr.timer.Stop()
		delete(c.pending, hash)
	}
	hashes := make([]string, 0, len(c.workers))
	for hash := range c.workers {
		hashes = append(hashes, hash)
	}
	c.mu.Unlock()

	err := c.stopAll(ctx, hashes)

	c.baseCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for supervisors: %w", ctx.Err())
	}
	return err
}

type noopMirror struct{}

func (noopMirror) Attach(string, int) {}
func (noopMirror) Detach(string)      {}

type noopMetrics struct{}

func (noopMetrics) RecordProbe(string, time.Duration, bool)           {}
func (noopMetrics) RecordRestart(string, int, time.Duration, string) {}
