// Package worker owns the lifecycle of per-device worker processes.
//
// The Controller keeps a table of live workers keyed by device hash. For
// each live worker one supervisor goroutine selects on the process exit
// channel and on the health watch, and hands failures to the restart
// policy: exponential backoff, a counter that resets after a stable
// uptime, and a failure budget per time window after which the device is
// parked in the error status.
//
// The Controller is the only writer of device status. The proxy and the
// event mirror ask for changes through Transition, and every persisted
// change is fanned out to status listeners (webhooks, realtime hub, MQTT,
// metrics).
//
// Reconcile runs once at gateway start to resume workers that have a
// persisted session.
package worker
