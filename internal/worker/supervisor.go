package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/events"
	"github.com/nerrad567/devgate/internal/process"
)

// supervise is the single owner of one live instance. It returns when the
// instance context is cancelled (Stop, Shutdown) or after handing a crash or
// health failure to the restart policy.
func (c *Controller) supervise(ctx context.Context, inst *instance) {
	defer c.wg.Done()

	health := c.health.Watch(ctx, inst.port, func(latency time.Duration, err error) {
		inst.lastHealthCheck.Store(time.Now().UnixNano())
		c.metrics.RecordProbe(inst.hash, latency, err == nil)
		if err != nil {
			c.logger.Warn("worker health probe failed", "device_hash", inst.hash, "port", inst.port, "error", err)
		}
	})

	for {
		// Process exit wins over any buffered health result.
		select {
		case <-inst.proc.Done():
			c.handleExit(inst)
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-inst.proc.Done():
			c.handleExit(inst)
			return
		case ev, ok := <-health:
			if !ok {
				// Watch ended because ctx is done; loop once more to
				// observe which of exit or cancellation happened.
				health = nil
				continue
			}
			switch ev {
			case HealthUnhealthy:
				select {
				case <-inst.proc.Done():
					c.handleExit(inst)
				default:
					c.handleUnhealthy(inst)
				}
				return
			case HealthRecovered:
				c.logger.Info("worker health recovered", "device_hash", inst.hash, "code", CodeHealthRecovered)
			}
		}
	}
}

// handleExit treats a process exit that nobody asked for as a crash.
func (c *Controller) handleExit(inst *instance) {
	unlock := c.locks.Lock(inst.hash)
	defer unlock()

	if c.live(inst.hash) != inst {
		return
	}

	exitErr := inst.proc.ExitErr()
	c.logger.Warn("worker exited unexpectedly", "device_hash", inst.hash, "pid", inst.proc.PID(), "error", exitErr)

	ctx := c.baseCtx
	c.teardown(ctx, inst, false) //nolint:errcheck // process already gone

	c.publisher.Publish(events.GlobalChannel, events.ProcessStopped, map[string]any{
		"deviceHash": inst.hash,
		"pid":        inst.proc.PID(),
		"graceful":   false,
		"unexpected": true,
		"error":      errString(exitErr),
	})

	reason := device.Reason{Type: device.ReasonWorker, Code: CodeWorkerExited, Message: "worker exited unexpectedly"}
	if exitErr != nil {
		reason.Data = map[string]any{"exit": exitErr.Error()}
	}
	c.degrade(ctx, inst.hash, reason, false)
	c.scheduleRestart(inst.hash, c.nextAttempt(inst), exitErr)
}

// handleUnhealthy kills a worker that stopped answering and schedules its
// restart.
func (c *Controller) handleUnhealthy(inst *instance) {
	unlock := c.locks.Lock(inst.hash)
	defer unlock()

	if c.live(inst.hash) != inst {
		return
	}

	c.logger.Error("worker unhealthy, restarting", "device_hash", inst.hash, "port", inst.port)

	ctx := c.baseCtx
	if err := c.teardown(ctx, inst, false); err != nil {
		c.logger.Warn("failed to kill unhealthy worker", "device_hash", inst.hash, "error", err)
	}

	c.degrade(ctx, inst.hash, device.Reason{
		Type:    device.ReasonHealth,
		Code:    CodeHealthCheckFailed,
		Message: "worker stopped answering health checks",
	}, true)
	c.scheduleRestart(inst.hash, c.nextAttempt(inst), nil)
}

// degrade records the loss of a worker. Connected and active devices go to
// disconnected. After a crash any state that allows it does too; everything
// else goes to error.
func (c *Controller) degrade(ctx context.Context, hash string, reason device.Reason, strict bool) {
	d, err := c.store.FindByHash(ctx, hash)
	if err != nil {
		return
	}

	to := device.StatusError
	switch {
	case d.Status == device.StatusConnected || d.Status == device.StatusActive:
		to = device.StatusDisconnected
	case !strict && device.CanTransition(d.Status, device.StatusDisconnected):
		to = device.StatusDisconnected
	}
	c.setStatus(ctx, hash, to, reason) //nolint:errcheck // logged by setStatus
}

// nextAttempt returns the restart attempt number, resetting the count once
// the instance ran for the stable threshold.
func (c *Controller) nextAttempt(inst *instance) int {
	if c.cfg.Restart.StableThreshold > 0 && time.Since(inst.startedAt) >= c.cfg.Restart.StableThreshold {
		return 1
	}
	return inst.restartCount + 1
}

// scheduleRestart arms an automatic restart unless the failure budget is
// spent or the cause cannot be fixed by retrying. The caller holds the
// device lock.
func (c *Controller) scheduleRestart(hash string, attempt int, cause error) {
	if c.closing.Load() {
		return
	}
	ctx := c.baseCtx

	if !process.IsRecoverable(cause) {
		c.logger.Error("worker failure is not recoverable, not restarting", "device_hash", hash, "error", cause)
		c.setStatus(ctx, hash, device.StatusError, lifecycleReason(CodeStartFailed, errString(cause))) //nolint:errcheck // logged by setStatus
		return
	}

	if c.recordFailure(hash) {
		c.logger.Error("restart budget exhausted, giving up",
			"device_hash", hash,
			"max_failures", c.cfg.Restart.MaxFailures,
			"window", c.cfg.Restart.FailureWindow,
		)
		c.metrics.RecordRestart(hash, attempt, 0, CodeBudgetExhausted)
		c.setStatus(ctx, hash, device.StatusError, device.Reason{ //nolint:errcheck // logged by setStatus
			Type:    device.ReasonLifecycle,
			Code:    CodeBudgetExhausted,
			Message: "too many failures, automatic restart disabled",
			Data:    map[string]any{"maxFailures": c.cfg.Restart.MaxFailures, "window": c.cfg.Restart.FailureWindow.String()},
		})
		return
	}

	delay := c.backoff.Delay(attempt)
	c.logger.Info("scheduling worker restart", "device_hash", hash, "attempt", attempt, "delay", delay)
	c.metrics.RecordRestart(hash, attempt, delay, "SCHEDULED")

	pr := &pendingRestart{attempt: attempt, due: time.Now().Add(delay)}

	c.mu.Lock()
	if old, ok := c.pending[hash]; ok {
		old.timer.Stop()
	}
	c.pending[hash] = pr
	pr.timer = time.AfterFunc(delay, func() { c.autoRestart(hash, pr) })
	c.mu.Unlock()
}

// pendingRestart is an armed automatic restart. timer is guarded by
// Controller.mu.
type pendingRestart struct {
	attempt int
	due     time.Time
	timer   *time.Timer
}

// recordFailure adds a failure to the device's window and reports whether
// the budget is now exceeded.
func (c *Controller) recordFailure(hash string) bool {
	now := time.Now()
	cutoff := now.Add(-c.cfg.Restart.FailureWindow)

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.failures[hash][:0]
	for _, t := range c.failures[hash] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.failures[hash] = kept

	return c.cfg.Restart.MaxFailures > 0 && len(kept) > c.cfg.Restart.MaxFailures
}

func (c *Controller) clearFailures(hash string) {
	c.mu.Lock()
	delete(c.failures, hash)
	c.mu.Unlock()
}

// cancelPendingRestart disarms a scheduled restart and reports whether one
// was pending.
func (c *Controller) cancelPendingRestart(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pr, ok := c.pending[hash]
	if !ok {
		return false
	}
	pr.timer.Stop()
	delete(c.pending, hash)
	return true
}

func (c *Controller) autoRestart(hash string, pr *pendingRestart) {
	unlock := c.locks.Lock(hash)
	defer unlock()

	attempt := pr.attempt
	c.mu.Lock()
	if c.pending[hash] != pr {
		c.mu.Unlock()
		return
	}
	delete(c.pending, hash)
	c.mu.Unlock()

	if c.closing.Load() || c.live(hash) != nil {
		return
	}

	ctx := c.baseCtx
	d, err := c.store.FindByHash(ctx, hash)
	if err != nil {
		c.logger.Warn("device vanished before restart", "device_hash", hash, "error", err)
		return
	}
	if d.Status == device.StatusStopped {
		return
	}

	c.logger.Info("restarting worker", "device_hash", hash, "attempt", attempt)
	if _, err := c.startLocked(ctx, d, attempt); err != nil {
		c.logger.Error("automatic restart failed", "device_hash", hash, "attempt", attempt, "error", err)
		c.scheduleRestart(hash, attempt+1, err)
	}
}

// stopAll stops the given workers in parallel for gateway shutdown.
func (c *Controller) stopAll(ctx context.Context, hashes []string) error {
	g, _ := errgroup.WithContext(ctx)
	for _, hash := range hashes {
		g.Go(func() error {
			return c.stopForShutdown(ctx, hash)
		})
	}
	return g.Wait()
}

func (c *Controller) stopForShutdown(ctx context.Context, hash string) error {
	unlock := c.locks.Lock(hash)
	defer unlock()

	inst := c.live(hash)
	if inst == nil {
		return nil
	}

	err := c.teardown(ctx, inst, true)
	c.setStatus(ctx, hash, device.StatusStopped, lifecycleReason(CodeShutdown, "gateway shutting down")) //nolint:errcheck // logged by setStatus
	c.publisher.Publish(events.GlobalChannel, events.ProcessStopped, map[string]any{
		"deviceHash": hash,
		"pid":        inst.proc.PID(),
		"graceful":   true,
		"unexpected": false,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// NextRestart reports when a scheduled automatic restart will fire.
func (c *Controller) NextRestart(hash string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pr, ok := c.pending[hash]
	if !ok {
		return time.Time{}, false
	}
	return pr.due, true
}
