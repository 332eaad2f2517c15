package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/devgate/internal/device"
)

// resumable are the statuses reconciliation restarts from.
var resumable = []device.Status{device.StatusActive, device.StatusError, device.StatusStopped}

// ReconcileReport summarises a reconciliation pass.
type ReconcileReport struct {
	Normalized []string          `json:"normalized"`
	Started    []string          `json:"started"`
	Skipped    []string          `json:"skipped"`
	Failed     map[string]string `json:"failed"`
}

// Reconcile restores workers after a gateway start. Devices left in a live
// status without a worker are first normalized to stopped; then every
// device in a resumable status that has a persisted session is started,
// at most ReconcileConcurrency at a time. Individual start failures are
// reported, not returned.
func (c *Controller) Reconcile(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{Failed: make(map[string]string)}

	all, err := c.store.List(ctx, device.Filter{})
	if err != nil {
		return report, fmt.Errorf("listing devices: %w", err)
	}

	for i := range all {
		d := &all[i]
		if !d.Status.Live() {
			continue
		}
		normalized, err := c.normalizeStale(ctx, d.Hash)
		if err != nil {
			c.logger.Warn("failed to normalize stale status", "device_hash", d.Hash, "status", d.Status, "error", err)
			continue
		}
		if normalized {
			report.Normalized = append(report.Normalized, d.Hash)
		}
	}

	candidates, err := c.store.List(ctx, device.Filter{Statuses: resumable})
	if err != nil {
		return report, fmt.Errorf("listing resumable devices: %w", err)
	}

	limit := c.cfg.ReconcileConcurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	for i := range candidates {
		hash := candidates[i].Hash
		if !c.hasSession(hash) {
			report.Skipped = append(report.Skipped, hash)
			continue
		}
		g.Go(func() error {
			_, err := c.Start(gctx, hash)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("reconcile start failed", "device_hash", hash, "error", err)
				report.Failed[hash] = err.Error()
				return nil
			}
			report.Started = append(report.Started, hash)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	sort.Strings(report.Started)
	c.logger.Info("reconciliation complete",
		"normalized", len(report.Normalized),
		"started", len(report.Started),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)
	return report, nil
}

// normalizeStale moves a device with a live status but no worker to
// stopped. It runs under the device lock and re-reads the device, so a
// Start that finished in the meantime is left alone.
func (c *Controller) normalizeStale(ctx context.Context, hash string) (bool, error) {
	unlock := c.locks.Lock(hash)
	defer unlock()

	if c.live(hash) != nil {
		return false, nil
	}
	d, err := c.store.FindByHash(ctx, hash)
	if err != nil {
		return false, err
	}
	if !d.Status.Live() {
		return false, nil
	}
	if _, err := c.setStatus(ctx, hash, device.StatusStopped, lifecycleReason(CodeStaleStatus, "gateway restarted")); err != nil {
		return false, err
	}
	return true, nil
}
