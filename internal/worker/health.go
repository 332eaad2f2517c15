package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/devgate/internal/infrastructure/config"
)

// HealthEvent is emitted by a health watch.
type HealthEvent int

const (
	// HealthUnhealthy is sent once when the failure threshold is reached.
	// The watch stops probing afterwards.
	HealthUnhealthy HealthEvent = iota + 1

	// HealthRecovered is sent on the first success after one or more failures.
	HealthRecovered
)

func (e HealthEvent) String() string {
	switch e {
	case HealthUnhealthy:
		return "unhealthy"
	case HealthRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// ProbeFunc observes the outcome of each probe.
type ProbeFunc func(latency time.Duration, err error)

// HealthMonitor probes worker health endpoints over loopback HTTP.
type HealthMonitor struct {
	cfg      config.HealthConfig
	path     string
	username string
	password string
	client   *http.Client
}

// NewHealthMonitor creates a monitor probing path on each worker port with
// the gateway's Basic credentials.
func NewHealthMonitor(cfg config.HealthConfig, path string, auth config.WorkerAuthConfig) *HealthMonitor {
	return &HealthMonitor{
		cfg:      cfg,
		path:     path,
		username: auth.Username,
		password: auth.Password,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

// Probe performs a single GET. Any HTTP answer below 500 means the worker
// is serving.
func (h *HealthMonitor) Probe(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + h.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	if h.username != "" {
		req.SetBasicAuth(h.username, h.password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing worker: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // drain only

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probing worker: status %d", resp.StatusCode)
	}
	return nil
}

// Watch probes port every interval until ctx is done. It emits
// HealthUnhealthy once after FailureThreshold consecutive failures and then
// returns; it emits HealthRecovered on the first success after a failure.
// The returned channel is closed when the watch ends.
func (h *HealthMonitor) Watch(ctx context.Context, port int, observe ProbeFunc) <-chan HealthEvent {
	out := make(chan HealthEvent, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			start := time.Now()
			err := h.Probe(ctx, port)
			if ctx.Err() != nil {
				return
			}
			if observe != nil {
				observe(time.Since(start), err)
			}

			var ev HealthEvent
			if err != nil {
				failures++
				if failures < h.cfg.FailureThreshold {
					continue
				}
				ev = HealthUnhealthy
			} else {
				if failures == 0 {
					continue
				}
				failures = 0
				ev = HealthRecovered
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev == HealthUnhealthy {
				return
			}
		}
	}()

	return out
}

// waitReady polls until the worker answers, it exits, or the start timeout
// passes.
func (h *HealthMonitor) waitReady(ctx context.Context, port int, exited <-chan struct{}, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	const pollInterval = 100 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := h.Probe(ctx, port); err == nil {
			return nil
		}
		select {
		case <-exited:
			return fmt.Errorf("%w: worker exited during startup", ErrStartFailed)
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w after %s", ErrStartTimeout, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
