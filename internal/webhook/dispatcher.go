package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/infrastructure/config"
	"github.com/nerrad567/devgate/internal/process"
)

// Delivery headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
)

// EventStatusChanged is the X-Webhook-Event value for status deliveries.
const EventStatusChanged = "device.status_changed"

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetry     = "retry"
	OutcomeDropped   = "dropped"
)

// ErrDeliveryFailed is returned by Deliver when every attempt failed.
var ErrDeliveryFailed = errors.New("webhook: delivery failed")

// Logger defines the logging interface used by the dispatcher.
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

// Metrics records delivery attempts. *influxdb.Client implements it.
type Metrics interface {
	RecordWebhook(hash string, attempt int, outcome string, statusCode int, latency time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordWebhook(string, int, string, int, time.Duration) {}

// Payload is the JSON body of a status webhook.
type Payload struct {
	Device    PayloadDevice `json:"device"`
	Event     PayloadEvent  `json:"event"`
	Timestamp string        `json:"timestamp"`
}

// PayloadDevice identifies the device in a payload.
type PayloadDevice struct {
	DeviceHash string `json:"deviceHash"`
	Status     string `json:"status"`
}

// PayloadEvent describes why the status changed.
type PayloadEvent struct {
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewPayload builds the payload for a status change.
func NewPayload(change device.StatusChange) Payload {
	at := change.At
	if at.IsZero() {
		at = time.Now()
	}
	return Payload{
		Device: PayloadDevice{
			DeviceHash: change.Device.Hash,
			Status:     string(change.To),
		},
		Event: PayloadEvent{
			Type:    change.Reason.Type,
			Code:    change.Reason.Code,
			Message: change.Reason.Message,
			Data:    change.Reason.Data,
		},
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

// Attempt is one try at delivering a payload.
type Attempt struct {
	DeviceHash  string
	DeliveryID  string
	URL         string
	Number      int
	StatusCode  int
	Outcome     string
	NextRetryAt time.Time
	Err         error
}

// Dispatcher posts signed status webhooks with retries.
type Dispatcher struct {
	cfg     config.WebhooksConfig
	client  *http.Client
	backoff process.Backoff
	logger  Logger
	metrics Metrics

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg config.WebhooksConfig) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		backoff: process.Backoff{Initial: cfg.InitialDelay},
		logger:  noopLogger{},
		metrics: noopMetrics{},
		sleep:   sleepCtx,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetMetrics connects a metrics sink.
func (d *Dispatcher) SetMetrics(m Metrics) {
	if m != nil {
		d.metrics = m
	}
}

// OnStatus sends the change to the device's status webhook in the
// background. Devices without a status webhook URL are skipped.
func (d *Dispatcher) OnStatus(change device.StatusChange) {
	url := change.Device.StatusWebhookURL
	if url == "" {
		return
	}
	payload := NewPayload(change)
	secret := change.Device.StatusWebhookSecret

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		//nolint:errcheck // failures are logged by Deliver
		d.Deliver(d.ctx, url, secret, payload)
	}()
}

// Deliver posts payload to url, retrying non-2xx answers and network
// errors up to MaxAttempts times with doubling delays.
func (d *Dispatcher) Deliver(ctx context.Context, url, secret string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	deliveryID := uuid.NewString()
	hash := payload.Device.DeviceHash

	for n := 1; n <= d.cfg.MaxAttempts; n++ {
		a := Attempt{DeviceHash: hash, DeliveryID: deliveryID, URL: url, Number: n}

		start := time.Now()
		a.StatusCode, a.Err = d.post(ctx, url, secret, deliveryID, body)
		latency := time.Since(start)

		if a.Err == nil {
			a.Outcome = OutcomeDelivered
			d.record(a, latency)
			d.logger.Debug("status webhook delivered", "device_hash", hash, "delivery_id", deliveryID, "attempt", n, "status", a.StatusCode)
			return nil
		}

		if n == d.cfg.MaxAttempts {
			a.Outcome = OutcomeDropped
			d.record(a, latency)
			d.logger.Error("status webhook dropped",
				"device_hash", hash,
				"delivery_id", deliveryID,
				"url", url,
				"attempts", n,
				"error", a.Err,
			)
			return fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, n, a.Err)
		}

		delay := d.backoff.Delay(n)
		a.Outcome = OutcomeRetry
		a.NextRetryAt = time.Now().Add(delay)
		d.record(a, latency)
		d.logger.Warn("status webhook attempt failed",
			"device_hash", hash,
			"delivery_id", deliveryID,
			"attempt", n,
			"retry_in", delay,
			"error", a.Err,
		)

		if err := d.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		}
	}
	return ErrDeliveryFailed
}

func (d *Dispatcher) record(a Attempt, latency time.Duration) {
	d.metrics.RecordWebhook(a.DeviceHash, a.Number, a.Outcome, a.StatusCode, latency)
}

func (d *Dispatcher) post(ctx context.Context, url, secret, deliveryID string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, EventStatusChanged)
	req.Header.Set(HeaderDelivery, deliveryID)
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // drain only

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("receiver answered %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Close stops accepting new deliveries and waits for in-flight ones. When
// ctx ends first, the remaining deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("draining webhooks: %w", ctx.Err())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
