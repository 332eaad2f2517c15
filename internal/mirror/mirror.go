package mirror

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/events"
	"github.com/nerrad567/devgate/internal/infrastructure/config"
	"github.com/nerrad567/devgate/internal/process"
)

const (
	dialTimeout       = 5 * time.Second
	transitionTimeout = 5 * time.Second

	// A connection that stays up this long resets the retry budget.
	stableConnection = 10 * time.Second
)

// Logger defines the logging interface used by the mirror.
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

// StatusSink applies status changes implied by worker frames.
// *worker.Controller implements it.
type StatusSink interface {
	Transition(ctx context.Context, hash string, to device.Status, reason device.Reason) error
}

// EventSink receives every worker frame, for example an MQTT bridge.
type EventSink interface {
	PublishWorkerEvent(hash string, frame []byte) error
}

// Hub keeps one event-stream connection per running worker and relays its
// frames to realtime subscribers.
//
// Thread Safety: all exported methods are safe for concurrent use. Attach
// and Detach never wait for a stream goroutine.
type Hub struct {
	cfg         config.MirrorConfig
	path        string
	authValue   string
	backoff     process.Backoff
	dialer      *websocket.Dialer
	stableAfter time.Duration

	publisher events.Publisher
	sink      StatusSink
	eventSink EventSink
	logger    Logger

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
	wg      sync.WaitGroup
}

// stream is one attachment. Its reader goroutine owns the connection and
// its dispatcher goroutine owns everything downstream.
type stream struct {
	hash      string
	port      int
	cancel    context.CancelFunc
	connected bool
}

// New creates a mirror hub that connects to path on each worker port.
func New(cfg config.MirrorConfig, path string, auth config.WorkerAuthConfig) *Hub {
	h := &Hub{
		cfg:         cfg,
		path:        path,
		backoff:     process.Backoff{Initial: cfg.InitialDelay, Max: cfg.MaxDelay},
		dialer:      &websocket.Dialer{HandshakeTimeout: dialTimeout},
		stableAfter: stableConnection,
		publisher:   events.Nop{},
		logger:      noopLogger{},
		streams:     make(map[string]*stream),
	}
	if auth.Username != "" {
		h.authValue = "Basic " + base64.StdEncoding.EncodeToString([]byte(auth.Username+":"+auth.Password))
	}
	return h
}

// SetLogger sets the logger for the hub.
func (h *Hub) SetLogger(logger Logger) {
	h.logger = logger
}

// SetPublisher connects the realtime hub.
func (h *Hub) SetPublisher(p events.Publisher) {
	if p != nil {
		h.publisher = p
	}
}

// SetStatusSink connects the component that applies frame-driven status
// changes.
func (h *Hub) SetStatusSink(s StatusSink) {
	h.sink = s
}

// SetEventSink connects an extra receiver for every frame.
func (h *Hub) SetEventSink(s EventSink) {
	h.eventSink = s
}

// Attach starts following the worker on port. An existing attachment for
// the same device is torn down first.
func (h *Hub) Attach(hash string, port int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	if old, ok := h.streams[hash]; ok {
		old.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{hash: hash, port: port, cancel: cancel}
	h.streams[hash] = s

	size := h.cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	frames := make(chan []byte, size)

	h.wg.Add(2)
	go h.read(ctx, s, frames)
	go h.dispatch(ctx, s, frames)
}

// Detach stops following the device's worker.
func (h *Hub) Detach(hash string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.streams[hash]; ok {
		s.cancel()
		delete(h.streams, hash)
	}
}

// Connected returns the number of worker streams currently connected.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.streams {
		if s.connected {
			n++
		}
	}
	return n
}

// Close detaches every stream and waits for their goroutines, bounded by ctx.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for hash, s := range h.streams {
		s.cancel()
		delete(h.streams, hash)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) setConnected(s *stream, connected bool) {
	h.mu.Lock()
	s.connected = connected
	h.mu.Unlock()
}

// read connects to the worker and pushes frames until ctx ends. Failed
// dials and connections that drop before stableAfter count as failures and
// are retried with backoff. After MaxRetries consecutive failures the
// stream gives up and reports worker-stopped.
func (h *Hub) read(ctx context.Context, s *stream, frames chan<- []byte) {
	defer h.wg.Done()
	defer close(frames)

	url := "ws://127.0.0.1:" + strconv.Itoa(s.port) + h.path
	header := http.Header{}
	if h.authValue != "" {
		header.Set("Authorization", h.authValue)
	}

	failures := 0
	for {
		conn, err := h.dial(ctx, url, header)
		if err == nil {
			h.setConnected(s, true)
			h.logger.Info("worker event stream connected", "device_hash", s.hash, "port", s.port)
			h.publisher.Publish(events.GlobalChannel, events.ContainerConnected, map[string]any{
				"deviceHash": s.hash,
				"port":       s.port,
			})

			connectedAt := time.Now()
			err = h.pump(ctx, conn, frames)
			h.setConnected(s, false)
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("worker event stream dropped", "device_hash", s.hash, "error", err)
			if time.Since(connectedAt) >= h.stableAfter {
				failures = 0
			}
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		if failures > h.cfg.MaxRetries {
			h.logger.Warn("worker event stream lost, giving up",
				"device_hash", s.hash,
				"attempts", failures,
				"error", err,
			)
			h.publisher.Publish(events.GlobalChannel, events.WorkerStopped, map[string]any{
				"deviceHash": s.hash,
				"reason":     err.Error(),
			})
			return
		}
		delay := h.backoff.Delay(failures)
		h.logger.Debug("worker event stream retrying", "device_hash", s.hash, "attempt", failures, "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (h *Hub) dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := h.dialer.DialContext(dctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// pump reads frames from conn until it fails or ctx ends.
func (h *Hub) pump(ctx context.Context, conn *websocket.Conn, frames chan<- []byte) error {
	stop := context.AfterFunc(ctx, func() {
		//nolint:errcheck // best-effort close frame before tearing down
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer func() {
		if stop() {
			conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch fans frames out to subscribers and applies implied status
// changes. Frames already buffered when the stream is detached are dropped.
func (h *Hub) dispatch(ctx context.Context, s *stream, frames <-chan []byte) {
	defer h.wg.Done()

	for data := range frames {
		if ctx.Err() != nil {
			continue
		}
		h.relay(ctx, s.hash, data)
	}
}

func (h *Hub) relay(ctx context.Context, hash string, data []byte) {
	msg := messagePayload(data)
	h.publisher.Publish(events.GlobalChannel, events.WorkerMessage, map[string]any{
		"deviceHash": hash,
		"message":    msg,
	})
	h.publisher.Publish(events.DeviceChannel(hash), events.Message, msg)

	if h.eventSink != nil {
		if err := h.eventSink.PublishWorkerEvent(hash, data); err != nil {
			h.logger.Debug("failed to forward worker event", "device_hash", hash, "error", err)
		}
	}

	status, code, ok := Classify(data)
	if !ok || h.sink == nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, transitionTimeout)
	defer cancel()

	err := h.sink.Transition(tctx, hash, status, device.Reason{
		Type:    device.ReasonWorker,
		Code:    code,
		Message: "worker reported " + code,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("worker event transition not applied", "device_hash", hash, "to", status, "error", err)
	}
}
