package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/infrastructure/config"
	"github.com/nerrad567/devgate/internal/worker"
)

// maxResponseBytes caps a buffered worker response. Larger responses fail
// with PROXY_ERROR instead of being truncated.
const maxResponseBytes = 32 << 20

// Logger defines the logging interface used by the router.
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

// Resolver finds the worker behind a device and applies status changes.
// *worker.Controller implements it.
type Resolver interface {
	Lookup(ctx context.Context, hash string) (worker.Target, error)
	Transition(ctx context.Context, hash string, to device.Status, reason device.Reason) error
}

// Request is an inbound call to forward. Path is relative to the worker
// root with any gateway prefix already removed.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.Reader
}

// Response is the worker's answer, returned verbatim apart from the QR
// rewrite on the login path.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Router forwards API calls to the worker of a device.
type Router struct {
	cfg      config.ProxyConfig
	username string
	password string
	resolver Resolver
	client   *http.Client
	logger   Logger
	maxBody  int64

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// New creates a router. Calls to workers carry the gateway's Basic
// credentials instead of whatever the caller sent.
func New(cfg config.ProxyConfig, auth config.WorkerAuthConfig, resolver Resolver) *Router {
	return &Router{
		cfg:      cfg,
		username: auth.Username,
		password: auth.Password,
		resolver: resolver,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  noopLogger{},
		maxBody: maxResponseBytes,
		slots:   make(map[string]*semaphore.Weighted),
	}
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.logger = logger
}

// Route forwards req to the device's worker. Failures are *Error values
// carrying the API status and code.
func (r *Router) Route(ctx context.Context, hash string, req Request) (*Response, error) {
	target, err := r.resolver.Lookup(ctx, hash)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return nil, errDeviceNotFound(err)
		}
		return nil, errProxy(err)
	}

	login := r.isLogin(req.Path)
	if !target.Status.Routable() && !(login && target.Status == device.StatusWaitingQR) {
		return nil, errDeviceNotActive(string(target.Status))
	}
	if target.Port == 0 {
		return nil, errContainerNotFound()
	}

	release, err := r.acquire(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := r.forward(ctx, target.Port, req)
	if err != nil {
		return nil, err
	}

	if login && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		r.inlineQR(ctx, hash, target.Port, resp)
	}
	return resp, nil
}

// Forget drops the per-device request slots, for example after the
// device was deleted.
func (r *Router) Forget(hash string) {
	r.mu.Lock()
	delete(r.slots, hash)
	r.mu.Unlock()
}

// LoginPath returns the worker path whose QR response is inlined.
func (r *Router) LoginPath() string {
	return r.cfg.LoginPath
}

func (r *Router) isLogin(path string) bool {
	return r.cfg.LoginPath != "" && strings.TrimSuffix(path, "/") == strings.TrimSuffix(r.cfg.LoginPath, "/")
}

// acquire takes an in-flight slot for hash. Waiters are served in arrival
// order and give up after the queue timeout.
func (r *Router) acquire(ctx context.Context, hash string) (func(), error) {
	if r.cfg.MaxInFlight <= 0 {
		return func() {}, nil
	}

	r.mu.Lock()
	sem, ok := r.slots[hash]
	if !ok {
		sem = semaphore.NewWeighted(int64(r.cfg.MaxInFlight))
		r.slots[hash] = sem
	}
	r.mu.Unlock()

	if sem.TryAcquire(1) {
		return func() { sem.Release(1) }, nil
	}

	waitCtx := ctx
	if r.cfg.QueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.cfg.QueueTimeout)
		defer cancel()
	}
	if err := sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, errProxy(ctx.Err())
		}
		r.logger.Warn("proxy queue timeout", "device_hash", hash, "max_in_flight", r.cfg.MaxInFlight)
		return nil, errBusy()
	}
	return func() { sem.Release(1) }, nil
}

func (r *Router) forward(ctx context.Context, port int, req Request) (*Response, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	url := workerURL(port, req.Path)
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, method, url, req.Body)
	if err != nil {
		return nil, errProxy(fmt.Errorf("building request: %w", err))
	}
	copyHeaders(out.Header, req.Header)
	if r.username != "" {
		out.SetBasicAuth(r.username, r.password)
	}

	start := time.Now()
	resp, err := r.client.Do(out)
	if err != nil {
		if isUnreachable(err) {
			return nil, errUnreachable(err)
		}
		return nil, errProxy(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody+1))
	if err != nil {
		if isUnreachable(err) {
			return nil, errUnreachable(err)
		}
		return nil, errProxy(fmt.Errorf("reading response: %w", err))
	}
	if int64(len(body)) > r.maxBody {
		r.logger.Warn("worker response too large", "path", req.Path, "port", port, "limit_bytes", r.maxBody)
		return nil, errProxy(fmt.Errorf("response exceeds %d bytes", r.maxBody))
	}

	r.logger.Debug("proxied request",
		"method", method,
		"path", req.Path,
		"port", port,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	header := make(http.Header)
	copyHeaders(header, resp.Header)
	return &Response{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

func workerURL(port int, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://127.0.0.1:" + strconv.Itoa(port) + path
}

// isUnreachable reports whether err means the worker did not answer at all.
func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// strippedHeaders are never forwarded in either direction.
var strippedHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"Set-Cookie":          true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Host":                true,
	"X-Device-Hash":       true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strippedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
