package worker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/infrastructure/config"
	"github.com/nerrad567/devgate/internal/infrastructure/database"
	"github.com/nerrad567/devgate/internal/ports"
	"github.com/nerrad567/devgate/internal/process"
	_ "github.com/nerrad567/devgate/migrations"
)

var nextPID atomic.Int32

// fakeProcess is a worker stand-in serving the health path on its port.
type fakeProcess struct {
	pid  int
	port int
	srv  *http.Server

	failNext atomic.Int32
	probes   atomic.Int32

	once    sync.Once
	done    chan struct{}
	exitErr error
}

func (p *fakeProcess) PID() int                 { return p.pid }
func (p *fakeProcess) Done() <-chan struct{}    { return p.done }
func (p *fakeProcess) Stats() process.Stats     { return process.Stats{PID: p.pid, Running: true} }
func (p *fakeProcess) ExitErr() error           { <-p.done; return p.exitErr }
func (p *fakeProcess) Stop(graceful bool) error { p.exit(nil); return nil }

// crash simulates the process dying on its own.
func (p *fakeProcess) crash() { p.exit(errors.New("exit status 1")) }

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		p.srv.Close() //nolint:errcheck // test server
		close(p.done)
	})
}

func (p *fakeProcess) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.probes.Add(1)
	if user, pass, ok := r.BasicAuth(); !ok || user != "gw" || pass != "pw" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if p.failNext.Load() > 0 {
		p.failNext.Add(-1)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// fakeLauncher starts fakeProcesses on the port found in --port=.
type fakeLauncher struct {
	mu        sync.Mutex
	procs     []*fakeProcess
	specs     []process.Spec
	noServe   bool
	failAfter int
	failErr   error
	delay     time.Duration
}

func (l *fakeLauncher) Launch(_ context.Context, spec process.Spec) (Process, error) {
	time.Sleep(l.delay)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failErr != nil && len(l.specs) >= l.failAfter {
		return nil, l.failErr
	}
	l.specs = append(l.specs, spec)

	port := 0
	for _, a := range spec.Args {
		if v, ok := strings.CutPrefix(a, "--port="); ok {
			port, _ = strconv.Atoi(v)
		}
	}

	p := &fakeProcess{pid: int(nextPID.Add(1)) + 10000, port: port, done: make(chan struct{})}
	p.srv = &http.Server{Handler: p, ReadHeaderTimeout: time.Second}
	if !l.noServe {
		ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			return nil, err
		}
		go p.srv.Serve(ln) //nolint:errcheck // closed by exit
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

type notRecoverable struct{}

func (notRecoverable) Error() string       { return "binary missing" }
func (notRecoverable) IsRecoverable() bool { return false }

type publishedEvent struct {
	channel, event string
	payload        any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(channel, event string, payload any) {
	p.mu.Lock()
	p.events = append(p.events, publishedEvent{channel, event, payload})
	p.mu.Unlock()
}

func (p *recordingPublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type recordingMetrics struct {
	mu       sync.Mutex
	restarts []string
}

func (m *recordingMetrics) RecordProbe(string, time.Duration, bool) {}

func (m *recordingMetrics) RecordRestart(_ string, _ int, _ time.Duration, code string) {
	m.mu.Lock()
	m.restarts = append(m.restarts, code)
	m.mu.Unlock()
}

func (m *recordingMetrics) scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.restarts {
		if c == "SCHEDULED" {
			n++
		}
	}
	return n
}

type recordingMirror struct {
	mu       sync.Mutex
	attached map[string]int
	detaches int
}

func (m *recordingMirror) Attach(hash string, port int) {
	m.mu.Lock()
	m.attached[hash] = port
	m.mu.Unlock()
}

func (m *recordingMirror) Detach(hash string) {
	m.mu.Lock()
	delete(m.attached, hash)
	m.detaches++
	m.mu.Unlock()
}

type testEnv struct {
	ctrl      *Controller
	store     *device.Registry
	alloc     *ports.Allocator
	launcher  *fakeLauncher
	publisher *recordingPublisher
	metrics   *recordingMetrics
	mirror    *recordingMirror

	mu      sync.Mutex
	changes []device.StatusChange
}

func testWorkersConfig(t *testing.T) config.WorkersConfig {
	t.Helper()
	return config.WorkersConfig{
		Binary:          "fake-worker",
		Args:            []string{"--port={port}", "--hash={device_hash}", "--webhook={webhook_url}"},
		SessionsDir:     t.TempDir(),
		SessionMarker:   "session.db",
		PortRange:       config.PortRangeConfig{Min: 39100, Max: 39199},
		StartTimeout:    2 * time.Second,
		GracefulTimeout: time.Second,
		HealthPath:      "/health",
		Auth:            config.WorkerAuthConfig{Username: "gw", Password: "pw"},
		Restart: config.RestartConfig{
			InitialDelay:    10 * time.Millisecond,
			MaxDelay:        50 * time.Millisecond,
			StableThreshold: time.Minute,
			MaxFailures:     5,
			FailureWindow:   time.Minute,
		},
		ReconcileConcurrency: 2,
	}
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		Interval:         20 * time.Millisecond,
		Timeout:          200 * time.Millisecond,
		FailureThreshold: 3,
	}
}

func newTestEnv(t *testing.T, cfg config.WorkersConfig, launcher *fakeLauncher) *testEnv {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating database: %v", err)
	}

	alloc, err := ports.New(cfg.PortRange.Min, cfg.PortRange.Max, ports.WithProbeBind())
	if err != nil {
		t.Fatalf("ports.New() error = %v", err)
	}

	env := &testEnv{
		store:     device.NewRegistry(device.NewSQLiteRepository(db.DB)),
		alloc:     alloc,
		launcher:  launcher,
		publisher: &recordingPublisher{},
		metrics:   &recordingMetrics{},
		mirror:    &recordingMirror{attached: make(map[string]int)},
	}
	env.ctrl = NewController(cfg, testHealthConfig(), env.store, alloc, launcher)
	env.ctrl.SetPublisher(env.publisher)
	env.ctrl.SetMetrics(env.metrics)
	env.ctrl.SetMirror(env.mirror)
	env.ctrl.AddStatusListener(func(ch device.StatusChange) {
		env.mu.Lock()
		env.changes = append(env.changes, ch)
		env.mu.Unlock()
	})

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.ctrl.Shutdown(sctx) //nolint:errcheck // test cleanup
	})
	return env
}

func (e *testEnv) register(t *testing.T, hash string, status device.Status) {
	t.Helper()
	d := &device.Device{Hash: hash, Name: hash, Status: status, WebhookURL: "http://127.0.0.1:1/hook"}
	if err := e.store.Create(context.Background(), d); err != nil {
		t.Fatalf("Create(%s) error = %v", hash, err)
	}
}

func (e *testEnv) status(t *testing.T, hash string) device.Status {
	t.Helper()
	d, err := e.store.FindByHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("FindByHash(%s) error = %v", hash, err)
	}
	return d.Status
}

func (e *testEnv) hasChange(from, to device.Status, code string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.changes {
		if ch.From == from && ch.To == to && (code == "" || ch.Reason.Code == code) {
			return true
		}
	}
	return false
}

func (e *testEnv) changeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.changes)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
