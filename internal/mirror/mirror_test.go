package mirror

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/events"
	"github.com/nerrad567/devgate/internal/infrastructure/config"
)

type published struct {
	channel, event string
	payload        any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(channel, event string, payload any) {
	p.mu.Lock()
	p.events = append(p.events, published{channel, event, payload})
	p.mu.Unlock()
}

func (p *recordingPublisher) count(channel, event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.channel == channel && e.event == event {
			n++
		}
	}
	return n
}

type recordingSink struct {
	mu      sync.Mutex
	changes []device.Status
	codes   []string
}

func (s *recordingSink) Transition(_ context.Context, _ string, to device.Status, reason device.Reason) error {
	s.mu.Lock()
	s.changes = append(s.changes, to)
	s.codes = append(s.codes, reason.Code)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) statuses() []device.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]device.Status(nil), s.changes...)
}

type recordingEventSink struct {
	mu     sync.Mutex
	frames []string
}

func (s *recordingEventSink) PublishWorkerEvent(hash string, frame []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, hash+":"+string(frame))
	s.mu.Unlock()
	return nil
}

// fakeWorker serves the event endpoint and hands each accepted connection
// to the test.
type fakeWorker struct {
	srv   *httptest.Server
	port  int
	conns chan *websocket.Conn
	auth  chan string
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	w := &fakeWorker{conns: make(chan *websocket.Conn, 8), auth: make(chan string, 8)}
	up := websocket.Upgrader{}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(rw, r)
			return
		}
		conn, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		w.auth <- r.Header.Get("Authorization")
		w.conns <- conn
	}))
	t.Cleanup(w.srv.Close)

	_, p, _ := net.SplitHostPort(w.srv.Listener.Addr().String())
	w.port, _ = strconv.Atoi(p)
	return w
}

func (w *fakeWorker) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-w.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("mirror did not connect")
		return nil
	}
}

func testConfig() config.MirrorConfig {
	return config.MirrorConfig{
		MaxRetries:   2,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		BufferSize:   16,
	}
}

func newTestHub(t *testing.T) (*Hub, *recordingPublisher, *recordingSink) {
	t.Helper()
	h := New(testConfig(), "/ws", config.WorkerAuthConfig{Username: "gw", Password: "pw"})
	pub := &recordingPublisher{}
	sink := &recordingSink{}
	h.SetPublisher(pub)
	h.SetStatusSink(sink)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Close(ctx) //nolint:errcheck // test cleanup
	})
	return h, pub, sink
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_RelaysFrames(t *testing.T) {
	w := newFakeWorker(t)
	h, pub, sink := newTestHub(t)
	es := &recordingEventSink{}
	h.SetEventSink(es)

	h.Attach("dev1", w.port)
	conn := w.accept(t)

	if got := <-w.auth; got == "" {
		t.Error("mirror connected without credentials")
	}
	eventually(t, "container-connected", func() bool {
		return pub.count(events.GlobalChannel, events.ContainerConnected) == 1
	})

	frame := `{"code":"LOGIN_SUCCESS","message":"logged in"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("plain text")); err != nil {
		t.Fatal(err)
	}

	eventually(t, "relayed frames", func() bool {
		return pub.count(events.GlobalChannel, events.WorkerMessage) == 2 &&
			pub.count(events.DeviceChannel("dev1"), events.Message) == 2
	})

	pub.mu.Lock()
	var first map[string]any
	for _, e := range pub.events {
		if e.event == events.WorkerMessage {
			first = e.payload.(map[string]any)
			break
		}
	}
	pub.mu.Unlock()
	if first["deviceHash"] != "dev1" {
		t.Errorf("worker-message deviceHash = %v", first["deviceHash"])
	}
	raw, _ := json.Marshal(first["message"])
	if string(raw) != frame {
		t.Errorf("worker-message message = %s, want %s", raw, frame)
	}

	eventually(t, "status transition", func() bool {
		s := sink.statuses()
		return len(s) == 1 && s[0] == device.StatusConnected
	})

	es.mu.Lock()
	defer es.mu.Unlock()
	if len(es.frames) != 2 || es.frames[0] != "dev1:"+frame {
		t.Errorf("event sink frames = %v", es.frames)
	}
}

func TestHub_ReconnectsAfterDrop(t *testing.T) {
	w := newFakeWorker(t)
	h, pub, _ := newTestHub(t)

	h.Attach("dev1", w.port)
	first := w.accept(t)
	first.Close()

	w.accept(t)
	eventually(t, "second container-connected", func() bool {
		return pub.count(events.GlobalChannel, events.ContainerConnected) == 2
	})
	if pub.count(events.GlobalChannel, events.WorkerStopped) != 0 {
		t.Error("worker-stopped emitted while reconnect succeeded")
	}
}

// newFlappingWorker accepts the event stream and closes it straight away.
func newFlappingWorker(t *testing.T) (port int, dials *atomic.Int32) {
	t.Helper()
	dials = &atomic.Int32{}
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	_, p, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ = strconv.Atoi(p)
	return port, dials
}

func TestHub_FlappingWorkerCountsTowardRetries(t *testing.T) {
	port, dials := newFlappingWorker(t)
	h, pub, _ := newTestHub(t)

	h.Attach("dev1", port)

	eventually(t, "worker-stopped", func() bool {
		return pub.count(events.GlobalChannel, events.WorkerStopped) == 1
	})
	time.Sleep(100 * time.Millisecond)

	want := int32(testConfig().MaxRetries + 1)
	if got := dials.Load(); got != want {
		t.Errorf("dials = %d, want %d", got, want)
	}
	if got := pub.count(events.GlobalChannel, events.ContainerConnected); got != int(want) {
		t.Errorf("container-connected = %d, want %d", got, want)
	}
}

func TestHub_StableConnectionResetsRetries(t *testing.T) {
	port, dials := newFlappingWorker(t)
	h, pub, _ := newTestHub(t)
	h.stableAfter = 0

	h.Attach("dev1", port)

	want := int32(3 * (testConfig().MaxRetries + 1))
	eventually(t, "repeated reconnects", func() bool { return dials.Load() >= want })
	if pub.count(events.GlobalChannel, events.WorkerStopped) != 0 {
		t.Error("worker-stopped emitted although every connection counted as stable")
	}
}

func TestHub_GivesUpAfterMaxRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(p)
	ln.Close()

	h, pub, _ := newTestHub(t)
	h.Attach("dev1", port)

	eventually(t, "worker-stopped", func() bool {
		return pub.count(events.GlobalChannel, events.WorkerStopped) == 1
	})
	if pub.count(events.GlobalChannel, events.ContainerConnected) != 0 {
		t.Error("container-connected emitted for unreachable worker")
	}
	if h.Connected() != 0 {
		t.Errorf("Connected() = %d, want 0", h.Connected())
	}
}

func TestHub_DetachClosesConnection(t *testing.T) {
	w := newFakeWorker(t)
	h, _, _ := newTestHub(t)

	h.Attach("dev1", w.port)
	conn := w.accept(t)
	eventually(t, "connected", func() bool { return h.Connected() == 1 })

	h.Detach("dev1")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // test
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after Detach")
	}
	if h.Connected() != 0 {
		t.Errorf("Connected() = %d, want 0", h.Connected())
	}
}

func TestHub_AttachReplacesExisting(t *testing.T) {
	w := newFakeWorker(t)
	h, _, _ := newTestHub(t)

	h.Attach("dev1", w.port)
	old := w.accept(t)

	h.Attach("dev1", w.port)
	w.accept(t)

	old.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // test
	if _, _, err := old.ReadMessage(); err == nil {
		t.Error("old connection still open after re-Attach")
	}
	eventually(t, "single stream", func() bool { return h.Connected() == 1 })
}

func TestHub_AttachAfterCloseIsIgnored(t *testing.T) {
	h := New(testConfig(), "/ws", config.WorkerAuthConfig{})
	if err := h.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.Attach("dev1", 1)
	if len(h.streams) != 0 {
		t.Error("Attach after Close registered a stream")
	}
}
