package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/infrastructure/config"
	"github.com/nerrad567/devgate/internal/worker"
)

type fakeResolver struct {
	targets map[string]worker.Target

	mu          sync.Mutex
	transitions []device.Status
	reasons     []device.Reason
}

func (f *fakeResolver) Lookup(_ context.Context, hash string) (worker.Target, error) {
	t, ok := f.targets[hash]
	if !ok {
		return worker.Target{}, device.ErrDeviceNotFound
	}
	return t, nil
}

func (f *fakeResolver) Transition(_ context.Context, _ string, to device.Status, reason device.Reason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, to)
	f.reasons = append(f.reasons, reason)
	return nil
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(p)
	return port
}

func testConfig() config.ProxyConfig {
	return config.ProxyConfig{
		LoginPath:    "/app/login",
		Timeout:      2 * time.Second,
		MaxInFlight:  4,
		QueueTimeout: 100 * time.Millisecond,
	}
}

func testAuth() config.WorkerAuthConfig {
	return config.WorkerAuthConfig{Username: "gw", Password: "pw"}
}

func newTestRouter(t *testing.T, cfg config.ProxyConfig, h http.Handler, status device.Status) (*Router, *fakeResolver) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	res := &fakeResolver{targets: map[string]worker.Target{
		"dev1": {Hash: "dev1", Status: status, Port: portOf(t, srv.Listener.Addr().String())},
	}}
	return New(cfg, testAuth(), res), res
}

func wantCode(t *testing.T, err error, status int, code string) {
	t.Helper()
	pe, ok := AsError(err)
	if !ok {
		t.Fatalf("error = %v, want *proxy.Error", err)
	}
	if pe.Status != status || pe.Code != code {
		t.Errorf("error = %d %s, want %d %s", pe.Status, pe.Code, status, code)
	}
}

func TestRoute_Forwards(t *testing.T) {
	var got *http.Request
	var gotBody string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "session=worker")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck // test
	})
	r, _ := newTestRouter(t, testConfig(), h, device.StatusConnected)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer client-token")
	hdr.Set("X-Device-Hash", "dev1")
	hdr.Set("X-Custom", "kept")
	hdr.Set("Content-Type", "application/json")

	resp, err := r.Route(context.Background(), "dev1", Request{
		Method:   http.MethodPost,
		Path:     "/send/message",
		RawQuery: "a=1",
		Header:   hdr,
		Body:     strings.NewReader(`{"phone":"1"}`),
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	if resp.StatusCode != http.StatusCreated || string(resp.Body) != `{"ok":true}` {
		t.Errorf("response = %d %s", resp.StatusCode, resp.Body)
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Error("Set-Cookie leaked from worker")
	}
	if got.Method != http.MethodPost || got.URL.Path != "/send/message" || got.URL.RawQuery != "a=1" {
		t.Errorf("worker saw %s %s?%s", got.Method, got.URL.Path, got.URL.RawQuery)
	}
	if user, pass, ok := got.BasicAuth(); !ok || user != "gw" || pass != "pw" {
		t.Errorf("worker auth = %q:%q, want gateway credentials", user, pass)
	}
	if got.Header.Get("X-Device-Hash") != "" {
		t.Error("X-Device-Hash forwarded")
	}
	if got.Header.Get("X-Custom") != "kept" {
		t.Error("custom header dropped")
	}
	if gotBody != `{"phone":"1"}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestRoute_WorkerErrorIsVerbatim(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broke")) //nolint:errcheck // test
	})
	r, _ := newTestRouter(t, testConfig(), h, device.StatusActive)

	resp, err := r.Route(context.Background(), "dev1", Request{Path: "/x"})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway || string(resp.Body) != "upstream broke" {
		t.Errorf("response = %d %s", resp.StatusCode, resp.Body)
	}
}

func TestRoute_OversizedResponse(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"at limit", 1024, false},
		{"over limit", 1025, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write(bytes.Repeat([]byte("x"), tt.size)) //nolint:errcheck // test
			})
			r, _ := newTestRouter(t, testConfig(), h, device.StatusActive)
			r.maxBody = 1024

			resp, err := r.Route(context.Background(), "dev1", Request{Path: "/x"})
			if tt.wantErr {
				wantCode(t, err, http.StatusInternalServerError, CodeProxyError)
				return
			}
			if err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			if len(resp.Body) != tt.size {
				t.Errorf("body length = %d, want %d", len(resp.Body), tt.size)
			}
		})
	}
}

func TestRoute_Errors(t *testing.T) {
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	refusedPort := portOf(t, closed.Addr().String())
	closed.Close()

	res := &fakeResolver{targets: map[string]worker.Target{
		"stopped":  {Status: device.StatusStopped},
		"qr":       {Status: device.StatusWaitingQR, Port: refusedPort},
		"noport":   {Status: device.StatusActive},
		"refused":  {Status: device.StatusConnected, Port: refusedPort},
		"starting": {Status: device.StatusStarting, Port: refusedPort},
	}}
	r := New(testConfig(), testAuth(), res)

	tests := []struct {
		hash   string
		path   string
		status int
		code   string
	}{
		{"unknown", "/x", http.StatusNotFound, CodeDeviceNotFound},
		{"stopped", "/x", http.StatusBadRequest, CodeDeviceNotActive},
		{"starting", "/x", http.StatusBadRequest, CodeDeviceNotActive},
		{"qr", "/x", http.StatusBadRequest, CodeDeviceNotActive},
		{"qr", "/app/login", http.StatusServiceUnavailable, CodeContainerUnreachable},
		{"noport", "/x", http.StatusNotFound, CodeContainerNotFound},
		{"refused", "/x", http.StatusServiceUnavailable, CodeContainerUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.hash+tt.path, func(t *testing.T) {
			_, err := r.Route(context.Background(), tt.hash, Request{Path: tt.path})
			wantCode(t, err, tt.status, tt.code)
		})
	}
}

func TestRoute_NotFoundWrapsRegistryError(t *testing.T) {
	r := New(testConfig(), testAuth(), &fakeResolver{})
	_, err := r.Route(context.Background(), "nope", Request{Path: "/"})
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("error = %v, want wrapped ErrDeviceNotFound", err)
	}
}

func TestRoute_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	release := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	r, _ := newTestRouter(t, cfg, h, device.StatusActive)
	defer close(release)

	_, err := r.Route(context.Background(), "dev1", Request{Path: "/slow"})
	wantCode(t, err, http.StatusServiceUnavailable, CodeContainerUnreachable)
}

func TestRoute_LoginInlinesQR(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}
	mux := http.NewServeMux()
	mux.HandleFunc("/app/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"SUCCESS","results":{"qr_duration":30,"qr_link":"http://localhost:3000/statics/qrcode/scan.png"}}`)) //nolint:errcheck // test
	})
	mux.HandleFunc("/statics/qrcode/scan.png", func(w http.ResponseWriter, r *http.Request) {
		if user, _, _ := r.BasicAuth(); user != "gw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png) //nolint:errcheck // test
	})
	r, res := newTestRouter(t, testConfig(), mux, device.StatusActive)

	resp, err := r.Route(context.Background(), "dev1", Request{Method: http.MethodGet, Path: "/app/login"})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	var body struct {
		Code    string `json:"code"`
		Results struct {
			QRDuration int    `json:"qr_duration"`
			QRLink     string `json:"qr_link"`
		} `json:"results"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	if body.Results.QRLink != want {
		t.Errorf("qr_link = %q, want %q", body.Results.QRLink, want)
	}
	if body.Code != "SUCCESS" || body.Results.QRDuration != 30 {
		t.Errorf("other fields lost: %+v", body)
	}

	res.mu.Lock()
	defer res.mu.Unlock()
	if len(res.transitions) != 1 || res.transitions[0] != device.StatusWaitingQR {
		t.Errorf("transitions = %v, want [waiting_qr]", res.transitions)
	}
	if res.reasons[0].Code != CodeQRGenerated || res.reasons[0].Type != device.ReasonProxy {
		t.Errorf("reason = %+v", res.reasons[0])
	}
}

func TestRoute_LoginWithoutQRLeavesBody(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"ALREADY_LOGGED_IN"}`)) //nolint:errcheck // test
	})
	r, res := newTestRouter(t, testConfig(), h, device.StatusConnected)

	resp, err := r.Route(context.Background(), "dev1", Request{Path: "/app/login"})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if string(resp.Body) != `{"code":"ALREADY_LOGGED_IN"}` {
		t.Errorf("body = %s", resp.Body)
	}
	if len(res.transitions) != 0 {
		t.Errorf("transitions = %v, want none", res.transitions)
	}
}

func TestRoute_Backpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 1
	cfg.QueueTimeout = 50 * time.Millisecond

	entered := make(chan struct{})
	release := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	})
	r, _ := newTestRouter(t, cfg, h, device.StatusActive)

	done := make(chan error, 1)
	go func() {
		_, err := r.Route(context.Background(), "dev1", Request{Path: "/slow"})
		done <- err
	}()
	<-entered

	_, err := r.Route(context.Background(), "dev1", Request{Path: "/slow"})
	wantCode(t, err, http.StatusTooManyRequests, CodeDeviceBusy)

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Route() error = %v", err)
	}
}
