package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/devgate/internal/infrastructure/config"
	"github.com/nerrad567/devgate/internal/infrastructure/influxdb"
)

// fakeInflux answers the two endpoints the client uses: /ping and
// /api/v2/write.
type fakeInflux struct {
	mu    sync.Mutex
	lines []string
	org   string
	bkt   string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping", "/health":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.org = r.URL.Query().Get("org")
		f.bkt = r.URL.Query().Get("bucket")
		for _, l := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if l != "" {
				f.lines = append(f.lines, l)
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "devgate-test-token",
		Org:           "devgate",
		Bucket:        "metrics",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func connect(t *testing.T) (*influxdb.Client, *fakeInflux) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := influxdb.Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, fake
}

func waitForLines(t *testing.T, client *influxdb.Client, fake *fakeInflux, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		client.Flush()
		if lines := fake.written(); len(lines) >= n {
			return lines
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected %d written lines, got %v", n, fake.written())
	return nil
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := influxdb.Connect(testConfig(url)); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_DefaultBatchSettings(t *testing.T) {
	srv := httptest.NewServer(&fakeInflux{})
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.BatchSize = -5
	cfg.FlushInterval = 0

	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
}

func TestHealthCheck(t *testing.T) {
	client, _ := connect(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	client.Close()
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestRecordProbeAndRestart(t *testing.T) {
	client, fake := connect(t)

	client.RecordProbe("dev1", 12*time.Millisecond, true)
	client.RecordRestart("dev1", 2, 4*time.Second, "SCHEDULED")

	lines := waitForLines(t, client, fake, 2)
	joined := strings.Join(lines, "\n")

	if !strings.Contains(joined, "worker_probe,device_hash=dev1 ") || !strings.Contains(joined, "ok=true") {
		t.Errorf("probe line missing in %q", joined)
	}
	if !strings.Contains(joined, "worker_restart,code=SCHEDULED,device_hash=dev1 ") || !strings.Contains(joined, "delay_ms=4000i") {
		t.Errorf("restart line missing in %q", joined)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.org != "devgate" || fake.bkt != "metrics" {
		t.Errorf("write target = %s/%s", fake.org, fake.bkt)
	}
}

func TestRecordWebhookAndGateway(t *testing.T) {
	client, fake := connect(t)

	client.RecordWebhook("dev1", 3, "dropped", 500, 30*time.Millisecond)
	client.RecordGateway("gw-1", influxdb.GatewayStats{
		LiveWorkers:     2,
		PortsInUse:      2,
		DevicesByStatus: map[string]int{"connected": 2},
	})

	joined := strings.Join(waitForLines(t, client, fake, 2), "\n")
	if !strings.Contains(joined, "status_webhook,device_hash=dev1,outcome=dropped ") || !strings.Contains(joined, "status_code=500i") {
		t.Errorf("webhook line missing in %q", joined)
	}
	if !strings.Contains(joined, "gateway,gateway=gw-1 ") || !strings.Contains(joined, "devices_connected=2i") {
		t.Errorf("gateway line missing in %q", joined)
	}
}

func TestWrites_AfterCloseAreDropped(t *testing.T) {
	client, fake := connect(t)
	client.Close()

	client.RecordProbe("dev1", time.Millisecond, false)
	client.Flush()
	time.Sleep(50 * time.Millisecond)

	if lines := fake.written(); len(lines) != 0 {
		t.Errorf("written after Close: %v", lines)
	}
}

func TestWrites_ZeroClientIsNoop(t *testing.T) {
	var client influxdb.Client
	client.RecordProbe("dev1", time.Millisecond, true)
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
