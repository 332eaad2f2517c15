package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("DEVGATE_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("DEVGATE_CONFIG", "/etc/devgate/config.yaml")
	if got := getConfigPath(); got != "/etc/devgate/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("DEVGATE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with a missing config file")
	}
}

func TestRun_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
workers:
  binary: ""
`)
	t.Setenv("DEVGATE_CONFIG", path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail when workers.binary is empty")
	}
}

func TestRun_StartsAndStops(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)

	path := writeConfig(t, fmt.Sprintf(`
gateway:
  id: test-gateway
database:
  path: %q
  wal_mode: true
  busy_timeout: 5
mqtt:
  enabled: false
influxdb:
  enabled: false
logging:
  level: error
  format: text
api:
  host: "127.0.0.1"
  port: %d
workers:
  binary: /bin/true
  sessions_dir: %q
  port_range:
    min: 8001
    max: 8010
`, filepath.Join(dir, "devgate.db"), port, filepath.Join(dir, "sessions")))
	t.Setenv("DEVGATE_CONFIG", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		select {
		case err := <-errCh:
			t.Fatalf("run() returned early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("API did not become healthy")
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
