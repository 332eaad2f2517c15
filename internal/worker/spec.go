package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/process"
)

const sessionDirPerm = 0o700

// placeholders lists the tokens expanded in worker args and env.
var placeholders = []string{
	"{port}", "{session_dir}", "{device_hash}",
	"{webhook_url}", "{webhook_secret}", "{basic_auth}",
}

// sessionDir returns the per-device working directory.
func (c *Controller) sessionDir(hash string) string {
	return filepath.Join(c.cfg.SessionsDir, hash)
}

// hasSession reports whether the device has a persisted login: a non-empty
// session marker file inside its session directory.
func (c *Controller) hasSession(hash string) bool {
	info, err := os.Stat(filepath.Join(c.sessionDir(hash), c.cfg.SessionMarker))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// buildSpec expands the configured command line for one device. An argument
// or env entry that references an empty value is dropped so the worker falls
// back to its own default.
func (c *Controller) buildSpec(d *device.Device, port int) (process.Spec, error) {
	dir := c.sessionDir(d.Hash)
	if err := os.MkdirAll(dir, sessionDirPerm); err != nil {
		return process.Spec{}, fmt.Errorf("creating session directory: %w", err)
	}

	basicAuth := ""
	if c.cfg.Auth.Username != "" {
		basicAuth = c.cfg.Auth.Username + ":" + c.cfg.Auth.Password
	}
	values := map[string]string{
		"{port}":           strconv.Itoa(port),
		"{session_dir}":    dir,
		"{device_hash}":    d.Hash,
		"{webhook_url}":    d.WebhookURL,
		"{webhook_secret}": d.WebhookSecret,
		"{basic_auth}":     basicAuth,
	}

	return process.Spec{
		Name:            "worker-" + d.Hash,
		Binary:          c.cfg.Binary,
		Args:            expandAll(c.cfg.Args, values),
		Env:             expandAll(c.cfg.Env, values),
		WorkDir:         dir,
		GracefulTimeout: c.cfg.GracefulTimeout,
	}, nil
}

func expandAll(templates []string, values map[string]string) []string {
	pairs := make([]string, 0, 2*len(values))
	for _, p := range placeholders {
		pairs = append(pairs, p, values[p])
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, 0, len(templates))
	for _, t := range templates {
		if referencesEmpty(t, values) {
			continue
		}
		out = append(out, r.Replace(t))
	}
	return out
}

func referencesEmpty(t string, values map[string]string) bool {
	for _, p := range placeholders {
		if strings.Contains(t, p) && values[p] == "" {
			return true
		}
	}
	return false
}
