package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nerrad567/devgate/internal/device"
)

// CodeQRGenerated is the reason code for the waiting_qr transition made
// when a login QR is handed out.
const CodeQRGenerated = "QR_GENERATED"

// maxQRBytes caps the fetched QR image.
const maxQRBytes = 2 << 20

// qrKeys are the field names workers use for the QR image link.
var qrKeys = []string{"qr_link", "qrLink"}

// inlineQR replaces the QR link in a login response with the image itself
// as a data URL and moves the device to waiting_qr. The response is left
// untouched when it carries no link or the image cannot be fetched.
func (r *Router) inlineQR(ctx context.Context, hash string, port int, resp *Response) {
	var doc map[string]any
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return
	}

	holder, key, link := findQRLink(doc)
	if holder == nil {
		return
	}

	if !strings.HasPrefix(link, "data:") {
		dataURL, err := r.fetchQR(ctx, port, link)
		if err != nil {
			r.logger.Warn("failed to inline login QR", "device_hash", hash, "error", err)
			return
		}
		holder[key] = dataURL

		body, err := json.Marshal(doc)
		if err != nil {
			r.logger.Warn("failed to encode login response", "device_hash", hash, "error", err)
			return
		}
		resp.Body = body
		resp.Header.Set("Content-Type", "application/json")
	}

	reason := device.Reason{
		Type:    device.ReasonProxy,
		Code:    CodeQRGenerated,
		Message: "login QR issued",
	}
	if d, ok := holder["qr_duration"]; ok {
		reason.Data = map[string]any{"qrDuration": d}
	}
	if err := r.resolver.Transition(ctx, hash, device.StatusWaitingQR, reason); err != nil {
		r.logger.Debug("waiting_qr transition not applied", "device_hash", hash, "error", err)
	}
}

// findQRLink looks for the link at the top level and under "results".
func findQRLink(doc map[string]any) (map[string]any, string, string) {
	candidates := []map[string]any{doc}
	if res, ok := doc["results"].(map[string]any); ok {
		candidates = append(candidates, res)
	}
	for _, m := range candidates {
		for _, k := range qrKeys {
			if v, ok := m[k].(string); ok && v != "" {
				return m, k, v
			}
		}
	}
	return nil, "", ""
}

// fetchQR downloads the image from the worker. Workers advertise links on
// their own public address, so only the path and query are kept and the
// request goes to the worker's loopback port.
func (r *Router) fetchQR(ctx context.Context, port int, link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parsing QR link: %w", err)
	}
	target := workerURL(port, u.EscapedPath())
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("building QR request: %w", err)
	}
	if r.username != "" {
		req.SetBasicAuth(r.username, r.password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching QR: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching QR: status %d", resp.StatusCode)
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, maxQRBytes))
	if err != nil {
		return "", fmt.Errorf("reading QR: %w", err)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img), nil
}
