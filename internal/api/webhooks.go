package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/devgate/internal/webhook"
)

// verifyRequest checks a signature against either an explicit secret or
// the status webhook secret of a registered device.
type verifyRequest struct {
	DeviceHash string `json:"deviceHash"`
	Secret     string `json:"secret"`
	Payload    string `json:"payload"`
	Signature  string `json:"signature"`
}

func (s *Server) handleVerifyWebhook(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Signature == "" {
		req.Signature = r.Header.Get(webhook.HeaderSignature)
	}
	if req.Payload == "" || req.Signature == "" {
		writeBadRequest(w, "payload and signature are required")
		return
	}

	secret := req.Secret
	if req.DeviceHash != "" {
		d, err := s.registry.FindByHash(r.Context(), req.DeviceHash)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		secret = d.StatusWebhookSecret
	}

	if err := webhook.Verify(secret, []byte(req.Payload), req.Signature); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}
