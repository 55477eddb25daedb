// Package channel holds the platform adapters (WhatsApp, Telegram,
// marketplace) and the HTTP surface that feeds their webhooks into the
// router.
package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"agentrelay/internal/domain"
)

const (
	maxBodySize        = 1 << 20 // 1MB
	outboundTimeout    = 30 * time.Second
	maxErrorBodyLogged = 512
)

// tokensEqual compares a presented token with the configured secret in
// constant time. An empty secret never matches.
func tokensEqual(secret, presented string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) == 1
}

// verifyHMAC verifies an "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// readBody reads at most maxBodySize bytes of the request body.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrMalformedPayload, maxBodySize)
	}
	return body, nil
}

// statusFor maps a Process error to the HTTP status returned to the
// platform. Units the router chose not to handle are acknowledged so the
// platform does not keep redelivering them.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrVerificationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAgentUnavailable):
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

// serveUnit runs one webhook delivery through the processor and writes the
// mapped response.
func serveUnit(rw http.ResponseWriter, r *http.Request, proc domain.Processor, unit domain.Unit, logger *slog.Logger) {
	outcomes, err := proc.Process(r.Context(), unit)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("webhook unit failed", "channel", unit.Adapter.Channel(), "status", status, "err", err)
	} else if err != nil {
		logger.Info("webhook unit not handled", "channel", unit.Adapter.Channel(), "status", status, "err", err)
	}

	resp := map[string]any{"success": err == nil, "processed": len(outcomes)}
	if err != nil {
		resp["error"] = http.StatusText(status)
	}
	writeJSON(rw, status, resp)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// remoteError extracts a human readable message from a failed platform
// response, falling back to the raw (truncated) body.
func remoteError(status int, body []byte) string {
	var env struct {
		Error json.RawMessage `json:"error"`
		Msg   string          `json:"message"`
	}
	if json.Unmarshal(body, &env) == nil {
		var nested struct {
			Message string `json:"message"`
		}
		if len(env.Error) > 0 && json.Unmarshal(env.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if len(env.Error) > 0 && json.Unmarshal(env.Error, &plain) == nil && plain != "" {
			return plain
		}
		if env.Msg != "" {
			return env.Msg
		}
	}
	if len(body) > maxErrorBodyLogged {
		body = body[:maxErrorBodyLogged]
	}
	return fmt.Sprintf("HTTP %d: %s", status, string(body))
}

// newOutboundClient returns the HTTP client adapters use for platform APIs.
func newOutboundClient() *http.Client {
	return &http.Client{
		Timeout: outboundTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
