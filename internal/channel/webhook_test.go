package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"agentrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// recordingProcessor verifies and normalizes like the router does, records
// what it saw, and returns err.
type recordingProcessor struct {
	mu       sync.Mutex
	units    []domain.Unit
	inbounds []domain.Inbound
	err      error
}

func (p *recordingProcessor) Process(_ context.Context, unit domain.Unit) ([]domain.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.units = append(p.units, unit)
	if !unit.Adapter.VerifyInbound(unit.Token) {
		return nil, domain.ErrVerificationFailed
	}
	in, err := unit.Adapter.NormalizeInbound(unit.Payload)
	if err != nil {
		return nil, err
	}
	p.inbounds = append(p.inbounds, in...)
	return make([]domain.Outcome, len(in)), p.err
}

func (p *recordingProcessor) seen() []domain.Inbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Inbound(nil), p.inbounds...)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	assert.True(t, verifyHMAC(body, "test-secret", sign("test-secret", body)))
	assert.False(t, verifyHMAC(body, "test-secret", "sha256=invalid"))
	assert.False(t, verifyHMAC(body, "test-secret", ""))
	assert.False(t, verifyHMAC(body, "", sign("", body)), "an empty secret never verifies")
}

func TestTokensEqual_FailsClosed(t *testing.T) {
	assert.True(t, tokensEqual("s3cret", "s3cret"))
	assert.False(t, tokensEqual("s3cret", "s3cre"))
	assert.False(t, tokensEqual("", ""))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("whatsapp inbound: %w", domain.ErrVerificationFailed), http.StatusUnauthorized},
		{fmt.Errorf("%w: bad json", domain.ErrMalformedPayload), http.StatusBadRequest},
		{fmt.Errorf("aborted: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{context.Canceled, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: inactive", domain.ErrAgentUnavailable), http.StatusOK},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "err=%v", tt.err)
	}
}

func TestRemoteError(t *testing.T) {
	graph := []byte(`{"error":{"message":"(#131030) Recipient phone number not in allowed list","type":"OAuthException","code":131030}}`)
	assert.Equal(t, "(#131030) Recipient phone number not in allowed list", remoteError(400, graph))
	assert.Equal(t, "invalid order", remoteError(422, []byte(`{"error":"invalid order"}`)))
	assert.Equal(t, "HTTP 502: bad gateway", remoteError(502, []byte("bad gateway")))
}

func TestReadBody_TooLarge(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", maxBodySize+1)))
	_, err := readBody(req)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short message"}, splitMessage("short message", 100))
	assert.Equal(t, []string{""}, splitMessage("", 100))

	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 50, "chunk %d", i)
	}

	lines := strings.Repeat("line of text\n", 20)
	for _, c := range splitMessage(lines, 60) {
		assert.False(t, strings.HasPrefix(c, "\n"))
	}

	accents := strings.Repeat("ação", 50)
	for _, c := range splitMessage(accents, 33) {
		assert.True(t, utf8.ValidString(c), "chunk split a rune: %q", c)
	}
}
