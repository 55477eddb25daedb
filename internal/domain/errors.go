package domain

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrVerificationFailed = errors.New("inbound verification failed")
	ErrTransientUpstream  = errors.New("transient upstream error")
	ErrFatalUpstream      = errors.New("fatal upstream error")
	ErrExhaustedRetries   = errors.New("retries exhausted")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrAgentUnavailable   = errors.New("agent unavailable")
	ErrStatusRegression   = errors.New("delivery status cannot move backwards")
	ErrNotFound           = errors.New("not found")
)

// CodeEmptyResponse marks a completion that carried no usable text.
const CodeEmptyResponse = "empty_response"

// UpstreamError is a classified failure reported by an external service.
type UpstreamError struct {
	Service   string
	Status    int
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is matches ErrTransientUpstream or ErrFatalUpstream depending on Retryable.
func (e *UpstreamError) Is(target error) bool {
	if e.Retryable {
		return target == ErrTransientUpstream
	}
	return target == ErrFatalUpstream
}

// NewTransient returns a retryable upstream error.
func NewTransient(service, code, msg string) *UpstreamError {
	return &UpstreamError{Service: service, Code: code, Message: msg, Retryable: true}
}

// NewFatal returns a non-retryable upstream error.
func NewFatal(service, code, msg string) *UpstreamError {
	return &UpstreamError{Service: service, Code: code, Message: msg}
}

// IsRetryable reports whether err is worth another attempt: network and
// transport failures, transient upstream errors, and anything whose message
// mentions a rate limit, timeout or network problem.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatalUpstream) {
		return false
	}
	if errors.Is(err, ErrTransientUpstream) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"rate limit", "timeout", "network"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
