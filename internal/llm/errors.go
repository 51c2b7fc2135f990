package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

var (
	// ErrProviderExhausted matches every *ExhaustedError.
	ErrProviderExhausted = errors.New("provider retries exhausted")
	// ErrEmptyPrompt is returned before any call is made.
	ErrEmptyPrompt = errors.New("empty prompt")
)

// TransientError is a failure expected to succeed on a later attempt:
// rate limiting, overload, or a network blip.
type TransientError struct {
	Provider string
	Status   int // HTTP status, 0 for network failures
	Err      error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned when every attempt failed transiently. Callers
// treat it as a per-student failure.
type ExhaustedError struct {
	Provider   string
	Attempts   int
	LastStatus int
	Last       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: call failed after %d attempts (last status %d): %v",
		e.Provider, e.Attempts, e.LastStatus, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Is reports ErrProviderExhausted as a match.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrProviderExhausted
}

// isTransientStatus reports rate-limit and overload statuses. 529 is
// Anthropic's "overloaded".
func isTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		529:
		return true
	}
	return false
}

// isNetworkError reports connection-level failures that carry no HTTP status.
func isNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
