package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

// ErrInvalidWindow is returned when a sync window ends before it starts.
var ErrInvalidWindow = errors.New("invalid sync window: end before start")

// AuthError reports rejected credentials or a token the counterparty keeps refusing.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication failed (status %d): %s", e.Status, e.Msg)
	}
	return "authentication failed: " + e.Msg
}

// TransientError wraps failures worth retrying: timeouts, connection resets,
// 5xx and throttling responses.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures that retrying cannot fix: malformed requests
// and unexpected response schemas.
type PermanentError struct {
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("permanent error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// classifyStatus maps a non-2xx response code to an error class.
func classifyStatus(status int, msg string) error {
	err := errors.New(msg)
	switch {
	case status == 401 || status == 403:
		return &AuthError{Status: status, Msg: msg}
	case status == 408 || status == 429 || status >= 500:
		return &TransientError{Status: status, Err: err}
	default:
		return &PermanentError{Status: status, Err: err}
	}
}

// classifyTransport maps an http.Client error to an error class. parent is the
// caller's context: its cancellation aborts the run instead of being retried.
func classifyTransport(parent context.Context, err error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	inner := err
	var uerr *url.Error
	if errors.As(err, &uerr) {
		inner = uerr.Err
	}
	var nerr net.Error
	if errors.As(inner, &nerr) {
		return &TransientError{Err: err}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return &TransientError{Err: err}
	}
	// dropped connection mid-response
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TransientError{Err: err}
	}
	return &PermanentError{Err: err}
}
