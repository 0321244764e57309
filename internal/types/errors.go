// Package types provides shared types, interfaces, and errors for the application.
package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Challenge errors
	ErrChallengeTimeout     = errors.New("challenge resolution timed out")
	ErrChallengeLoadFailure = errors.New("challenge page failed to load")
	ErrInvalidToken         = errors.New("challenge produced an invalid token")

	// Fetch errors
	ErrTransport           = errors.New("transport error")
	ErrBlockedResponse     = errors.New("response blocked by target")
	ErrExhaustedStrategies = errors.New("all fetch strategies failed")

	// Surface errors
	ErrSurfaceClosed = errors.New("rendering surface is closed")
	ErrSurfaceBusy   = errors.New("rendering surface is busy")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrURLRequired    = errors.New("url is required")
	ErrHostRequired   = errors.New("host is required")
	ErrHostNotAllowed = errors.New("host is not on the bypass allowlist")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")
)

// ChallengeKind classifies a failed solve.
type ChallengeKind string

// Challenge failure kinds.
const (
	ChallengeTimeout      ChallengeKind = "timeout"
	ChallengeLoadFailure  ChallengeKind = "load_failure"
	ChallengeInvalidToken ChallengeKind = "invalid_token"
)

// ChallengeError provides detailed information about challenge failures.
// It implements the error interface and supports error unwrapping.
type ChallengeError struct {
	Kind    ChallengeKind // Failure kind
	URL     string        // The URL where the error occurred
	Message string        // Human-readable error message
	Err     error         // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *ChallengeError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ChallengeError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind even when Err wraps a
// lower-level cause.
func (e *ChallengeError) Is(target error) bool {
	switch e.Kind {
	case ChallengeTimeout:
		return target == ErrChallengeTimeout
	case ChallengeLoadFailure:
		return target == ErrChallengeLoadFailure
	case ChallengeInvalidToken:
		return target == ErrInvalidToken
	}
	return false
}

// NewChallengeTimeoutError creates an error for challenge timeout.
func NewChallengeTimeoutError(url string) *ChallengeError {
	return &ChallengeError{
		Kind:    ChallengeTimeout,
		URL:     url,
		Message: "Challenge resolution timed out. No token was received within the allowed time.",
		Err:     ErrChallengeTimeout,
	}
}

// NewChallengeLoadError creates an error for a challenge page that could not be loaded.
func NewChallengeLoadError(url string, err error) *ChallengeError {
	msg := "Challenge page failed to load"
	if err != nil {
		msg += ": " + err.Error()
	}
	return &ChallengeError{
		Kind:    ChallengeLoadFailure,
		URL:     url,
		Message: msg,
		Err:     err,
	}
}

// NewInvalidTokenError creates an error for a malformed completion token.
func NewInvalidTokenError(url, reason string) *ChallengeError {
	return &ChallengeError{
		Kind:    ChallengeInvalidToken,
		URL:     url,
		Message: "Challenge token rejected: " + reason,
		Err:     ErrInvalidToken,
	}
}

// FetchKind classifies a failed fetch step.
type FetchKind string

// Fetch failure kinds.
const (
	FetchTransport FetchKind = "transport"
	FetchBlocked   FetchKind = "blocked"
	FetchExhausted FetchKind = "exhausted"
)

// FetchError describes a failed outbound request or fetch strategy.
type FetchError struct {
	Kind       FetchKind
	URL        string
	Strategy   string // Strategy that produced the error, empty outside the pipeline
	StatusCode int    // HTTP status, 0 for transport errors
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchTransport:
		return fmt.Sprintf("transport error fetching %s: %v", e.URL, e.Err)
	case FetchBlocked:
		return fmt.Sprintf("blocked response from %s (status %d)", e.URL, e.StatusCode)
	case FetchExhausted:
		if e.Err != nil {
			return fmt.Sprintf("all fetch strategies failed for %s: %v", e.URL, e.Err)
		}
		return "all fetch strategies failed for " + e.URL
	}
	return "fetch error: " + e.URL
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *FetchError) Is(target error) bool {
	switch e.Kind {
	case FetchTransport:
		return target == ErrTransport
	case FetchBlocked:
		return target == ErrBlockedResponse
	case FetchExhausted:
		return target == ErrExhaustedStrategies
	}
	return false
}

// NewTransportError wraps a network-level failure (DNS, connect, TLS).
func NewTransportError(url string, err error) *FetchError {
	return &FetchError{Kind: FetchTransport, URL: url, Err: err}
}

// NewBlockedError reports a non-success response from a target.
func NewBlockedError(url string, status int) *FetchError {
	return &FetchError{Kind: FetchBlocked, URL: url, StatusCode: status}
}

// NewExhaustedError reports that every fetch strategy failed. last is the
// final strategy's cause.
func NewExhaustedError(url string, last error) *FetchError {
	return &FetchError{Kind: FetchExhausted, URL: url, Err: last}
}
