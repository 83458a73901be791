// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// NetworkError is a request that never produced an HTTP response:
// connection refused, DNS failure, reset mid-body. Callers can extract
// it with errors.As:
//
//	var networkErr *NetworkError
//	if errors.As(err, &networkErr) { ... retry with backoff ... }
type NetworkError struct {
	// Op names the failed call ("history", "send", ...).
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("messaging: %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response other than 401, or a 2xx response
// whose body could not be decoded (StatusCode is then the 2xx code).
type ServerError struct {
	Op         string
	StatusCode int
	// Message is the server's error text, or the raw body when the
	// server did not send JSON.
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("messaging: %s: server error (%d): %s", e.Op, e.StatusCode, e.Message)
}

// AuthError means the bearer token was rejected. The session it came
// from has been invalidated by the time the caller sees this error.
//
// Err is set when the request was never made because the credentials
// were already invalid.
type AuthError struct {
	Op      string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("messaging: %s: unauthorized: %v", e.Op, e.Err)
	case e.Message == "":
		return fmt.Sprintf("messaging: %s: unauthorized", e.Op)
	default:
		return fmt.Sprintf("messaging: %s: unauthorized: %s", e.Op, e.Message)
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError is a local rejection made before any request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("messaging: invalid %s: %s", e.Field, e.Reason)
}

// IsTransient reports whether err is worth retrying: only network
// failures are. Server, auth, and validation errors are final, as is
// context cancellation.
func IsTransient(err error) bool {
	var networkErr *NetworkError
	return errors.As(err, &networkErr)
}

// IsCanceled reports whether err stems from context cancellation or
// deadline expiry rather than a backend failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// DefaultMaxBodyBytes bounds a message body when the caller configures
// no limit.
const DefaultMaxBodyBytes = 64 << 10

// ValidateBody rejects a body that is blank, is not valid UTF-8, or is
// longer than maxBytes. A maxBytes of zero or less means
// DefaultMaxBodyBytes.
func ValidateBody(body string, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	if isBlank(body) {
		return &ValidationError{Field: "body", Reason: "empty"}
	}
	if !utf8.ValidString(body) {
		return &ValidationError{Field: "body", Reason: "not valid UTF-8"}
	}
	if len(body) > maxBytes {
		return &ValidationError{Field: "body", Reason: fmt.Sprintf("%d bytes exceeds limit of %d", len(body), maxBytes)}
	}
	return nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
