// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package session holds the authenticated identity chatsync acts for:
// the bearer token, the local user's ID, and the hooks that run when
// the backend rejects the token.
//
// A Session is passed explicitly to everything that needs it. There is
// no process-wide session. Invalidation is one-way and idempotent: the
// first Invalidate call records its reason and runs every registered
// hook once. Later calls are no-ops.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/souravsarkar1/chatsync/lib/clock"
)

// ErrInvalidated is wrapped by every error Token returns after the
// session has been invalidated.
var ErrInvalidated = errors.New("session: invalidated")

// ErrExpired is the invalidation reason recorded when the token's exp
// claim has passed.
var ErrExpired = errors.New("session: token expired")

// Config describes a session.
type Config struct {
	// Token is the bearer token issued by the backend at login. Required.
	Token string

	// UserID is the local user's ID. If empty, it is read from the
	// token's claims (sub, _id, id, or userId, in that order).
	UserID string

	// Clock checks the token's expiry. If nil, clock.Real() is used.
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Session is safe for concurrent use.
type Session struct {
	token     string
	userID    string
	expiresAt time.Time
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	reason   error
	done     chan struct{}
	hooks    map[int]func(error)
	nextHook int
}

// New creates a session. The token is decoded without verifying its
// signature: the client has no key and the backend verifies every
// request anyway. A token that is not a JWT is accepted as an opaque
// bearer token, in which case UserID must be given.
func New(config Config) (*Session, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("session: token is required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		token:  config.Token,
		userID: config.UserID,
		clock:  clk,
		logger: logger,
		done:   make(chan struct{}),
		hooks:  make(map[int]func(error)),
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(config.Token, claims); err != nil {
		if s.userID == "" {
			return nil, fmt.Errorf("session: user ID not given and token is not a JWT: %w", err)
		}
		logger.Debug("treating bearer token as opaque", "error", err)
		return s, nil
	}

	if s.userID == "" {
		s.userID = userIDFromClaims(claims)
		if s.userID == "" {
			return nil, fmt.Errorf("session: token carries no user ID claim")
		}
	}
	if expiry, err := claims.GetExpirationTime(); err == nil && expiry != nil {
		s.expiresAt = expiry.Time
	}
	return s, nil
}

// userIDFromClaims returns the first non-empty string among the claim
// keys backends commonly use for the user ID.
func userIDFromClaims(claims jwt.MapClaims) string {
	if subject, err := claims.GetSubject(); err == nil && subject != "" {
		return subject
	}
	for _, key := range []string{"_id", "id", "userId"} {
		if value, ok := claims[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// UserID returns the local user's ID.
func (s *Session) UserID() string { return s.userID }

// ExpiresAt returns the token's expiry, or the zero time if the token
// does not declare one.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// Token returns the bearer token. After invalidation, or once the
// token's expiry has passed (which invalidates the session), it
// returns an error wrapping ErrInvalidated.
func (s *Session) Token() (string, error) {
	if !s.expiresAt.IsZero() && !s.clock.Now().Before(s.expiresAt) {
		s.Invalidate(ErrExpired)
	}

	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()
	if reason != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidated, reason)
	}
	return s.token, nil
}

// Invalidate marks the session unusable and runs the OnInvalidated
// hooks with reason. Only the first call has any effect. A nil reason
// is recorded as ErrInvalidated.
func (s *Session) Invalidate(reason error) {
	if reason == nil {
		reason = ErrInvalidated
	}

	s.mu.Lock()
	if s.reason != nil {
		s.mu.Unlock()
		return
	}
	s.reason = reason
	close(s.done)
	hooks := make([]func(error), 0, len(s.hooks))
	for id := 0; id < s.nextHook; id++ {
		if hook, ok := s.hooks[id]; ok {
			hooks = append(hooks, hook)
		}
	}
	s.hooks = nil
	s.mu.Unlock()

	s.logger.Info("session invalidated", "user_id", s.userID, "reason", reason)
	for _, hook := range hooks {
		hook(reason)
	}
}

// OnInvalidated registers fn to run once, with the invalidation reason,
// when the session is invalidated. Hooks run in registration order on
// the goroutine that called Invalidate. If the session is already
// invalid, fn runs immediately.
//
// The returned function unregisters fn.
func (s *Session) OnInvalidated(fn func(reason error)) (unregister func()) {
	s.mu.Lock()
	if s.reason != nil {
		reason := s.reason
		s.mu.Unlock()
		fn(reason)
		return func() {}
	}
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.hooks, id)
	}
}

// Done is closed when the session is invalidated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the invalidation reason, or nil while the session is valid.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
