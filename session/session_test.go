// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/souravsarkar1/chatsync/lib/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func TestNewReadsUserIDFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{"sub", jwt.MapClaims{"sub": "u-sub", "_id": "u-other"}, "u-sub"},
		{"mongo _id", jwt.MapClaims{"_id": "u-mongo"}, "u-mongo"},
		{"userId", jwt.MapClaims{"userId": "u-camel"}, "u-camel"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s, err := New(Config{Token: signToken(t, test.claims)})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if s.UserID() != test.want {
				t.Errorf("UserID() = %q, want %q", s.UserID(), test.want)
			}
		})
	}
}

func TestNewRejects(t *testing.T) {
	t.Run("empty token", func(t *testing.T) {
		if _, err := New(Config{}); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("opaque token without user", func(t *testing.T) {
		if _, err := New(Config{Token: "not-a-jwt"}); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("jwt without id claim", func(t *testing.T) {
		if _, err := New(Config{Token: signToken(t, jwt.MapClaims{"role": "user"})}); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestOpaqueTokenWithExplicitUser(t *testing.T) {
	s, err := New(Config{Token: "opaque", UserID: "u1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	token, err := s.Token()
	if err != nil || token != "opaque" {
		t.Fatalf("Token() = %q, %v", token, err)
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	s, err := New(Config{Token: "opaque", UserID: "u1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var calls []error
	s.OnInvalidated(func(reason error) { calls = append(calls, reason) })
	unregister := s.OnInvalidated(func(error) { t.Error("unregistered hook ran") })
	unregister()

	first := errors.New("401 from backend")
	s.Invalidate(first)
	s.Invalidate(errors.New("second"))

	if len(calls) != 1 || calls[0] != first {
		t.Fatalf("hook calls = %v, want exactly [%v]", calls, first)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
	if _, err := s.Token(); !errors.Is(err, ErrInvalidated) || !errors.Is(err, first) {
		t.Errorf("Token() err = %v, want ErrInvalidated wrapping the reason", err)
	}

	// Late registration runs immediately.
	ran := false
	s.OnInvalidated(func(reason error) { ran = reason == first })
	if !ran {
		t.Error("hook registered after invalidation did not run with the reason")
	}
}

func TestTokenExpiry(t *testing.T) {
	fake := clock.Fake(epoch)
	s, err := New(Config{
		Token: signToken(t, jwt.MapClaims{"sub": "u1", "exp": epoch.Add(time.Hour).Unix()}),
		Clock: fake,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.ExpiresAt().Equal(epoch.Add(time.Hour)) {
		t.Errorf("ExpiresAt() = %v", s.ExpiresAt())
	}
	if _, err := s.Token(); err != nil {
		t.Fatalf("Token() before expiry: %v", err)
	}

	fake.Advance(time.Hour)
	if _, err := s.Token(); !errors.Is(err, ErrExpired) {
		t.Fatalf("Token() after expiry err = %v, want ErrExpired", err)
	}
	if !errors.Is(s.Err(), ErrExpired) {
		t.Errorf("Err() = %v", s.Err())
	}
}
