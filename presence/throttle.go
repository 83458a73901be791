// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"strings"
	"sync"
	"time"

	"github.com/souravsarkar1/chatsync/lib/clock"
)

// DefaultThrottleInterval is the minimum spacing between outgoing
// typing signals for one conversation.
const DefaultThrottleInterval = 2 * time.Second

// ThrottleConfig configures a Throttle.
type ThrottleConfig struct {
	// Clock measures the interval. If nil, clock.Real() is used.
	Clock clock.Clock

	// Interval is the minimum spacing between typing signals. Zero or
	// negative means DefaultThrottleInterval.
	Interval time.Duration

	// Emit sends the signal: true for typing, false for stop typing.
	// Required. It is called without the throttle's lock held.
	Emit func(typing bool)
}

// Throttle rate-limits the local user's typing signals for one
// conversation. Safe for concurrent use.
type Throttle struct {
	clock    clock.Clock
	interval time.Duration
	emit     func(bool)

	mu       sync.Mutex
	typing   bool
	lastSent time.Time
}

// NewThrottle creates a Throttle.
func NewThrottle(config ThrottleConfig) *Throttle {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	emit := config.Emit
	if emit == nil {
		emit = func(bool) {}
	}
	return &Throttle{clock: clk, interval: interval, emit: emit}
}

// InputChanged reports the input field's new content. Non-blank text
// signals typing at most once per interval. Blank text signals stop
// once, if typing was signalled.
func (t *Throttle) InputChanged(text string) {
	if strings.TrimSpace(text) == "" {
		t.Reset()
		return
	}

	t.mu.Lock()
	now := t.clock.Now()
	send := !t.typing || now.Sub(t.lastSent) >= t.interval
	if send {
		t.typing = true
		t.lastSent = now
	}
	t.mu.Unlock()

	if send {
		t.emit(true)
	}
}

// Reset signals stop typing if typing was signalled. Called when the
// input is cleared, when the message is sent, and when the view closes.
func (t *Throttle) Reset() {
	t.mu.Lock()
	wasTyping := t.typing
	t.typing = false
	t.mu.Unlock()

	if wasTyping {
		t.emit(false)
	}
}
