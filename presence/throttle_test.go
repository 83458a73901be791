// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"fmt"
	"testing"
	"time"

	"github.com/souravsarkar1/chatsync/lib/clock"
)

func TestThrottle(t *testing.T) {
	fake := clock.Fake(epoch)
	var signals []bool
	throttle := NewThrottle(ThrottleConfig{
		Clock: fake,
		Emit:  func(typing bool) { signals = append(signals, typing) },
	})

	throttle.InputChanged("h")
	throttle.InputChanged("he")
	fake.Advance(time.Second)
	throttle.InputChanged("hel")
	if got := fmt.Sprint(signals); got != "[true]" {
		t.Fatalf("within interval: %s", got)
	}

	fake.Advance(time.Second)
	throttle.InputChanged("hell")
	if got := fmt.Sprint(signals); got != "[true true]" {
		t.Fatalf("after interval: %s", got)
	}

	throttle.InputChanged("   ")
	throttle.InputChanged("")
	if got := fmt.Sprint(signals); got != "[true true false]" {
		t.Fatalf("after clearing: %s", got)
	}

	// Typing again right after a stop signals immediately.
	throttle.InputChanged("x")
	if got := fmt.Sprint(signals); got != "[true true false true]" {
		t.Fatalf("after restart: %s", got)
	}
}

func TestThrottleResetWithoutTypingIsSilent(t *testing.T) {
	calls := 0
	throttle := NewThrottle(ThrottleConfig{
		Clock: clock.Fake(epoch),
		Emit:  func(bool) { calls++ },
	})
	throttle.Reset()
	throttle.InputChanged("")
	if calls != 0 {
		t.Fatalf("Emit called %d times, want 0", calls)
	}
}
