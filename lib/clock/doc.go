// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by every
// chatsync component that waits: typing indicator expiry, outgoing
// typing throttles, reconnect backoff, and send retries.
//
// Production code takes a Clock and is handed Real(). Tests hand in
// Fake(), which only moves when Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	tracker := presence.NewTracker(presence.TrackerConfig{Clock: c})
//	tracker.Typing("c1", "u2")
//	c.Advance(3500 * time.Millisecond) // indicator expires here
//
// Goroutines that block on After register a waiter; WaitForTimers lets
// a test wait for that registration before advancing, so the test never
// races the goroutine it drives.
package clock
