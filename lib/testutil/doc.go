// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for chatsync packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests waiting on socket frames or engine notifications do
// not each carry their own time.After. They are the only place tests
// use wall-clock timeouts; everything else runs on clock.FakeClock.
//
// [UniqueID] hands out distinct identifiers for message bodies,
// correlation tokens, and conversation ids in tests that share a fake
// backend.
//
// All helpers call t.Fatalf on failure.
package testutil
