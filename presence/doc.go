// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks typing indicators in both directions.
//
// [Tracker] holds the incoming half: which remote participants are
// typing in each conversation. Every typing event arms a per-participant
// timer, so an indicator whose stop event was lost still clears itself
// after the quiet period (default 3s).
//
// [Throttle] holds the outgoing half: it turns a stream of input-field
// changes into at most one typing signal per interval and a single stop
// signal when the field is cleared.
//
// Both take a [clock.Clock] so tests drive them with a fake clock.
package presence
