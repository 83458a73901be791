// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds chatsync's CBOR configuration.
//
// JSON is the wire format toward the chat backend (REST bodies and
// socket frames). CBOR is used for what chatsync writes for itself:
// the outbox rows that keep unsent messages across restarts. Keeping
// one encoder mode here means every row is encoded the same way, and
// the same logical message always produces the same bytes.
//
// Types stored through this package use `json` struct tags when they
// are also part of a JSON contract (fxamacker/cbor falls back to them)
// and `cbor` tags when they are purely internal. Never both on one
// field.
package codec
