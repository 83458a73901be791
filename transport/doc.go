// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport connects chatsync to the chat backend.
//
// [Adapter] is the one interface the reconciliation engine talks to. It
// combines the REST calls (history, send) with the realtime channel:
// room membership, inbound message and typing events, and outbound
// typing signals. The engine never imports a websocket library.
//
// [SocketAdapter] is the production implementation. REST goes through a
// [messaging.Client]; realtime events travel over a single shared
// gorilla websocket as JSON frames of the form
//
//	{"event": "receive_message", "data": {...}}
//
// Room joins are reference counted per conversation, so any number of
// views may hold the same room and only the first join and last leave
// reach the wire. A dropped connection is re-established with
// exponential backoff (500ms doubling to 30s, no jitter); every held
// room is rejoined once and the OnReconnected handlers run so callers
// can re-fetch what they missed. A 401 on the websocket handshake
// invalidates the credentials and stops reconnecting.
//
// [MemoryAdapter] is an in-process implementation for tests, with
// hooks to inject events, simulate connection loss, and fail calls.
package transport
