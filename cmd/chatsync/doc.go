// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// chatsync is a terminal client for the chat backend, built on the
// reconcile engine.
//
//	chatsync conversations           list conversations, newest first
//	chatsync tail <conversation>     follow a conversation; stdin lines are sent
//	chatsync send <conversation> <text>
//
// The bearer token comes from CHATSYNC_TOKEN or --token-file.
// Configuration comes from --config or CHATSYNC_CONFIG; without either
// the built-in development defaults are used.
package main
