// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helper for chatsync binaries:
// reporting a fatal error before (or instead of) the structured logger
// and exiting.
package process
