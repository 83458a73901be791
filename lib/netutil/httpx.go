// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small I/O helpers shared by the REST client and
// the realtime socket.
//
// ReadResponse bounds every JSON body read at MaxResponseSize so a
// misbehaving backend cannot make the client allocate without limit.
// IsExpectedCloseError separates ordinary connection teardown from
// errors worth logging.
package netutil

import "io"

// MaxResponseSize bounds JSON API response reads: 32 MB. A history page
// is a few hundred kilobytes at most.
const MaxResponseSize int64 = 32 << 20

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}
