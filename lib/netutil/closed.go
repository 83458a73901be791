// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// IsExpectedCloseError reports whether a realtime read failed because
// the connection ended normally rather than because of a fault. A
// normal or going-away close frame counts, as do the transport errors
// a torn-down socket surfaces on the surviving side (EOF, use of a
// closed connection, EPIPE, ECONNRESET). Callers reconnect quietly on
// these and log everything else.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EPIPE || errno == syscall.ECONNRESET
}
