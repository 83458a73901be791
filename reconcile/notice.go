// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import "fmt"

// NoticeKind classifies a Notice.
type NoticeKind int

const (
	// NoticeHistoryFailed: a history page could not be loaded.
	NoticeHistoryFailed NoticeKind = iota + 1
	// NoticeSendFailed: a message ended in the failed state.
	NoticeSendFailed
	// NoticeOffline: a room could not be joined; realtime updates are
	// paused until the connection recovers.
	NoticeOffline
	// NoticeReconnecting: the realtime connection was lost.
	NoticeReconnecting
	// NoticeReconnected: the realtime connection is back.
	NoticeReconnected
	// NoticeSessionEnded: the session was invalidated; the engine has
	// released everything.
	NoticeSessionEnded
)

// Notice is a user-visible condition, the banner a UI would show.
type Notice struct {
	Kind           NoticeKind
	ConversationID string
	MessageID      string
	Err            error
}

func (n Notice) String() string {
	switch n.Kind {
	case NoticeHistoryFailed:
		return fmt.Sprintf("could not load messages for %s: %v", n.ConversationID, n.Err)
	case NoticeSendFailed:
		return fmt.Sprintf("message %s was not sent: %v", n.MessageID, n.Err)
	case NoticeOffline:
		return fmt.Sprintf("offline: live updates for %s are paused", n.ConversationID)
	case NoticeReconnecting:
		return "connection lost, reconnecting"
	case NoticeReconnected:
		return "reconnected"
	case NoticeSessionEnded:
		return fmt.Sprintf("signed out: %v", n.Err)
	default:
		return "unknown notice"
	}
}
