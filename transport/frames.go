// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"

	"github.com/souravsarkar1/chatsync/messaging"
)

// Realtime event names.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventStopTyping        = "stop_typing"

	EventReceiveMessage = "receive_message"
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
)

// Frame is one realtime message in either direction. Join and leave
// carry the bare conversation ID as data; the rest carry an object.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// conversationPayload is the data of typing and stop_typing.
type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// sendPayload is the data of send_message.
type sendPayload struct {
	ConversationID string                `json:"conversationId"`
	Message        messaging.WireMessage `json:"message"`
}

// typingPayload is the data of user_typing and user_stop_typing.
type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// newFrame encodes data into a frame. The payloads are strings and
// structs of strings, which always encode.
func newFrame(event string, data any) Frame {
	encoded, _ := json.Marshal(data)
	return Frame{Event: event, Data: encoded}
}

func joinFrame(conversationID string) Frame {
	return newFrame(EventJoinConversation, conversationID)
}

func leaveFrame(conversationID string) Frame {
	return newFrame(EventLeaveConversation, conversationID)
}

func typingFrame(conversationID string, typing bool) Frame {
	event := EventTyping
	if !typing {
		event = EventStopTyping
	}
	return newFrame(event, conversationPayload{ConversationID: conversationID})
}

func sendMessageFrame(message messaging.Message) Frame {
	return newFrame(EventSendMessage, sendPayload{
		ConversationID: message.ConversationID,
		Message:        messaging.NewWireMessage(message),
	})
}
