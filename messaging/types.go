// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"time"
)

// DeliveryState is a message's position in its delivery lifecycle.
type DeliveryState string

const (
	// StatePending: created locally, not yet confirmed by the server.
	StatePending DeliveryState = "pending"
	// StateSent: persisted by the server, which assigned the ID.
	StateSent DeliveryState = "sent"
	// StateDelivered: the server reported delivery to the recipient.
	StateDelivered DeliveryState = "delivered"
	// StateFailed: the send gave up. Only an explicit retry moves the
	// message back to pending.
	StateFailed DeliveryState = "failed"
)

// rank orders the forward states. Failed sits outside the order.
func (s DeliveryState) rank() int {
	switch s {
	case StatePending:
		return 1
	case StateSent:
		return 2
	case StateDelivered:
		return 3
	default:
		return 0
	}
}

// Advances reports whether moving from s to next is a forward step
// (pending -> sent -> delivered). Anything reaching sent or delivered
// also advances from failed: the server confirmed a message the client
// had given up on.
func (s DeliveryState) Advances(next DeliveryState) bool {
	if s == StateFailed {
		return next == StateSent || next == StateDelivered
	}
	return next.rank() > s.rank()
}

// Valid reports whether s is one of the four known states.
func (s DeliveryState) Valid() bool {
	switch s {
	case StatePending, StateSent, StateDelivered, StateFailed:
		return true
	}
	return false
}

// DefaultMessageType is the type of a plain text message.
const DefaultMessageType = "text"

// Message is one chat message as chatsync sees it.
//
// ID is the server identifier once the server has confirmed the
// message. Before that it holds a client temporary identifier, which
// is also kept in ClientID: the correlation token the server echoes
// back so the confirmed message can replace the optimistic one.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	Body           string
	Type           string

	// CreatedAt is the server timestamp. Zero until the server has
	// seen the message.
	CreatedAt time.Time

	// LocalCreatedAt is the client clock reading when the message was
	// created locally, or when it was first received.
	LocalCreatedAt time.Time

	State DeliveryState
}

// Confirmed reports whether the server has assigned this message's ID.
func (m Message) Confirmed() bool {
	return m.ID != "" && m.ID != m.ClientID
}

// Conversation is the metadata for one conversation.
type Conversation struct {
	ID           string
	Participants []string
	LastActivity time.Time

	// Peer is the other participant of a direct conversation, when the
	// backend reports one.
	Peer *User

	// LastMessageBody is the preview text of the newest message.
	LastMessageBody string
}

// User is a chat user's public profile.
type User struct {
	ID         string    `json:"_id"`
	FullName   string    `json:"fullName,omitempty"`
	Username   string    `json:"username,omitempty"`
	ProfilePic string    `json:"profilePic,omitempty"`
	Status     string    `json:"status,omitempty"`
	IsOnline   bool      `json:"isOnline,omitempty"`
	LastSeen   time.Time `json:"lastSeen,omitzero"`
}

// HistoryOptions selects a page of conversation history.
type HistoryOptions struct {
	// Before is the cursor returned with the previous page. Empty
	// fetches the newest page.
	Before string

	// Limit caps the page size. Zero lets the server decide.
	Limit int
}

// HistoryPage is one page of history, oldest message first.
type HistoryPage struct {
	Messages []Message

	// NextCursor fetches the page before this one. Empty when the
	// server has nothing older.
	NextCursor string
}

// OutgoingMessage is a message the local user is sending.
type OutgoingMessage struct {
	ConversationID string
	ClientID       string
	Body           string
	Type           string
	SentAt         time.Time
}

// WireMessage is the backend's JSON shape for a message, shared by the
// REST responses and the realtime receive_message event.
type WireMessage struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	MessageType    string    `json:"messageType,omitempty"`
	SendingTime    time.Time `json:"sendingTime,omitzero"`
	ClientID       string    `json:"clientId,omitempty"`
	Status         string    `json:"status,omitempty"`
}

// Message converts the wire form. receivedAt becomes LocalCreatedAt.
// A message that came from the server is at least sent.
func (w WireMessage) Message(receivedAt time.Time) Message {
	state := StateSent
	if parsed := DeliveryState(w.Status); parsed == StateDelivered {
		state = parsed
	}
	messageType := w.MessageType
	if messageType == "" {
		messageType = DefaultMessageType
	}
	return Message{
		ID:             w.ID,
		ClientID:       w.ClientID,
		ConversationID: w.ConversationID,
		SenderID:       w.Sender,
		Body:           w.Text,
		Type:           messageType,
		CreatedAt:      w.SendingTime,
		LocalCreatedAt: receivedAt,
		State:          state,
	}
}

// NewWireMessage converts a message to the backend's shape.
func NewWireMessage(m Message) WireMessage {
	status := ""
	if m.State == StateDelivered {
		status = string(StateDelivered)
	}
	return WireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.SenderID,
		Text:           m.Body,
		MessageType:    m.Type,
		SendingTime:    m.CreatedAt,
		ClientID:       m.ClientID,
		Status:         status,
	}
}
