// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/souravsarkar1/chatsync/lib/clock"
	"github.com/souravsarkar1/chatsync/messaging"
)

// Compile-time interface check.
var _ Adapter = (*MemoryAdapter)(nil)

// SentFrame is an outgoing realtime event recorded by MemoryAdapter.
type SentFrame struct {
	Event          string
	ConversationID string
}

// HistoryFunc serves a MemoryAdapter history request.
type HistoryFunc func(ctx context.Context, conversationID string, options messaging.HistoryOptions) (*messaging.HistoryPage, error)

// SendFunc serves a MemoryAdapter send request.
type SendFunc func(ctx context.Context, message messaging.OutgoingMessage) (messaging.Message, error)

// MemoryAdapter is an in-process Adapter for tests. It plays both the
// network and the server: history and sends are served from an
// in-memory log (or from hooks the test installs), realtime events are
// injected with Deliver and the typing methods, and connection loss is
// simulated with Drop and Reconnect. Every outgoing realtime event is
// recorded and can be read back with Frames.
type MemoryAdapter struct {
	handlers

	clock clock.Clock

	mu        sync.Mutex
	joins     joinTable
	connected bool
	closed    bool
	frames    []SentFrame
	history   map[string][]messaging.Message
	onHistory HistoryFunc
	onSend    SendFunc
	nextID    int
	state     ConnectionState
}

// NewMemoryAdapter creates a MemoryAdapter. It starts disconnected and
// connects on the first join. If clk is nil, clock.Real() is used.
func NewMemoryAdapter(clk clock.Clock) *MemoryAdapter {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryAdapter{
		clock:   clk,
		joins:   newJoinTable(),
		history: make(map[string][]messaging.Message),
	}
}

// SetHistory replaces the server-side log for a conversation. Messages
// are stored as given; the default history handler serves them in
// timestamp order.
func (m *MemoryAdapter) SetHistory(conversationID string, messages ...messaging.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[conversationID] = append([]messaging.Message(nil), messages...)
}

// HandleHistory overrides how history requests are served. Pass nil to
// restore the default.
func (m *MemoryAdapter) HandleHistory(fn HistoryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHistory = fn
}

// HandleSend overrides how sends are served. Pass nil to restore the
// default, which confirms every message with a fresh server ID
// ("srv-1", "srv-2", ...) and appends it to the server-side log.
func (m *MemoryAdapter) HandleSend(fn SendFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSend = fn
}

func (m *MemoryAdapter) JoinConversation(_ context.Context, conversationID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	first := m.joins.acquire(conversationID)
	becameConnected := !m.connected
	m.connected = true
	if first {
		m.frames = append(m.frames, SentFrame{Event: EventJoinConversation, ConversationID: conversationID})
	}
	m.mu.Unlock()

	if becameConnected {
		m.setState(Connected)
	}
	return nil
}

func (m *MemoryAdapter) LeaveConversation(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joins.release(conversationID) && m.connected {
		m.frames = append(m.frames, SentFrame{Event: EventLeaveConversation, ConversationID: conversationID})
	}
	return nil
}

func (m *MemoryAdapter) FetchHistory(ctx context.Context, conversationID string, options messaging.HistoryOptions) (*messaging.HistoryPage, error) {
	m.mu.Lock()
	handler := m.onHistory
	m.mu.Unlock()
	if handler != nil {
		return handler(ctx, conversationID, options)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	messages := append([]messaging.Message(nil), m.history[conversationID]...)
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	// Cursor is the ID of the oldest message already seen.
	if options.Before != "" {
		for i, message := range messages {
			if message.ID == options.Before {
				messages = messages[:i]
				break
			}
		}
	}
	page := &messaging.HistoryPage{}
	if options.Limit > 0 && len(messages) > options.Limit {
		messages = messages[len(messages)-options.Limit:]
		page.NextCursor = messages[0].ID
	}
	page.Messages = messages
	return page, nil
}

func (m *MemoryAdapter) SendMessage(ctx context.Context, message messaging.OutgoingMessage) (messaging.Message, error) {
	m.mu.Lock()
	handler := m.onSend
	m.mu.Unlock()

	var confirmed messaging.Message
	if handler != nil {
		var err error
		confirmed, err = handler(ctx, message)
		if err != nil {
			return messaging.Message{}, err
		}
	} else {
		if err := ctx.Err(); err != nil {
			return messaging.Message{}, err
		}
		m.mu.Lock()
		m.nextID++
		id := fmt.Sprintf("srv-%d", m.nextID)
		m.mu.Unlock()
		messageType := message.Type
		if messageType == "" {
			messageType = messaging.DefaultMessageType
		}
		now := m.clock.Now()
		confirmed = messaging.Message{
			ID:             id,
			ClientID:       message.ClientID,
			ConversationID: message.ConversationID,
			Body:           message.Body,
			Type:           messageType,
			CreatedAt:      now,
			LocalCreatedAt: now,
			State:          messaging.StateSent,
		}
	}

	m.mu.Lock()
	if handler == nil {
		m.history[message.ConversationID] = append(m.history[message.ConversationID], confirmed)
	}
	if m.connected {
		m.frames = append(m.frames, SentFrame{Event: EventSendMessage, ConversationID: message.ConversationID})
	}
	m.mu.Unlock()
	return confirmed, nil
}

func (m *MemoryAdapter) EmitTyping(_ context.Context, conversationID string) error {
	m.recordIfJoined(EventTyping, conversationID)
	return nil
}

func (m *MemoryAdapter) EmitStopTyping(_ context.Context, conversationID string) error {
	m.recordIfJoined(EventStopTyping, conversationID)
	return nil
}

func (m *MemoryAdapter) recordIfJoined(event, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected && m.joins.held(conversationID) {
		m.frames = append(m.frames, SentFrame{Event: event, ConversationID: conversationID})
	}
}

func (m *MemoryAdapter) Subscription(conversationID string) SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !m.joins.held(conversationID) || m.closed:
		return Unsubscribed
	case m.connected:
		return Joined
	default:
		return Joining
	}
}

func (m *MemoryAdapter) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.connected {
		for _, conversationID := range m.joins.active() {
			m.frames = append(m.frames, SentFrame{Event: EventLeaveConversation, ConversationID: conversationID})
		}
	}
	m.joins.clear()
	m.connected = false
	m.mu.Unlock()

	m.setState(Disconnected)
	return nil
}

// Deliver injects a receive_message event, as if the server had pushed
// message.
func (m *MemoryAdapter) Deliver(message messaging.Message) {
	m.dispatchMessage(message)
}

// DeliverTyping injects a user_typing event.
func (m *MemoryAdapter) DeliverTyping(conversationID, userID string) {
	m.dispatchTyping(TypingEvent{ConversationID: conversationID, UserID: userID}, true)
}

// DeliverStopTyping injects a user_stop_typing event.
func (m *MemoryAdapter) DeliverStopTyping(conversationID, userID string) {
	m.dispatchTyping(TypingEvent{ConversationID: conversationID, UserID: userID}, false)
}

// Drop simulates losing the connection. Joins are kept.
func (m *MemoryAdapter) Drop() {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.mu.Unlock()
	if wasConnected {
		m.setState(Connecting)
	}
}

// Reconnect simulates re-establishing the connection: every held room
// is joined again (one join event each) and the OnReconnected handlers
// run.
func (m *MemoryAdapter) Reconnect() {
	m.mu.Lock()
	if m.connected || m.closed {
		m.mu.Unlock()
		return
	}
	m.connected = true
	for _, conversationID := range m.joins.active() {
		m.frames = append(m.frames, SentFrame{Event: EventJoinConversation, ConversationID: conversationID})
	}
	m.mu.Unlock()

	m.setState(Connected)
	m.dispatchReconnected()
}

// Frames returns the outgoing realtime events recorded so far.
func (m *MemoryAdapter) Frames() []SentFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentFrame(nil), m.frames...)
}

// CountFrames returns how many recorded events match event and
// conversationID.
func (m *MemoryAdapter) CountFrames(event, conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, frame := range m.frames {
		if frame.Event == event && frame.ConversationID == conversationID {
			count++
		}
	}
	return count
}

func (m *MemoryAdapter) setState(state ConnectionState) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()
	if changed {
		m.dispatchState(state)
	}
}
