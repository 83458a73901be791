// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/souravsarkar1/chatsync/messaging"
)

// Adapter is everything the reconciliation engine needs from the
// network: realtime room membership and events, plus the REST calls for
// history and sends.
//
// Handlers registered with the On methods may run on the adapter's
// reader goroutine and must not block. No ordering holds between different callbacks, or
// between callbacks and the return of REST calls: a receive_message for
// a sent message can arrive before SendMessage returns.
type Adapter interface {
	// JoinConversation subscribes to a conversation's realtime events,
	// connecting first if needed. Joins are reference counted: only
	// the first join of a conversation emits join_conversation.
	JoinConversation(ctx context.Context, conversationID string) error

	// LeaveConversation releases one join. The last release emits
	// leave_conversation and drops the subscription. Releasing a
	// conversation that is not joined is a no-op.
	LeaveConversation(ctx context.Context, conversationID string) error

	// FetchHistory returns one page of history in server-timestamp
	// order.
	FetchHistory(ctx context.Context, conversationID string, options messaging.HistoryOptions) (*messaging.HistoryPage, error)

	// SendMessage posts a message and returns the confirmed copy. On
	// success the adapter also notifies the room over the realtime
	// channel.
	SendMessage(ctx context.Context, message messaging.OutgoingMessage) (messaging.Message, error)

	// EmitTyping and EmitStopTyping signal the local user's typing
	// state to the room. They are dropped while disconnected.
	EmitTyping(ctx context.Context, conversationID string) error
	EmitStopTyping(ctx context.Context, conversationID string) error

	OnMessageReceived(fn func(messaging.Message))
	OnTyping(fn func(TypingEvent))
	OnStopTyping(fn func(TypingEvent))

	// OnReconnected registers fn to run after the adapter has
	// re-established its connection and rejoined every subscribed
	// room. Events may have been missed while disconnected.
	OnReconnected(fn func())

	// OnStateChange registers fn to run on every connection state
	// transition.
	OnStateChange(fn func(ConnectionState))

	// Subscription reports a conversation's subscription state.
	Subscription(conversationID string) SubscriptionState

	// Close leaves every room and closes the connection. The adapter
	// cannot be reused.
	Close() error
}

// TypingEvent is a remote participant's typing signal.
type TypingEvent struct {
	ConversationID string
	UserID         string
}

// ConnectionState is the realtime connection's state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SubscriptionState is one conversation's room membership.
type SubscriptionState int

const (
	// Unsubscribed: no join is held for the conversation, or the
	// connection is down with no reconnect in progress.
	Unsubscribed SubscriptionState = iota
	// Joining: a join is held and the connection is being
	// established.
	Joining
	// Joined: join_conversation has been sent on the live connection.
	Joined
)

func (s SubscriptionState) String() string {
	switch s {
	case Joining:
		return "connecting"
	case Joined:
		return "joined"
	default:
		return "disconnected"
	}
}

// joinTable reference counts room joins. Not safe for concurrent use;
// the owning adapter's lock guards it.
type joinTable struct {
	counts map[string]int
}

func newJoinTable() joinTable {
	return joinTable{counts: make(map[string]int)}
}

// acquire adds a reference and reports whether it was the first.
func (t *joinTable) acquire(conversationID string) bool {
	t.counts[conversationID]++
	return t.counts[conversationID] == 1
}

// release drops a reference and reports whether it was the last.
// Releasing an unheld conversation reports false.
func (t *joinTable) release(conversationID string) bool {
	count, ok := t.counts[conversationID]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(t.counts, conversationID)
		return true
	}
	t.counts[conversationID] = count - 1
	return false
}

func (t *joinTable) held(conversationID string) bool {
	return t.counts[conversationID] > 0
}

// active returns every conversation with a held join, sorted.
func (t *joinTable) active() []string {
	conversations := make([]string, 0, len(t.counts))
	for conversationID := range t.counts {
		conversations = append(conversations, conversationID)
	}
	sort.Strings(conversations)
	return conversations
}

func (t *joinTable) clear() {
	t.counts = make(map[string]int)
}

// handlers is the callback registry shared by the adapters. Its
// exported methods satisfy the On half of Adapter.
type handlers struct {
	mu          sync.Mutex
	message     []func(messaging.Message)
	typing      []func(TypingEvent)
	stopTyping  []func(TypingEvent)
	reconnected []func()
	state       []func(ConnectionState)
}

func (h *handlers) OnMessageReceived(fn func(messaging.Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.message = append(h.message, fn)
}

func (h *handlers) OnTyping(fn func(TypingEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.typing = append(h.typing, fn)
}

func (h *handlers) OnStopTyping(fn func(TypingEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopTyping = append(h.stopTyping, fn)
}

func (h *handlers) OnReconnected(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnected = append(h.reconnected, fn)
}

func (h *handlers) OnStateChange(fn func(ConnectionState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = append(h.state, fn)
}

// The dispatch methods copy the handler list so a handler may register
// another without deadlocking.

func (h *handlers) dispatchMessage(message messaging.Message) {
	h.mu.Lock()
	fns := slices.Clone(h.message)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(message)
	}
}

func (h *handlers) dispatchTyping(event TypingEvent, typing bool) {
	h.mu.Lock()
	fns := h.typing
	if !typing {
		fns = h.stopTyping
	}
	fns = slices.Clone(fns)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

func (h *handlers) dispatchReconnected() {
	h.mu.Lock()
	fns := slices.Clone(h.reconnected)
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (h *handlers) dispatchState(state ConnectionState) {
	h.mu.Lock()
	fns := slices.Clone(h.state)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}
