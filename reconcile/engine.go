// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/souravsarkar1/chatsync/lib/clock"
	"github.com/souravsarkar1/chatsync/messaging"
	"github.com/souravsarkar1/chatsync/metrics"
	"github.com/souravsarkar1/chatsync/outbox"
	"github.com/souravsarkar1/chatsync/presence"
	"github.com/souravsarkar1/chatsync/session"
	"github.com/souravsarkar1/chatsync/store"
	"github.com/souravsarkar1/chatsync/transport"
)

// Defaults for Config fields left zero.
const (
	DefaultSendAttempts    = 3
	DefaultRetryBackoff    = 500 * time.Millisecond
	DefaultMaxRetryBackoff = 8 * time.Second
	DefaultHistoryPageSize = 50
)

// echoSkew bounds how far a token-less echo may predate the local
// message it is matched against.
const echoSkew = 30 * time.Second

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("reconcile: engine closed")

// ErrNotOpen is returned for a conversation with no open view.
var ErrNotOpen = errors.New("reconcile: conversation not open")

// ErrNotFailed is returned by Retry for a message that is not failed.
var ErrNotFailed = errors.New("reconcile: message is not failed")

// ErrUnknownMessage is returned by Retry for an ID the store does not hold.
var ErrUnknownMessage = errors.New("reconcile: unknown message")

// Outbox persists unconfirmed local sends. *outbox.Outbox implements it.
type Outbox interface {
	Put(ctx context.Context, entry outbox.Entry) error
	MarkFailed(ctx context.Context, clientID string, retryable bool, reason string) error
	MarkPending(ctx context.Context, clientID string) error
	Remove(ctx context.Context, clientID string) error
	ForConversation(ctx context.Context, conversationID string) ([]outbox.Entry, error)
	Retryable(ctx context.Context) ([]outbox.Entry, error)
}

var _ Outbox = (*outbox.Outbox)(nil)

// Config holds configuration for New.
type Config struct {
	// Adapter is the transport. Required. The engine closes it when the
	// session is invalidated or the engine is closed.
	Adapter transport.Adapter

	// Session identifies the local user. Required.
	Session *session.Session

	// Outbox, if set, persists pending and failed sends across restarts.
	Outbox Outbox

	// Clock drives send backoff and typing timers. If nil, clock.Real()
	// is used.
	Clock clock.Clock

	// Metrics, if set, receives engine counters.
	Metrics *metrics.Metrics

	// SendAttempts bounds delivery attempts per send when the failure is
	// a network error. Zero or negative means DefaultSendAttempts.
	SendAttempts int

	// RetryBackoff is the wait before the first automatic resend; it
	// doubles per attempt up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// HistoryPageSize is the page size for history fetches.
	HistoryPageSize int

	// MaxBodyBytes bounds message bodies. Zero means
	// messaging.DefaultMaxBodyBytes.
	MaxBodyBytes int

	// TypingTimeout and TypingInterval configure the presence tracker
	// and the outgoing typing throttle. Zero means the presence defaults.
	TypingTimeout  time.Duration
	TypingInterval time.Duration

	// OnChange is called after a conversation's store changes.
	OnChange func(conversationID string)

	// OnNotice receives user-visible conditions.
	OnNotice func(Notice)

	// OnTyping receives the conversation's remote typists whenever the
	// set changes.
	OnTyping func(conversationID string, typists []string)

	// NewID generates client IDs. If nil, uuid.NewString is used.
	NewID func() string

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	adapter      transport.Adapter
	session      *session.Session
	outbox       Outbox
	clock        clock.Clock
	metrics      *metrics.Metrics
	tracker      *presence.Tracker
	attempts     int
	backoff      time.Duration
	maxBackoff   time.Duration
	pageSize     int
	maxBody      int
	typingPeriod time.Duration
	onChange     func(string)
	onNotice     func(Notice)
	newID        func() string
	logger       *slog.Logger

	// ctx bounds background work; canceled on release.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conversations  map[string]*conversation
	inflight       map[string]bool
	nextGeneration uint64
	closed         bool
	closeErr       error
	wasConnected   bool
	wg             sync.WaitGroup

	adapterClosed chan struct{}
	unregister    func()
}

// conversation is the engine's state for one open conversation. A
// conversation that is closed and reopened gets a new value with a new
// generation.
type conversation struct {
	id         string
	generation uint64
	views      int
	store      *store.Store
	throttle   *presence.Throttle

	// fetchCtx bounds this conversation's history fetches; canceled when
	// the last view closes.
	fetchCtx    context.Context
	fetchCancel context.CancelFunc

	loading  bool
	buffered []messaging.Message
	loaded   chan struct{}
	loadDone bool
	loadErr  error

	// cursor is the ID to fetch older history before; exhausted is set
	// once the server has no older page.
	cursor    string
	exhausted bool
}

func (c *conversation) markLoaded() {
	if !c.loadDone {
		c.loadDone = true
		close(c.loaded)
	}
}

// New creates an Engine and subscribes it to the adapter's events and
// the session's invalidation.
func New(config Config) (*Engine, error) {
	if config.Adapter == nil {
		return nil, fmt.Errorf("reconcile: Adapter is required")
	}
	if config.Session == nil {
		return nil, fmt.Errorf("reconcile: Session is required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := config.SendAttempts
	if attempts <= 0 {
		attempts = DefaultSendAttempts
	}
	backoff := config.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	maxBackoff := config.MaxRetryBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxRetryBackoff
	}
	pageSize := config.HistoryPageSize
	if pageSize <= 0 {
		pageSize = DefaultHistoryPageSize
	}
	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = messaging.DefaultMaxBodyBytes
	}
	newID := config.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		adapter:       config.Adapter,
		session:       config.Session,
		outbox:        config.Outbox,
		clock:         clk,
		metrics:       config.Metrics,
		attempts:      attempts,
		backoff:       backoff,
		maxBackoff:    maxBackoff,
		pageSize:      pageSize,
		maxBody:       maxBody,
		typingPeriod:  config.TypingInterval,
		onChange:      config.OnChange,
		onNotice:      config.OnNotice,
		newID:         newID,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		conversations: make(map[string]*conversation),
		inflight:      make(map[string]bool),
		adapterClosed: make(chan struct{}),
	}
	e.tracker = presence.NewTracker(presence.TrackerConfig{
		Clock:    clk,
		Timeout:  config.TypingTimeout,
		OnChange: config.OnTyping,
		Logger:   logger,
	})

	e.adapter.OnMessageReceived(e.handleMessage)
	e.adapter.OnTyping(e.handleTyping)
	e.adapter.OnStopTyping(e.handleStopTyping)
	e.adapter.OnReconnected(e.handleReconnected)
	e.adapter.OnStateChange(e.handleStateChange)
	e.unregister = e.session.OnInvalidated(e.handleInvalidated)
	return e, nil
}

// Open registers a view of conversationID. The first view of a
// conversation joins its room and starts loading the newest history
// page in the background; the returned view's Loaded channel closes
// when the page has been applied. Further views share the same store.
//
// A join that fails on the network is reported as NoticeOffline and
// does not fail Open: the room stays held and is joined when the
// connection recovers.
func (e *Engine) Open(ctx context.Context, conversationID string) (*View, error) {
	if conversationID == "" {
		return nil, &messaging.ValidationError{Field: "conversation", Reason: "required"}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, e.closedError("open")
	}
	c, ok := e.conversations[conversationID]
	created := !ok
	if created {
		c = e.newConversationLocked(conversationID)
		e.conversations[conversationID] = c
		e.metrics.SetOpenConversations(len(e.conversations))
	}
	c.views++
	e.mu.Unlock()

	view := &View{engine: e, conversation: c}
	if err := e.adapter.JoinConversation(ctx, conversationID); err != nil {
		if !messaging.IsTransient(err) {
			view.Close()
			return nil, fmt.Errorf("reconcile: joining %s: %w", conversationID, err)
		}
		e.logger.Warn("join failed, continuing offline", "conversation_id", conversationID, "error", err)
		e.notify(Notice{Kind: NoticeOffline, ConversationID: conversationID, Err: err})
	}

	if created && !e.spawn(func() { e.load(c) }) {
		view.Close()
		return nil, e.closedError("open")
	}
	e.logger.Debug("view opened", "conversation_id", conversationID, "created", created)
	return view, nil
}

func (e *Engine) newConversationLocked(conversationID string) *conversation {
	e.nextGeneration++
	fetchCtx, fetchCancel := context.WithCancel(e.ctx)
	return &conversation{
		id:          conversationID,
		generation:  e.nextGeneration,
		store:       store.New(conversationID),
		fetchCtx:    fetchCtx,
		fetchCancel: fetchCancel,
		loading:     true,
		loaded:      make(chan struct{}),
		throttle: presence.NewThrottle(presence.ThrottleConfig{
			Clock:    e.clock,
			Interval: e.typingPeriod,
			Emit: func(typing bool) {
				e.emitTyping(conversationID, typing)
			},
		}),
	}
}

// spawn runs fn on a tracked goroutine unless the engine is closed.
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// currentLocked reports whether c is still the open generation of its
// conversation. Caller holds e.mu.
func (e *Engine) currentLocked(c *conversation) bool {
	open, ok := e.conversations[c.id]
	return ok && open.generation == c.generation
}

// load restores the conversation's outbox entries, fetches the newest
// history page, replays buffered events, and marks the conversation
// live.
func (e *Engine) load(c *conversation) {
	restored := e.restore(c)

	page, err := e.adapter.FetchHistory(c.fetchCtx, c.id, messaging.HistoryOptions{Limit: e.pageSize})

	e.mu.Lock()
	if !e.currentLocked(c) {
		c.markLoaded()
		e.mu.Unlock()
		e.metrics.HistoryFetched("discarded")
		e.logger.Debug("discarding history for closed conversation", "conversation_id", c.id)
		return
	}
	var confirmed []string
	merge := func(messages []messaging.Message) {
		for _, message := range messages {
			if _, clientID := e.receiveLocked(c, message); clientID != "" {
				confirmed = append(confirmed, clientID)
			}
		}
	}
	if err != nil {
		c.loadErr = err
		c.exhausted = true
	} else {
		merge(page.Messages)
		c.cursor = page.NextCursor
		c.exhausted = page.NextCursor == ""
	}
	merge(c.buffered)
	c.buffered = nil
	c.loading = false
	c.markLoaded()
	resend := e.claimResendLocked(c, restored)
	e.mu.Unlock()

	if err != nil {
		e.metrics.HistoryFetched("error")
		if !messaging.IsCanceled(err) {
			e.logger.Warn("history fetch failed", "conversation_id", c.id, "error", err)
			e.notify(Notice{Kind: NoticeHistoryFailed, ConversationID: c.id, Err: err})
		}
	} else {
		e.metrics.HistoryFetched("ok")
	}
	for _, clientID := range confirmed {
		e.forget(clientID)
	}
	e.changed(c.id)

	for _, message := range resend {
		e.redeliver(message)
	}
}

// restore appends the conversation's outbox entries to its store and
// returns the ones to resend: entries left pending by an earlier
// process, and entries whose last failure was a network error. Sends
// still in flight are restored as pending and left to their delivery.
func (e *Engine) restore(c *conversation) []messaging.Message {
	if e.outbox == nil {
		return nil
	}
	entries, err := e.outbox.ForConversation(c.fetchCtx, c.id)
	if err != nil {
		if !messaging.IsCanceled(err) {
			e.logger.Warn("reading outbox failed", "conversation_id", c.id, "error", err)
		}
		return nil
	}

	var resend []messaging.Message
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(c) {
		return nil
	}
	for _, entry := range entries {
		message := entry.Message()
		switch {
		case e.inflight[message.ClientID]:
			// Still being delivered from before the conversation was
			// last closed.
			message.State = messaging.StatePending
		case message.State == messaging.StatePending:
			// The process that sent it is gone.
			message.State = messaging.StateFailed
		}
		e.metrics.Append(c.store.Append(message).String())
		if !e.inflight[message.ClientID] && (entry.State == messaging.StatePending || entry.Retryable) {
			resend = append(resend, message)
		}
	}
	if len(entries) > 0 {
		e.logger.Info("restored unsent messages", "conversation_id", c.id, "count", len(entries), "resending", len(resend))
	}
	return resend
}

// claimResendLocked filters messages down to those still failed in c's
// store and not already being delivered, moves them to pending, and
// marks them in flight. Caller holds e.mu.
func (e *Engine) claimResendLocked(c *conversation, messages []messaging.Message) []messaging.Message {
	var claimed []messaging.Message
	for _, message := range messages {
		if e.inflight[message.ClientID] {
			continue
		}
		current, ok := c.store.Get(message.ClientID)
		if !ok || current.State != messaging.StateFailed {
			continue
		}
		c.store.MarkState(current.ID, messaging.StatePending)
		current.State = messaging.StatePending
		e.inflight[current.ClientID] = true
		claimed = append(claimed, current)
	}
	return claimed
}

// handleMessage is the adapter's receive handler.
func (e *Engine) handleMessage(message messaging.Message) {
	e.mu.Lock()
	c, ok := e.conversations[message.ConversationID]
	if !ok || e.closed {
		e.mu.Unlock()
		return
	}
	if c.loading {
		c.buffered = append(c.buffered, message)
		e.mu.Unlock()
		return
	}
	result, outboxDone := e.receiveLocked(c, message)
	e.mu.Unlock()

	if outboxDone != "" {
		e.forget(outboxDone)
	}
	if result != store.Rejected {
		e.changed(c.id)
	}
}

// receiveLocked is the one path by which server messages (history pages,
// realtime pushes, send confirmations) enter a store. It returns the
// append result and, when the message replaced a local send, that
// send's client ID. Caller holds e.mu.
func (e *Engine) receiveLocked(c *conversation, message messaging.Message) (store.AppendResult, string) {
	if message.ConversationID == "" {
		message.ConversationID = c.id
	}
	var result store.AppendResult
	if message.ClientID == "" && message.SenderID != "" && message.SenderID == e.session.UserID() {
		result = c.store.AppendEcho(message, func(local messaging.Message) bool {
			return message.CreatedAt.IsZero() || local.LocalCreatedAt.IsZero() ||
				!message.CreatedAt.Before(local.LocalCreatedAt.Add(-echoSkew))
		})
	} else {
		result = c.store.Append(message)
	}
	e.metrics.Append(result.String())
	if result == store.Rejected {
		e.logger.Warn("dropping message without an ID", "conversation_id", c.id)
		return result, ""
	}
	// Only a ClientID match settles the outbox entry; an echo paired by
	// body may belong to another send.
	if result == store.Replaced && message.ClientID != "" {
		return result, message.ClientID
	}
	return result, ""
}

func (e *Engine) handleTyping(event transport.TypingEvent) {
	if !e.acceptTyping(event) {
		return
	}
	e.tracker.Typing(event.ConversationID, event.UserID)
}

func (e *Engine) handleStopTyping(event transport.TypingEvent) {
	if !e.acceptTyping(event) {
		return
	}
	e.tracker.StopTyping(event.ConversationID, event.UserID)
}

// acceptTyping drops typing events for conversations that are not open
// and echoes of the local user's own signals.
func (e *Engine) acceptTyping(event transport.TypingEvent) bool {
	if event.UserID != "" && event.UserID == e.session.UserID() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, open := e.conversations[event.ConversationID]
	return open && !e.closed
}

func (e *Engine) handleStateChange(state transport.ConnectionState) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	lost := state == transport.Connecting && e.wasConnected
	if state == transport.Connected {
		e.wasConnected = true
	}
	if lost {
		e.wasConnected = false
	}
	e.mu.Unlock()

	if lost {
		e.logger.Info("realtime connection lost")
		e.notify(Notice{Kind: NoticeReconnecting})
	}
}

// handleReconnected refreshes every open conversation and resends
// outbox entries that failed on the network.
func (e *Engine) handleReconnected() {
	e.metrics.Reconnected()
	e.notify(Notice{Kind: NoticeReconnected})

	e.mu.Lock()
	open := make([]*conversation, 0, len(e.conversations))
	for _, c := range e.conversations {
		open = append(open, c)
	}
	e.mu.Unlock()
	sort.Slice(open, func(i, j int) bool { return open[i].id < open[j].id })

	e.spawn(func() {
		for _, c := range open {
			e.refresh(c)
		}
		e.resendRetryable()
	})
}

// refresh fetches the newest history page of c and merges it.
func (e *Engine) refresh(c *conversation) {
	e.mu.Lock()
	skip := !e.currentLocked(c) || c.loading
	e.mu.Unlock()
	if skip {
		return
	}

	page, err := e.adapter.FetchHistory(c.fetchCtx, c.id, messaging.HistoryOptions{Limit: e.pageSize})
	if err != nil {
		e.metrics.HistoryFetched("error")
		if !messaging.IsCanceled(err) {
			e.logger.Warn("history refresh failed", "conversation_id", c.id, "error", err)
			e.notify(Notice{Kind: NoticeHistoryFailed, ConversationID: c.id, Err: err})
		}
		return
	}

	e.mu.Lock()
	if !e.currentLocked(c) {
		e.mu.Unlock()
		e.metrics.HistoryFetched("discarded")
		return
	}
	var confirmed []string
	for _, message := range page.Messages {
		if _, clientID := e.receiveLocked(c, message); clientID != "" {
			confirmed = append(confirmed, clientID)
		}
	}
	e.mu.Unlock()

	e.metrics.HistoryFetched("ok")
	for _, clientID := range confirmed {
		e.forget(clientID)
	}
	e.changed(c.id)
}

// resendRetryable redelivers outbox entries whose last failure was a
// network error. Entries of conversations that are not open are sent
// without a store.
func (e *Engine) resendRetryable() {
	if e.outbox == nil {
		return
	}
	entries, err := e.outbox.Retryable(e.ctx)
	if err != nil {
		if !messaging.IsCanceled(err) {
			e.logger.Warn("reading outbox failed", "error", err)
		}
		return
	}

	var resend []messaging.Message
	e.mu.Lock()
	for _, entry := range entries {
		message := entry.Message()
		if c, ok := e.conversations[entry.ConversationID]; ok && !c.loading {
			resend = append(resend, e.claimResendLocked(c, []messaging.Message{message})...)
			continue
		}
		if _, ok := e.conversations[entry.ConversationID]; ok || e.inflight[entry.ClientID] {
			// Still loading; load resends it.
			continue
		}
		e.inflight[entry.ClientID] = true
		message.State = messaging.StatePending
		resend = append(resend, message)
	}
	e.mu.Unlock()

	for _, message := range resend {
		e.redeliver(message)
	}
}

// changed reports a store change to the OnChange callback.
func (e *Engine) changed(conversationID string) {
	if e.onChange != nil {
		e.onChange(conversationID)
	}
}

func (e *Engine) notify(notice Notice) {
	if e.onNotice != nil {
		e.onNotice(notice)
	}
}

// Snapshot returns the ordered messages of an open conversation.
func (e *Engine) Snapshot(conversationID string) ([]messaging.Message, error) {
	e.mu.Lock()
	closed := e.closed
	c, ok := e.conversations[conversationID]
	e.mu.Unlock()
	if closed {
		return nil, e.closedError("snapshot")
	}
	if !ok {
		return nil, ErrNotOpen
	}
	return c.store.Snapshot(), nil
}

// Typists returns the remote participants currently typing in
// conversationID.
func (e *Engine) Typists(conversationID string) []string {
	return e.tracker.Typists(conversationID)
}

// TypingActive reports whether anyone remote is typing in conversationID.
func (e *Engine) TypingActive(conversationID string) bool {
	return e.tracker.Active(conversationID)
}

// InputChanged feeds the local compose text of conversationID to its
// typing throttle, which emits typing and stop_typing signals.
func (e *Engine) InputChanged(conversationID, text string) {
	e.mu.Lock()
	c, ok := e.conversations[conversationID]
	e.mu.Unlock()
	if ok {
		c.throttle.InputChanged(text)
	}
}

func (e *Engine) emitTyping(conversationID string, typing bool) {
	var err error
	if typing {
		err = e.adapter.EmitTyping(e.ctx, conversationID)
	} else {
		err = e.adapter.EmitStopTyping(e.ctx, conversationID)
	}
	if err != nil {
		e.logger.Debug("typing signal not sent", "conversation_id", conversationID, "typing", typing, "error", err)
	}
}

// LoadOlder fetches the history page before the oldest one loaded and
// merges it. It returns the number of messages inserted; zero with a nil
// error means there is no older history.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, e.closedError("load older")
	}
	c, ok := e.conversations[conversationID]
	if !ok {
		e.mu.Unlock()
		return 0, ErrNotOpen
	}
	loaded := c.loaded
	e.mu.Unlock()

	select {
	case <-loaded:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	e.mu.Lock()
	if !e.currentLocked(c) {
		e.mu.Unlock()
		return 0, ErrNotOpen
	}
	if c.exhausted {
		e.mu.Unlock()
		return 0, nil
	}
	cursor := c.cursor
	e.mu.Unlock()

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.fetchCtx, cancel)
	defer stop()

	page, err := e.adapter.FetchHistory(fetchCtx, conversationID, messaging.HistoryOptions{Before: cursor, Limit: e.pageSize})
	if err != nil {
		e.metrics.HistoryFetched("error")
		return 0, fmt.Errorf("reconcile: loading older messages of %s: %w", conversationID, err)
	}

	e.mu.Lock()
	if !e.currentLocked(c) {
		e.mu.Unlock()
		e.metrics.HistoryFetched("discarded")
		return 0, ErrNotOpen
	}
	inserted := 0
	for _, message := range page.Messages {
		if result, _ := e.receiveLocked(c, message); result == store.Inserted {
			inserted++
		}
	}
	c.cursor = page.NextCursor
	c.exhausted = page.NextCursor == ""
	e.mu.Unlock()

	e.metrics.HistoryFetched("ok")
	e.changed(conversationID)
	return inserted, nil
}

// release drops one view of c; the last view tears the conversation
// down.
func (e *Engine) release(c *conversation) {
	e.mu.Lock()
	held := e.currentLocked(c)
	last := false
	if held {
		c.views--
		if c.views <= 0 {
			last = true
			delete(e.conversations, c.id)
			c.fetchCancel()
			c.markLoaded()
			e.metrics.SetOpenConversations(len(e.conversations))
		}
	}
	closed := e.closed
	e.mu.Unlock()

	if closed || !held {
		return
	}
	if last {
		c.throttle.Reset()
		e.tracker.Clear(c.id)
	}
	if err := e.adapter.LeaveConversation(context.Background(), c.id); err != nil {
		e.logger.Debug("leave failed", "conversation_id", c.id, "error", err)
	}
	if last {
		e.logger.Debug("conversation closed", "conversation_id", c.id)
	}
}

func (e *Engine) handleInvalidated(reason error) {
	e.logger.Info("session ended, releasing conversations", "reason", reason)
	if e.shutdown(reason) {
		e.notify(Notice{Kind: NoticeSessionEnded, Err: reason})
	}
}

// shutdown releases every conversation, the typing tracker, and the
// transport. It does not wait for background goroutines: it may run on
// one of them.
func (e *Engine) shutdown(reason error) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	e.closeErr = reason
	for id, c := range e.conversations {
		c.fetchCancel()
		c.markLoaded()
		delete(e.conversations, id)
	}
	e.metrics.SetOpenConversations(0)
	e.cancel()
	e.mu.Unlock()

	e.tracker.Close()
	// The adapter may be invalidating the session from its own loop,
	// which its Close waits for.
	go func() {
		if err := e.adapter.Close(); err != nil {
			e.logger.Debug("closing transport", "error", err)
		}
		close(e.adapterClosed)
	}()
	return true
}

// Close releases everything and waits for background work to stop.
// Calls made afterwards return ErrClosed.
func (e *Engine) Close() error {
	e.unregister()
	e.shutdown(ErrClosed)
	e.wg.Wait()
	<-e.adapterClosed
	return nil
}

// closedError is the error for a call made after shutdown: ErrClosed
// after Close, an AuthError after session invalidation.
func (e *Engine) closedError(op string) error {
	e.mu.Lock()
	reason := e.closeErr
	e.mu.Unlock()
	if errors.Is(reason, ErrClosed) {
		return ErrClosed
	}
	return &messaging.AuthError{Op: op, Message: "session ended", Err: reason}
}
