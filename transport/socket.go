// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/souravsarkar1/chatsync/lib/clock"
	"github.com/souravsarkar1/chatsync/lib/netutil"
	"github.com/souravsarkar1/chatsync/messaging"
)

// Compile-time interface check.
var _ Adapter = (*SocketAdapter)(nil)

// Reconnect and keepalive defaults.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultPingInterval   = 25 * time.Second
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// maxFrameSize bounds an inbound frame. Message bodies are capped
	// well below this.
	maxFrameSize = 1 << 20
)

// ErrClosed is returned by operations on a closed adapter.
var ErrClosed = errors.New("transport: adapter closed")

// SocketConfig holds configuration for creating a SocketAdapter.
type SocketConfig struct {
	// URL is the realtime endpoint (ws:// or wss://).
	URL string

	// Client performs the REST half of the adapter. Required.
	Client *messaging.Client

	// Credentials authenticate the websocket handshake. Required;
	// normally the same credentials the Client uses.
	Credentials messaging.Credentials

	// Dialer opens the websocket. If nil, a dialer with a 10s handshake
	// timeout that honors proxy environment variables is used.
	Dialer *websocket.Dialer

	// Clock paces reconnect backoff and keepalive pings. If nil,
	// clock.Real() is used.
	Clock clock.Clock

	// InitialBackoff is the wait before the first reconnect attempt;
	// each failed attempt doubles it up to MaxBackoff. Zero means the
	// defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// PingInterval is the keepalive ping period. A connection that
	// answers no ping for two periods is considered dead. Zero means
	// DefaultPingInterval; negative disables keepalive.
	PingInterval time.Duration

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// SocketAdapter is the production Adapter: REST through a
// messaging.Client and realtime events over one shared websocket
// carrying JSON frames. The connection is opened lazily by the first
// join and re-established with exponential backoff whenever it drops,
// until Close or until the backend rejects the credentials.
type SocketAdapter struct {
	handlers

	url            string
	client         *messaging.Client
	credentials    messaging.Credentials
	dialer         *websocket.Dialer
	clock          clock.Clock
	initialBackoff time.Duration
	maxBackoff     time.Duration
	pingInterval   time.Duration
	logger         *slog.Logger

	// writeMu serializes frame writes; gorilla allows one concurrent
	// writer per connection.
	writeMu sync.Mutex

	mu    sync.Mutex
	joins joinTable
	// conn is the live connection, nil while disconnected.
	conn *websocket.Conn
	// joined holds the rooms joined on conn.
	joined map[string]bool
	state  ConnectionState
	// ready is closed when the next connection is up and its rooms are
	// joined. Replaced each time a connection is lost.
	ready chan struct{}
	// stopped is closed when the connection loop exits for good;
	// stopErr says why.
	stopped       chan struct{}
	stopErr       error
	running       bool
	cancel        context.CancelFunc
	loopDone      chan struct{}
	everConnected bool
	missedJoin    bool
	closed        bool
}

// NewSocketAdapter creates a SocketAdapter. No connection is made until
// the first JoinConversation.
func NewSocketAdapter(config SocketConfig) (*SocketAdapter, error) {
	parsed, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid socket URL %q: %w", config.URL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("transport: socket URL %q must be ws or wss", config.URL)
	}
	if config.Client == nil {
		return nil, fmt.Errorf("transport: Client is required")
	}
	if config.Credentials == nil {
		return nil, fmt.Errorf("transport: Credentials are required")
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	initialBackoff := config.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = DefaultInitialBackoff
	}
	maxBackoff := config.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}
	pingInterval := config.PingInterval
	if pingInterval == 0 {
		pingInterval = DefaultPingInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SocketAdapter{
		url:            config.URL,
		client:         config.Client,
		credentials:    config.Credentials,
		dialer:         dialer,
		clock:          clk,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		pingInterval:   pingInterval,
		logger:         logger,
		joins:          newJoinTable(),
		ready:          make(chan struct{}),
		stopped:        make(chan struct{}),
	}, nil
}

// JoinConversation takes a reference on the conversation's room. The
// first reference starts the connection if needed and waits, bounded by
// ctx, until the room is joined. If ctx ends first the reference is
// still held: the room is joined once the connection comes up, and the
// OnReconnected handlers run then so the caller can catch up on events
// it missed.
func (s *SocketAdapter) JoinConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.stopErr != nil {
		err := s.stopErr
		s.mu.Unlock()
		return err
	}
	if !s.joins.acquire(conversationID) {
		s.mu.Unlock()
		return nil
	}
	s.startLocked()
	conn, ready, stopped := s.conn, s.ready, s.stopped
	s.mu.Unlock()

	if conn != nil {
		s.joinOn(conn, conversationID)
		return nil
	}

	select {
	case <-ready:
		return nil
	case <-stopped:
		return s.stopError()
	case <-ctx.Done():
		s.mu.Lock()
		s.missedJoin = true
		s.mu.Unlock()
		return &messaging.NetworkError{Op: "join", Err: ctx.Err()}
	}
}

// joinOn sends join_conversation on conn and records the room as
// joined. A write failure is left to the reader to notice; the
// reconnect rejoins every held room.
func (s *SocketAdapter) joinOn(conn *websocket.Conn, conversationID string) {
	if err := s.write(conn, joinFrame(conversationID)); err != nil {
		s.logger.Debug("join write failed", "conversation_id", conversationID, "error", err)
		return
	}
	s.mu.Lock()
	if s.conn == conn && s.joins.held(conversationID) {
		s.joined[conversationID] = true
	}
	s.mu.Unlock()
}

// LeaveConversation releases a reference taken by JoinConversation.
func (s *SocketAdapter) LeaveConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	if !s.joins.release(conversationID) {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	wasJoined := s.joined[conversationID]
	delete(s.joined, conversationID)
	s.mu.Unlock()

	if conn == nil || !wasJoined {
		return nil
	}
	if err := s.write(conn, leaveFrame(conversationID)); err != nil {
		// The server drops room membership with the connection.
		s.logger.Debug("leave write failed", "conversation_id", conversationID, "error", err)
	}
	return nil
}

// FetchHistory fetches a page of history over REST.
func (s *SocketAdapter) FetchHistory(ctx context.Context, conversationID string, options messaging.HistoryOptions) (*messaging.HistoryPage, error) {
	return s.client.FetchHistory(ctx, conversationID, options)
}

// SendMessage posts the message over REST, then relays the confirmed
// copy to the room with send_message. The relay is best effort: the
// message is already stored server-side.
func (s *SocketAdapter) SendMessage(ctx context.Context, message messaging.OutgoingMessage) (messaging.Message, error) {
	confirmed, err := s.client.SendMessage(ctx, message)
	if err != nil {
		return messaging.Message{}, err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		if err := s.write(conn, sendMessageFrame(confirmed)); err != nil {
			s.logger.Debug("send_message relay failed",
				"conversation_id", confirmed.ConversationID,
				"message_id", confirmed.ID,
				"error", err,
			)
		}
	}
	return confirmed, nil
}

// EmitTyping signals typing to a joined room.
func (s *SocketAdapter) EmitTyping(_ context.Context, conversationID string) error {
	return s.emitTyping(conversationID, true)
}

// EmitStopTyping signals stop typing to a joined room.
func (s *SocketAdapter) EmitStopTyping(_ context.Context, conversationID string) error {
	return s.emitTyping(conversationID, false)
}

func (s *SocketAdapter) emitTyping(conversationID string, typing bool) error {
	s.mu.Lock()
	conn := s.conn
	joined := s.joined[conversationID]
	s.mu.Unlock()
	if conn == nil || !joined {
		return nil
	}
	if err := s.write(conn, typingFrame(conversationID, typing)); err != nil {
		return &messaging.NetworkError{Op: "typing", Err: err}
	}
	return nil
}

// Subscription reports a conversation's room membership.
func (s *SocketAdapter) Subscription(conversationID string) SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.joins.held(conversationID):
		return Unsubscribed
	case s.joined[conversationID]:
		return Joined
	case s.running && s.stopErr == nil && !s.closed:
		return Joining
	default:
		return Unsubscribed
	}
}

// State returns the connection state.
func (s *SocketAdapter) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close leaves every joined room, closes the connection, and stops the
// reconnect loop. It waits for the loop to exit.
func (s *SocketAdapter) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	var rooms []string
	for conversationID := range s.joined {
		rooms = append(rooms, conversationID)
	}
	s.joins.clear()
	s.joined = nil
	cancel, loopDone := s.cancel, s.loopDone
	s.mu.Unlock()

	if conn != nil {
		for _, conversationID := range rooms {
			if err := s.write(conn, leaveFrame(conversationID)); err != nil {
				break
			}
		}
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(writeWait))
		conn.Close()
	}
	if cancel != nil {
		cancel()
		<-loopDone
	}
	s.setState(Disconnected)
	s.client.CloseIdleConnections()
	return nil
}

func (s *SocketAdapter) startLocked() {
	if s.running {
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.run(ctx)
}

// run connects, serves the connection until it drops, and reconnects.
// The first attempt is immediate. After a drop the loop waits
// initialBackoff, and each failed attempt doubles the wait up to
// maxBackoff.
func (s *SocketAdapter) run(ctx context.Context) {
	defer close(s.loopDone)

	var delay time.Duration
	for {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(delay):
			}
		}

		s.setState(Connecting)
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var authErr *messaging.AuthError
			if errors.As(err, &authErr) {
				s.logger.Error("realtime connection rejected, not retrying", "url", s.url, "error", err)
				s.stop(authErr)
				return
			}
			delay = s.nextDelay(delay)
			s.logger.Warn("realtime connect failed, retrying",
				"url", s.url,
				"backoff", delay,
				"error", err,
			)
			continue
		}

		s.serve(ctx, conn)
		if ctx.Err() != nil || s.isClosed() {
			return
		}
		delay = s.initialBackoff
		s.logger.Info("realtime connection lost, reconnecting", "backoff", delay)
	}
}

func (s *SocketAdapter) nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return s.initialBackoff
	}
	current *= 2
	if current > s.maxBackoff {
		current = s.maxBackoff
	}
	return current
}

// stop ends the connection loop for good.
func (s *SocketAdapter) stop(reason error) {
	s.mu.Lock()
	s.stopErr = reason
	s.running = false
	changed := s.state != Disconnected
	s.state = Disconnected
	close(s.stopped)
	s.mu.Unlock()
	if changed {
		s.dispatchState(Disconnected)
	}
}

func (s *SocketAdapter) stopError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopErr != nil {
		return s.stopErr
	}
	return ErrClosed
}

// dial opens the websocket with the bearer token. A 401 handshake
// response invalidates the credentials.
func (s *SocketAdapter) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.credentials.Token()
	if err != nil {
		return nil, &messaging.AuthError{Op: "connect", Err: err}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, response, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			authErr := &messaging.AuthError{Op: "connect", Message: "websocket handshake rejected"}
			s.credentials.Invalidate(authErr)
			return nil, authErr
		}
		return nil, &messaging.NetworkError{Op: "connect", Err: err}
	}
	return conn, nil
}

// serve installs conn as the live connection, rejoins every held room,
// and reads frames until the connection fails or ctx ends.
func (s *SocketAdapter) serve(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)

	s.mu.Lock()
	s.conn = conn
	s.joined = make(map[string]bool)
	rooms := s.joins.active()
	reconnect := s.everConnected || s.missedJoin
	s.everConnected = true
	s.missedJoin = false
	s.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.joined = nil
		s.ready = make(chan struct{})
		s.mu.Unlock()
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for _, conversationID := range rooms {
		s.joinOn(conn, conversationID)
	}
	s.mu.Lock()
	close(s.ready)
	s.mu.Unlock()

	s.logger.Info("realtime connected", "url", s.url, "rooms", len(rooms), "reconnect", reconnect)
	s.setState(Connected)
	if reconnect {
		s.client.CloseIdleConnections()
		s.dispatchReconnected()
	}

	if s.pingInterval > 0 {
		pongWait := 2 * s.pingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go s.keepalive(conn, done)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !netutil.IsExpectedCloseError(err) {
				s.logger.Warn("realtime read failed", "error", err)
			}
			break
		}
		if s.pingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("dropping malformed realtime frame", "error", err)
			continue
		}
		s.dispatchFrame(frame)
	}

	if ctx.Err() == nil && !s.isClosed() {
		s.setState(Connecting)
	}
}

func (s *SocketAdapter) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// keepalive pings conn every pingInterval until done is closed.
func (s *SocketAdapter) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-s.clock.After(s.pingInterval):
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			s.logger.Debug("keepalive ping failed", "error", err)
			return
		}
	}
}

func (s *SocketAdapter) dispatchFrame(frame Frame) {
	switch frame.Event {
	case EventReceiveMessage:
		var wire messaging.WireMessage
		if err := json.Unmarshal(frame.Data, &wire); err != nil {
			s.logger.Warn("dropping malformed receive_message", "error", err)
			return
		}
		if wire.ID == "" || wire.ConversationID == "" {
			s.logger.Debug("dropping receive_message without id or conversation")
			return
		}
		s.dispatchMessage(wire.Message(s.clock.Now()))

	case EventUserTyping, EventUserStopTyping:
		var payload typingPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.ConversationID == "" {
			s.logger.Debug("dropping malformed typing event", "event", frame.Event)
			return
		}
		s.dispatchTyping(TypingEvent{
			ConversationID: payload.ConversationID,
			UserID:         payload.UserID,
		}, frame.Event == EventUserTyping)

	default:
		s.logger.Debug("ignoring realtime event", "event", frame.Event)
	}
}

func (s *SocketAdapter) write(conn *websocket.Conn, frame Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func (s *SocketAdapter) setState(state ConnectionState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.dispatchState(state)
	}
}
