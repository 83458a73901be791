// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/souravsarkar1/chatsync/lib/clock"
	"github.com/souravsarkar1/chatsync/lib/testutil"
	"github.com/souravsarkar1/chatsync/messaging"
)

const testTimeout = 5 * time.Second

type testCredentials struct {
	mu          sync.Mutex
	invalidated error
}

func (c *testCredentials) Token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalidated != nil {
		return "", c.invalidated
	}
	return "tok", nil
}

func (c *testCredentials) Invalidate(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalidated == nil {
		c.invalidated = reason
	}
}

func (c *testCredentials) reason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

// socketServer is a websocket endpoint that hands each accepted
// connection to the test.
type socketServer struct {
	server      *httptest.Server
	reject      atomic.Int32
	attempts    chan struct{}
	connections chan *serverConn
}

type serverConn struct {
	conn   *websocket.Conn
	frames chan Frame
}

// newSocketServer starts the endpoint. rest, if non-nil, serves every
// request that is not a websocket upgrade.
func newSocketServer(t *testing.T, rest http.HandlerFunc) *socketServer {
	t.Helper()
	s := &socketServer{
		attempts:    make(chan struct{}, 64),
		connections: make(chan *serverConn, 16),
	}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rest != nil && !websocket.IsWebSocketUpgrade(r) {
			rest(w, r)
			return
		}
		s.attempts <- struct{}{}
		if status := s.reject.Load(); status != 0 {
			http.Error(w, "rejected", int(status))
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn, frames: make(chan Frame, 64)}
		s.connections <- sc
		defer close(sc.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame Frame
			if json.Unmarshal(data, &frame) == nil {
				sc.frames <- frame
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *socketServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// nextFrame returns the next frame the client sent on sc.
func (sc *serverConn) nextFrame(t *testing.T) Frame {
	t.Helper()
	return testutil.RequireReceive(t, sc.frames, testTimeout, "waiting for client frame")
}

func (sc *serverConn) send(t *testing.T, event string, data any) {
	t.Helper()
	if err := sc.conn.WriteJSON(newFrame(event, data)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func newTestSocketAdapter(t *testing.T, server *socketServer, fake *clock.FakeClock) (*SocketAdapter, *testCredentials) {
	t.Helper()
	credentials := &testCredentials{}
	client, err := messaging.NewClient(messaging.ClientConfig{
		BaseURL:     server.server.URL,
		Credentials: credentials,
		Clock:       fake,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	adapter, err := NewSocketAdapter(SocketConfig{
		URL:          server.url(),
		Client:       client,
		Credentials:  credentials,
		Clock:        fake,
		PingInterval: -1,
	})
	if err != nil {
		t.Fatalf("NewSocketAdapter: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	return adapter, credentials
}

func joinWithTimeout(t *testing.T, adapter *SocketAdapter, conversationID string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return adapter.JoinConversation(ctx, conversationID)
}

func TestNewSocketAdapterRejectsHTTPURL(t *testing.T) {
	_, err := NewSocketAdapter(SocketConfig{URL: "http://localhost"})
	if err == nil {
		t.Fatal("expected error for http URL")
	}
}

func TestSocketJoinIsReferenceCounted(t *testing.T) {
	server := newSocketServer(t, nil)
	adapter, _ := newTestSocketAdapter(t, server, clock.Fake(epoch))

	if err := joinWithTimeout(t, adapter, "c1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	sc := testutil.RequireReceive(t, server.connections, testTimeout)
	frame := sc.nextFrame(t)
	var joined string
	json.Unmarshal(frame.Data, &joined)
	if frame.Event != EventJoinConversation || joined != "c1" {
		t.Fatalf("first frame = %s %s", frame.Event, frame.Data)
	}
	if adapter.Subscription("c1") != Joined {
		t.Fatalf("Subscription = %s", adapter.Subscription("c1"))
	}

	// A second consumer joins, then both leave.
	if err := joinWithTimeout(t, adapter, "c1"); err != nil {
		t.Fatalf("second JoinConversation: %v", err)
	}
	adapter.LeaveConversation(context.Background(), "c1")
	adapter.LeaveConversation(context.Background(), "c1")

	frame = sc.nextFrame(t)
	if frame.Event != EventLeaveConversation {
		t.Fatalf("frame after two leaves = %s, want a single leave (no second join)", frame.Event)
	}
	testutil.RequireNoReceive(t, sc.frames, 50*time.Millisecond, "unexpected extra frame")
}

func TestSocketDispatchesInboundEvents(t *testing.T) {
	server := newSocketServer(t, nil)
	adapter, _ := newTestSocketAdapter(t, server, clock.Fake(epoch))

	messages := make(chan messaging.Message, 4)
	typing := make(chan TypingEvent, 4)
	stopped := make(chan TypingEvent, 4)
	adapter.OnMessageReceived(func(m messaging.Message) { messages <- m })
	adapter.OnTyping(func(e TypingEvent) { typing <- e })
	adapter.OnStopTyping(func(e TypingEvent) { stopped <- e })

	if err := joinWithTimeout(t, adapter, "c1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	sc := testutil.RequireReceive(t, server.connections, testTimeout)
	sc.nextFrame(t)

	sc.send(t, EventReceiveMessage, messaging.WireMessage{
		ID:             "m1",
		ConversationID: "c1",
		Sender:         "u2",
		Text:           "hi",
		SendingTime:    epoch,
	})
	sc.send(t, EventUserTyping, typingPayload{ConversationID: "c1", UserID: "u2"})
	sc.send(t, EventUserStopTyping, typingPayload{ConversationID: "c1", UserID: "u2"})

	message := testutil.RequireReceive(t, messages, testTimeout)
	if message.ID != "m1" || message.Body != "hi" || message.State != messaging.StateSent {
		t.Errorf("message = %+v", message)
	}
	if event := testutil.RequireReceive(t, typing, testTimeout); event.UserID != "u2" {
		t.Errorf("typing = %+v", event)
	}
	if event := testutil.RequireReceive(t, stopped, testTimeout); event.ConversationID != "c1" {
		t.Errorf("stop typing = %+v", event)
	}
}

func TestSocketTypingIsDroppedUntilJoined(t *testing.T) {
	server := newSocketServer(t, nil)
	adapter, _ := newTestSocketAdapter(t, server, clock.Fake(epoch))

	if err := adapter.EmitTyping(context.Background(), "c1"); err != nil {
		t.Fatalf("EmitTyping before join: %v", err)
	}
	if err := joinWithTimeout(t, adapter, "c1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	sc := testutil.RequireReceive(t, server.connections, testTimeout)
	if frame := sc.nextFrame(t); frame.Event != EventJoinConversation {
		t.Fatalf("first frame = %s, want join (typing before join must be dropped)", frame.Event)
	}

	adapter.EmitTyping(context.Background(), "c1")
	adapter.EmitStopTyping(context.Background(), "c1")
	if frame := sc.nextFrame(t); frame.Event != EventTyping {
		t.Fatalf("frame = %s, want typing", frame.Event)
	}
	if frame := sc.nextFrame(t); frame.Event != EventStopTyping {
		t.Fatalf("frame = %s, want stop_typing", frame.Event)
	}
}

func TestSocketReconnectRejoinsOnce(t *testing.T) {
	server := newSocketServer(t, nil)
	fake := clock.Fake(epoch)
	adapter, _ := newTestSocketAdapter(t, server, fake)
	reconnected := make(chan struct{}, 4)
	adapter.OnReconnected(func() { reconnected <- struct{}{} })

	if err := joinWithTimeout(t, adapter, "c1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	first := testutil.RequireReceive(t, server.connections, testTimeout)
	first.nextFrame(t)

	// The server drops the connection; the adapter waits the initial
	// backoff before reconnecting.
	first.conn.Close()
	fake.WaitForTimers(1)
	testutil.RequireNoReceive(t, server.connections, 50*time.Millisecond, "reconnected before backoff elapsed")
	fake.Advance(DefaultInitialBackoff)

	second := testutil.RequireReceive(t, server.connections, testTimeout)
	frame := second.nextFrame(t)
	if frame.Event != EventJoinConversation {
		t.Fatalf("first frame on new connection = %s, want join", frame.Event)
	}
	testutil.RequireReceive(t, reconnected, testTimeout)

	// The UI is still mounted and joins again: no extra join frame.
	if err := joinWithTimeout(t, adapter, "c1"); err != nil {
		t.Fatalf("JoinConversation after reconnect: %v", err)
	}
	testutil.RequireNoReceive(t, second.frames, 50*time.Millisecond, "duplicate join emitted")
}

func TestSocketBackoffDoublesUntilConnected(t *testing.T) {
	server := newSocketServer(t, nil)
	server.reject.Store(http.StatusServiceUnavailable)
	fake := clock.Fake(epoch)
	adapter, _ := newTestSocketAdapter(t, server, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := adapter.JoinConversation(ctx, "c1")
	if !messaging.IsTransient(err) {
		t.Fatalf("Join with canceled context = %v, want NetworkError", err)
	}

	testutil.RequireReceive(t, server.attempts, testTimeout, "first attempt")
	for _, delay := range []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second} {
		fake.WaitForTimers(1)
		fake.Advance(delay - time.Millisecond)
		testutil.RequireNoReceive(t, server.attempts, 50*time.Millisecond, "attempt before %v elapsed", delay)
		fake.Advance(time.Millisecond)
		testutil.RequireReceive(t, server.attempts, testTimeout, "attempt after %v", delay)
	}

	reconnected := make(chan struct{}, 1)
	adapter.OnReconnected(func() { reconnected <- struct{}{} })
	server.reject.Store(0)
	fake.WaitForTimers(1)
	fake.Advance(4 * time.Second)

	sc := testutil.RequireReceive(t, server.connections, testTimeout)
	if frame := sc.nextFrame(t); frame.Event != EventJoinConversation {
		t.Fatalf("frame = %s, want join for the held reference", frame.Event)
	}
	// The Join gave up before the room was joined, so the first
	// connection counts as a reconnect.
	testutil.RequireReceive(t, reconnected, testTimeout)
}

func TestSocketHandshakeUnauthorizedStopsRetrying(t *testing.T) {
	server := newSocketServer(t, nil)
	server.reject.Store(http.StatusUnauthorized)
	fake := clock.Fake(epoch)
	adapter, credentials := newTestSocketAdapter(t, server, fake)

	err := joinWithTimeout(t, adapter, "c1")
	var authErr *messaging.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("JoinConversation = %v, want *AuthError", err)
	}
	if credentials.reason() == nil {
		t.Fatal("credentials not invalidated")
	}
	if adapter.State() != Disconnected {
		t.Fatalf("State = %s, want disconnected", adapter.State())
	}
	if fake.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want no retry scheduled", fake.PendingCount())
	}
	if err := joinWithTimeout(t, adapter, "c2"); !messaging.IsAuthError(err) {
		t.Fatalf("later join = %v, want AuthError", err)
	}
}

func TestSocketSendRelaysToRoom(t *testing.T) {
	server := newSocketServer(t, serveSend)
	adapter, _ := newTestSocketAdapter(t, server, clock.Fake(epoch))

	if err := joinWithTimeout(t, adapter, "c1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	sc := testutil.RequireReceive(t, server.connections, testTimeout)
	sc.nextFrame(t)

	confirmed, err := adapter.SendMessage(context.Background(), messaging.OutgoingMessage{
		ConversationID: "c1",
		ClientID:       "tmp-1",
		Body:           "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if confirmed.ID != "m100" {
		t.Fatalf("confirmed = %+v", confirmed)
	}

	frame := sc.nextFrame(t)
	if frame.Event != EventSendMessage {
		t.Fatalf("frame = %s, want send_message", frame.Event)
	}
	var payload sendPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("decoding send_message: %v", err)
	}
	if payload.ConversationID != "c1" || payload.Message.ID != "m100" || payload.Message.ClientID != "tmp-1" {
		t.Errorf("payload = %+v", payload)
	}
}

func serveSend(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"data":{"_id":"m100","conversationId":"c1","sender":"me","text":"hello","sendingTime":"2026-03-01T12:00:00Z"}}`))
}

func TestSocketCloseStopsLoop(t *testing.T) {
	server := newSocketServer(t, nil)
	adapter, _ := newTestSocketAdapter(t, server, clock.Fake(epoch))
	if err := joinWithTimeout(t, adapter, "c1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	sc := testutil.RequireReceive(t, server.connections, testTimeout)
	sc.nextFrame(t)

	if err := adapter.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if frame := sc.nextFrame(t); frame.Event != EventLeaveConversation {
		t.Fatalf("frame = %s, want leave on close", frame.Event)
	}
	if adapter.State() != Disconnected {
		t.Fatalf("State = %s", adapter.State())
	}
	if err := adapter.JoinConversation(context.Background(), "c1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Join after Close = %v, want ErrClosed", err)
	}
}
