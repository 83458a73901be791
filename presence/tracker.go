// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/souravsarkar1/chatsync/lib/clock"
)

// DefaultTimeout is how long a typing indicator stays active without a
// refresh.
const DefaultTimeout = 3 * time.Second

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Clock drives the expiry timers. If nil, clock.Real() is used.
	Clock clock.Clock

	// Timeout is the quiet period after which a participant stops
	// counting as typing. Zero or negative means DefaultTimeout.
	Timeout time.Duration

	// OnChange, if set, is called with the conversation's current
	// typists whenever the set changes. It runs without the tracker's
	// lock held, on the goroutine that caused the change (the expiry
	// timer's goroutine for timeouts).
	OnChange func(conversationID string, typists []string)

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Tracker is safe for concurrent use.
type Tracker struct {
	clock    clock.Clock
	timeout  time.Duration
	onChange func(string, []string)
	logger   *slog.Logger

	mu            sync.Mutex
	conversations map[string]map[string]*indicator
	closed        bool
}

// indicator is one participant's typing state. A refresh replaces the
// indicator, so a timer whose indicator is no longer in the map has
// been superseded and does nothing.
type indicator struct {
	timer   *clock.Timer
	expires time.Time
}

// NewTracker creates a Tracker.
func NewTracker(config TrackerConfig) *Tracker {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		clock:         clk,
		timeout:       timeout,
		onChange:      config.OnChange,
		logger:        logger,
		conversations: make(map[string]map[string]*indicator),
	}
}

// Typing records that participant is typing in conversationID, or
// extends the indicator if it is already active.
func (t *Tracker) Typing(conversationID, participant string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	participants := t.conversations[conversationID]
	if participants == nil {
		participants = make(map[string]*indicator)
		t.conversations[conversationID] = participants
	}
	previous, wasActive := participants[participant]
	if wasActive {
		previous.timer.Stop()
	}
	current := &indicator{expires: t.clock.Now().Add(t.timeout)}
	participants[participant] = current
	current.timer = t.clock.AfterFunc(t.timeout, func() {
		t.expire(conversationID, participant, current)
	})
	typists := typistsLocked(participants)
	t.mu.Unlock()

	if !wasActive {
		t.notify(conversationID, typists)
	}
}

// StopTyping returns participant to idle in conversationID.
func (t *Tracker) StopTyping(conversationID, participant string) {
	t.mu.Lock()
	participants := t.conversations[conversationID]
	current, ok := participants[participant]
	if !ok {
		t.mu.Unlock()
		return
	}
	current.timer.Stop()
	typists := t.removeLocked(conversationID, participant)
	t.mu.Unlock()

	t.notify(conversationID, typists)
}

func (t *Tracker) expire(conversationID, participant string, expired *indicator) {
	t.mu.Lock()
	if t.conversations[conversationID][participant] != expired {
		t.mu.Unlock()
		return
	}
	typists := t.removeLocked(conversationID, participant)
	t.mu.Unlock()

	t.logger.Debug("typing indicator expired",
		"conversation_id", conversationID,
		"participant", participant,
	)
	t.notify(conversationID, typists)
}

func (t *Tracker) removeLocked(conversationID, participant string) []string {
	participants := t.conversations[conversationID]
	delete(participants, participant)
	if len(participants) == 0 {
		delete(t.conversations, conversationID)
		return nil
	}
	return typistsLocked(participants)
}

func typistsLocked(participants map[string]*indicator) []string {
	if len(participants) == 0 {
		return nil
	}
	typists := make([]string, 0, len(participants))
	for participant := range participants {
		typists = append(typists, participant)
	}
	sort.Strings(typists)
	return typists
}

func (t *Tracker) notify(conversationID string, typists []string) {
	if t.onChange != nil {
		t.onChange(conversationID, typists)
	}
}

// Active reports whether anyone is typing in conversationID.
func (t *Tracker) Active(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conversations[conversationID]) > 0
}

// Typists returns the participants typing in conversationID, sorted.
func (t *Tracker) Typists(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return typistsLocked(t.conversations[conversationID])
}

// Clear drops every indicator in conversationID and stops their
// timers. No change callback is made: the conversation is going away.
func (t *Tracker) Clear(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, current := range t.conversations[conversationID] {
		current.timer.Stop()
	}
	delete(t.conversations, conversationID)
}

// Close clears every conversation. Later typing events are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, participants := range t.conversations {
		for _, current := range participants {
			current.timer.Stop()
		}
	}
	t.conversations = make(map[string]map[string]*indicator)
}
