// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the per-conversation message log.
//
// A Store holds every message chatsync knows about for one
// conversation, from all three sources that write into it: history
// pages, realtime pushes, and local optimistic sends. It guarantees
// there is never more than one entry per logical message:
//
//   - Messages are keyed by ID. Appending an ID that is already present
//     is a duplicate; at most it moves the existing entry's state
//     forward.
//   - A pending or failed local message is keyed by its temporary ID,
//     which equals its ClientID. When the confirmed copy from the same
//     sender arrives carrying that ClientID, it replaces the local entry
//     in place. A message from anyone else that happens to carry the
//     ClientID is a separate message.
//   - An echo of a local send that lost its ClientID is attached to a
//     local entry by AppendEcho. The pairing is provisional: when a
//     message carrying the real ClientID shows the guess was wrong, the
//     entry gets its own confirmation and the echo moves to the send it
//     belongs to.
//
// Entries are never removed. Snapshot returns them ordered by server
// timestamp, falling back to local creation time for messages the
// server has not yet timestamped, with ties broken by insertion order.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/souravsarkar1/chatsync/messaging"
)

// AppendResult reports what Append did.
type AppendResult int

const (
	// Rejected: the message had neither an ID nor a ClientID.
	Rejected AppendResult = iota
	// Inserted: a new entry was added.
	Inserted
	// Duplicate: an entry for the same message already existed. Its
	// state may have advanced.
	Duplicate
	// Replaced: the message confirmed a local pending or failed entry,
	// which took on the server's ID, timestamp, and state.
	Replaced
)

func (r AppendResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Replaced:
		return "replaced"
	default:
		return "rejected"
	}
}

type entry struct {
	message  messaging.Message
	sequence uint64

	// local is the entry's own message while its confirmation was
	// attached by AppendEcho rather than matched by ClientID.
	local *messaging.Message
}

// settled reports whether the entry holds a confirmation matched by
// ClientID.
func (e *entry) settled() bool {
	return e.message.Confirmed() && e.local == nil
}

// sortTime is the instant the entry is ordered by.
func (e *entry) sortTime() time.Time {
	if !e.message.CreatedAt.IsZero() {
		return e.message.CreatedAt
	}
	return e.message.LocalCreatedAt
}

// Store is safe for concurrent use.
type Store struct {
	conversationID string

	mu           sync.RWMutex
	entries      []*entry
	byID         map[string]*entry
	byClientID   map[string]*entry
	nextSequence uint64
}

// New creates an empty store for one conversation.
func New(conversationID string) *Store {
	return &Store{
		conversationID: conversationID,
		byID:           make(map[string]*entry),
		byClientID:     make(map[string]*entry),
	}
}

// ConversationID returns the conversation this store holds.
func (s *Store) ConversationID() string { return s.conversationID }

// Append adds message to the log, deduplicating by ID and correlating
// by ClientID. A message with no ID but a ClientID is a local pending
// message and is keyed by its ClientID. A message with no state is
// stored as sent when it has an ID of its own, pending otherwise.
func (s *Store) Append(message messaging.Message) AppendResult {
	message, ok := s.normalize(message)
	if !ok {
		return Rejected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(message)
}

// AppendEcho adds a confirmed message from the local user that arrived
// without its ClientID. Unless its ID is already known, it confirms the
// oldest pending or failed entry with the same sender and body for
// which accept (if non-nil) returns true, and is inserted as a new
// entry when there is none. The pairing is provisional; see the
// package documentation.
func (s *Store) AppendEcho(echo messaging.Message, accept func(local messaging.Message) bool) AppendResult {
	if echo.ID == "" || echo.ClientID != "" {
		return s.Append(echo)
	}
	echo, _ = s.normalize(echo)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[echo.ID]; ok {
		advance(existing, echo.State)
		return Duplicate
	}
	return s.attachEchoLocked(echo, accept)
}

func (s *Store) normalize(message messaging.Message) (messaging.Message, bool) {
	if message.ID == "" {
		if message.ClientID == "" {
			return message, false
		}
		message.ID = message.ClientID
	}
	if message.State == "" {
		if message.Confirmed() {
			message.State = messaging.StateSent
		} else {
			message.State = messaging.StatePending
		}
	}
	if message.ConversationID == "" {
		message.ConversationID = s.conversationID
	}
	return message, true
}

func (s *Store) appendLocked(message messaging.Message) AppendResult {
	if existing, ok := s.byID[message.ID]; ok {
		if existing.local != nil && message.ClientID != "" && message.ClientID != existing.message.ClientID {
			// The echo holding this ID was attached to the wrong send.
			if owner := s.correlate(message); owner != nil && owner != existing && !owner.settled() {
				s.revert(existing)
				s.confirm(owner, message)
				return Replaced
			}
		}
		if message.ClientID != "" && message.ClientID == existing.message.ClientID {
			existing.local = nil
		}
		advance(existing, message.State)
		return Duplicate
	}

	if existing := s.correlate(message); existing != nil {
		if existing.settled() {
			// Already confirmed under a different ID; the same
			// logical message, so never a second entry.
			advance(existing, message.State)
			return Duplicate
		}
		s.confirm(existing, message)
		return Replaced
	}

	s.insert(message)
	return Inserted
}

// confirm replaces a local entry with its confirmation. An echo that
// had been attached to the entry belongs to another send and moves on.
func (s *Store) confirm(e *entry, confirmed messaging.Message) {
	if e.local == nil {
		s.replace(e, confirmed)
		return
	}
	echo := e.message
	echo.ClientID = ""
	s.revert(e)
	s.replace(e, confirmed)
	s.attachEchoLocked(echo, nil)
}

// correlate returns the local entry message confirms: the entry with
// its ClientID, provided both come from the same sender.
func (s *Store) correlate(message messaging.Message) *entry {
	if message.ClientID == "" {
		return nil
	}
	existing, ok := s.byClientID[message.ClientID]
	if !ok {
		return nil
	}
	if message.SenderID != "" && existing.message.SenderID != "" && message.SenderID != existing.message.SenderID {
		return nil
	}
	return existing
}

// attachEchoLocked confirms the oldest matching local entry with echo,
// remembering the entry's own message, or inserts echo.
func (s *Store) attachEchoLocked(echo messaging.Message, accept func(messaging.Message) bool) AppendResult {
	for _, e := range s.entries {
		local := e.message
		if local.Confirmed() || local.SenderID != echo.SenderID || local.Body != echo.Body {
			continue
		}
		if accept != nil && !accept(local) {
			continue
		}
		echo.ClientID = local.ClientID
		s.replace(e, echo)
		e.local = &local
		return Replaced
	}
	s.insert(echo)
	return Inserted
}

// revert undoes an AppendEcho pairing, restoring the entry's own
// message under its temporary ID.
func (s *Store) revert(e *entry) {
	delete(s.byID, e.message.ID)
	e.message = *e.local
	e.local = nil
	s.byID[e.message.ID] = e
}

func (s *Store) insert(message messaging.Message) {
	s.nextSequence++
	e := &entry{message: message, sequence: s.nextSequence}
	s.entries = append(s.entries, e)
	s.byID[message.ID] = e
	if message.ClientID == "" {
		return
	}
	if _, taken := s.byClientID[message.ClientID]; !taken {
		s.byClientID[message.ClientID] = e
	}
}

// replace swaps a local entry's content for its confirmed copy,
// keeping the entry's insertion sequence and local creation time.
func (s *Store) replace(existing *entry, confirmed messaging.Message) {
	delete(s.byID, existing.message.ID)

	local := existing.message
	confirmed.LocalCreatedAt = local.LocalCreatedAt
	if confirmed.SenderID == "" {
		confirmed.SenderID = local.SenderID
	}
	if confirmed.Body == "" {
		confirmed.Body = local.Body
	}
	if confirmed.Type == "" {
		confirmed.Type = local.Type
	}
	if confirmed.State == messaging.StatePending || confirmed.State == messaging.StateFailed {
		// A confirmation always carries a server ID, so the server
		// has the message.
		confirmed.State = messaging.StateSent
	}
	existing.message = confirmed
	s.byID[confirmed.ID] = existing
}

func advance(e *entry, next messaging.DeliveryState) bool {
	if !e.message.State.Advances(next) {
		return false
	}
	e.message.State = next
	return true
}

// MarkState moves the message whose ID or ClientID is id to state.
// Allowed moves are the forward ones (pending, sent, delivered),
// pending to failed, and failed back to pending for a retry. It
// returns true if the state changed; an unknown id or a disallowed
// move is a no-op.
func (s *Store) MarkState(id string, state messaging.DeliveryState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(id)
	if e == nil {
		return false
	}
	current := e.message.State
	switch {
	case current == messaging.StatePending && state == messaging.StateFailed,
		current == messaging.StateFailed && state == messaging.StatePending:
		e.message.State = state
		return true
	default:
		return advance(e, state)
	}
}

func (s *Store) lookup(id string) *entry {
	if e, ok := s.byID[id]; ok {
		return e
	}
	return s.byClientID[id]
}

// Get returns the message whose ID or ClientID is id.
func (s *Store) Get(id string) (messaging.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.lookup(id)
	if e == nil {
		return messaging.Message{}, false
	}
	return e.message, true
}

// Settled reports whether the message whose ID or ClientID is id has
// been confirmed by a message carrying its ClientID. A confirmation
// attached by AppendEcho does not count.
func (s *Store) Settled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.lookup(id)
	return e != nil && e.settled()
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns a copy of the log in display order. The caller owns
// the returned slice.
func (s *Store) Snapshot() []messaging.Message {
	s.mu.RLock()
	ordered := make([]*entry, len(s.entries))
	copy(ordered, s.entries)
	snapshot := make([]messaging.Message, len(ordered))
	sort.SliceStable(ordered, func(i, j int) bool {
		left, right := ordered[i].sortTime(), ordered[j].sortTime()
		if !left.Equal(right) {
			return left.Before(right)
		}
		return ordered[i].sequence < ordered[j].sequence
	})
	for i, e := range ordered {
		snapshot[i] = e.message
	}
	s.mu.RUnlock()
	return snapshot
}
