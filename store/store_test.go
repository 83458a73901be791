// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/souravsarkar1/chatsync/messaging"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds float64) time.Time {
	return base.Add(time.Duration(seconds * float64(time.Second)))
}

func remote(id string, seconds float64) messaging.Message {
	return messaging.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "peer",
		Body:           "body " + id,
		CreatedAt:      at(seconds),
		LocalCreatedAt: base,
		State:          messaging.StateSent,
	}
}

func ids(messages []messaging.Message) []string {
	result := make([]string, len(messages))
	for i, m := range messages {
		result[i] = m.ID
	}
	return result
}

func assertIDs(t *testing.T, got []messaging.Message, want ...string) {
	t.Helper()
	if fmt.Sprint(ids(got)) != fmt.Sprint(want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
}

func TestDuplicateDeliveryKeepsOneEntry(t *testing.T) {
	s := New("c1")
	message := remote("m1", 1)

	if got := s.Append(message); got != Inserted {
		t.Fatalf("first Append = %s, want inserted", got)
	}
	// The same message arrives again from history, then from realtime.
	for range 3 {
		if got := s.Append(message); got != Duplicate {
			t.Fatalf("repeat Append = %s, want duplicate", got)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestDuplicateOnlyAdvancesState(t *testing.T) {
	s := New("c1")
	s.Append(remote("m1", 1))

	delivered := remote("m1", 1)
	delivered.State = messaging.StateDelivered
	delivered.Body = "edited"
	s.Append(delivered)

	got, _ := s.Get("m1")
	if got.State != messaging.StateDelivered {
		t.Errorf("State = %s, want delivered", got.State)
	}
	if got.Body != "body m1" {
		t.Errorf("Body = %q, duplicate must not rewrite content", got.Body)
	}

	// A stale sent copy must not move it backwards.
	s.Append(remote("m1", 1))
	got, _ = s.Get("m1")
	if got.State != messaging.StateDelivered {
		t.Errorf("State regressed to %s", got.State)
	}
}

func TestConfirmationReplacesPendingInPlace(t *testing.T) {
	s := New("c1")
	s.Append(remote("m1", 1))

	pending := messaging.Message{
		ClientID:       "tmp-1",
		SenderID:       "me",
		Body:           "hello",
		LocalCreatedAt: at(5),
	}
	if got := s.Append(pending); got != Inserted {
		t.Fatalf("pending Append = %s", got)
	}
	if got, ok := s.Get("tmp-1"); !ok || got.State != messaging.StatePending || got.ID != "tmp-1" {
		t.Fatalf("pending entry = %+v", got)
	}

	confirmed := messaging.Message{
		ID:        "m100",
		ClientID:  "tmp-1",
		SenderID:  "me",
		Body:      "hello",
		CreatedAt: at(5.1),
		State:     messaging.StateSent,
	}
	if got := s.Append(confirmed); got != Replaced {
		t.Fatalf("confirmation Append = %s, want replaced", got)
	}
	// The realtime echo of the same message is a duplicate.
	if got := s.Append(confirmed); got != Duplicate {
		t.Fatalf("echo Append = %s, want duplicate", got)
	}

	snapshot := s.Snapshot()
	assertIDs(t, snapshot, "m1", "m100")
	if snapshot[1].State != messaging.StateSent || snapshot[1].ClientID != "tmp-1" {
		t.Errorf("confirmed entry = %+v", snapshot[1])
	}
	if !snapshot[1].LocalCreatedAt.Equal(at(5)) {
		t.Errorf("LocalCreatedAt = %v, want the local creation time kept", snapshot[1].LocalCreatedAt)
	}
	if _, ok := s.Get("tmp-1"); !ok {
		t.Error("lookup by ClientID failed after confirmation")
	}
}

func TestSecondConfirmationWithNewIDIsDuplicate(t *testing.T) {
	s := New("c1")
	s.Append(messaging.Message{ClientID: "tmp-1", Body: "x", LocalCreatedAt: base})
	s.Append(messaging.Message{ID: "m1", ClientID: "tmp-1", CreatedAt: at(1), State: messaging.StateSent})

	if got := s.Append(messaging.Message{ID: "m1-again", ClientID: "tmp-1", CreatedAt: at(1), State: messaging.StateDelivered}); got != Duplicate {
		t.Fatalf("Append = %s, want duplicate", got)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	got, _ := s.Get("m1")
	if got.State != messaging.StateDelivered {
		t.Errorf("State = %s, want delivered", got.State)
	}
}

func TestSnapshotOrdersByServerTimestamp(t *testing.T) {
	s := New("c1")
	s.Append(remote("m1", 1))
	s.Append(remote("m2", 2))
	// Buffered realtime message appended after the history page.
	s.Append(remote("m3", 1.5))

	assertIDs(t, s.Snapshot(), "m1", "m3", "m2")
}

func TestSnapshotTiesBreakByInsertion(t *testing.T) {
	s := New("c1")
	s.Append(remote("b", 1))
	s.Append(remote("a", 1))
	s.Append(remote("c", 1))

	assertIDs(t, s.Snapshot(), "b", "a", "c")
}

func TestSnapshotPendingUsesLocalTime(t *testing.T) {
	s := New("c1")
	s.Append(remote("m1", 1))
	s.Append(messaging.Message{ClientID: "tmp", Body: "x", LocalCreatedAt: at(3)})
	s.Append(remote("m2", 2))

	assertIDs(t, s.Snapshot(), "m1", "m2", "tmp")
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New("c1")
	s.Append(remote("m1", 1))

	snapshot := s.Snapshot()
	snapshot[0].Body = "mutated"

	got, _ := s.Get("m1")
	if got.Body != "body m1" || s.Len() != 1 {
		t.Fatal("mutating the snapshot changed the store")
	}
}

func TestMarkState(t *testing.T) {
	s := New("c1")
	s.Append(messaging.Message{ClientID: "tmp", Body: "x", LocalCreatedAt: base})

	if s.MarkState("missing", messaging.StateFailed) {
		t.Error("MarkState on an absent id reported a change")
	}
	if !s.MarkState("tmp", messaging.StateFailed) {
		t.Fatal("pending -> failed refused")
	}
	if !s.MarkState("tmp", messaging.StatePending) {
		t.Fatal("failed -> pending refused")
	}
	if !s.MarkState("tmp", messaging.StateSent) {
		t.Fatal("pending -> sent refused")
	}
	if s.MarkState("tmp", messaging.StateFailed) {
		t.Error("sent -> failed allowed")
	}
	if s.MarkState("tmp", messaging.StatePending) {
		t.Error("sent -> pending allowed")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestAppendRejectsAnonymousMessage(t *testing.T) {
	s := New("c1")
	if got := s.Append(messaging.Message{Body: "x"}); got != Rejected {
		t.Fatalf("Append = %s, want rejected", got)
	}
	if s.Len() != 0 {
		t.Fatal("rejected message was stored")
	}
}

func local(clientID, body string, seconds float64) messaging.Message {
	return messaging.Message{ClientID: clientID, SenderID: "me", Body: body, LocalCreatedAt: at(seconds)}
}

func confirmation(id, clientID, body string, seconds float64) messaging.Message {
	return messaging.Message{ID: id, ClientID: clientID, SenderID: "me", Body: body, CreatedAt: at(seconds), State: messaging.StateSent}
}

// byClient indexes a snapshot by ClientID, failing on a ClientID that
// appears twice.
func byClient(t *testing.T, snapshot []messaging.Message) map[string]messaging.Message {
	t.Helper()
	result := make(map[string]messaging.Message)
	for _, message := range snapshot {
		if _, seen := result[message.ClientID]; seen && message.ClientID != "" {
			t.Fatalf("two entries for client ID %s: %v", message.ClientID, ids(snapshot))
		}
		result[message.ClientID] = message
	}
	return result
}

func TestClientIDFromAnotherSenderIsNotCorrelated(t *testing.T) {
	s := New("c1")
	s.Append(local("tmp-1", "mine", 1))

	foreign := messaging.Message{ID: "x9", ClientID: "tmp-1", SenderID: "peer", Body: "theirs", CreatedAt: at(2), State: messaging.StateDelivered}
	if got := s.Append(foreign); got != Inserted {
		t.Fatalf("foreign Append = %s, want inserted", got)
	}
	mine, ok := s.Get("tmp-1")
	if !ok || mine.ID != "tmp-1" || mine.Body != "mine" || mine.State != messaging.StatePending {
		t.Fatalf("local entry = %+v, want untouched pending", mine)
	}

	// The real confirmation still finds the local entry.
	if got := s.Append(confirmation("m1", "tmp-1", "mine", 3)); got != Replaced {
		t.Fatalf("confirmation Append = %s, want replaced", got)
	}
	assertIDs(t, s.Snapshot(), "x9", "m1")
}

func TestAppendEchoPairsOldestMatchingSend(t *testing.T) {
	s := New("c1")
	s.Append(local("tmp-1", "hi", 1))
	s.Append(local("tmp-2", "other", 2))
	s.Append(local("tmp-3", "hi", 3))
	s.MarkState("tmp-1", messaging.StateFailed)

	echo := messaging.Message{ID: "m1", SenderID: "me", Body: "hi", CreatedAt: at(4)}
	if got := s.AppendEcho(echo, nil); got != Replaced {
		t.Fatalf("AppendEcho = %s, want replaced", got)
	}
	if got, _ := s.Get("tmp-1"); got.ID != "m1" || got.State != messaging.StateSent {
		t.Fatalf("tmp-1 = %+v, want confirmed as m1", got)
	}
	if s.Settled("tmp-1") {
		t.Fatal("an echo paired by body reported as settled")
	}
	if got := s.AppendEcho(echo, nil); got != Duplicate {
		t.Fatalf("repeated AppendEcho = %s, want duplicate", got)
	}

	// accept can veto a candidate.
	rejectAll := func(messaging.Message) bool { return false }
	if got := s.AppendEcho(messaging.Message{ID: "m2", SenderID: "me", Body: "hi", CreatedAt: at(5)}, rejectAll); got != Inserted {
		t.Fatalf("vetoed AppendEcho = %s, want inserted", got)
	}
	if got, _ := s.Get("tmp-3"); got.State != messaging.StatePending {
		t.Fatalf("tmp-3 = %+v, want still pending", got)
	}

	// The confirmation carrying the ClientID settles the pairing.
	if got := s.Append(confirmation("m1", "tmp-1", "hi", 4)); got != Duplicate {
		t.Fatalf("confirmation Append = %s, want duplicate", got)
	}
	if !s.Settled("tmp-1") {
		t.Fatal("confirmed pairing not settled")
	}
}

func TestMisattributedEchoIsCorrected(t *testing.T) {
	// Two sends with the same body; the echo of the second arrives
	// first and is paired with the first.
	setup := func(t *testing.T) *Store {
		t.Helper()
		s := New("c1")
		s.Append(local("tmp-1", "ok", 1))
		s.Append(local("tmp-2", "ok", 2))
		if got := s.AppendEcho(messaging.Message{ID: "m2", SenderID: "me", Body: "ok", CreatedAt: at(2.5)}, nil); got != Replaced {
			t.Fatalf("AppendEcho = %s, want replaced", got)
		}
		return s
	}
	check := func(t *testing.T, s *Store) {
		t.Helper()
		snapshot := s.Snapshot()
		if len(snapshot) != 2 {
			t.Fatalf("snapshot = %v, want two entries", ids(snapshot))
		}
		entries := byClient(t, snapshot)
		if got := entries["tmp-1"]; got.ID != "m1" || got.State != messaging.StateSent {
			t.Errorf("tmp-1 = %+v, want m1 sent", got)
		}
		if got := entries["tmp-2"]; got.ID != "m2" || got.State != messaging.StateSent {
			t.Errorf("tmp-2 = %+v, want m2 sent", got)
		}
		if !s.Settled("tmp-1") || !s.Settled("tmp-2") {
			t.Error("confirmed sends not settled")
		}
	}

	t.Run("second confirmation first", func(t *testing.T) {
		s := setup(t)
		if got := s.Append(confirmation("m2", "tmp-2", "ok", 2.5)); got != Replaced {
			t.Fatalf("tmp-2 confirmation = %s, want replaced", got)
		}
		if got, _ := s.Get("tmp-1"); got.ID != "tmp-1" || got.State != messaging.StatePending {
			t.Fatalf("tmp-1 = %+v, want back to pending", got)
		}
		if got := s.Append(confirmation("m1", "tmp-1", "ok", 1.5)); got != Replaced {
			t.Fatalf("tmp-1 confirmation = %s, want replaced", got)
		}
		check(t, s)
	})

	t.Run("first confirmation first", func(t *testing.T) {
		s := setup(t)
		if got := s.Append(confirmation("m1", "tmp-1", "ok", 1.5)); got != Replaced {
			t.Fatalf("tmp-1 confirmation = %s, want replaced", got)
		}
		if got, _ := s.Get("tmp-2"); got.ID != "m2" {
			t.Fatalf("tmp-2 = %+v, want the echo moved to it", got)
		}
		if got := s.Append(confirmation("m2", "tmp-2", "ok", 2.5)); got != Duplicate {
			t.Fatalf("tmp-2 confirmation = %s, want duplicate", got)
		}
		check(t, s)
	})

	t.Run("both echoes swapped", func(t *testing.T) {
		s := setup(t)
		if got := s.AppendEcho(messaging.Message{ID: "m1", SenderID: "me", Body: "ok", CreatedAt: at(1.5)}, nil); got != Replaced {
			t.Fatalf("second AppendEcho = %s, want replaced", got)
		}
		if got, _ := s.Get("tmp-2"); got.ID != "m1" {
			t.Fatalf("tmp-2 = %+v, want paired with m1", got)
		}
		if got := s.Append(confirmation("m2", "tmp-2", "ok", 2.5)); got != Replaced {
			t.Fatalf("tmp-2 confirmation = %s, want replaced", got)
		}
		if got := s.Append(confirmation("m1", "tmp-1", "ok", 1.5)); got != Duplicate {
			t.Fatalf("tmp-1 confirmation = %s, want duplicate", got)
		}
		check(t, s)
	})
}

func TestConcurrentAppendAndSnapshot(t *testing.T) {
	s := New("c1")
	var wait sync.WaitGroup
	for range 4 {
		wait.Add(1)
		go func() {
			defer wait.Done()
			for i := range 100 {
				// Every writer delivers the same 100 messages.
				s.Append(remote(fmt.Sprintf("m%d", i), float64(i)))
			}
		}()
	}
	wait.Add(1)
	go func() {
		defer wait.Done()
		for range 100 {
			s.Snapshot()
		}
	}()
	wait.Wait()

	if s.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", s.Len())
	}
}
