// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/souravsarkar1/chatsync/lib/clock"
	"github.com/souravsarkar1/chatsync/reconcile"
	"github.com/souravsarkar1/chatsync/session"
	"github.com/souravsarkar1/chatsync/transport"
)

func openTestView(t *testing.T) (*reconcile.View, *transport.MemoryAdapter) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sess, err := session.New(session.Config{Token: "opaque-token", UserID: "me", Clock: clk})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	adapter := transport.NewMemoryAdapter(clk)
	engine, err := reconcile.New(reconcile.Config{
		Adapter: adapter,
		Session: sess,
		Clock:   clk,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("reconcile.New: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := engine.Open(ctx, "c1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { view.Close() })
	if err := view.WaitLoaded(ctx); err != nil {
		t.Fatalf("WaitLoaded: %v", err)
	}
	return view, adapter
}

func TestHandleLineSignalsTypingAroundSend(t *testing.T) {
	view, adapter := openTestView(t)
	a := &app{}

	quit, err := a.handleLine(context.Background(), view, "hello")
	if err != nil {
		t.Fatalf("handleLine: %v", err)
	}
	if quit {
		t.Fatal("plain line quit the tail")
	}
	if got := adapter.CountFrames(transport.EventTyping, "c1"); got != 1 {
		t.Errorf("typing frames = %d, want 1", got)
	}
	if got := adapter.CountFrames(transport.EventStopTyping, "c1"); got != 1 {
		t.Errorf("stop_typing frames = %d, want 1", got)
	}

	snapshot := view.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Body != "hello" {
		t.Fatalf("snapshot = %+v, want the sent line", snapshot)
	}
}

func TestHandleLineCommandsDoNotSignalTyping(t *testing.T) {
	view, adapter := openTestView(t)
	a := &app{}

	quit, err := a.handleLine(context.Background(), view, "/quit")
	if err != nil || !quit {
		t.Fatalf("handleLine(/quit) = %v, %v; want true, nil", quit, err)
	}
	if _, err := a.handleLine(context.Background(), view, "   "); err != nil {
		t.Fatalf("handleLine(blank): %v", err)
	}
	if got := adapter.CountFrames(transport.EventTyping, "c1"); got != 0 {
		t.Errorf("typing frames = %d, want 0", got)
	}
}
