// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"sync"

	"github.com/souravsarkar1/chatsync/messaging"
)

// View is one consumer's handle on an open conversation. Views of the
// same conversation share its store; the conversation is released when
// the last view closes.
type View struct {
	engine       *Engine
	conversation *conversation
	closeOnce    sync.Once
}

// ConversationID returns the viewed conversation's ID.
func (v *View) ConversationID() string { return v.conversation.id }

// Loaded is closed once the first history page has been applied (or
// failed), or when the conversation is released.
func (v *View) Loaded() <-chan struct{} { return v.conversation.loaded }

// WaitLoaded blocks until Loaded is closed or ctx ends. It returns the
// history fetch error, if any.
func (v *View) WaitLoaded(ctx context.Context) error {
	select {
	case <-v.conversation.loaded:
	case <-ctx.Done():
		return ctx.Err()
	}
	v.engine.mu.Lock()
	defer v.engine.mu.Unlock()
	return v.conversation.loadErr
}

// Snapshot returns the conversation's messages in display order.
func (v *View) Snapshot() []messaging.Message { return v.conversation.store.Snapshot() }

func (v *View) Send(ctx context.Context, body string) (messaging.Message, error) {
	return v.engine.Send(ctx, v.conversation.id, body)
}

func (v *View) Retry(ctx context.Context, id string) error {
	return v.engine.Retry(ctx, v.conversation.id, id)
}

func (v *View) LoadOlder(ctx context.Context) (int, error) {
	return v.engine.LoadOlder(ctx, v.conversation.id)
}

// InputChanged reports the compose text; see Engine.InputChanged.
func (v *View) InputChanged(text string) {
	v.engine.InputChanged(v.conversation.id, text)
}

// Typists returns the remote participants currently typing.
func (v *View) Typists() []string { return v.engine.Typists(v.conversation.id) }

// Close releases the view. It is idempotent.
func (v *View) Close() error {
	v.closeOnce.Do(func() { v.engine.release(v.conversation) })
	return nil
}
