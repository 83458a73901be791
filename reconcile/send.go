// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/souravsarkar1/chatsync/messaging"
	"github.com/souravsarkar1/chatsync/outbox"
)

// Send sends a text message to an open conversation. See SendTyped.
func (e *Engine) Send(ctx context.Context, conversationID, body string) (messaging.Message, error) {
	return e.SendTyped(ctx, conversationID, messaging.DefaultMessageType, body)
}

// SendTyped appends body to the conversation as a pending message and
// delivers it in the background. It returns the pending message; its ID
// is the client ID until the server confirms it. Surrounding whitespace
// is trimmed, and a body that is then empty or too large is rejected
// with a *messaging.ValidationError before anything is sent.
//
// ctx bounds only the outbox write. Delivery outlives the call.
func (e *Engine) SendTyped(ctx context.Context, conversationID, messageType, body string) (messaging.Message, error) {
	body = strings.TrimSpace(body)
	if err := messaging.ValidateBody(body, e.maxBody); err != nil {
		return messaging.Message{}, err
	}
	if messageType == "" {
		messageType = messaging.DefaultMessageType
	}

	clientID := e.newID()
	message := messaging.Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       e.session.UserID(),
		Body:           body,
		Type:           messageType,
		LocalCreatedAt: e.clock.Now(),
		State:          messaging.StatePending,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return messaging.Message{}, e.closedError("send")
	}
	c, ok := e.conversations[conversationID]
	if !ok {
		e.mu.Unlock()
		return messaging.Message{}, ErrNotOpen
	}
	e.metrics.Append(c.store.Append(message).String())
	e.inflight[clientID] = true
	e.mu.Unlock()

	e.changed(conversationID)
	c.throttle.Reset()

	if e.outbox != nil {
		err := e.outbox.Put(ctx, outbox.Entry{
			ClientID:       clientID,
			ConversationID: conversationID,
			SenderID:       message.SenderID,
			Body:           body,
			Type:           messageType,
			CreatedAt:      message.LocalCreatedAt,
			State:          messaging.StatePending,
		})
		if err != nil {
			e.logger.Warn("message not persisted to outbox", "conversation_id", conversationID, "client_id", clientID, "error", err)
		}
	}

	if !e.spawn(func() { e.deliver(message) }) {
		e.settle(clientID)
		return messaging.Message{}, e.closedError("send")
	}
	e.logger.Debug("message queued", "conversation_id", conversationID, "client_id", clientID)
	return message, nil
}

// Retry moves a failed message back to pending and delivers it again
// under the same client ID. id may be the message's ID or client ID.
func (e *Engine) Retry(ctx context.Context, conversationID, id string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.closedError("retry")
	}
	c, ok := e.conversations[conversationID]
	if !ok {
		e.mu.Unlock()
		return ErrNotOpen
	}
	message, found := c.store.Get(id)
	if !found {
		e.mu.Unlock()
		return ErrUnknownMessage
	}
	if message.State != messaging.StateFailed || message.ClientID == "" || e.inflight[message.ClientID] {
		e.mu.Unlock()
		return ErrNotFailed
	}
	c.store.MarkState(message.ID, messaging.StatePending)
	message.State = messaging.StatePending
	e.inflight[message.ClientID] = true
	e.mu.Unlock()

	e.changed(conversationID)
	if e.outbox != nil {
		if err := e.outbox.MarkPending(ctx, message.ClientID); err != nil {
			e.logger.Warn("outbox not updated", "client_id", message.ClientID, "error", err)
		}
	}
	if !e.spawn(func() { e.deliver(message) }) {
		e.settle(message.ClientID)
		return e.closedError("retry")
	}
	e.logger.Info("retrying message", "conversation_id", conversationID, "client_id", message.ClientID)
	return nil
}

// redeliver starts delivery of a message already claimed as in flight.
func (e *Engine) redeliver(message messaging.Message) {
	if e.outbox != nil {
		if err := e.outbox.MarkPending(e.ctx, message.ClientID); err != nil && !messaging.IsCanceled(err) {
			e.logger.Warn("outbox not updated", "client_id", message.ClientID, "error", err)
		}
	}
	if !e.spawn(func() { e.deliver(message) }) {
		e.settle(message.ClientID)
		return
	}
	e.logger.Info("resending message", "conversation_id", message.ConversationID, "client_id", message.ClientID)
	e.changed(message.ConversationID)
}

// deliver sends message, retrying network failures with exponential
// backoff, and settles it as confirmed or failed.
func (e *Engine) deliver(message messaging.Message) {
	outgoing := messaging.OutgoingMessage{
		ConversationID: message.ConversationID,
		ClientID:       message.ClientID,
		Body:           message.Body,
		Type:           message.Type,
		SentAt:         message.LocalCreatedAt,
	}

	var err error
	for attempt := 0; attempt < e.attempts; attempt++ {
		if attempt > 0 {
			wait := e.backoff << (attempt - 1)
			if wait <= 0 || wait > e.maxBackoff {
				wait = e.maxBackoff
			}
			select {
			case <-e.ctx.Done():
				// Left pending in the outbox for the next process.
				e.settle(message.ClientID)
				return
			case <-e.clock.After(wait):
			}
			if e.confirmedByEcho(message) {
				e.settle(message.ClientID)
				e.forget(message.ClientID)
				return
			}
			e.metrics.SendRetried()
			e.logger.Debug("resending after network error", "client_id", message.ClientID, "attempt", attempt+1)
		}

		var confirmed messaging.Message
		confirmed, err = e.adapter.SendMessage(e.ctx, outgoing)
		if err == nil {
			e.confirm(message, confirmed)
			return
		}
		if e.ctx.Err() != nil {
			e.settle(message.ClientID)
			return
		}
		if !messaging.IsTransient(err) {
			break
		}
		e.logger.Warn("send failed", "conversation_id", message.ConversationID, "client_id", message.ClientID,
			"attempt", attempt+1, "error", err)
	}
	e.fail(message, err)
}

// confirmedByEcho reports whether a realtime echo carrying message's
// client ID confirmed it while its delivery was backing off.
func (e *Engine) confirmedByEcho(message messaging.Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conversations[message.ConversationID]
	if !ok {
		return false
	}
	return c.store.Settled(message.ClientID)
}

func (e *Engine) confirm(message, confirmed messaging.Message) {
	if confirmed.ClientID == "" {
		confirmed.ClientID = message.ClientID
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = message.ConversationID
	}
	if confirmed.SenderID == "" {
		confirmed.SenderID = message.SenderID
	}

	e.mu.Lock()
	delete(e.inflight, message.ClientID)
	c, open := e.conversations[message.ConversationID]
	if open {
		e.metrics.Append(c.store.Append(confirmed).String())
	}
	e.mu.Unlock()

	e.forget(message.ClientID)
	e.logger.Debug("message confirmed", "conversation_id", message.ConversationID,
		"client_id", message.ClientID, "message_id", confirmed.ID)
	if open {
		e.changed(message.ConversationID)
	}
}

func (e *Engine) fail(message messaging.Message, err error) {
	e.mu.Lock()
	delete(e.inflight, message.ClientID)
	c, open := e.conversations[message.ConversationID]
	if open {
		c.store.MarkState(message.ClientID, messaging.StateFailed)
	}
	e.mu.Unlock()

	e.metrics.SendFailed(failureReason(err))
	if e.outbox != nil {
		if markErr := e.outbox.MarkFailed(context.Background(), message.ClientID, messaging.IsTransient(err), err.Error()); markErr != nil {
			e.logger.Warn("outbox not updated", "client_id", message.ClientID, "error", markErr)
		}
	}
	e.logger.Warn("message failed", "conversation_id", message.ConversationID, "client_id", message.ClientID, "error", err)
	if open {
		e.changed(message.ConversationID)
	}
	e.notify(Notice{Kind: NoticeSendFailed, ConversationID: message.ConversationID, MessageID: message.ClientID, Err: err})

	if messaging.IsAuthError(err) {
		e.session.Invalidate(err)
	}
}

// settle clears the in-flight mark without changing the message.
func (e *Engine) settle(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, clientID)
}

// forget removes a confirmed send from the outbox.
func (e *Engine) forget(clientID string) {
	if e.outbox == nil {
		return
	}
	if err := e.outbox.Remove(context.Background(), clientID); err != nil {
		e.logger.Warn("outbox entry not removed", "client_id", clientID, "error", err)
	}
}

func failureReason(err error) string {
	var serverErr *messaging.ServerError
	switch {
	case messaging.IsAuthError(err):
		return "auth"
	case messaging.IsTransient(err):
		return "network"
	case errors.As(err, &serverErr):
		return "server"
	case messaging.IsCanceled(err):
		return "canceled"
	default:
		return "other"
	}
}
