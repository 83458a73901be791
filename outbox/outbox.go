// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package outbox persists local sends that the server has not yet
// confirmed, so pending and failed messages survive a restart.
//
// An entry is written when a message is sent, updated when a send
// attempt fails, and deleted once the server confirms the message.
// Entries whose last failure was a network error are marked
// retryable; the engine resends them after a reconnect. Entries that
// failed for any other reason wait for an explicit user retry.
//
// Storage is a single SQLite table through lib/sqlitepool. The message
// content columns the engine never queries on (sender, body, type) are
// kept as one CBOR payload.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/souravsarkar1/chatsync/lib/clock"
	"github.com/souravsarkar1/chatsync/lib/codec"
	"github.com/souravsarkar1/chatsync/lib/sqlitepool"
	"github.com/souravsarkar1/chatsync/messaging"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	client_id       TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	state           TEXT NOT NULL,
	retryable       INTEGER NOT NULL DEFAULT 0,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	payload         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS outbox_by_conversation ON outbox (conversation_id, created_at);
CREATE INDEX IF NOT EXISTS outbox_by_retryable ON outbox (retryable, created_at);
`

// Entry is one unconfirmed local send.
type Entry struct {
	ClientID       string
	ConversationID string
	SenderID       string
	Body           string
	Type           string

	// CreatedAt is the message's local creation time.
	CreatedAt time.Time
	UpdatedAt time.Time

	// State is pending or failed.
	State messaging.DeliveryState

	// Attempts counts failed send attempts.
	Attempts int

	// Retryable is set when the last failure was a network error.
	Retryable bool
	LastError string
}

// Message returns the entry as a local message in its store form.
func (e Entry) Message() messaging.Message {
	return messaging.Message{
		ID:             e.ClientID,
		ClientID:       e.ClientID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Body:           e.Body,
		Type:           e.Type,
		LocalCreatedAt: e.CreatedAt,
		State:          e.State,
	}
}

// payload is the CBOR-encoded content column.
type payload struct {
	SenderID string `cbor:"sender_id"`
	Body     string `cbor:"body"`
	Type     string `cbor:"type,omitempty"`
}

// Config holds configuration for Open.
type Config struct {
	// Path is the database file. Required.
	Path string
	// Clock stamps updated_at. If nil, clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Outbox is safe for concurrent use.
type Outbox struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (creating if needed) the outbox database at config.Path.
func Open(config Config) (*Outbox, error) {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   config.Path,
		Schema: schema,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}
	return &Outbox{pool: pool, clock: clk, logger: logger}, nil
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.pool.Close()
}

// Put writes entry, replacing any entry with the same ClientID. A zero
// State is stored as pending.
func (o *Outbox) Put(ctx context.Context, entry Entry) error {
	if entry.ClientID == "" || entry.ConversationID == "" {
		return fmt.Errorf("outbox: put: ClientID and ConversationID are required")
	}
	if entry.State == "" {
		entry.State = messaging.StatePending
	}
	encoded, err := codec.Marshal(payload{SenderID: entry.SenderID, Body: entry.Body, Type: entry.Type})
	if err != nil {
		return fmt.Errorf("outbox: encoding %s: %w", entry.ClientID, err)
	}

	err = o.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT OR REPLACE INTO outbox
			 (client_id, conversation_id, state, retryable, attempts, last_error, created_at, updated_at, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					entry.ClientID,
					entry.ConversationID,
					string(entry.State),
					entry.Retryable,
					entry.Attempts,
					entry.LastError,
					entry.CreatedAt.UnixNano(),
					o.clock.Now().UnixNano(),
					encoded,
				},
			})
	})
	if err != nil {
		return fmt.Errorf("outbox: put %s: %w", entry.ClientID, err)
	}
	return nil
}

// MarkFailed records a failed send attempt. retryable says whether the
// failure was a network error. An unknown clientID is a no-op.
func (o *Outbox) MarkFailed(ctx context.Context, clientID string, retryable bool, reason string) error {
	return o.update(ctx, "mark failed", clientID,
		`UPDATE outbox SET state = ?, retryable = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		 WHERE client_id = ?`,
		string(messaging.StateFailed), retryable, reason, o.clock.Now().UnixNano(), clientID)
}

// MarkPending records that a send is being attempted again.
func (o *Outbox) MarkPending(ctx context.Context, clientID string) error {
	return o.update(ctx, "mark pending", clientID,
		`UPDATE outbox SET state = ?, retryable = 0, updated_at = ? WHERE client_id = ?`,
		string(messaging.StatePending), o.clock.Now().UnixNano(), clientID)
}

// Remove deletes the entry for a confirmed message.
func (o *Outbox) Remove(ctx context.Context, clientID string) error {
	return o.update(ctx, "remove", clientID, `DELETE FROM outbox WHERE client_id = ?`, clientID)
}

func (o *Outbox) update(ctx context.Context, op, clientID, query string, args ...any) error {
	var changed int
	err := o.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return err
		}
		changed = conn.Changes()
		return nil
	})
	if err != nil {
		return fmt.Errorf("outbox: %s %s: %w", op, clientID, err)
	}
	if changed == 0 {
		o.logger.Debug("outbox entry not found", "op", op, "client_id", clientID)
	}
	return nil
}

const selectColumns = `SELECT client_id, conversation_id, state, retryable, attempts, last_error,
	created_at, updated_at, payload FROM outbox`

// ForConversation returns a conversation's entries, oldest first.
func (o *Outbox) ForConversation(ctx context.Context, conversationID string) ([]Entry, error) {
	return o.query(ctx, "for conversation",
		selectColumns+` WHERE conversation_id = ? ORDER BY created_at, client_id`, conversationID)
}

// Retryable returns every entry whose last failure was a network
// error, oldest first.
func (o *Outbox) Retryable(ctx context.Context) ([]Entry, error) {
	return o.query(ctx, "retryable",
		selectColumns+` WHERE state = ? AND retryable = 1 ORDER BY created_at, client_id`,
		string(messaging.StateFailed))
}

// All returns every entry, oldest first.
func (o *Outbox) All(ctx context.Context) ([]Entry, error) {
	return o.query(ctx, "all", selectColumns+` ORDER BY created_at, client_id`)
}

func (o *Outbox) query(ctx context.Context, op, query string, args ...any) ([]Entry, error) {
	var entries []Entry
	err := o.pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: %s: %w", op, err)
	}
	return entries, nil
}

// scanEntry reads a row in selectColumns order.
func scanEntry(stmt *sqlite.Stmt) (Entry, error) {
	entry := Entry{
		ClientID:       stmt.ColumnText(0),
		ConversationID: stmt.ColumnText(1),
		State:          messaging.DeliveryState(stmt.ColumnText(2)),
		Retryable:      stmt.ColumnBool(3),
		Attempts:       stmt.ColumnInt(4),
		LastError:      stmt.ColumnText(5),
		CreatedAt:      time.Unix(0, stmt.ColumnInt64(6)).UTC(),
		UpdatedAt:      time.Unix(0, stmt.ColumnInt64(7)).UTC(),
	}
	blob := make([]byte, stmt.ColumnLen(8))
	stmt.ColumnBytes(8, blob)
	var content payload
	if err := codec.Unmarshal(blob, &content); err != nil {
		return Entry{}, fmt.Errorf("decoding payload of %s: %w", entry.ClientID, err)
	}
	entry.SenderID = content.SenderID
	entry.Body = content.Body
	entry.Type = content.Type
	return entry, nil
}
