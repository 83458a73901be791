// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite database chatsync keeps on the
// device. It wraps zombiezen.com/go/sqlite's sqlitex.Pool, applies the
// pragmas every chatsync database uses, and runs the caller's schema
// script once per connection.
//
// The only current user is the outbox, which must not lose a message
// the user typed because the process died before the server confirmed
// it. That is why synchronous is FULL rather than the NORMAL setting a
// cache would choose.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(dataDir, "outbox.db"),
//	    Schema: outboxSchema,
//	    Logger: logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
// Connections are not safe for concurrent use: Take one, use it from a
// single goroutine, Put it back.
package sqlitepool
