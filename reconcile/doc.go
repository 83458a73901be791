// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile keeps each open conversation's message log
// consistent while history pages, realtime pushes, and local sends all
// write into it.
//
// An [Engine] owns one [store.Store] per open conversation. Opening a
// conversation ([Engine.Open]) joins its realtime room first and then
// loads the newest history page in the background; realtime events that
// arrive while the page is loading are buffered and replayed once it
// has been applied, so nothing falls between the two. The store's
// deduplication absorbs the overlap.
//
// Local sends are optimistic. [Engine.Send] appends a pending message
// keyed by a fresh client ID (a UUID, also sent to the server as the
// correlation token), persists it to the outbox, and delivers it in the
// background:
//
//   - success: the confirmed copy replaces the pending entry in place.
//   - network error: retried with exponential backoff, then failed.
//   - server error: failed at once; resending could duplicate the message.
//   - auth error: failed, and the session is invalidated.
//
// [Engine.Retry] moves a failed message back to pending and delivers it
// again under the same client ID. After the realtime connection is
// re-established the engine re-fetches the newest page of every open
// conversation and resends outbox entries that failed on the network.
//
// Session invalidation releases everything: views, stores, typing
// state, and the transport. Later calls return a [messaging.AuthError].
//
// Engine mutations are serialized by one mutex; network calls are made
// without it. Callbacks (OnChange, OnNotice, OnTyping) run without the
// lock held and must not block.
package reconcile
