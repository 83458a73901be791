// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the chat backend's REST contract: the message
// and conversation types every other chatsync package shares, the
// error taxonomy, and [Client], which performs the HTTP calls.
//
// [Client] attaches the bearer token from its [Credentials] to every
// request. A 401 response invalidates those credentials (the session
// logout of the mobile client) and comes back as [*AuthError]. Other
// failures are translated at this boundary:
//
//   - [*NetworkError]: the request never produced a response. Transient;
//     callers may retry with backoff.
//   - [*ServerError]: a non-2xx response other than 401, or a response
//     body that could not be decoded. Sends are not retried
//     automatically on this error, to avoid duplicate messages.
//   - [*AuthError]: 401. Never retried.
//   - [*ValidationError]: produced locally by [ValidateBody] before any
//     request is made.
//
// Backend payloads use the mobile app's field names (_id, sender, text,
// sendingTime). [WireMessage] is that shape; [Message] is what the rest
// of chatsync works with.
package messaging
