// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/souravsarkar1/chatsync/messaging"
)

// printer writes a conversation as a growing transcript: each message
// once when it first appears, then one line per delivery state change.
type printer struct {
	self string

	mu      sync.Mutex
	out     io.Writer
	shown   map[string]shownMessage
	typists string
}

type shownMessage struct {
	id    string
	state messaging.DeliveryState
}

func newPrinter(out io.Writer, self string) *printer {
	return &printer{out: out, self: self, shown: make(map[string]shownMessage)}
}

// render prints what changed since the last snapshot.
func (p *printer) render(snapshot []messaging.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, message := range snapshot {
		key := message.ClientID
		if key == "" {
			key = message.ID
		}
		previous, seen := p.shown[key]
		current := shownMessage{id: message.ID, state: message.State}
		switch {
		case !seen:
			fmt.Fprintln(p.out, p.format(message))
		case previous != current:
			fmt.Fprintf(p.out, "  %s: %s\n", message.ID, message.State)
		}
		p.shown[key] = current
	}
}

func (p *printer) format(message messaging.Message) string {
	at := message.CreatedAt
	if at.IsZero() {
		at = message.LocalCreatedAt
	}
	sender := message.SenderID
	if sender == p.self {
		sender = "me"
	}
	line := fmt.Sprintf("%s %s: %s", at.Local().Format(time.TimeOnly), sender, message.Body)
	if sender == "me" && message.State != messaging.StateSent {
		line += fmt.Sprintf("  [%s %s]", message.State, message.ID)
	}
	return line
}

// typing prints the remote typists when the set changes.
func (p *printer) typing(typists []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	joined := strings.Join(typists, ", ")
	if joined == p.typists {
		return
	}
	p.typists = joined
	if joined == "" {
		fmt.Fprintln(p.out, "  (stopped typing)")
		return
	}
	fmt.Fprintf(p.out, "  (%s typing...)\n", joined)
}
