// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/souravsarkar1/chatsync/messaging"
	"github.com/souravsarkar1/chatsync/reconcile"
)

// openTimeout bounds joining a conversation's room.
const openTimeout = 15 * time.Second

func (a *app) listConversations(ctx context.Context, out io.Writer) error {
	me, err := a.client.Me(ctx)
	if err != nil {
		return err
	}
	conversations, err := a.client.Conversations(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "signed in as %s\n\n", displayName(me))
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "CONVERSATION\tWITH\tSTATUS\tLAST ACTIVITY\tLAST MESSAGE")
	for _, conversation := range conversations {
		with, status := "-", "-"
		if conversation.Peer != nil {
			with = displayName(conversation.Peer)
			status = presenceLabel(conversation.Peer)
		}
		activity := "-"
		if !conversation.LastActivity.IsZero() {
			activity = conversation.LastActivity.Local().Format(time.DateTime)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			conversation.ID, with, status, activity, preview(conversation.LastMessageBody, 40))
	}
	return writer.Flush()
}

func displayName(user *messaging.User) string {
	switch {
	case user.FullName != "" && user.Username != "":
		return fmt.Sprintf("%s (@%s)", user.FullName, user.Username)
	case user.Username != "":
		return "@" + user.Username
	case user.FullName != "":
		return user.FullName
	default:
		return user.ID
	}
}

func presenceLabel(user *messaging.User) string {
	if user.IsOnline {
		return "online"
	}
	if user.LastSeen.IsZero() {
		return "offline"
	}
	return "seen " + user.LastSeen.Local().Format(time.DateTime)
}

// preview shortens body to one line of at most width runes.
func preview(body string, width int) string {
	body = strings.Join(strings.Fields(body), " ")
	runes := []rune(body)
	if len(runes) <= width {
		return body
	}
	return string(runes[:width-3]) + "..."
}

// tail follows a conversation until ctx ends, stdin closes, or /quit.
func (a *app) tail(ctx context.Context, conversationID string, in io.Reader, out io.Writer) error {
	view, engine, printer, err := a.openView(ctx, conversationID, out)
	if err != nil {
		return err
	}
	defer engine.Close()
	defer view.Close()

	if err := view.WaitLoaded(ctx); err != nil && !messaging.IsCanceled(err) {
		fmt.Fprintf(os.Stderr, "! history unavailable: %v\n", err)
	}
	printer.render(view.Snapshot())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.session.Done():
			return a.session.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.handleLine(ctx, view, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handleLine sends line, or runs it as a slash command. A sent line
// is bracketed by typing and stop_typing signals.
func (a *app) handleLine(ctx context.Context, view *reconcile.View, line string) (quit bool, err error) {
	if strings.TrimSpace(line) == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		view.InputChanged(line)
		_, err := view.Send(ctx, line)
		view.InputChanged("")
		return false, err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/retry":
		if len(fields) != 2 {
			return false, errors.New("usage: /retry <id>")
		}
		return false, view.Retry(ctx, fields[1])
	case "/older":
		inserted, err := view.LoadOlder(ctx)
		if err == nil && inserted == 0 {
			fmt.Fprintln(os.Stderr, "! no older messages")
		}
		return false, err
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

// send sends one message and waits for it to settle. A message that
// ends failed is an error; it stays in the outbox for a later retry.
func (a *app) send(ctx context.Context, conversationID, body string, out io.Writer) error {
	changes := make(chan struct{}, 1)
	engine, err := a.newEngine(engineHooks{
		onChange: func(string) {
			select {
			case changes <- struct{}{}:
			default:
			}
		},
		onNotice: printNotice,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	view, err := engine.Open(openCtx, conversationID)
	if err != nil {
		return err
	}
	defer view.Close()

	pending, err := view.Send(ctx, body)
	if err != nil {
		return err
	}
	for {
		for _, message := range view.Snapshot() {
			if message.ClientID != pending.ClientID {
				continue
			}
			switch message.State {
			case messaging.StateSent, messaging.StateDelivered:
				fmt.Fprintf(out, "sent %s\n", message.ID)
				return nil
			case messaging.StateFailed:
				return fmt.Errorf("message %s was not sent", message.ClientID)
			}
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return ctx.Err()
		case <-a.session.Done():
			return a.session.Err()
		}
	}
}

// openView builds an engine whose hooks feed a printer, and opens
// conversationID on it.
func (a *app) openView(ctx context.Context, conversationID string, out io.Writer) (*reconcile.View, *reconcile.Engine, *printer, error) {
	printer := newPrinter(out, a.session.UserID())
	var view *reconcile.View
	ready := make(chan struct{})

	engine, err := a.newEngine(engineHooks{
		onChange: func(changed string) {
			if changed != conversationID {
				return
			}
			select {
			case <-ready:
				printer.render(view.Snapshot())
			default:
			}
		},
		onNotice: printNotice,
		onTyping: func(changed string, typists []string) {
			if changed == conversationID {
				printer.typing(typists)
			}
		},
	})
	if err != nil {
		return nil, nil, nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	view, err = engine.Open(openCtx, conversationID)
	if err != nil {
		engine.Close()
		return nil, nil, nil, err
	}
	close(ready)
	return view, engine, printer, nil
}

func printNotice(notice reconcile.Notice) {
	fmt.Fprintf(os.Stderr, "! %s\n", notice)
}
