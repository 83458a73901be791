// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"strings"
	"testing"
)

func TestDeliveryStateAdvances(t *testing.T) {
	tests := []struct {
		from, to DeliveryState
		want     bool
	}{
		{StatePending, StateSent, true},
		{StatePending, StateDelivered, true},
		{StateSent, StateDelivered, true},
		{StateSent, StatePending, false},
		{StateDelivered, StateSent, false},
		{StateSent, StateSent, false},
		{StateFailed, StateSent, true},
		{StateFailed, StatePending, false},
		{StatePending, StateFailed, false},
	}
	for _, test := range tests {
		if got := test.from.Advances(test.to); got != test.want {
			t.Errorf("%s.Advances(%s) = %v, want %v", test.from, test.to, got, test.want)
		}
	}
}

func TestWireMessageConversion(t *testing.T) {
	wire := WireMessage{ID: "m1", Sender: "u1", Text: "hi", Status: "delivered", ClientID: "c"}
	message := wire.Message(epoch)
	if message.State != StateDelivered {
		t.Errorf("State = %s, want delivered", message.State)
	}
	if message.Type != DefaultMessageType {
		t.Errorf("Type = %q, want default", message.Type)
	}
	back := NewWireMessage(message)
	if back.ID != "m1" || back.Text != "hi" || back.ClientID != "c" || back.Status != "delivered" {
		t.Errorf("round trip = %+v", back)
	}

	unknown := WireMessage{ID: "m2", Status: "seen"}.Message(epoch)
	if unknown.State != StateSent {
		t.Errorf("unknown status gave %s, want sent", unknown.State)
	}
}

func TestValidateBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		max  int
		ok   bool
	}{
		{"plain", "hello", 0, true},
		{"empty", "", 0, false},
		{"whitespace", " \n\t", 0, false},
		{"invalid utf8", "\xff\xfe", 0, false},
		{"at limit", strings.Repeat("a", 8), 8, true},
		{"over limit", strings.Repeat("a", 9), 8, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := ValidateBody(test.body, test.max)
			if test.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
		})
	}
}
