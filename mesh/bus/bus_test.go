/*
 * EliasDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package bus

import (
	"testing"
	"time"
)

func TestSendAndPending(t *testing.T) {
	b := New(0, 0)
	b.RegisterMailbox("a")
	b.RegisterMailbox("b")

	if _, err := b.Send("a", "b", KindNotification, []byte("hi")); err != nil {
		t.Fatal(err)
	}

	pending, err := b.Pending("b")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].SourceIID != "a" {
		t.Fatalf("unexpected pending messages: %v", pending)
	}
}

func TestSendToUnknownRecipientFails(t *testing.T) {
	b := New(0, 0)
	b.RegisterMailbox("a")

	if _, err := b.Send("a", "ghost", KindNotification, nil); err == nil {
		t.Fatal("expected error sending to unregistered recipient")
	}
}

func TestAckRemovesMessages(t *testing.T) {
	b := New(0, 0)
	b.RegisterMailbox("a")
	b.RegisterMailbox("b")

	id, err := b.Send("a", "b", KindNotification, nil)
	if err != nil {
		t.Fatal(err)
	}

	acked, err := b.Ack("b", []string{id})
	if err != nil {
		t.Fatal(err)
	}
	if acked != 1 {
		t.Fatalf("expected 1 ack, got %d", acked)
	}

	pending, err := b.Pending("b")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty queue after ack, got %v", pending)
	}
}

func TestDuplicateMessageIsDeduplicated(t *testing.T) {
	b := New(0, 0)
	b.RegisterMailbox("a")
	b.RegisterMailbox("b")

	mb, _ := b.mailboxFor("b")
	env := &Envelope{MessageID: "dup-1", SourceIID: "a", DestIID: "b", Kind: KindNotification, Timestamp: time.Now()}

	b.deliverTo(mb, "b", env)
	b.deliverTo(mb, "b", env)

	pending, _ := b.Pending("b")
	if len(pending) != 1 {
		t.Fatalf("expected duplicate message to be deduplicated, got %d entries", len(pending))
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	b := New(2, 0)
	b.RegisterMailbox("a")
	b.RegisterMailbox("b")

	b.Send("a", "b", KindNotification, []byte("1"))
	b.Send("a", "b", KindNotification, []byte("2"))
	b.Send("a", "b", KindNotification, []byte("3"))

	pending, err := b.Pending("b")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected queue bounded at 2, got %d", len(pending))
	}
	if string(pending[0].Payload) != "2" {
		t.Fatalf("expected oldest message to be dropped, got %v", string(pending[0].Payload))
	}
}

func TestBroadcastFansOutToAllExceptSource(t *testing.T) {
	b := New(0, 0)
	b.RegisterMailbox("a")
	b.RegisterMailbox("b")
	b.RegisterMailbox("c")

	if _, err := b.Send("a", BroadcastDest, KindNotification, nil); err != nil {
		t.Fatal(err)
	}

	if p, _ := b.Pending("a"); len(p) != 0 {
		t.Fatal("broadcast should not deliver to its own source")
	}
	if p, _ := b.Pending("b"); len(p) != 1 {
		t.Fatal("expected broadcast to reach b")
	}
	if p, _ := b.Pending("c"); len(p) != 1 {
		t.Fatal("expected broadcast to reach c")
	}
}

func TestPurgeRemovesExpiredMessages(t *testing.T) {
	b := New(0, time.Minute)
	b.RegisterMailbox("a")
	b.RegisterMailbox("b")

	b.Send("a", "b", KindNotification, nil)

	b.Purge(time.Now().Add(2 * time.Minute))

	pending, err := b.Pending("b")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected expired message to be purged, got %v", pending)
	}
}
