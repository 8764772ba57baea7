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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krotik/common/datautil"
)

/*
DefaultMaxQueueSize is the default bound on a mailbox's pending queue
(spec §4.5).
*/
const DefaultMaxQueueSize = 1000

/*
DefaultRetention is the default age after which an undelivered message
is purged (spec §4.5).
*/
const DefaultRetention = 3600 * time.Second

/*
mailbox is a single recipient's bounded FIFO queue plus its
deduplication cache. Per-source ordering falls out of using one queue
per recipient: envelopes from the same source are always appended in
the order Send was called.
*/
type mailbox struct {
	mutex     sync.Mutex
	pending   []*Envelope
	seen      *datautil.MapCache
	maxQueue  int
}

func newMailbox(maxQueue int, retention time.Duration) *mailbox {
	return &mailbox{
		seen:     datautil.NewMapCache(0, int64(retention.Seconds())),
		maxQueue: maxQueue,
	}
}

/*
Bus is the mesh message bus (spec §4.5): typed envelopes, at-least-once
delivery, per-recipient deduplication, and a bounded drop-oldest queue.
*/
type Bus struct {
	mutex     sync.RWMutex
	mailboxes map[string]*mailbox
	maxQueue  int
	retention time.Duration
}

/*
New creates an empty bus. maxQueue and retention of zero fall back to
the spec defaults.
*/
func New(maxQueue int, retention time.Duration) *Bus {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueueSize
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Bus{
		mailboxes: make(map[string]*mailbox),
		maxQueue:  maxQueue,
		retention: retention,
	}
}

/*
RegisterMailbox creates an empty mailbox for iid if one does not exist
yet. Called by the registry's register endpoint when an instance joins
the mesh, and by the server for its own iid at startup.
*/
func (b *Bus) RegisterMailbox(iid string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, ok := b.mailboxes[iid]; !ok {
		b.mailboxes[iid] = newMailbox(b.maxQueue, b.retention)
	}
}

/*
DeregisterMailbox discards iid's mailbox and any pending messages in it.
*/
func (b *Bus) DeregisterMailbox(iid string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	delete(b.mailboxes, iid)
}

func (b *Bus) mailboxFor(iid string) (*mailbox, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	mb, ok := b.mailboxes[iid]
	return mb, ok
}

func (b *Bus) knownRecipients() []string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	out := make([]string, 0, len(b.mailboxes))
	for iid := range b.mailboxes {
		out = append(out, iid)
	}
	return out
}

/*
Send enqueues payload addressed from source to dest with the given
kind, assigning a fresh message id. A broadcast envelope (dest ==
BroadcastDest) is fanned out to every registered mailbox except the
source's own. Send never fails on a full queue; it drops the oldest
pending message and logs a warning instead (spec §4.5).
*/
func (b *Bus) Send(source, dest string, kind Kind, payload []byte) (string, error) {
	messageID := uuid.NewString()
	now := time.Now().UTC()

	env := &Envelope{
		MessageID: messageID,
		SourceIID: source,
		DestIID:   dest,
		Kind:      kind,
		Payload:   payload,
		Timestamp: now,
	}

	if dest == BroadcastDest {
		for _, iid := range b.knownRecipients() {
			if iid == source {
				continue
			}
			b.deliver(iid, env)
		}
		return messageID, nil
	}

	mb, ok := b.mailboxFor(dest)
	if !ok {
		return "", &Error{Type: ErrUnknownRecipient, Detail: dest}
	}
	b.deliverTo(mb, dest, env)

	return messageID, nil
}

func (b *Bus) deliver(dest string, env *Envelope) {
	if mb, ok := b.mailboxFor(dest); ok {
		b.deliverTo(mb, dest, env)
	}
}

func (b *Bus) deliverTo(mb *mailbox, dest string, env *Envelope) {
	mb.mutex.Lock()
	defer mb.mutex.Unlock()

	if _, dup := mb.seen.Get(env.MessageID); dup {
		return
	}
	mb.seen.Put(env.MessageID, true)

	if len(mb.pending) >= mb.maxQueue {
		dropped := mb.pending[0]
		mb.pending = mb.pending[1:]
		LogWarn(fmt.Sprintf("bus: queue for %s full, dropping oldest message %s", dest, dropped.MessageID))
	}

	mb.pending = append(mb.pending, env)
}

/*
Pending returns a snapshot of iid's undelivered envelopes, oldest
first. It does not remove them; call Ack once the caller has processed
a message.
*/
func (b *Bus) Pending(iid string) ([]*Envelope, error) {
	mb, ok := b.mailboxFor(iid)
	if !ok {
		return nil, &Error{Type: ErrUnknownRecipient, Detail: iid}
	}

	mb.mutex.Lock()
	defer mb.mutex.Unlock()

	out := make([]*Envelope, len(mb.pending))
	copy(out, mb.pending)
	return out, nil
}

/*
Ack removes the given message ids from iid's pending queue, returning
how many were actually found and removed.
*/
func (b *Bus) Ack(iid string, messageIDs []string) (int, error) {
	mb, ok := b.mailboxFor(iid)
	if !ok {
		return 0, &Error{Type: ErrUnknownRecipient, Detail: iid}
	}

	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}

	mb.mutex.Lock()
	defer mb.mutex.Unlock()

	acked := 0
	kept := mb.pending[:0:0]
	for _, env := range mb.pending {
		if want[env.MessageID] {
			acked++
			continue
		}
		kept = append(kept, env)
	}
	mb.pending = kept

	return acked, nil
}

/*
Purge removes envelopes older than the bus's retention window from
every mailbox. Called periodically by the server's housekeeping loop,
which also sweeps registry staleness; that loop does not run the
store's GC.
*/
func (b *Bus) Purge(now time.Time) {
	for _, iid := range b.knownRecipients() {
		mb, ok := b.mailboxFor(iid)
		if !ok {
			continue
		}

		mb.mutex.Lock()
		cutoff := now.Add(-b.retention)
		kept := mb.pending[:0:0]
		for _, env := range mb.pending {
			if env.Timestamp.After(cutoff) {
				kept = append(kept, env)
			}
		}
		mb.pending = kept
		mb.mutex.Unlock()
	}
}
