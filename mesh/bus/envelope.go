/*
 * EliasDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

/*
Package bus implements the Message Bus half of the Mesh Registry and
Message Bus component (spec §4.5): a typed envelope, at-least-once
delivery with per-recipient deduplication, and a bounded FIFO queue per
recipient.

The closed set of message kinds is modeled as a tagged sum type
(Kind); adding a new kind is an explicit, version-negotiated change,
never an open string.
*/
package bus

import (
	"time"
)

/*
Kind identifies the payload carried by an Envelope. The set is closed;
see Design Notes in DESIGN.md on dynamic dispatch over message kinds.
*/
type Kind string

/*
Known message kinds (spec §4.5).
*/
const (
	KindQuery           Kind = "query"
	KindResponse        Kind = "response"
	KindNotification    Kind = "notification"
	KindTaskDelegation  Kind = "task_delegation"
	KindTaskResult      Kind = "task_result"
	KindSyncHello       Kind = "sync_hello"
	KindSyncPayloadFull Kind = "sync_payload_full"
	KindSyncPayloadDelta Kind = "sync_payload_delta"
	KindSyncAck         Kind = "sync_ack"
	KindSyncFailed      Kind = "sync_failed"
)

/*
BroadcastDest marks an envelope intended for every known peer rather
than a single recipient.
*/
const BroadcastDest = ""

/*
Envelope is the typed message carried by the bus (spec §4.5).
*/
type Envelope struct {
	MessageID string    `json:"message_id"`
	SourceIID string    `json:"source_iid"`
	DestIID   string    `json:"dest_iid"`
	Kind      Kind      `json:"kind"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

/*
IsBroadcast reports whether this envelope has no single recipient.
*/
func (e *Envelope) IsBroadcast() bool {
	return e.DestIID == BroadcastDest
}
