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
Package sync implements the Sync Engine (spec §4.4): pairwise
synchronization sessions between mesh instances, driven as an explicit
state machine per Design Notes §9 rather than nested callbacks.
*/
package sync

import (
	"github.com/agentmesh/kgsync/graph"
	"github.com/agentmesh/kgsync/vectorclock"
)

/*
State is a session's position in the sync state machine.
*/
type State string

/*
States of the session state machine (spec §4.4).
*/
const (
	StateIdle                 State = "idle"
	StateNegotiating          State = "negotiating"
	StateFullTransfer         State = "full_transfer"
	StateIncrementalTransfer  State = "incremental_transfer"
	StateApplying             State = "applying"
	StateFinalizing           State = "finalizing"
	StateFailed               State = "failed"
)

/*
Hello is the opening handshake of a sync session. Each side sends its
own Hello without waiting for the other's.
*/
type Hello struct {
	SessionID  string            `json:"session_id"`
	GraphID    string            `json:"graph_id"`
	LocalClock vectorclock.Clock `json:"local_clock"`
}

/*
PayloadFull carries every live node and edge of a graph, used when
Negotiating escalates to a full transfer.
*/
type PayloadFull struct {
	SessionID string            `json:"session_id"`
	GraphID   string            `json:"graph_id"`
	Nodes     []*graph.Node     `json:"nodes"`
	Edges     []*graph.Edge     `json:"edges"`
	Clock     vectorclock.Clock `json:"clock"`
}

/*
PayloadDelta carries the changelog entries since the peer's last-known
clock, plus the current version (live or tombstoned) of each record
those entries reference, used for an
incremental transfer.
*/
type PayloadDelta struct {
	SessionID string                  `json:"session_id"`
	GraphID   string                  `json:"graph_id"`
	Changelog []*graph.ChangelogEntry `json:"changelog"`
	Nodes     []*graph.Node           `json:"nodes"`
	Edges     []*graph.Edge           `json:"edges"`
	Clock     vectorclock.Clock       `json:"clock"`
}

/*
Ack finalizes a session with the resulting merged clock.
*/
type Ack struct {
	SessionID  string            `json:"session_id"`
	FinalClock vectorclock.Clock `json:"final_clock"`
}

/*
Failed reports that a session could not complete (spec §7's error
taxonomy, surfaced across the wire).
*/
type Failed struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
}
