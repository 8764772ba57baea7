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
Package store implements the Graph Store (spec §4.1): durable
persistence of nodes, edges, the changelog, tombstones, the graph's
aggregate vector clock, and sync statistics.

A Store shards one file per graph and enforces a single-writer-per-
graph discipline internally, matching the teacher's own per-manager
write mutex in graph/graphmanager_nodes.go. All mutating operations run
inside a single bbolt transaction that also advances the graph clock,
so a crash mid-write can never leave the aggregate clock ahead of the
rows it is supposed to summarize.
*/
package store

import (
	"time"

	"github.com/agentmesh/kgsync/graph"
	"github.com/agentmesh/kgsync/vectorclock"
)

/*
SyncStats records the outcome of a single sync session (spec §3).
*/
type SyncStats struct {
	SessionID     string            `json:"session_id"`
	PeerIID       string            `json:"peer_iid"`
	NodesSent     int               `json:"nodes_sent"`
	NodesReceived int               `json:"nodes_received"`
	NodesMerged   int               `json:"nodes_merged"`
	EdgesSent     int               `json:"edges_sent"`
	EdgesReceived int               `json:"edges_received"`
	EdgesMerged   int               `json:"edges_merged"`
	ConflictsByOutcome map[string]int `json:"conflicts_by_outcome"`
	BytesTransferred int64          `json:"bytes_transferred"`
	WallTime      time.Duration     `json:"wall_time"`
	Success       bool              `json:"success"`
	FailureKind   string            `json:"failure_kind,omitempty"`
	FailureDetail string            `json:"failure_detail,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       time.Time         `json:"ended_at"`
}

/*
Store is the Graph Store API described in spec §4.1. All mutating
methods are atomic with respect to concurrent callers.
*/
type Store interface {

	/*
		UpsertNode writes a node with its supplied clock, appends a
		changelog entry, and merges the node's clock into the graph's
		aggregate clock. Any quarantined edges that reference this node
		are re-evaluated and promoted if both endpoints now exist.
	*/
	UpsertNode(node *graph.Node) error

	/*
		UpsertEdge writes an edge with its supplied clock. If either
		endpoint does not exist locally (live or unexpired tombstone)
		the edge is quarantined instead of written; Quarantined reports
		which happened.
	*/
	UpsertEdge(edge *graph.Edge) (quarantined bool, err error)

	/*
		TombstoneNode marks a node deleted. A second call on an already
		tombstoned node with a clock that does not strictly advance the
		stored clock is a no-op. On a live node, a clock that does not
		dominate the stored clock is rejected with ErrClockRegressed.
	*/
	TombstoneNode(id string, clock vectorclock.Clock) error

	/*
		TombstoneEdge marks an edge deleted. A second call on an already
		tombstoned edge with a clock that does not strictly advance the
		stored clock is a no-op. On a live edge, a clock that does not
		dominate the stored clock is rejected with ErrClockRegressed.
	*/
	TombstoneEdge(id string, clock vectorclock.Clock) error

	/*
		GetNode returns the live node or nil if it does not exist or is
		tombstoned.
	*/
	GetNode(id string) (*graph.Node, error)

	/*
		GetEdge returns the live edge or nil if it does not exist or is
		tombstoned.
	*/
	GetEdge(id string) (*graph.Edge, error)

	/*
		GetNodeAny returns the node regardless of tombstone state, or nil
		if it has never existed. The resolver needs the tombstoned
		version's clock to decide delete-wins outcomes (§4.3 rows 3-4).
	*/
	GetNodeAny(id string) (*graph.Node, error)

	/*
		GetEdgeAny returns the edge regardless of tombstone state, or nil
		if it has never existed.
	*/
	GetEdgeAny(id string) (*graph.Edge, error)

	/*
		ScanFull calls yield for every live node, then every live edge,
		ascending by id. Scanning stops early if yield returns false.
	*/
	ScanFull(yield func(kind graph.TargetKind, node *graph.Node, edge *graph.Edge) bool) error

	/*
		ScanChangelogSince calls yield for every changelog entry whose
		ClockAtChange is not dominated by since, ascending by sequence.
		Scanning stops early if yield returns false.
	*/
	ScanChangelogSince(since vectorclock.Clock, yield func(*graph.ChangelogEntry) bool) error

	/*
		GraphClock returns the current aggregate vector clock for the
		graph.
	*/
	GraphClock() (vectorclock.Clock, error)

	/*
		RecordSyncStats durably appends the statistics of a finished
		sync session.
	*/
	RecordSyncStats(stats SyncStats) error

	/*
		NodeCount returns the number of live nodes, used by the sync
		engine's incremental-vs-full decision.
	*/
	NodeCount() (int, error)

	/*
		OldestChangelogClock returns the ClockAtChange of the oldest
		retained changelog entry, or an empty clock if the changelog is
		empty. Used to detect a peer clock that predates retention.
	*/
	OldestChangelogClock() (vectorclock.Clock, error)

	/*
		GC removes changelog entries and tombstoned rows older than the
		retention window, and discards quarantined edges older than the
		quarantine timeout.
	*/
	GC(now time.Time, retention time.Duration) error

	/*
		Close releases the underlying file handle.
	*/
	Close() error
}

/*
DefaultRetention is the default tombstone/changelog retention window
(spec §3: "default 7 days").
*/
const DefaultRetention = 7 * 24 * time.Hour

/*
DefaultQuarantineTimeout bounds how long a dangling edge is held before
being discarded by GC (spec §4.1 "or the quarantine ages out").
*/
const DefaultQuarantineTimeout = 24 * time.Hour
