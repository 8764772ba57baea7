/*
 * EliasDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/kgsync/graph"
	"github.com/agentmesh/kgsync/graph/store"
	"github.com/agentmesh/kgsync/resolver"
	"github.com/agentmesh/kgsync/vectorclock"
)

/*
DefaultIncrementalThreshold is the default fraction of a graph's nodes
that may change before the engine escalates to a full transfer (spec
§6, `sync.strategy.incremental_threshold`).
*/
const DefaultIncrementalThreshold = 0.3

/*
DefaultMaxConcurrentSyncs bounds how many sessions an instance runs at
once (spec §4.4).
*/
const DefaultMaxConcurrentSyncs = 3

/*
DefaultMaxRetries and DefaultRetryInterval implement the retry policy
of spec §4.4.
*/
const (
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 300 * time.Second
)

/*
EngineOptions configures an Engine. Zero values fall back to the spec
defaults.
*/
type EngineOptions struct {
	IncrementalThreshold float64
	MaxConcurrentSyncs   int
	MaxRetries           int
	RetryInterval        time.Duration
	TypeMerge            resolver.TypeMergeStrategy
}

func (o *EngineOptions) applyDefaults() {
	if o.IncrementalThreshold <= 0 {
		o.IncrementalThreshold = DefaultIncrementalThreshold
	}
	if o.MaxConcurrentSyncs <= 0 {
		o.MaxConcurrentSyncs = DefaultMaxConcurrentSyncs
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
}

/*
ConflictRecord is one entry of the engine's bounded conflict log: a
non-trivial resolver decision (a real merge or one requiring manual
review) worth surfacing to an operator, kept independently of the
per-session SyncStats so a long tail of past conflicts remains
inspectable after the session that produced them has finished.
*/
type ConflictRecord struct {
	SessionID string
	PeerIID   string
	Kind      graph.TargetKind
	TargetID  string
	Outcome   resolver.Outcome
	Reason    string
	At        time.Time
}

/*
maxConflictLog bounds the engine's in-memory conflict log (spec
§4.3's requirement that conflict outcomes be logged, generalized from
the original resolver's own ring buffer).
*/
const maxConflictLog = 500

/*
Engine drives sync sessions for one instance (spec §4.4). It is the
initiator side of every session it runs; there is no separate
responder entry point, so a peer takes part in a session by running
its own SyncWith against this instance.
*/
type Engine struct {
	iid       string
	store     store.Store
	transport Transport
	opts      EngineOptions

	admission chan struct{}

	activeMu sync.Mutex
	active   map[string]bool

	conflictMu  sync.Mutex
	conflictLog []ConflictRecord
}

/*
NewEngine creates a sync engine for instance iid.
*/
func NewEngine(iid string, st store.Store, transport Transport, opts EngineOptions) *Engine {
	opts.applyDefaults()
	return &Engine{
		iid:       iid,
		store:     st,
		transport: transport,
		opts:      opts,
		admission: make(chan struct{}, opts.MaxConcurrentSyncs),
		active:    make(map[string]bool),
	}
}

func (e *Engine) markActive(key string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()

	if e.active[key] {
		return false
	}
	e.active[key] = true
	return true
}

func (e *Engine) clearActive(key string) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()

	delete(e.active, key)
}

func (e *Engine) recordConflict(rec ConflictRecord) {
	e.conflictMu.Lock()
	defer e.conflictMu.Unlock()

	e.conflictLog = append(e.conflictLog, rec)
	if over := len(e.conflictLog) - maxConflictLog; over > 0 {
		e.conflictLog = e.conflictLog[over:]
	}
}

/*
ConflictLog returns a snapshot of the engine's recent conflict
resolutions, oldest first.
*/
func (e *Engine) ConflictLog() []ConflictRecord {
	e.conflictMu.Lock()
	defer e.conflictMu.Unlock()

	out := make([]ConflictRecord, len(e.conflictLog))
	copy(out, e.conflictLog)
	return out
}

/*
SyncWith runs one sync session (or several, on retryable failure)
against peerIID for graphID and returns the resulting statistics. At
most one session per (graphID, peerIID) pair runs at a time; a
duplicate call returns ErrAlreadySyncing immediately.
*/
func (e *Engine) SyncWith(ctx context.Context, peerIID, graphID string) (store.SyncStats, error) {
	key := graphID + "|" + peerIID
	if !e.markActive(key) {
		return store.SyncStats{}, &Error{Type: ErrAlreadySyncing, Detail: key}
	}
	defer e.clearActive(key)

	interval := e.opts.RetryInterval
	var lastStats store.SyncStats
	var lastErr error

	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		stats, err := e.attemptSession(ctx, peerIID, graphID)
		if err == nil {
			return stats, nil
		}

		lastStats, lastErr = stats, err

		if !retryable(err) || attempt == e.opts.MaxRetries {
			return lastStats, lastErr
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return lastStats, &Error{Type: ErrCancelled, Detail: ctx.Err().Error()}
		}
		interval *= 2
	}

	return lastStats, lastErr
}

func retryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Type == ErrTransport || se.Type == ErrCapacityExceeded
	}
	return false
}

func (e *Engine) attemptSession(ctx context.Context, peerIID, graphID string) (store.SyncStats, error) {
	select {
	case e.admission <- struct{}{}:
	default:
		return store.SyncStats{}, &Error{Type: ErrCapacityExceeded, Detail: "max_concurrent_syncs reached"}
	}
	defer func() { <-e.admission }()

	return e.runSession(ctx, peerIID, graphID)
}

/*
runSession is the initiator side of the state machine (spec §4.4):
Idle -> Negotiating -> {FullTransfer|IncrementalTransfer} -> Applying
-> Finalizing -> Idle, with Failed reachable from any step.
*/
func (e *Engine) runSession(ctx context.Context, peerIID, graphID string) (store.SyncStats, error) {
	sessionID := uuid.NewString()
	stats := store.SyncStats{
		SessionID:          sessionID,
		PeerIID:            peerIID,
		StartedAt:          time.Now().UTC(),
		ConflictsByOutcome: map[string]int{},
	}

	fail := func(kind string, err error) (store.SyncStats, error) {
		stats.Success = false
		stats.FailureKind = kind
		stats.FailureDetail = err.Error()
		stats.EndedAt = time.Now().UTC()
		stats.WallTime = stats.EndedAt.Sub(stats.StartedAt)
		e.store.RecordSyncStats(stats)
		e.transport.SendFailed(peerIID, Failed{SessionID: sessionID, Kind: kind, Detail: err.Error()})
		return stats, err
	}

	if err := ctx.Err(); err != nil {
		return fail("Cancelled", err)
	}

	// Idle -> Negotiating
	localClock, err := e.store.GraphClock()
	if err != nil {
		return fail("StoreError", &Error{Type: ErrStore, Detail: err.Error()})
	}

	if err := e.transport.SendHello(peerIID, Hello{SessionID: sessionID, GraphID: graphID, LocalClock: localClock}); err != nil {
		return fail("TransportError", err)
	}
	peerHello, err := e.transport.AwaitHello(ctx, peerIID)
	if err != nil {
		return fail("TransportError", err)
	}

	mode, err := e.decideTransferMode(localClock, peerHello.LocalClock)
	if err != nil {
		return fail("StoreError", &Error{Type: ErrStore, Detail: err.Error()})
	}

	var remoteNodes []*graph.Node
	var remoteEdges []*graph.Edge

	switch mode {
	case StateFullTransfer:
		nodes, edges, err := e.snapshotFull()
		if err != nil {
			return fail("StoreError", &Error{Type: ErrStore, Detail: err.Error()})
		}
		if err := e.transport.SendPayloadFull(peerIID, PayloadFull{
			SessionID: sessionID, GraphID: graphID, Nodes: nodes, Edges: edges, Clock: localClock,
		}); err != nil {
			return fail("TransportError", err)
		}
		remote, err := e.transport.AwaitPayloadFull(ctx, peerIID)
		if err != nil {
			return fail("TransportError", err)
		}
		stats.NodesSent, stats.EdgesSent = len(nodes), len(edges)
		stats.NodesReceived, stats.EdgesReceived = len(remote.Nodes), len(remote.Edges)
		remoteNodes, remoteEdges = remote.Nodes, remote.Edges

	case StateIncrementalTransfer:
		changelog, nodes, edges, err := e.snapshotIncremental(peerHello.LocalClock)
		if err != nil {
			return fail("StoreError", &Error{Type: ErrStore, Detail: err.Error()})
		}
		if err := e.transport.SendPayloadDelta(peerIID, PayloadDelta{
			SessionID: sessionID, GraphID: graphID, Changelog: changelog, Nodes: nodes, Edges: edges, Clock: localClock,
		}); err != nil {
			return fail("TransportError", err)
		}
		remote, err := e.transport.AwaitPayloadDelta(ctx, peerIID)
		if err != nil {
			return fail("TransportError", err)
		}
		stats.NodesSent, stats.EdgesSent = len(nodes), len(edges)
		stats.NodesReceived, stats.EdgesReceived = len(remote.Nodes), len(remote.Edges)
		remoteNodes, remoteEdges = remote.Nodes, remote.Edges
	}

	// {FullTransfer|IncrementalTransfer} -> Applying
	if err := e.apply(sessionID, peerIID, remoteNodes, remoteEdges, &stats); err != nil {
		return fail("StoreError", &Error{Type: ErrStore, Detail: err.Error()})
	}

	// Applying -> Finalizing
	finalClock, err := e.store.GraphClock()
	if err != nil {
		return fail("StoreError", &Error{Type: ErrStore, Detail: err.Error()})
	}

	stats.Success = true
	stats.EndedAt = time.Now().UTC()
	stats.WallTime = stats.EndedAt.Sub(stats.StartedAt)
	if err := e.store.RecordSyncStats(stats); err != nil {
		return fail("StoreError", &Error{Type: ErrStore, Detail: err.Error()})
	}

	if err := e.transport.SendAck(peerIID, Ack{SessionID: sessionID, FinalClock: finalClock}); err != nil {
		// The session's effects are already committed; a lost Ack is a
		// transport blip the peer's own retry will paper over, not a
		// reason to roll back or fail this side of the session.
		LogWarn(fmt.Sprintf("sync: session %s: failed to send final ack to %s: %v", sessionID, peerIID, err))
	}

	// Finalizing -> Idle
	return stats, nil
}

/*
decideTransferMode implements the incremental-vs-full decision of spec
§4.4.
*/
func (e *Engine) decideTransferMode(localClock, peerClock vectorclock.Clock) (State, error) {
	if localClock.IsEmpty() || peerClock.IsEmpty() {
		return StateFullTransfer, nil
	}

	oldest, err := e.store.OldestChangelogClock()
	if err != nil {
		return "", err
	}
	if !oldest.IsEmpty() {
		cmp := vectorclock.Compare(peerClock, oldest)
		if cmp == vectorclock.Before || cmp == vectorclock.Concurrent {
			// The peer's clock predates our oldest retained changelog
			// entry; we can no longer serve it incrementally.
			return StateFullTransfer, nil
		}
	}

	nodeCount, err := e.store.NodeCount()
	if err != nil {
		return "", err
	}
	if nodeCount == 0 {
		return StateIncrementalTransfer, nil
	}

	changed := map[string]bool{}
	err = e.store.ScanChangelogSince(peerClock, func(entry *graph.ChangelogEntry) bool {
		changed[entry.TargetID] = true
		return true
	})
	if err != nil {
		return "", err
	}

	if float64(len(changed)) > e.opts.IncrementalThreshold*float64(nodeCount) {
		return StateFullTransfer, nil
	}
	return StateIncrementalTransfer, nil
}

func (e *Engine) snapshotFull() ([]*graph.Node, []*graph.Edge, error) {
	var nodes []*graph.Node
	var edges []*graph.Edge

	err := e.store.ScanFull(func(kind graph.TargetKind, node *graph.Node, edge *graph.Edge) bool {
		if kind == graph.TargetNode {
			nodes = append(nodes, node)
		} else {
			edges = append(edges, edge)
		}
		return true
	})
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	sort.Slice(edges, func(i, j int) bool { return edges[i].EdgeID < edges[j].EdgeID })
	return nodes, edges, nil
}

func (e *Engine) snapshotIncremental(peerClock vectorclock.Clock) ([]*graph.ChangelogEntry, []*graph.Node, []*graph.Edge, error) {
	var changelog []*graph.ChangelogEntry
	nodeIDs := map[string]bool{}
	edgeIDs := map[string]bool{}

	err := e.store.ScanChangelogSince(peerClock, func(entry *graph.ChangelogEntry) bool {
		changelog = append(changelog, entry)
		if entry.TargetKind == graph.TargetNode {
			nodeIDs[entry.TargetID] = true
		} else {
			edgeIDs[entry.TargetID] = true
		}
		return true
	})
	if err != nil {
		return nil, nil, nil, err
	}

	var nodes []*graph.Node
	for id := range nodeIDs {
		n, err := e.store.GetNodeAny(id)
		if err != nil {
			return nil, nil, nil, err
		}
		if n != nil {
			nodes = append(nodes, n)
		}
	}

	var edges []*graph.Edge
	for id := range edgeIDs {
		ed, err := e.store.GetEdgeAny(id)
		if err != nil {
			return nil, nil, nil, err
		}
		if ed != nil {
			edges = append(edges, ed)
		}
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	sort.Slice(edges, func(i, j int) bool { return edges[i].EdgeID < edges[j].EdgeID })
	return changelog, nodes, edges, nil
}

/*
apply resolves and writes an incoming batch. Nodes are applied before
edges; within each kind, tombstones are applied before live upserts of
the same batch (spec §4.4's ordering guarantee).
*/
func (e *Engine) apply(sessionID, peerIID string, nodes []*graph.Node, edges []*graph.Edge, stats *store.SyncStats) error {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Tombstone != nodes[j].Tombstone {
			return nodes[i].Tombstone
		}
		return nodes[i].NodeID < nodes[j].NodeID
	})

	for _, n := range nodes {
		local, err := e.store.GetNodeAny(n.NodeID)
		if err != nil {
			return err
		}

		dec := resolver.ResolveNode(local, n, e.opts.TypeMerge)
		stats.ConflictsByOutcome[string(dec.Outcome)]++

		switch dec.Outcome {
		case resolver.Merged:
			stats.NodesMerged++
			e.recordConflict(ConflictRecord{SessionID: sessionID, PeerIID: peerIID, Kind: graph.TargetNode, TargetID: n.NodeID, Outcome: dec.Outcome, Reason: dec.Reason, At: time.Now().UTC()})
			fallthrough
		case resolver.AcceptRemote:
			if err := e.writeNode(dec.Merged); err != nil {
				return err
			}
		case resolver.RequiresManualReview:
			e.recordConflict(ConflictRecord{SessionID: sessionID, PeerIID: peerIID, Kind: graph.TargetNode, TargetID: n.NodeID, Outcome: dec.Outcome, Reason: dec.Reason, At: time.Now().UTC()})
			LogWarn(fmt.Sprintf("sync: node %s requires manual review, skipped", n.NodeID))
		}
	}

	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Tombstone != edges[j].Tombstone {
			return edges[i].Tombstone
		}
		return edges[i].EdgeID < edges[j].EdgeID
	})

	for _, ed := range edges {
		local, err := e.store.GetEdgeAny(ed.EdgeID)
		if err != nil {
			return err
		}

		dec := resolver.ResolveEdge(local, ed, e.opts.TypeMerge)
		stats.ConflictsByOutcome[string(dec.Outcome)]++

		switch dec.Outcome {
		case resolver.Merged:
			stats.EdgesMerged++
			e.recordConflict(ConflictRecord{SessionID: sessionID, PeerIID: peerIID, Kind: graph.TargetEdge, TargetID: ed.EdgeID, Outcome: dec.Outcome, Reason: dec.Reason, At: time.Now().UTC()})
			fallthrough
		case resolver.AcceptRemote:
			if err := e.writeEdge(dec.Merged); err != nil {
				return err
			}
		case resolver.RequiresManualReview:
			e.recordConflict(ConflictRecord{SessionID: sessionID, PeerIID: peerIID, Kind: graph.TargetEdge, TargetID: ed.EdgeID, Outcome: dec.Outcome, Reason: dec.Reason, At: time.Now().UTC()})
			LogWarn(fmt.Sprintf("sync: edge %s requires manual review, skipped", ed.EdgeID))
		}
	}

	return nil
}

func (e *Engine) writeNode(n *graph.Node) error {
	var err error
	if n.Tombstone {
		err = e.store.TombstoneNode(n.NodeID, n.Clock)
	} else {
		err = e.store.UpsertNode(n)
	}
	return ignoreBenignRegression(err)
}

func (e *Engine) writeEdge(ed *graph.Edge) error {
	if ed.Tombstone {
		return ignoreBenignRegression(e.store.TombstoneEdge(ed.EdgeID, ed.Clock))
	}

	quarantined, err := e.store.UpsertEdge(ed)
	if err != nil {
		return ignoreBenignRegression(err)
	}
	if quarantined {
		LogWarn(fmt.Sprintf("sync: edge %s quarantined, endpoint missing", ed.EdgeID))
	}
	return nil
}

/*
ignoreBenignRegression treats a clock-regressed write as a no-op: it
means a concurrent local write already dominates what we were about to
apply, which the resolver's own comparison should already have caught.
Any other store error is real and propagates.
*/
func ignoreBenignRegression(err error) error {
	if err == nil {
		return nil
	}
	var ge *graph.Error
	if errors.As(err, &ge) && ge.Type == graph.ErrClockRegressed {
		return nil
	}
	return err
}
