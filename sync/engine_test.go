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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/kgsync/graph"
	"github.com/agentmesh/kgsync/graph/store"
	"github.com/agentmesh/kgsync/mesh/bus"
	"github.com/agentmesh/kgsync/resolver"
	"github.com/agentmesh/kgsync/vectorclock"
)

func newEngineTestStore(t *testing.T, iid string) *store.BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "graph.db"), iid)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testNode(iid, id string, counter uint64) *graph.Node {
	return &graph.Node{
		NodeID:     id,
		NodeType:   "entity",
		Label:      "x",
		Properties: graph.NewProperties(),
		Clock:      vectorclock.Clock{iid: counter},
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestDecideTransferModeEmptyPeerClockIsFull(t *testing.T) {
	s := newEngineTestStore(t, "a")
	if err := s.UpsertNode(testNode("a", "n1", 1)); err != nil {
		t.Fatal(err)
	}

	e := NewEngine("a", s, nil, EngineOptions{})
	localClock, _ := s.GraphClock()

	mode, err := e.decideTransferMode(localClock, vectorclock.Clock{})
	if err != nil {
		t.Fatal(err)
	}
	if mode != StateFullTransfer {
		t.Fatalf("expected full transfer for empty peer clock, got %v", mode)
	}
}

func TestDecideTransferModeBelowThresholdIsIncremental(t *testing.T) {
	s := newEngineTestStore(t, "a")
	for i := uint64(1); i <= 10; i++ {
		if err := s.UpsertNode(testNode("a", nodeID(i), i)); err != nil {
			t.Fatal(err)
		}
	}

	e := NewEngine("a", s, nil, EngineOptions{IncrementalThreshold: 0.3})
	localClock, _ := s.GraphClock()

	// Peer has seen through counter 8: only n9, n10 changed (20% < 30%).
	mode, err := e.decideTransferMode(localClock, vectorclock.Clock{"a": 8})
	if err != nil {
		t.Fatal(err)
	}
	if mode != StateIncrementalTransfer {
		t.Fatalf("expected incremental transfer, got %v", mode)
	}
}

func TestDecideTransferModeAboveThresholdIsFull(t *testing.T) {
	s := newEngineTestStore(t, "a")
	for i := uint64(1); i <= 10; i++ {
		if err := s.UpsertNode(testNode("a", nodeID(i), i)); err != nil {
			t.Fatal(err)
		}
	}

	e := NewEngine("a", s, nil, EngineOptions{IncrementalThreshold: 0.3})
	localClock, _ := s.GraphClock()

	// Peer has seen through counter 5: n6..n10 changed (50% > 30%).
	mode, err := e.decideTransferMode(localClock, vectorclock.Clock{"a": 5})
	if err != nil {
		t.Fatal(err)
	}
	if mode != StateFullTransfer {
		t.Fatalf("expected full transfer, got %v", mode)
	}
}

func TestDecideTransferModePeerPredatesRetentionIsFull(t *testing.T) {
	s := newEngineTestStore(t, "a")
	for i := uint64(1); i <= 3; i++ {
		if err := s.UpsertNode(testNode("a", nodeID(i), i)); err != nil {
			t.Fatal(err)
		}
	}

	e := NewEngine("a", s, nil, EngineOptions{})
	localClock, _ := s.GraphClock()

	// Peer clock {a:0} is non-empty (has an entry) but predates the
	// oldest retained changelog entry ({a:1}).
	mode, err := e.decideTransferMode(localClock, vectorclock.Clock{"a": 0})
	if err != nil {
		t.Fatal(err)
	}
	if mode != StateFullTransfer {
		t.Fatalf("expected full transfer for a peer predating retention, got %v", mode)
	}
}

func nodeID(i uint64) string {
	return fmt.Sprintf("n%d", i)
}

func TestApplyAcceptsRemoteWhenLocalAbsent(t *testing.T) {
	s := newEngineTestStore(t, "a")
	e := NewEngine("a", s, nil, EngineOptions{})

	remote := testNode("b", "n1", 1)
	stats := store.SyncStats{ConflictsByOutcome: map[string]int{}}

	if err := e.apply("sess-1", "b", []*graph.Node{remote}, nil, &stats); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNode("n1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected remote node to be accepted")
	}
}

func TestApplyMergesConcurrentNodes(t *testing.T) {
	s := newEngineTestStore(t, "a")
	if err := s.UpsertNode(testNode("a", "n1", 1)); err != nil {
		t.Fatal(err)
	}

	remote := testNode("b", "n1", 1)
	stats := store.SyncStats{ConflictsByOutcome: map[string]int{}}

	e := NewEngine("a", s, nil, EngineOptions{})

	if err := e.apply("sess-1", "b", []*graph.Node{remote}, nil, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.NodesMerged != 1 {
		t.Fatalf("expected one merged node, got %d", stats.NodesMerged)
	}

	got, err := s.GetNode("n1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Clock.Get("a") != 1 || got.Clock.Get("b") != 1 {
		t.Fatalf("expected merged clock to dominate both inputs, got %v", got.Clock)
	}
}

func TestApplyTombstoneWinsOverConcurrentLive(t *testing.T) {
	s := newEngineTestStore(t, "a")
	if err := s.UpsertNode(testNode("a", "n1", 1)); err != nil {
		t.Fatal(err)
	}

	remote := testNode("b", "n1", 1)
	remote.Tombstone = true

	e := NewEngine("a", s, nil, EngineOptions{})
	stats := store.SyncStats{ConflictsByOutcome: map[string]int{}}

	if err := e.apply("sess-1", "b", []*graph.Node{remote}, nil, &stats); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNode("n1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected concurrent merge with a tombstoned side to end up tombstoned")
	}
}

func TestConflictLogRecordsMergedAndManualReviewOutcomes(t *testing.T) {
	s := newEngineTestStore(t, "a")
	if err := s.UpsertNode(testNode("a", "n1", 1)); err != nil {
		t.Fatal(err)
	}

	e := NewEngine("a", s, nil, EngineOptions{})
	stats := store.SyncStats{ConflictsByOutcome: map[string]int{}}

	if err := s.UpsertNode(testNode("a", "n2", 2)); err != nil {
		t.Fatal(err)
	}

	remote := testNode("b", "n1", 1)
	// A concurrent n2 of another node_type cannot be merged semantically.
	remoteOther := testNode("b", "n2", 1)
	remoteOther.NodeType = "other"
	if err := e.apply("sess-1", "b", []*graph.Node{remote, remoteOther}, nil, &stats); err != nil {
		t.Fatal(err)
	}

	log := e.ConflictLog()
	if len(log) != 2 {
		t.Fatalf("expected two conflict records, got %d", len(log))
	}
	if log[0].TargetID != "n1" || log[0].Outcome != resolver.Merged {
		t.Fatalf("unexpected conflict record: %+v", log[0])
	}
	if log[1].TargetID != "n2" || log[1].Outcome != resolver.RequiresManualReview {
		t.Fatalf("unexpected conflict record: %+v", log[1])
	}
}

func TestEngineFullTransferConvergesTwoInstances(t *testing.T) {
	storeA := newEngineTestStore(t, "a")
	storeB := newEngineTestStore(t, "b")

	if err := storeA.UpsertNode(testNode("a", "n1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := storeA.UpsertNode(testNode("a", "n2", 2)); err != nil {
		t.Fatal(err)
	}

	b := bus.New(bus.DefaultMaxQueueSize, bus.DefaultRetention)
	b.RegisterMailbox("a")
	b.RegisterMailbox("b")

	engineA := NewEngine("a", storeA, NewBusTransport("a", b), EngineOptions{})
	engineB := NewEngine("b", storeB, NewBusTransport("b", b), EngineOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); _, errA = engineA.SyncWith(ctx, "b", "g1") }()
	go func() { defer wg.Done(); _, errB = engineB.SyncWith(ctx, "a", "g1") }()
	wg.Wait()

	if errA != nil {
		t.Fatalf("engine A sync failed: %v", errA)
	}
	if errB != nil {
		t.Fatalf("engine B sync failed: %v", errB)
	}

	n1, err := storeB.GetNode("n1")
	if err != nil {
		t.Fatal(err)
	}
	if n1 == nil {
		t.Fatal("expected B to receive n1 from A's full transfer")
	}
	n2, err := storeB.GetNode("n2")
	if err != nil {
		t.Fatal(err)
	}
	if n2 == nil {
		t.Fatal("expected B to receive n2 from A's full transfer")
	}
}

func TestSyncWithRejectsDuplicateSession(t *testing.T) {
	s := newEngineTestStore(t, "a")
	b := bus.New(bus.DefaultMaxQueueSize, bus.DefaultRetention)
	b.RegisterMailbox("a")
	b.RegisterMailbox("b")
	// "b" never actually replies with a Hello of its own, so AwaitHello
	// polls forever until ctx is cancelled, keeping the session active.

	e := NewEngine("a", s, NewBusTransport("a", b), EngineOptions{MaxRetries: 0})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.SyncWith(ctx, "b", "g1")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	_, err := e.SyncWith(context.Background(), "b", "g1")
	if err == nil {
		t.Fatal("expected ErrAlreadySyncing for a duplicate (graph,peer) session")
	}
	var se *Error
	if !errors.As(err, &se) || se.Type != ErrAlreadySyncing {
		t.Fatalf("expected ErrAlreadySyncing, got %v", err)
	}

	cancel()
	<-done
}

func TestSyncWithCapacityExceededAfterRetriesExhausted(t *testing.T) {
	s := newEngineTestStore(t, "a")
	b := bus.New(bus.DefaultMaxQueueSize, bus.DefaultRetention)
	b.RegisterMailbox("a")
	b.RegisterMailbox("peer1")

	e := NewEngine("a", s, NewBusTransport("a", b), EngineOptions{
		MaxConcurrentSyncs: 1,
		MaxRetries:         1,
		RetryInterval:      10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(blocked)
		e.SyncWith(ctx, "peer1", "g1")
		close(done)
	}()
	<-blocked
	time.Sleep(20 * time.Millisecond)

	_, err := e.SyncWith(context.Background(), "peer2", "g2")
	if err == nil {
		t.Fatal("expected capacity-exceeded error once admission and retries are exhausted")
	}

	cancel()
	<-done
}
