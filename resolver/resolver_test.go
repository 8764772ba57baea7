/*
 * EliasDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package resolver

import (
	"testing"
	"time"

	"github.com/agentmesh/kgsync/graph"
	"github.com/agentmesh/kgsync/vectorclock"
)

func node(id string, clock vectorclock.Clock, tombstone bool) *graph.Node {
	props := graph.NewProperties()
	props.Set("color", "blue")
	return &graph.Node{
		NodeID:     id,
		NodeType:   "entity",
		Label:      "x",
		Properties: props,
		Clock:      clock,
		UpdatedAt:  time.Now().UTC(),
		Tombstone:  tombstone,
	}
}

func TestResolveNodeLocalAbsent(t *testing.T) {
	r := node("n1", vectorclock.Clock{"a": 1}, false)
	dec := ResolveNode(nil, r, nil)
	if dec.Outcome != AcceptRemote {
		t.Fatalf("expected AcceptRemote, got %v", dec.Outcome)
	}
}

func TestResolveNodeRemoteAbsent(t *testing.T) {
	l := node("n1", vectorclock.Clock{"a": 1}, false)
	dec := ResolveNode(l, nil, nil)
	if dec.Outcome != KeepLocal {
		t.Fatalf("expected KeepLocal, got %v", dec.Outcome)
	}
}

func TestResolveNodeLocalTombstoneDominates(t *testing.T) {
	l := node("n1", vectorclock.Clock{"a": 2}, true)
	r := node("n1", vectorclock.Clock{"a": 1}, false)
	dec := ResolveNode(l, r, nil)
	if dec.Outcome != KeepLocal {
		t.Fatalf("expected KeepLocal (delete wins), got %v", dec.Outcome)
	}
}

func TestResolveNodeRemoteTombstoneDominates(t *testing.T) {
	l := node("n1", vectorclock.Clock{"a": 1}, false)
	r := node("n1", vectorclock.Clock{"a": 2}, true)
	dec := ResolveNode(l, r, nil)
	if dec.Outcome != AcceptRemote {
		t.Fatalf("expected AcceptRemote (delete wins), got %v", dec.Outcome)
	}
}

func TestResolveNodeRemoteDominates(t *testing.T) {
	l := node("n1", vectorclock.Clock{"a": 1}, false)
	r := node("n1", vectorclock.Clock{"a": 2}, false)
	dec := ResolveNode(l, r, nil)
	if dec.Outcome != AcceptRemote {
		t.Fatalf("expected AcceptRemote, got %v", dec.Outcome)
	}
}

func TestResolveNodeLocalDominates(t *testing.T) {
	l := node("n1", vectorclock.Clock{"a": 2}, false)
	r := node("n1", vectorclock.Clock{"a": 1}, false)
	dec := ResolveNode(l, r, nil)
	if dec.Outcome != KeepLocal {
		t.Fatalf("expected KeepLocal, got %v", dec.Outcome)
	}
}

func TestResolveNodeEqualClocks(t *testing.T) {
	l := node("n1", vectorclock.Clock{"a": 1}, false)
	r := node("n1", vectorclock.Clock{"a": 1}, false)
	dec := ResolveNode(l, r, nil)
	if dec.Outcome != KeepLocal {
		t.Fatalf("expected KeepLocal (stable), got %v", dec.Outcome)
	}
}

func TestResolveNodeConcurrentMerges(t *testing.T) {
	l := node("n1", vectorclock.Clock{"a": 1}, false)
	r := node("n1", vectorclock.Clock{"b": 1}, false)
	r.Properties.Set("color", "red")

	dec := ResolveNode(l, r, nil)
	if dec.Outcome != Merged {
		t.Fatalf("expected Merged, got %v", dec.Outcome)
	}
	if vectorclock.Compare(dec.Merged.Clock, vectorclock.Clock{"a": 1, "b": 1}) != vectorclock.Equal {
		t.Fatalf("unexpected merged clock: %v", dec.Merged.Clock)
	}
}

func TestResolveNodeConcurrentManualStrategyForcesReview(t *testing.T) {
	l := node("n1", vectorclock.Clock{"a": 1}, false)
	r := node("n1", vectorclock.Clock{"b": 1}, false)

	dec := ResolveNode(l, r, func(string) MergeStrategy { return StrategyManual })
	if dec.Outcome != RequiresManualReview {
		t.Fatalf("expected RequiresManualReview, got %v", dec.Outcome)
	}
}

func TestResolveNodeConcurrentTombstoneVsLiveMergeIsTombstoned(t *testing.T) {
	l := node("n1", vectorclock.Clock{"a": 1}, true)
	r := node("n1", vectorclock.Clock{"b": 1}, false)

	dec := ResolveNode(l, r, nil)
	if dec.Outcome != Merged {
		t.Fatalf("expected Merged, got %v", dec.Outcome)
	}
	if !dec.Merged.Tombstone {
		t.Fatal("expected merged record to stay tombstoned (delete wins)")
	}
}

func TestResolveEdgeWeightAveragedOnMerge(t *testing.T) {
	l := &graph.Edge{
		EdgeID: "e1", SourceID: "n1", TargetID: "n2", EdgeType: "relates_to",
		Weight: 1.0, Properties: graph.NewProperties(), Clock: vectorclock.Clock{"a": 1},
	}
	r := &graph.Edge{
		EdgeID: "e1", SourceID: "n1", TargetID: "n2", EdgeType: "relates_to",
		Weight: 3.0, Properties: graph.NewProperties(), Clock: vectorclock.Clock{"b": 1},
	}

	dec := ResolveEdge(l, r, nil)
	if dec.Outcome != Merged {
		t.Fatalf("expected Merged, got %v", dec.Outcome)
	}
	if dec.Merged.Weight != 2.0 {
		t.Fatalf("expected averaged weight 2.0, got %v", dec.Merged.Weight)
	}
}

func TestMergePropertiesIsDeterministic(t *testing.T) {
	l := node("n1", vectorclock.Clock{"a": 1}, false)
	r := node("n1", vectorclock.Clock{"b": 1}, false)
	l.Properties.Set("color", "blue")
	r.Properties.Set("color", "red")

	dec1 := ResolveNode(l, r, nil)
	dec2 := ResolveNode(l, r, nil)

	v1, _ := dec1.Merged.Properties.Get("color")
	v2, _ := dec2.Merged.Properties.Get("color")
	if v1 != v2 {
		t.Fatalf("merge is not deterministic: %v vs %v", v1, v2)
	}
}

func TestResolveNodeDifferentTypesRequireManualReview(t *testing.T) {
	l := node("n1", vectorclock.Clock{"a": 1}, false)
	r := node("n1", vectorclock.Clock{"b": 1}, false)
	r.NodeType = "other"

	dec := ResolveNode(l, r, nil)
	if dec.Outcome != RequiresManualReview {
		t.Fatalf("expected RequiresManualReview for mismatched node_type, got %v", dec.Outcome)
	}
}
