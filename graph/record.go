/*
 * EliasDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package graph

import (
	"fmt"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/agentmesh/kgsync/vectorclock"
)

/*
Properties is an ordered string-keyed property bag. Key order is
preserved across JSON round-trips, which plain Go maps cannot do.
*/
type Properties = *orderedmap.OrderedMap[string, any]

/*
NewProperties creates an empty property bag.
*/
func NewProperties() Properties {
	return orderedmap.New[string, any]()
}

/*
CloneProperties returns a deep-enough copy of a property bag: same keys,
same order, same scalar values (nested structures are not deep-copied,
matching the teacher's own attribute semantics which never copy nested
maps either).
*/
func CloneProperties(p Properties) Properties {
	out := NewProperties()
	if p == nil {
		return out
	}
	for pair := p.Oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, pair.Value)
	}
	return out
}

/*
Node is a vertex in the property graph.
*/
type Node struct {
	NodeID     string            `json:"node_id"`
	NodeType   string            `json:"node_type"`
	Label      string            `json:"label"`
	Properties Properties        `json:"properties"`
	EmbeddingID string           `json:"embedding_id,omitempty"`
	Clock      vectorclock.Clock `json:"clock"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Tombstone  bool              `json:"tombstone"`
}

/*
Clone returns a deep-enough copy of the node, safe for a caller to
mutate without affecting the stored version.
*/
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Properties = CloneProperties(n.Properties)
	out.Clock = n.Clock.Clone()
	return &out
}

/*
String returns a human-readable representation of the node.
*/
func (n *Node) String() string {
	return fmt.Sprintf("Node{id=%s type=%s label=%q clock=%v tombstone=%v}",
		n.NodeID, n.NodeType, n.Label, n.Clock, n.Tombstone)
}

/*
Edge is a directed, typed relationship between two nodes.
*/
type Edge struct {
	EdgeID     string            `json:"edge_id"`
	SourceID   string            `json:"source_id"`
	TargetID   string            `json:"target_id"`
	EdgeType   string            `json:"edge_type"`
	Weight     float64           `json:"weight"`
	Properties Properties        `json:"properties"`
	Clock      vectorclock.Clock `json:"clock"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Tombstone  bool              `json:"tombstone"`
}

/*
Clone returns a deep-enough copy of the edge.
*/
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	out := *e
	out.Properties = CloneProperties(e.Properties)
	out.Clock = e.Clock.Clone()
	return &out
}

/*
String returns a human-readable representation of the edge.
*/
func (e *Edge) String() string {
	return fmt.Sprintf("Edge{id=%s %s->%s type=%s clock=%v tombstone=%v}",
		e.EdgeID, e.SourceID, e.TargetID, e.EdgeType, e.Clock, e.Tombstone)
}

/*
ChangelogEntry is an append-only record of a single change to a node or
edge. The changelog is the source of incremental sync deltas and the
history the resolver needs to resurrect tombstoned records.
*/
type ChangelogEntry struct {
	Sequence     uint64            `json:"sequence"`
	IID          string            `json:"iid"`
	TargetKind   TargetKind        `json:"target_kind"`
	TargetID     string            `json:"target_id"`
	Operation    Operation         `json:"operation"`
	ClockAtChange vectorclock.Clock `json:"clock_at_change"`
	Timestamp    time.Time         `json:"timestamp"`
	PayloadHash  string            `json:"payload_hash"`
}
