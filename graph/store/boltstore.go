/*
 * EliasDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/agentmesh/kgsync/graph"
	"github.com/agentmesh/kgsync/vectorclock"
)

var (
	bucketNodes      = []byte("nodes")
	bucketEdges      = []byte("edges")
	bucketChangelog  = []byte("changelog")
	bucketMeta       = []byte("meta")
	bucketStats      = []byte("stats")
	bucketQuarantine = []byte("quarantine")
)

var metaKeyClock = []byte("clock")

/*
quarantineEntry is the payload stored in bucketQuarantine: an edge that
could not be written because one or both endpoints are missing.
*/
type quarantineEntry struct {
	Edge      *graph.Edge `json:"edge"`
	FirstSeen time.Time   `json:"first_seen"`
}

/*
BoltStore is a Store backed by a single bbolt file, matching the
one-mutex-per-graph write discipline the teacher's graph manager uses
around its own storage manager.
*/
type BoltStore struct {
	db  *bbolt.DB
	iid string

	// writeMu serializes mutating operations so that the graph clock
	// and the rows it summarizes always advance together.
	writeMu sync.Mutex
}

/*
Open opens or creates a graph store at path. iid is this instance's id,
recorded on every changelog entry produced locally.
*/
func Open(path string, iid string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, &graph.Error{Type: graph.ErrStoreFailure, Detail: err.Error()}
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketEdges, bucketChangelog,
			bucketMeta, bucketStats, bucketQuarantine} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &graph.Error{Type: graph.ErrStoreFailure, Detail: err.Error()}
	}

	return &BoltStore{db: db, iid: iid}, nil
}

/*
Close releases the underlying file handle.
*/
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// encode/decode helpers
// =====================

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func payloadHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := uint64(14695981039346656037)
	for _, b := range data {
		sum ^= uint64(b)
		sum *= 1099511628211
	}
	return fmt.Sprintf("%016x", sum)
}

// clock helpers
// =============

func readClock(b *bbolt.Bucket) (vectorclock.Clock, error) {
	data := b.Get(metaKeyClock)
	if data == nil {
		return vectorclock.New(), nil
	}
	var c vectorclock.Clock
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func writeClock(b *bbolt.Bucket, c vectorclock.Clock) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return b.Put(metaKeyClock, data)
}

func (s *BoltStore) appendChangelog(tx *bbolt.Tx, kind graph.TargetKind, targetID string,
	op graph.Operation, clock vectorclock.Clock, payload any) error {

	cl := tx.Bucket(bucketChangelog)

	seq, err := cl.NextSequence()
	if err != nil {
		return err
	}

	entry := &graph.ChangelogEntry{
		Sequence:      seq,
		IID:           s.iid,
		TargetKind:    kind,
		TargetID:      targetID,
		Operation:     op,
		ClockAtChange: clock.Clone(),
		Timestamp:     time.Now().UTC(),
		PayloadHash:   payloadHash(payload),
	}

	data, err := encode(entry)
	if err != nil {
		return err
	}

	return cl.Put(sequenceKey(seq), data)
}

// UpsertNode
// ==========

func (s *BoltStore) UpsertNode(node *graph.Node) error {
	if node == nil || node.NodeID == "" {
		return &graph.Error{Type: graph.ErrInvalidRecord, Detail: "node has no id"}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)

		if existing := nodes.Get([]byte(node.NodeID)); existing != nil {
			var prev graph.Node
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			if !vectorclock.Dominates(node.Clock, prev.Clock) {
				return &graph.Error{Type: graph.ErrClockRegressed, Detail: node.NodeID}
			}
		}

		data, err := encode(node)
		if err != nil {
			return err
		}
		if err := nodes.Put([]byte(node.NodeID), data); err != nil {
			return err
		}

		if err := s.appendChangelog(tx, graph.TargetNode, node.NodeID, graph.OpUpsert, node.Clock, node); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		clock, err := readClock(meta)
		if err != nil {
			return err
		}
		if err := writeClock(meta, vectorclock.Merge(clock, node.Clock)); err != nil {
			return err
		}

		return s.promoteQuarantined(tx, node.NodeID)
	})
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

/*
promoteQuarantined re-evaluates quarantined edges referencing newID and
writes them if both endpoints now exist.
*/
func (s *BoltStore) promoteQuarantined(tx *bbolt.Tx, newID string) error {
	q := tx.Bucket(bucketQuarantine)
	nodes := tx.Bucket(bucketNodes)
	edges := tx.Bucket(bucketEdges)

	var toPromote []*graph.Edge
	var toDelete [][]byte

	c := q.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var qe quarantineEntry
		if err := json.Unmarshal(v, &qe); err != nil {
			continue
		}
		if qe.Edge.SourceID != newID && qe.Edge.TargetID != newID {
			continue
		}
		if nodes.Get([]byte(qe.Edge.SourceID)) != nil && nodes.Get([]byte(qe.Edge.TargetID)) != nil {
			toPromote = append(toPromote, qe.Edge)
			toDelete = append(toDelete, append([]byte{}, k...))
		}
	}

	for _, k := range toDelete {
		if err := q.Delete(k); err != nil {
			return err
		}
	}

	for _, e := range toPromote {
		data, err := encode(e)
		if err != nil {
			return err
		}
		if err := edges.Put([]byte(e.EdgeID), data); err != nil {
			return err
		}
		if err := s.appendChangelog(tx, graph.TargetEdge, e.EdgeID, graph.OpUpsert, e.Clock, e); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		clock, err := readClock(meta)
		if err != nil {
			return err
		}
		if err := writeClock(meta, vectorclock.Merge(clock, e.Clock)); err != nil {
			return err
		}
	}

	return nil
}

// UpsertEdge
// ==========

func (s *BoltStore) UpsertEdge(edge *graph.Edge) (bool, error) {
	if edge == nil || edge.EdgeID == "" {
		return false, &graph.Error{Type: graph.ErrInvalidRecord, Detail: "edge has no id"}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	quarantined := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		edges := tx.Bucket(bucketEdges)

		if existing := edges.Get([]byte(edge.EdgeID)); existing != nil {
			var prev graph.Edge
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			if !vectorclock.Dominates(edge.Clock, prev.Clock) {
				return &graph.Error{Type: graph.ErrClockRegressed, Detail: edge.EdgeID}
			}
		}

		haveSource := nodes.Get([]byte(edge.SourceID)) != nil
		haveTarget := nodes.Get([]byte(edge.TargetID)) != nil

		if !haveSource || !haveTarget {
			quarantined = true
			q := tx.Bucket(bucketQuarantine)
			data, err := encode(&quarantineEntry{Edge: edge, FirstSeen: time.Now().UTC()})
			if err != nil {
				return err
			}
			return q.Put([]byte(edge.EdgeID), data)
		}

		data, err := encode(edge)
		if err != nil {
			return err
		}
		if err := edges.Put([]byte(edge.EdgeID), data); err != nil {
			return err
		}

		if err := s.appendChangelog(tx, graph.TargetEdge, edge.EdgeID, graph.OpUpsert, edge.Clock, edge); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		clock, err := readClock(meta)
		if err != nil {
			return err
		}
		return writeClock(meta, vectorclock.Merge(clock, edge.Clock))
	})
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return quarantined, nil
}

// Tombstones
// ==========

func (s *BoltStore) TombstoneNode(id string, clock vectorclock.Clock) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		data := nodes.Get([]byte(id))
		if data == nil {
			return &graph.Error{Type: graph.ErrNotFound, Detail: id}
		}

		var n graph.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if n.Tombstone && vectorclock.Compare(clock, n.Clock) != vectorclock.After {
			return nil
		}
		if !vectorclock.Dominates(clock, n.Clock) {
			return &graph.Error{Type: graph.ErrClockRegressed, Detail: id}
		}

		n.Tombstone = true
		n.Clock = clock.Clone()
		n.UpdatedAt = time.Now().UTC()

		out, err := encode(&n)
		if err != nil {
			return err
		}
		if err := nodes.Put([]byte(id), out); err != nil {
			return err
		}

		if err := s.appendChangelog(tx, graph.TargetNode, id, graph.OpDelete, clock, &n); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		cur, err := readClock(meta)
		if err != nil {
			return err
		}
		return writeClock(meta, vectorclock.Merge(cur, clock))
	})
	return wrapStoreErr(err)
}

func (s *BoltStore) TombstoneEdge(id string, clock vectorclock.Clock) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		edges := tx.Bucket(bucketEdges)
		data := edges.Get([]byte(id))
		if data == nil {
			return &graph.Error{Type: graph.ErrNotFound, Detail: id}
		}

		var e graph.Edge
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		if e.Tombstone && vectorclock.Compare(clock, e.Clock) != vectorclock.After {
			return nil
		}
		if !vectorclock.Dominates(clock, e.Clock) {
			return &graph.Error{Type: graph.ErrClockRegressed, Detail: id}
		}

		e.Tombstone = true
		e.Clock = clock.Clone()
		e.UpdatedAt = time.Now().UTC()

		out, err := encode(&e)
		if err != nil {
			return err
		}
		if err := edges.Put([]byte(id), out); err != nil {
			return err
		}

		if err := s.appendChangelog(tx, graph.TargetEdge, id, graph.OpDelete, clock, &e); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		cur, err := readClock(meta)
		if err != nil {
			return err
		}
		return writeClock(meta, vectorclock.Merge(cur, clock))
	})
	return wrapStoreErr(err)
}

// Getters
// =======

func (s *BoltStore) GetNode(id string) (*graph.Node, error) {
	var node *graph.Node
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return nil
		}
		var n graph.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if n.Tombstone {
			return nil
		}
		node = &n
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return node, nil
}

func (s *BoltStore) GetEdge(id string) (*graph.Edge, error) {
	var edge *graph.Edge
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEdges).Get([]byte(id))
		if data == nil {
			return nil
		}
		var e graph.Edge
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		if e.Tombstone {
			return nil
		}
		edge = &e
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return edge, nil
}

func (s *BoltStore) GetNodeAny(id string) (*graph.Node, error) {
	var node *graph.Node
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return nil
		}
		var n graph.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		node = &n
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return node, nil
}

func (s *BoltStore) GetEdgeAny(id string) (*graph.Edge, error) {
	var edge *graph.Edge
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEdges).Get([]byte(id))
		if data == nil {
			return nil
		}
		var e graph.Edge
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		edge = &e
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return edge, nil
}

// Scans
// =====

func (s *BoltStore) ScanFull(yield func(graph.TargetKind, *graph.Node, *graph.Edge) bool) error {
	return wrapStoreErr(s.db.View(func(tx *bbolt.Tx) error {
		nc := tx.Bucket(bucketNodes).Cursor()
		for k, v := nc.First(); k != nil; k, v = nc.Next() {
			var n graph.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.Tombstone {
				continue
			}
			if !yield(graph.TargetNode, &n, nil) {
				return nil
			}
		}

		ec := tx.Bucket(bucketEdges).Cursor()
		for k, v := ec.First(); k != nil; k, v = ec.Next() {
			var e graph.Edge
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Tombstone {
				continue
			}
			if !yield(graph.TargetEdge, nil, &e) {
				return nil
			}
		}
		return nil
	}))
}

func (s *BoltStore) ScanChangelogSince(since vectorclock.Clock, yield func(*graph.ChangelogEntry) bool) error {
	return wrapStoreErr(s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChangelog).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry graph.ChangelogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if vectorclock.Dominates(since, entry.ClockAtChange) {
				continue
			}
			if !yield(&entry) {
				return nil
			}
		}
		return nil
	}))
}

// Aggregate state
// ===============

func (s *BoltStore) GraphClock() (vectorclock.Clock, error) {
	var clock vectorclock.Clock
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, err := readClock(tx.Bucket(bucketMeta))
		if err != nil {
			return err
		}
		clock = c
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return clock, nil
}

func (s *BoltStore) RecordSyncStats(stats SyncStats) error {
	data, err := encode(&stats)
	if err != nil {
		return wrapStoreErr(err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStats).Put([]byte(stats.SessionID), data)
	})
	return wrapStoreErr(err)
}

func (s *BoltStore) NodeCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketNodes).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var n graph.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if !n.Tombstone {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return count, nil
}

func (s *BoltStore) OldestChangelogClock() (vectorclock.Clock, error) {
	var clock = vectorclock.New()
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChangelog).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		var entry graph.ChangelogEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		clock = entry.ClockAtChange
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return clock, nil
}

// GC
// ==

func (s *BoltStore) GC(now time.Time, retention time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		cutoff := now.Add(-retention)

		if err := gcTombstonedNodes(tx, cutoff); err != nil {
			return err
		}
		if err := gcTombstonedEdges(tx, cutoff); err != nil {
			return err
		}
		if err := gcChangelog(tx, cutoff); err != nil {
			return err
		}
		return gcQuarantine(tx, now.Add(-DefaultQuarantineTimeout))
	})
	return wrapStoreErr(err)
}

func gcTombstonedNodes(tx *bbolt.Tx, cutoff time.Time) error {
	b := tx.Bucket(bucketNodes)
	var dead [][]byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var n graph.Node
		if err := json.Unmarshal(v, &n); err != nil {
			return err
		}
		if n.Tombstone && n.UpdatedAt.Before(cutoff) {
			dead = append(dead, append([]byte{}, k...))
		}
	}
	for _, k := range dead {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func gcTombstonedEdges(tx *bbolt.Tx, cutoff time.Time) error {
	b := tx.Bucket(bucketEdges)
	var dead [][]byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var e graph.Edge
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		if e.Tombstone && e.UpdatedAt.Before(cutoff) {
			dead = append(dead, append([]byte{}, k...))
		}
	}
	for _, k := range dead {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func gcChangelog(tx *bbolt.Tx, cutoff time.Time) error {
	b := tx.Bucket(bucketChangelog)
	var dead [][]byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var entry graph.ChangelogEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		if entry.Timestamp.After(cutoff) {
			break
		}
		dead = append(dead, append([]byte{}, k...))
	}
	for _, k := range dead {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func gcQuarantine(tx *bbolt.Tx, cutoff time.Time) error {
	b := tx.Bucket(bucketQuarantine)
	var dead [][]byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var qe quarantineEntry
		if err := json.Unmarshal(v, &qe); err != nil {
			return err
		}
		if qe.FirstSeen.Before(cutoff) {
			dead = append(dead, append([]byte{}, k...))
		}
	}
	for _, k := range dead {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// wrapStoreErr normalizes a raw bbolt/json error into a *graph.Error,
// leaving already-typed *graph.Error values untouched.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*graph.Error); ok {
		return err
	}
	return &graph.Error{Type: graph.ErrStoreFailure, Detail: err.Error()}
}
