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
Package graph contains the property graph data model shared by the store,
the resolver and the sync engine: nodes, edges, the changelog and the
errors they can produce.

Nodes and edges carry a vector clock (see package vectorclock) which
records the causal history of writes across mesh instances. Deleting a
node or edge never removes the row immediately; it is tombstoned so
that a concurrently arriving older version from a peer does not
resurrect it.
*/
package graph

import (
	"errors"
	"fmt"
)

/*
VERSION of the graph data model.
*/
const VERSION = 1

// Target kinds
// ============

/*
TargetKind identifies whether a changelog entry refers to a node or an edge.
*/
type TargetKind string

/*
Known target kinds.
*/
const (
	TargetNode TargetKind = "node"
	TargetEdge TargetKind = "edge"
)

/*
Operation identifies the kind of change a changelog entry records.
*/
type Operation string

/*
Known changelog operations.
*/
const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// Errors
// ======

/*
Error is a graph store related error.
*/
type Error struct {
	Type   error
	Detail string
}

/*
Error returns a human-readable string representation of this error.
*/
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v (%v)", e.Type, e.Detail)
	}
	return e.Type.Error()
}

/*
Unwrap exposes the wrapped sentinel error for errors.Is/As.
*/
func (e *Error) Unwrap() error {
	return e.Type
}

/*
Sentinel error types returned by the store, wrapped in an *Error.
*/
var (
	ErrStoreFailure   = errors.New("store failure")
	ErrNotFound       = errors.New("record not found")
	ErrQuarantined    = errors.New("edge quarantined: endpoint missing")
	ErrInvalidRecord  = errors.New("invalid node or edge record")
	ErrClockRegressed = errors.New("clock does not dominate stored clock")
)
