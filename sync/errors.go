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
	"errors"
	"fmt"
	"log"
)

/*
Logger is a function which processes log messages from the sync engine.
*/
type Logger func(v ...interface{})

/*
LogInfo is called when the engine logs an info message.
*/
var LogInfo = Logger(log.Print)

/*
LogWarn is called when the engine logs a warning, such as a skipped
unresolvable conflict.
*/
var LogWarn = Logger(log.Print)

/*
Error is a sync engine related error, tagged with one of the taxonomy
types below (spec §7).
*/
type Error struct {
	Type   error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("SyncError: %v (%v)", e.Type, e.Detail)
	}
	return fmt.Sprintf("SyncError: %v", e.Type)
}

func (e *Error) Unwrap() error {
	return e.Type
}

/*
Error taxonomy (spec §7).
*/
var (
	ErrTransport            = errors.New("transport error")
	ErrStore                = errors.New("store error")
	ErrProtocol             = errors.New("protocol error")
	ErrConflictUnresolvable = errors.New("conflict requires manual review")
	ErrPreconditionFailed   = errors.New("precondition failed")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrCancelled            = errors.New("cancelled")
	ErrAlreadySyncing       = errors.New("already syncing this peer/graph pair")
)
