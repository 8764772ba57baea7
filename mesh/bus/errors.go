/*
 * EliasDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package bus

import (
	"errors"
	"fmt"
	"log"
)

/*
Logger is a function which processes log messages from the bus.
*/
type Logger func(v ...interface{})

/*
LogInfo is called when the bus logs an info message.
*/
var LogInfo = Logger(log.Print)

/*
LogWarn is called when the bus logs a warning, such as a dropped
message on queue overflow.
*/
var LogWarn = Logger(log.Print)

/*
Error is a message bus related error.
*/
type Error struct {
	Type   error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("BusError: %v (%v)", e.Type, e.Detail)
	}
	return fmt.Sprintf("BusError: %v", e.Type)
}

func (e *Error) Unwrap() error {
	return e.Type
}

/*
Bus related error types.
*/
var (
	ErrUnknownRecipient = errors.New("unknown recipient")
)
