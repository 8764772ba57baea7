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
	"encoding/json"
	"time"

	"github.com/agentmesh/kgsync/mesh/bus"
)

/*
Transport is how a session exchanges protocol messages with a peer.
The engine only ever sees this interface; BusTransport is the
production implementation riding the mesh message bus, matching spec
§2's "sync payloads ride the bus as one message variant".
*/
type Transport interface {
	SendHello(peer string, hello Hello) error
	AwaitHello(ctx context.Context, peer string) (Hello, error)

	SendPayloadFull(peer string, payload PayloadFull) error
	AwaitPayloadFull(ctx context.Context, peer string) (PayloadFull, error)

	SendPayloadDelta(peer string, payload PayloadDelta) error
	AwaitPayloadDelta(ctx context.Context, peer string) (PayloadDelta, error)

	SendAck(peer string, ack Ack) error
	AwaitAck(ctx context.Context, peer string) (Ack, error)

	SendFailed(peer string, failed Failed) error
}

/*
pollInterval is how often AwaitX checks the local mailbox for a
matching reply. Suspension is explicit: the goroutine blocks on either
the ticker or ctx.Done, never busy-loops.
*/
const pollInterval = 20 * time.Millisecond

/*
BusTransport implements Transport over a mesh/bus.Bus mailbox
belonging to self.
*/
type BusTransport struct {
	self string
	bus  *bus.Bus
}

/*
NewBusTransport creates a transport that sends and awaits replies
through b's mailbox for self.
*/
func NewBusTransport(self string, b *bus.Bus) *BusTransport {
	return &BusTransport{self: self, bus: b}
}

func (t *BusTransport) send(kind bus.Kind, peer string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &Error{Type: ErrProtocol, Detail: err.Error()}
	}
	if _, err := t.bus.Send(t.self, peer, kind, data); err != nil {
		return &Error{Type: ErrTransport, Detail: err.Error()}
	}
	return nil
}

func (t *BusTransport) await(ctx context.Context, kind bus.Kind, peer string, out any) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		pending, err := t.bus.Pending(t.self)
		if err != nil {
			return &Error{Type: ErrTransport, Detail: err.Error()}
		}

		for _, env := range pending {
			if env.Kind != kind || env.SourceIID != peer {
				continue
			}
			if err := json.Unmarshal(env.Payload, out); err != nil {
				return &Error{Type: ErrProtocol, Detail: err.Error()}
			}
			t.bus.Ack(t.self, []string{env.MessageID})
			return nil
		}

		select {
		case <-ctx.Done():
			return &Error{Type: ErrCancelled, Detail: ctx.Err().Error()}
		case <-ticker.C:
		}
	}
}

func (t *BusTransport) SendHello(peer string, hello Hello) error {
	return t.send(bus.KindSyncHello, peer, hello)
}

func (t *BusTransport) AwaitHello(ctx context.Context, peer string) (Hello, error) {
	var h Hello
	err := t.await(ctx, bus.KindSyncHello, peer, &h)
	return h, err
}

func (t *BusTransport) SendPayloadFull(peer string, payload PayloadFull) error {
	return t.send(bus.KindSyncPayloadFull, peer, payload)
}

func (t *BusTransport) AwaitPayloadFull(ctx context.Context, peer string) (PayloadFull, error) {
	var p PayloadFull
	err := t.await(ctx, bus.KindSyncPayloadFull, peer, &p)
	return p, err
}

func (t *BusTransport) SendPayloadDelta(peer string, payload PayloadDelta) error {
	return t.send(bus.KindSyncPayloadDelta, peer, payload)
}

func (t *BusTransport) AwaitPayloadDelta(ctx context.Context, peer string) (PayloadDelta, error) {
	var p PayloadDelta
	err := t.await(ctx, bus.KindSyncPayloadDelta, peer, &p)
	return p, err
}

func (t *BusTransport) SendAck(peer string, ack Ack) error {
	return t.send(bus.KindSyncAck, peer, ack)
}

func (t *BusTransport) AwaitAck(ctx context.Context, peer string) (Ack, error) {
	var a Ack
	err := t.await(ctx, bus.KindSyncAck, peer, &a)
	return a, err
}

func (t *BusTransport) SendFailed(peer string, failed Failed) error {
	return t.send(bus.KindSyncFailed, peer, failed)
}
