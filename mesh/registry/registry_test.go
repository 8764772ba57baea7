/*
 * EliasDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package registry

import (
	"testing"
	"time"
)

func TestFirstRegistrantBecomesLeader(t *testing.T) {
	r := New(time.Second, time.Minute, time.Minute)

	r.Register(Info{IID: "a"})
	if r.Leader() != "a" {
		t.Fatalf("expected a to be leader, got %s", r.Leader())
	}

	r.Register(Info{IID: "b"})
	if r.Leader() != "a" {
		t.Fatalf("leader should not change on second registrant, got %s", r.Leader())
	}
}

func TestListPeersExcludesSelfAndInactive(t *testing.T) {
	r := New(time.Second, time.Minute, time.Minute)
	r.Register(Info{IID: "a"})
	r.Register(Info{IID: "b"})
	r.Register(Info{IID: "c"})
	r.members["c"].Status = StatusStale

	peers := r.ListPeers("a", Filter{})
	if len(peers) != 1 || peers[0].IID != "b" {
		t.Fatalf("unexpected peers: %v", peers)
	}
}

func TestFilterByCapability(t *testing.T) {
	r := New(time.Second, time.Minute, time.Minute)
	r.Register(Info{IID: "a"})
	r.Register(Info{IID: "b", Capabilities: []string{"search"}})
	r.Register(Info{IID: "c", Capabilities: []string{"embed"}})

	peers := r.ListPeers("a", Filter{Capabilities: []string{"search"}})
	if len(peers) != 1 || peers[0].IID != "b" {
		t.Fatalf("unexpected filtered peers: %v", peers)
	}
}

func TestHeartbeatUnknownInstanceFails(t *testing.T) {
	r := New(time.Second, time.Minute, time.Minute)
	if _, ok := r.Heartbeat("ghost", nil); ok {
		t.Fatal("expected heartbeat from unregistered instance to fail")
	}
}

func TestStalenessAndFailover(t *testing.T) {
	staleTimeout := 20 * time.Millisecond
	r := New(time.Millisecond, staleTimeout, staleTimeout)

	r.Register(Info{IID: "a"})
	r.Register(Info{IID: "b"})

	if r.Leader() != "a" {
		t.Fatalf("expected a to be leader initially, got %s", r.Leader())
	}

	// Let a's registration age past staleTimeout while b stays fresh.
	time.Sleep(staleTimeout + 5*time.Millisecond)
	r.Heartbeat("b", nil)

	r.SweepStaleness(time.Now().UTC())

	if r.Leader() != "b" {
		t.Fatalf("expected b to take over as leader, got %s", r.Leader())
	}

	peers := r.ListPeers("b", Filter{})
	for _, p := range peers {
		if p.IID == "a" {
			t.Fatal("stale instance a should not appear in active peer list")
		}
	}
}

func TestRemovalAfterProlongedStaleness(t *testing.T) {
	staleTimeout := 10 * time.Millisecond
	r := New(time.Millisecond, staleTimeout, staleTimeout)
	r.Register(Info{IID: "a"})

	time.Sleep(staleTimeout * 10)
	r.SweepStaleness(time.Now().UTC())

	all := r.ListAll()
	if len(all) != 0 {
		t.Fatalf("expected instance to be fully removed, got %v", all)
	}
}

func TestDeregisterTriggersFailover(t *testing.T) {
	r := New(time.Second, time.Minute, time.Minute)
	r.Register(Info{IID: "a"})
	r.Register(Info{IID: "b"})

	r.Deregister("a")
	if r.Leader() != "b" {
		t.Fatalf("expected b to become leader after a deregisters, got %s", r.Leader())
	}
}
