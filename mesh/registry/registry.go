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
Package registry implements the Mesh Registry half of the Mesh Registry
and Message Bus component (spec §4.5): membership tracking,
heartbeat-driven staleness detection, and deterministic leader
election.

Unlike the teacher's MemberManager, which joins a fixed, manually
configured cluster over RPC, this registry is heartbeat-driven:
instances self-register, and membership state converges from periodic
heartbeats rather than an explicit join handshake.
*/
package registry

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

/*
Logger is a function which processes log messages from the registry.
*/
type Logger func(v ...interface{})

/*
LogInfo is called when the registry logs an info message.
*/
var LogInfo = Logger(log.Print)

/*
Status is the lifecycle state of a registered instance.
*/
type Status string

/*
Known instance statuses.
*/
const (
	StatusActive Status = "active"
	StatusStale  Status = "stale"
)

/*
DefaultHeartbeatInterval is the default heartbeat period (spec §4.5).
*/
const DefaultHeartbeatInterval = 30 * time.Second

/*
DefaultStaleTimeout is the default duration after which a silent
instance is marked Stale (spec §4.5).
*/
const DefaultStaleTimeout = 90 * time.Second

/*
DefaultRemoveTimeout is how much longer, after going Stale, an instance
is kept in the registry before being removed outright.
*/
const DefaultRemoveTimeout = DefaultStaleTimeout

/*
Info is the static and dynamic information tracked for a registered
instance.
*/
type Info struct {
	IID            string            `json:"iid"`
	Address        string            `json:"address"`
	Capabilities   []string          `json:"capabilities"`
	AgentProfiles  []string          `json:"agent_profiles"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	Status         Status            `json:"status"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	Term           uint64            `json:"term"`
}

func (i *Info) clone() *Info {
	out := *i
	out.Capabilities = append([]string(nil), i.Capabilities...)
	out.AgentProfiles = append([]string(nil), i.AgentProfiles...)
	if i.Metrics != nil {
		out.Metrics = make(map[string]float64, len(i.Metrics))
		for k, v := range i.Metrics {
			out.Metrics[k] = v
		}
	}
	return &out
}

/*
Filter narrows list_peers results by capability and agent profile. A
nil or empty slice matches everything.
*/
type Filter struct {
	Capabilities  []string
	AgentProfiles []string
}

func (f Filter) matches(info *Info) bool {
	if !containsAll(info.Capabilities, f.Capabilities) {
		return false
	}
	return containsAll(info.AgentProfiles, f.AgentProfiles)
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

/*
Registry tracks live mesh instances (spec §4.5). All exported methods
are safe for concurrent use.
*/
type Registry struct {
	mutex           sync.RWMutex
	members         map[string]*Info
	leader          string
	heartbeatPeriod time.Duration
	staleTimeout    time.Duration
	removeTimeout   time.Duration
}

/*
New creates an empty registry.
*/
func New(heartbeatPeriod, staleTimeout, removeTimeout time.Duration) *Registry {
	if heartbeatPeriod <= 0 {
		heartbeatPeriod = DefaultHeartbeatInterval
	}
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	if removeTimeout <= 0 {
		removeTimeout = DefaultRemoveTimeout
	}
	return &Registry{
		members:         make(map[string]*Info),
		heartbeatPeriod: heartbeatPeriod,
		staleTimeout:    staleTimeout,
		removeTimeout:   removeTimeout,
	}
}

/*
Register enrolls a new instance or re-enrolls an existing one, and
elects it leader if it is the first registrant. Returns the confirmed
iid (currently always the one supplied; a real deployment could reject
a collision and hand back a suffixed id here).
*/
func (r *Registry) Register(info Info) string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now().UTC()
	info.LastHeartbeat = now
	info.Status = StatusActive
	r.members[info.IID] = info.clone()

	if r.leader == "" {
		r.leader = info.IID
		r.members[info.IID].Term = 1
		LogInfo(fmt.Sprintf("registry: %s elected leader (first registrant)", info.IID))
	}

	return info.IID
}

/*
Deregister removes an instance immediately.
*/
func (r *Registry) Deregister(iid string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.members, iid)
	if r.leader == iid {
		r.leader = ""
		r.electLeaderLocked()
	}
}

/*
Heartbeat records liveness for iid and returns every other active
peer. The registry keeps no sync history, so the list is not narrowed
to peers this instance has not synced with recently. Returns false if
iid is not registered.
*/
func (r *Registry) Heartbeat(iid string, metrics map[string]float64) (peers []*Info, ok bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	info, exists := r.members[iid]
	if !exists {
		return nil, false
	}

	info.LastHeartbeat = time.Now().UTC()
	info.Status = StatusActive
	info.Metrics = metrics

	if r.leader == iid {
		info.Term++
	}

	return r.peersLocked(iid, Filter{}), true
}

/*
ListPeers returns instances matching filter, excluding self.
*/
func (r *Registry) ListPeers(self string, filter Filter) []*Info {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.peersLocked(self, filter)
}

func (r *Registry) peersLocked(self string, filter Filter) []*Info {
	var out []*Info
	for iid, info := range r.members {
		if iid == self {
			continue
		}
		if info.Status != StatusActive {
			continue
		}
		if !filter.matches(info) {
			continue
		}
		out = append(out, info.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IID < out[j].IID })
	return out
}

/*
ListAll returns every tracked instance regardless of status, for the
`/registry/agents` endpoint.
*/
func (r *Registry) ListAll() []*Info {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]*Info, 0, len(r.members))
	for _, info := range r.members {
		out = append(out, info.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IID < out[j].IID })
	return out
}

/*
Leader returns the current leader iid, or "" if none is elected.
*/
func (r *Registry) Leader() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.leader
}

/*
SweepStaleness transitions instances that have not heartbeated within
staleTimeout to Stale, removes instances stale for longer than
removeTimeout, and re-elects a leader if the current one just went
stale. Called periodically by the server's housekeeping loop, which
also purges the bus; that loop does not run the store's GC.
*/
func (r *Registry) SweepStaleness(now time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for iid, info := range r.members {
		silence := now.Sub(info.LastHeartbeat)

		if info.Status == StatusActive && silence > r.staleTimeout {
			info.Status = StatusStale
			LogInfo(fmt.Sprintf("registry: %s marked stale after %s of silence", iid, silence))
		}

		if info.Status == StatusStale && silence > r.staleTimeout+r.removeTimeout {
			delete(r.members, iid)
			LogInfo(fmt.Sprintf("registry: %s removed after prolonged staleness", iid))
		}
	}

	if r.leader != "" {
		if info, ok := r.members[r.leader]; !ok || info.Status != StatusActive {
			r.leader = ""
		}
	}

	if r.leader == "" {
		r.electLeaderLocked()
	}
}

/*
electLeaderLocked picks the lexicographically smallest live iid as
leader (spec §4.5). Caller must hold r.mutex.
*/
func (r *Registry) electLeaderLocked() {
	var candidate string
	for iid, info := range r.members {
		if info.Status != StatusActive {
			continue
		}
		if candidate == "" || iid < candidate {
			candidate = iid
		}
	}
	if candidate == "" {
		return
	}
	r.leader = candidate
	r.members[candidate].Term++
	LogInfo(fmt.Sprintf("registry: %s elected leader (failover)", candidate))
}
