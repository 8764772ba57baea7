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
Package server wires a mesh instance's store, registry, bus and sync
engine into one HTTP server (spec §6). It follows the teacher's own
config-driven StartServer idiom (server.go in the original EliasDB),
trimmed of the TLS/access-control/clustering machinery that EliasDB's
own deployment model needs but this mesh core's Non-goals
(authenticated transport, §2) explicitly leave to the deployment.
*/
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/agentmesh/kgsync/api"
	"github.com/agentmesh/kgsync/config"
	"github.com/agentmesh/kgsync/graph/store"
	"github.com/agentmesh/kgsync/mesh/bus"
	"github.com/agentmesh/kgsync/mesh/registry"
	"github.com/agentmesh/kgsync/sync"
)

/*
Using custom consolelogger type so tests can observe log.Fatal calls.
*/
type consolelogger func(v ...interface{})

var fatal = consolelogger(log.Fatal)
var print = consolelogger(log.Print)

/*
basepath is the base directory for all on-disk state (used by unit
tests to sandbox into a temp directory).
*/
var basepath = ""

/*
defaultGraphID is the graph id used when no multi-graph configuration
is given (one store per instance process; see DESIGN.md Open Question
decisions for why this is scoped to one graph per process here).
*/
const defaultGraphID = "default"

/*
Instance bundles everything StartServer wires together, so a caller
(or a test) can inspect state and trigger a clean shutdown.
*/
type Instance struct {
	Store    store.Store
	Registry *registry.Registry
	Bus      *bus.Bus
	Engine   *sync.Engine
	Coord    *sync.Coordinator
	httpSrv  *http.Server
}

/*
registryPeerSource adapts mesh/registry.Registry's ListPeers to
sync.PeerSource's simpler Peers() []string, since the registry tracks
full Info records while the coordinator only needs live iids.
*/
type registryPeerSource struct {
	reg  *registry.Registry
	self string
}

func (s registryPeerSource) Peers() []string {
	infos := s.reg.ListPeers(s.self, registry.Filter{})
	peers := make([]string, 0, len(infos))
	for _, info := range infos {
		peers = append(peers, info.IID)
	}
	return peers
}

/*
StartServer runs a mesh instance until ctx is cancelled, using
config.Config for all its configuration parameters. It returns once the
HTTP server has shut down cleanly.
*/
func StartServer(ctx context.Context) (*Instance, error) {
	if config.Config == nil {
		config.LoadDefaultConfig()
	}

	iid := config.Str(config.InstanceIID)
	if iid == "" {
		return nil, fmt.Errorf("server: %s is required", config.InstanceIID)
	}

	print(fmt.Sprintf("kgsync %v starting instance %v", config.ProductVersion, iid))

	dbPath := filepath.Join(basepath, iid+".db")
	print("Opening graph store: ", dbPath)

	st, err := store.Open(dbPath, iid)
	if err != nil {
		fatal("Failed to open graph store:", err)
		return nil, err
	}

	reg := registry.New(
		time.Duration(config.Int(config.MeshHeartbeatIntervalSecs))*time.Second,
		time.Duration(config.Int(config.MeshStaleTimeoutSecs))*time.Second,
		time.Duration(config.Int(config.MeshStaleTimeoutSecs))*time.Second,
	)
	meshBus := bus.New(config.Int(config.BusMaxQueueSize), time.Duration(config.Int(config.BusRetentionSecs))*time.Second)

	reg.Register(registry.Info{IID: iid, Address: config.Str(config.InstanceAddress)})
	meshBus.RegisterMailbox(iid)

	api.Reg = reg
	api.MeshBus = meshBus
	api.APIHost = config.Str(config.InstanceAddress)

	transport := sync.NewBusTransport(iid, meshBus)
	engine := sync.NewEngine(iid, st, transport, sync.EngineOptions{
		IncrementalThreshold: config.Float(config.SyncStrategyIncrementalThreshold),
		MaxConcurrentSyncs:   config.Int(config.SyncMaxConcurrentSyncs),
		MaxRetries:           config.Int(config.SyncMaxRetries),
		RetryInterval:        time.Duration(config.Int(config.SyncRetryIntervalSecs)) * time.Second,
	})

	optIn := sync.GraphOptIn{
		Allow:            config.List(config.SyncGraphs),
		Exclude:          config.List(config.SyncExclude),
		EnabledByDefault: config.Bool(config.SyncEnabledByDefault),
	}
	coord := sync.NewCoordinator(iid, engine, registryPeerSource{reg: reg, self: iid},
		func() []string { return []string{defaultGraphID} },
		optIn,
		time.Duration(config.Int(config.SyncIntervalSecs))*time.Second,
	)

	if config.Bool(config.SyncEnabled) {
		go coord.Run(ctx)
	}

	go runHousekeeping(ctx, reg, meshBus)

	print("Registering REST endpoints")
	api.RegisterRestEndpoints(api.GeneralEndpointMap)
	api.RegisterRestEndpoints(api.RegistryEndpointMap)
	api.RegisterRestEndpoints(api.MessagesEndpointMap)

	addr := ":" + config.Str(config.HTTPPort)
	hs := &http.Server{Addr: addr}

	print("Starting server on: ", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		<-ctx.Done()
		print("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			print("Error during shutdown: ", err)
		}

		print("Closing datastore")
		if err := st.Close(); err != nil {
			print("Error closing datastore: ", err)
		}
	}()

	if err := <-errCh; err != nil {
		fatal(err)
		return nil, err
	}

	return &Instance{
		Store:    st,
		Registry: reg,
		Bus:      meshBus,
		Engine:   engine,
		Coord:    coord,
		httpSrv:  hs,
	}, nil
}

/*
runHousekeeping periodically sweeps registry staleness and purges
expired bus envelopes, mirroring the teacher's own background
housekeeping loop (cluster/manager/housekeeping.go) generalized from
cluster-replica bookkeeping to mesh membership and message retention.
*/
func runHousekeeping(ctx context.Context, reg *registry.Registry, meshBus *bus.Bus) {
	ticker := time.NewTicker(registry.DefaultHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reg.SweepStaleness(now)
			meshBus.Purge(now)
		}
	}
}
