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
kgsyncd main entry point: starts a single mesh instance, using a JSON
config file for all its configuration parameters (spec §6).

Unlike the teacher's own lockfile-watcher shutdown idiom (a background
goroutine polling a file on disk until its mtime changes), this
instance shuts down on SIGINT/SIGTERM via context cancellation,
matching the context.Context-based cancellation the sync engine and
transport already use throughout (spec §4.4's "every session accepts a
cancellation signal").
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentmesh/kgsync/config"
	"github.com/agentmesh/kgsync/server"
)

func main() {
	configFile := flag.String("config", "", "path to a JSON config file (defaults built in if omitted)")
	flag.Parse()

	if *configFile != "" {
		if err := config.LoadConfigFile(*configFile); err != nil {
			log.Fatal(fmt.Errorf("kgsyncd: failed to load config file %s: %w", *configFile, err))
		}
	} else {
		config.LoadDefaultConfig()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := server.StartServer(ctx); err != nil {
		log.Fatal(err)
	}

	os.Exit(0)
}
