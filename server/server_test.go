/*
 * EliasDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/agentmesh/kgsync/api"
	"github.com/agentmesh/kgsync/config"
)

func resetServeMux() {
	http.DefaultServeMux = http.NewServeMux()
}

func TestStartServerRequiresInstanceIID(t *testing.T) {
	resetServeMux()
	config.LoadDefaultConfig()
	config.Config[config.InstanceIID] = ""

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := StartServer(ctx); err == nil {
		t.Fatal("expected an error when instance.iid is unset")
	}
}

func TestStartServerServesAbout(t *testing.T) {
	resetServeMux()

	dir := t.TempDir()
	basepath = dir + "/"
	defer func() { basepath = "" }()

	port := "19234"

	config.LoadDefaultConfig()
	config.Config[config.InstanceIID] = "a"
	config.Config[config.HTTPPort] = port
	config.Config[config.SyncEnabled] = "false"

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := StartServer(ctx)
		done <- err
	}()

	waitForServer(t, port)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%s%s", port, api.EndpointAbout))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var about map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&about); err != nil {
		t.Fatal(err)
	}
	if about["product"] != "kgsync" {
		t.Fatalf("unexpected about response: %v", about)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
}

func waitForServer(t *testing.T, port string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if resp, err := http.Get("http://localhost:" + port + api.EndpointAbout); err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never came up")
}

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}
