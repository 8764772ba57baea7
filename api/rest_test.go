/*
 * EliasDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/krotik/common/httputil"
)

const testport = ":9290"

var lastRes []string

type testEndpoint struct {
	*DefaultEndpointHandler
}

func (te *testEndpoint) HandleGET(w http.ResponseWriter, r *http.Request, resources []string) {
	lastRes = resources
	te.DefaultEndpointHandler.HandleGET(w, r, resources)
}

func (te *testEndpoint) SwaggerDefs(s map[string]interface{}) {
}

var testEndpointMap = map[string]RestEndpointInst{
	"/": func() RestEndpointHandler {
		return &testEndpoint{}
	},
}

func TestEndpointHandling(t *testing.T) {
	hs, wg := startServer(t)
	defer stopServer(hs, wg)

	queryURL := "http://localhost" + testport

	RegisterRestEndpoints(testEndpointMap)
	RegisterRestEndpoints(GeneralEndpointMap)

	lastRes = nil

	if res := sendTestRequest(queryURL, "GET", nil); res != "Method Not Allowed" {
		t.Error("Unexpected response:", res)
		return
	}
	if lastRes != nil {
		t.Error("Unexpected lastRes:", lastRes)
	}

	lastRes = nil
	if res := sendTestRequest(queryURL+"/foo/bar", "GET", nil); res != "Method Not Allowed" {
		t.Error("Unexpected response:", res)
		return
	}
	if fmt.Sprint(lastRes) != "[foo bar]" {
		t.Error("Unexpected lastRes:", lastRes)
	}

	if res := sendTestRequest(queryURL, "POST", nil); res != "Method Not Allowed" {
		t.Error("Unexpected response:", res)
	}
	if res := sendTestRequest(queryURL, "PUT", nil); res != "Method Not Allowed" {
		t.Error("Unexpected response:", res)
	}
	if res := sendTestRequest(queryURL, "DELETE", nil); res != "Method Not Allowed" {
		t.Error("Unexpected response:", res)
	}

	if res := sendTestRequest(queryURL+"/about", "GET", nil); !strings.Contains(res, `"product": "kgsync"`) {
		t.Error("Unexpected response:", res)
		return
	}

	if res := sendTestRequest(queryURL+"/swagger.json", "GET", nil); !strings.Contains(res, `"swagger": "2.0"`) {
		t.Error("Unexpected response:", res)
		return
	}
}

func sendTestRequest(url string, method string, content []byte) string {
	body, _ := sendTestRequestResponse(url, method, content)
	return body
}

func sendTestRequestResponse(url string, method string, content []byte) (string, *http.Response) {
	var req *http.Request
	var err error

	if content != nil {
		req, err = http.NewRequest(method, url, bytes.NewBuffer(content))
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	if err != nil {
		panic(err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	bodyStr := strings.Trim(string(body), " \n")

	out := bytes.Buffer{}
	if err := json.Indent(&out, []byte(bodyStr), "", "  "); err == nil {
		return out.String(), resp
	}
	return bodyStr, resp
}

func startServer(t *testing.T) (*httputil.HTTPServer, *sync.WaitGroup) {
	hs := &httputil.HTTPServer{}

	var wg sync.WaitGroup
	wg.Add(1)

	go hs.RunHTTPServer(testport, &wg)
	wg.Wait()

	if hs.LastError != nil {
		t.Fatal(hs.LastError)
	}

	return hs, &wg
}

func stopServer(hs *httputil.HTTPServer, wg *sync.WaitGroup) {
	if !hs.Running {
		return
	}
	wg.Add(1)
	hs.Shutdown()
	wg.Wait()
}
