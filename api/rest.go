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
Package api contains the HTTP/RPC endpoints of the mesh instance (spec
§6). Paths are bit-exact, so the API is rooted at "" rather than under
a versioned subtree: /registry/register, /messages/send/{source_iid}
and so on.

Every endpoint answers with JSON on success and a plain text error
message otherwise, mirroring the teacher's own REST convention.
*/
package api

import (
	"net/http"
	"strings"
)

/*
APIRoot is the root directory for every endpoint. Kept empty so the
registered paths match spec §6 exactly.
*/
const APIRoot = ""

/*
APIVersion is the reported API version.
*/
const APIVersion = "1.0"

/*
APISchemes are the schemes this API is reachable under.
*/
var APISchemes = []string{"http"}

/*
APIHost is the host:port this API is served from, set by the server at
startup.
*/
var APIHost = "localhost:9040"

/*
RestEndpointInst models a factory function for REST endpoint handlers.
A fresh handler is created for every incoming request so handlers may
hold request-scoped state.
*/
type RestEndpointInst func() RestEndpointHandler

/*
RestEndpointHandler models a REST endpoint handler. resources holds
the path segments following the endpoint's registered prefix, e.g.
requesting /registry/heartbeat/iid-1 against a handler registered at
/registry/heartbeat/ yields resources == []string{"iid-1"}.
*/
type RestEndpointHandler interface {
	HandleGET(w http.ResponseWriter, r *http.Request, resources []string)
	HandlePOST(w http.ResponseWriter, r *http.Request, resources []string)
	HandlePUT(w http.ResponseWriter, r *http.Request, resources []string)
	HandleDELETE(w http.ResponseWriter, r *http.Request, resources []string)

	/*
		SwaggerDefs is used to describe the endpoint in swagger.
	*/
	SwaggerDefs(s map[string]interface{})
}

/*
registered holds every endpoint handler factory registered so far, so
/swagger.json can enumerate them.
*/
var registered = map[string]RestEndpointInst{}

/*
HandleFunc is used to register handlers. It defaults to
http.HandleFunc on the default ServeMux; server.StartServer keeps that
default.
*/
var HandleFunc func(pattern string, handler func(http.ResponseWriter, *http.Request)) = http.HandleFunc

/*
RegisterRestEndpoints registers every given REST endpoint handler
factory under its URL.
*/
func RegisterRestEndpoints(endpointInsts map[string]RestEndpointInst) {
	for url, endpointInst := range endpointInsts {
		registered[url] = endpointInst

		HandleFunc(url, func() func(w http.ResponseWriter, r *http.Request) {
			handlerURL := url
			handlerInst := endpointInst

			return func(w http.ResponseWriter, r *http.Request) {
				handler := handlerInst()

				res := strings.TrimSpace(r.URL.Path[len(handlerURL):])
				if len(res) > 0 && res[len(res)-1] == '/' {
					res = res[:len(res)-1]
				}

				var resources []string
				if res != "" {
					resources = strings.Split(res, "/")
				}

				switch r.Method {
				case http.MethodGet:
					handler.HandleGET(w, r, resources)
				case http.MethodPost:
					handler.HandlePOST(w, r, resources)
				case http.MethodPut:
					handler.HandlePUT(w, r, resources)
				case http.MethodDelete:
					handler.HandleDELETE(w, r, resources)
				default:
					http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
				}
			}
		}())
	}
}

/*
DefaultEndpointHandler answers every method with 405, so endpoints only
need to override the methods they actually support.
*/
type DefaultEndpointHandler struct {
}

func (de *DefaultEndpointHandler) HandleGET(w http.ResponseWriter, r *http.Request, resources []string) {
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
}

func (de *DefaultEndpointHandler) HandlePOST(w http.ResponseWriter, r *http.Request, resources []string) {
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
}

func (de *DefaultEndpointHandler) HandlePUT(w http.ResponseWriter, r *http.Request, resources []string) {
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
}

func (de *DefaultEndpointHandler) HandleDELETE(w http.ResponseWriter, r *http.Request, resources []string) {
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
}

/*
GeneralEndpointMap holds the endpoints every instance serves regardless
of configuration: /about and /swagger.json.
*/
var GeneralEndpointMap = map[string]RestEndpointInst{
	EndpointAbout:   AboutEndpointInst,
	EndpointSwagger: SwaggerEndpointInst,
}
