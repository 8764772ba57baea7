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
	"encoding/json"
	"net/http"

	"github.com/agentmesh/kgsync/mesh/bus"
	"github.com/agentmesh/kgsync/mesh/registry"
)

/*
Reg is the mesh registry instance served by the registry endpoints, set
by the server at startup.
*/
var Reg *registry.Registry

/*
MeshBus is the message bus served by the messages endpoints, set by the
server at startup. Registering an instance also registers its mailbox.
*/
var MeshBus *bus.Bus

/*
EndpointRegistryRegister handles /registry/register/
*/
const EndpointRegistryRegister = APIRoot + "/registry/register/"

func RegistryRegisterEndpointInst() RestEndpointHandler {
	return &registryRegisterEndpoint{}
}

type registryRegisterEndpoint struct {
	*DefaultEndpointHandler
}

type registerRequest struct {
	IID           string   `json:"iid"`
	Address       string   `json:"address"`
	Capabilities  []string `json:"capabilities"`
	AgentProfiles []string `json:"agent_profiles"`
}

func (e *registryRegisterEndpoint) HandlePOST(w http.ResponseWriter, r *http.Request, resources []string) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.IID == "" {
		http.Error(w, "Missing iid", http.StatusBadRequest)
		return
	}

	iid := Reg.Register(registry.Info{
		IID:           req.IID,
		Address:       req.Address,
		Capabilities:  req.Capabilities,
		AgentProfiles: req.AgentProfiles,
	})
	MeshBus.RegisterMailbox(iid)

	peers := Reg.ListPeers(iid, registry.Filter{})

	writeJSON(w, map[string]interface{}{
		"iid":       iid,
		"leader_id": Reg.Leader(),
		"peers":     peers,
	})
}

func (e *registryRegisterEndpoint) SwaggerDefs(s map[string]interface{}) {
	s["paths"].(map[string]interface{})["/registry/register"] = map[string]interface{}{
		"post": map[string]interface{}{
			"summary": "Register this instance with the mesh.",
		},
	}
}

/*
EndpointRegistryAgents handles /registry/agents/
*/
const EndpointRegistryAgents = APIRoot + "/registry/agents/"

func RegistryAgentsEndpointInst() RestEndpointHandler {
	return &registryAgentsEndpoint{}
}

type registryAgentsEndpoint struct {
	*DefaultEndpointHandler
}

func (e *registryAgentsEndpoint) HandleGET(w http.ResponseWriter, r *http.Request, resources []string) {
	writeJSON(w, Reg.ListAll())
}

func (e *registryAgentsEndpoint) SwaggerDefs(s map[string]interface{}) {
	s["paths"].(map[string]interface{})["/registry/agents"] = map[string]interface{}{
		"get": map[string]interface{}{
			"summary": "List every known mesh instance.",
		},
	}
}

/*
EndpointRegistryHeartbeat handles /registry/heartbeat/{iid}
*/
const EndpointRegistryHeartbeat = APIRoot + "/registry/heartbeat/"

func RegistryHeartbeatEndpointInst() RestEndpointHandler {
	return &registryHeartbeatEndpoint{}
}

type registryHeartbeatEndpoint struct {
	*DefaultEndpointHandler
}

type heartbeatRequest struct {
	Status  string             `json:"status"`
	Metrics map[string]float64 `json:"metrics"`
}

func (e *registryHeartbeatEndpoint) HandlePOST(w http.ResponseWriter, r *http.Request, resources []string) {
	if !checkResources(w, resources, 1, 1, "Expected an instance id") {
		return
	}
	iid := resources[0]

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	peers, ok := Reg.Heartbeat(iid, req.Metrics)
	if !ok {
		http.Error(w, "Unknown instance: "+iid, http.StatusNotFound)
		return
	}

	shouldSync := make([]string, 0, len(peers))
	for _, p := range peers {
		shouldSync = append(shouldSync, p.IID)
	}

	writeJSON(w, map[string]interface{}{
		"ack":         true,
		"should_sync": shouldSync,
	})
}

func (e *registryHeartbeatEndpoint) SwaggerDefs(s map[string]interface{}) {
	s["paths"].(map[string]interface{})["/registry/heartbeat/{iid}"] = map[string]interface{}{
		"post": map[string]interface{}{
			"summary": "Record liveness for an instance.",
		},
	}
}

/*
EndpointRegistryDeregister handles /registry/deregister/{iid}
*/
const EndpointRegistryDeregister = APIRoot + "/registry/deregister/"

func RegistryDeregisterEndpointInst() RestEndpointHandler {
	return &registryDeregisterEndpoint{}
}

type registryDeregisterEndpoint struct {
	*DefaultEndpointHandler
}

func (e *registryDeregisterEndpoint) HandleDELETE(w http.ResponseWriter, r *http.Request, resources []string) {
	if !checkResources(w, resources, 1, 1, "Expected an instance id") {
		return
	}
	iid := resources[0]

	Reg.Deregister(iid)
	MeshBus.DeregisterMailbox(iid)

	writeJSON(w, map[string]interface{}{"ack": true})
}

func (e *registryDeregisterEndpoint) SwaggerDefs(s map[string]interface{}) {
	s["paths"].(map[string]interface{})["/registry/deregister/{iid}"] = map[string]interface{}{
		"delete": map[string]interface{}{
			"summary": "Remove an instance from the mesh.",
		},
	}
}

// Helper functions
// ================

/*
checkResources check given resources for a request, writing a 400 and
returning false if the count is out of the required range.
*/
func checkResources(w http.ResponseWriter, resources []string, requiredMin int, requiredMax int, errorMsg string) bool {
	if len(resources) < requiredMin {
		http.Error(w, errorMsg, http.StatusBadRequest)
		return false
	} else if len(resources) > requiredMax {
		http.Error(w, "Invalid resource specification", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(data)
}

/*
RegistryEndpointMap holds the registry endpoints of spec §6.
*/
var RegistryEndpointMap = map[string]RestEndpointInst{
	EndpointRegistryRegister:   RegistryRegisterEndpointInst,
	EndpointRegistryAgents:     RegistryAgentsEndpointInst,
	EndpointRegistryHeartbeat:  RegistryHeartbeatEndpointInst,
	EndpointRegistryDeregister: RegistryDeregisterEndpointInst,
}
