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
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/kgsync/mesh/bus"
)

/*
EndpointMessagesSend handles /messages/send/{source_iid}
*/
const EndpointMessagesSend = APIRoot + "/messages/send/"

func MessagesSendEndpointInst() RestEndpointHandler {
	return &messagesSendEndpoint{}
}

type messagesSendEndpoint struct {
	*DefaultEndpointHandler
}

type sendRequest struct {
	DestIID string   `json:"dest_iid"`
	Kind    bus.Kind `json:"kind"`
	Payload []byte   `json:"payload"`
}

func (e *messagesSendEndpoint) HandlePOST(w http.ResponseWriter, r *http.Request, resources []string) {
	if !checkResources(w, resources, 1, 1, "Expected a source instance id") {
		return
	}
	source := resources[0]

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	messageID, err := MeshBus.Send(source, req.DestIID, req.Kind, req.Payload)
	if err != nil {
		writeBusError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{"message_id": messageID})
}

func (e *messagesSendEndpoint) SwaggerDefs(s map[string]interface{}) {
	s["paths"].(map[string]interface{})["/messages/send/{source_iid}"] = map[string]interface{}{
		"post": map[string]interface{}{
			"summary": "Send an envelope from source_iid to another instance, or broadcast.",
		},
	}
}

/*
EndpointMessagesGet handles /messages/{iid}
*/
const EndpointMessagesGet = APIRoot + "/messages/"

func MessagesGetEndpointInst() RestEndpointHandler {
	return &messagesGetEndpoint{}
}

type messagesGetEndpoint struct {
	*DefaultEndpointHandler
}

func (e *messagesGetEndpoint) HandleGET(w http.ResponseWriter, r *http.Request, resources []string) {
	if !checkResources(w, resources, 1, 1, "Expected an instance id") {
		return
	}
	iid := resources[0]

	envelopes, err := MeshBus.Pending(iid)
	if err != nil {
		writeBusError(w, err)
		return
	}

	writeJSON(w, envelopes)
}

func (e *messagesGetEndpoint) SwaggerDefs(s map[string]interface{}) {
	s["paths"].(map[string]interface{})["/messages/{iid}"] = map[string]interface{}{
		"get": map[string]interface{}{
			"summary": "List pending envelopes addressed to iid.",
		},
	}
}

/*
EndpointMessagesAck handles /messages/ack/{iid}
*/
const EndpointMessagesAck = APIRoot + "/messages/ack/"

func MessagesAckEndpointInst() RestEndpointHandler {
	return &messagesAckEndpoint{}
}

type messagesAckEndpoint struct {
	*DefaultEndpointHandler
}

func (e *messagesAckEndpoint) HandlePOST(w http.ResponseWriter, r *http.Request, resources []string) {
	if !checkResources(w, resources, 1, 1, "Expected an instance id") {
		return
	}
	iid := resources[0]

	var messageIDs []string
	if err := json.NewDecoder(r.Body).Decode(&messageIDs); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	acked, err := MeshBus.Ack(iid, messageIDs)
	if err != nil {
		writeBusError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{"acked": acked})
}

func (e *messagesAckEndpoint) SwaggerDefs(s map[string]interface{}) {
	s["paths"].(map[string]interface{})["/messages/ack/{iid}"] = map[string]interface{}{
		"post": map[string]interface{}{
			"summary": "Acknowledge delivered messages for iid.",
		},
	}
}

/*
EndpointMessagesStream handles /messages/stream/{iid}, a supplemented
read-only live view of the bus: a websocket connection that checks
Pending for iid every StreamPollInterval and writes each envelope it
has not sent on this connection before. The polling endpoint
above remains the system of record for at-least-once delivery with
acks; this is purely an additive convenience.
*/
const EndpointMessagesStream = APIRoot + "/messages/stream/"

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

/*
StreamPollInterval is how often the stream endpoint checks for new
pending envelopes.
*/
var StreamPollInterval = 500 * time.Millisecond

func MessagesStreamEndpointInst() RestEndpointHandler {
	return &messagesStreamEndpoint{}
}

type messagesStreamEndpoint struct {
	*DefaultEndpointHandler
}

func (e *messagesStreamEndpoint) HandleGET(w http.ResponseWriter, r *http.Request, resources []string) {
	if !checkResources(w, resources, 1, 1, "Expected an instance id") {
		return
	}
	iid := resources[0]

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	seen := make(map[string]bool)
	ticker := time.NewTicker(StreamPollInterval)
	defer ticker.Stop()

	for range ticker.C {
		envelopes, err := MeshBus.Pending(iid)
		if err != nil {
			return
		}

		for _, env := range envelopes {
			if seen[env.MessageID] {
				continue
			}
			seen[env.MessageID] = true

			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (e *messagesStreamEndpoint) SwaggerDefs(s map[string]interface{}) {
	s["paths"].(map[string]interface{})["/messages/stream/{iid}"] = map[string]interface{}{
		"get": map[string]interface{}{
			"summary": "Live websocket stream of envelopes pending for iid.",
		},
	}
}

func writeBusError(w http.ResponseWriter, err error) {
	var be *bus.Error
	if errors.As(err, &be) && be.Type == bus.ErrUnknownRecipient {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

/*
MessagesEndpointMap holds the message bus endpoints of spec §6, plus
the supplemented live stream endpoint.
*/
var MessagesEndpointMap = map[string]RestEndpointInst{
	EndpointMessagesSend:   MessagesSendEndpointInst,
	EndpointMessagesGet:    MessagesGetEndpointInst,
	EndpointMessagesAck:    MessagesAckEndpointInst,
	EndpointMessagesStream: MessagesStreamEndpointInst,
}
