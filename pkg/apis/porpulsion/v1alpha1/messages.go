// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package v1alpha1

import "time"

// CreateRequest is the payload of a remoteapp/create request.
type CreateRequest struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Spec AppSpec `json:"spec"`
}

// CreateResponse is the reply to remoteapp/create and remoteapp/spec.
type CreateResponse struct {
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
	PendingApproval bool   `json:"pending_approval,omitempty"`
}

// DeleteRequest is the payload of a remoteapp/delete request. The operation
// is idempotent on the executor.
type DeleteRequest struct {
	ID string `json:"id"`
}

// SpecRequest is the payload of a remoteapp/spec request.
type SpecRequest struct {
	ID   string  `json:"id"`
	Spec AppSpec `json:"spec"`
}

// LogsRequest is the payload of a remoteapp/logs request.
type LogsRequest struct {
	ID    string `json:"id"`
	Tail  int    `json:"tail"`
	Order string `json:"order"`
}

// LogEntry is one collected pod log line.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Pod       string    `json:"pod"`
	Message   string    `json:"message"`
}

// LogsResponse is the reply to remoteapp/logs.
type LogsResponse struct {
	Lines []LogEntry `json:"lines"`
}

// StatusEvent is the payload of a remoteapp/status push, emitted by the
// executor on every status transition.
type StatusEvent struct {
	ID      string          `json:"id"`
	Status  RemoteAppStatus `json:"status"`
	Message string          `json:"message,omitempty"`
}

// ProxyRequest is the payload of a proxy/http request. The requester mints
// StreamID; response data arrives as proxy/chunk pushes carrying it.
type ProxyRequest struct {
	ID       string              `json:"id"`
	Port     int32               `json:"port"`
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	Query    string              `json:"query,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
	BodyB64  string              `json:"body_b64,omitempty"`
	StreamID string              `json:"stream_id"`
}

// ProxyChunk is one streamed piece of a proxied HTTP response. The first
// chunk carries status and headers; the last one has Final set.
type ProxyChunk struct {
	StreamID string              `json:"stream_id"`
	ChunkB64 string              `json:"chunk_b64,omitempty"`
	Final    bool                `json:"final"`
	Status   int                 `json:"status,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
}
