// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the per-peer persistent websocket channel: a
// JSON-framed bidirectional message stream with request/reply correlation,
// typed dispatch, reconnect and duplicate-connection resolution.
package channel

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Request methods dispatched through the router.
const (
	MethodPeerPing        = "peer/ping"
	MethodRemoteAppCreate = "remoteapp/create"
	MethodRemoteAppDelete = "remoteapp/delete"
	MethodRemoteAppSpec   = "remoteapp/spec"
	MethodRemoteAppLogs   = "remoteapp/logs"
	MethodProxyHTTP       = "proxy/http"
)

// Push events dispatched through the router.
const (
	EventRemoteAppStatus = "remoteapp/status"
	EventPeerGoodbye     = "peer/goodbye"
	EventCancel          = "cancel"
	EventProxyChunk      = "proxy/chunk"
)

// frameTypeReply marks a reply frame; its ID correlates it with the request.
const frameTypeReply = "reply"

// Frame is one JSON message on the channel. A request carries ID + Type, a
// reply carries the same ID with Type "reply", a push carries Type only.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsReply reports whether the frame is a reply.
func (f *Frame) IsReply() bool { return f.Type == frameTypeReply }

// IsRequest reports whether the frame is a request awaiting a reply.
func (f *Frame) IsRequest() bool { return f.ID != "" && f.Type != frameTypeReply }

// Transport error kinds surfaced by Send/Push.
var (
	// ErrChannelDown means no live channel to the peer exists.
	ErrChannelDown = errors.New("channel_down")
	// ErrTimeout means the request deadline elapsed without a reply.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled means the caller cancelled while awaiting the reply.
	ErrCancelled = errors.New("cancelled")
)

// RemoteError carries an error string returned by the peer's handler.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote_error(%s)", e.Message)
}

// NewRequestID returns a 128-bit random hex string, unique per channel per
// outstanding request.
func NewRequestID() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		// Reading from the system randomness source does not fail on any
		// supported platform.
		panic(err)
	}
	return hex.EncodeToString(raw)
}

// cancelPayload is the body of a cancel push.
type cancelPayload struct {
	ID string `json:"id"`
}

// pongPayload is the reply to a logical peer/ping request.
type pongPayload struct {
	Pong bool `json:"pong"`
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
