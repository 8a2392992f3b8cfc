// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-logr/logr"
)

// RequestHandler processes an inbound request from a peer and returns the
// reply payload. A returned error becomes a remote_error reply on the wire.
type RequestHandler func(ctx context.Context, peer string, payload json.RawMessage) (any, error)

// PushHandler processes an inbound fire-and-forget push from a peer.
type PushHandler func(ctx context.Context, peer string, payload json.RawMessage)

// Router dispatches incoming channel frames to typed handlers. Handlers are
// registered at startup; registration after the first dispatch is safe but
// unusual.
type Router struct {
	log logr.Logger

	mu       sync.RWMutex
	requests map[string]RequestHandler
	pushes   map[string]PushHandler
}

// NewRouter creates an empty router.
func NewRouter(log logr.Logger) *Router {
	return &Router{
		log:      log.WithName("router"),
		requests: map[string]RequestHandler{},
		pushes:   map[string]PushHandler{},
	}
}

// OnRequest registers the handler for a request method.
func (r *Router) OnRequest(method string, handler RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[method] = handler
}

// OnPush registers the handler for a push event.
func (r *Router) OnPush(event string, handler PushHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes[event] = handler
}

// DispatchRequest runs the handler for a request frame and returns the reply
// payload. Unknown methods produce a structured error, not a panic.
func (r *Router) DispatchRequest(ctx context.Context, peer string, frame *Frame) (any, error) {
	r.mu.RLock()
	handler, ok := r.requests[frame.Type]
	r.mu.RUnlock()

	if !ok {
		r.log.Info("Dropping request with unknown type", "peer", peer, "type", frame.Type)
		return nil, &RemoteError{Message: "unknown type"}
	}
	return handler(ctx, peer, frame.Payload)
}

// DispatchPush runs the handler for a push frame. Unknown events are dropped
// with a warning.
func (r *Router) DispatchPush(ctx context.Context, peer string, frame *Frame) {
	r.mu.RLock()
	handler, ok := r.pushes[frame.Type]
	r.mu.RUnlock()

	if !ok {
		r.log.Info("Dropping push with unknown type", "peer", peer, "type", frame.Type)
		return
	}
	handler(ctx, peer, frame.Payload)
}
