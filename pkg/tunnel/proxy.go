// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/channel"
)

const (
	// idleTimeout is the maximum gap between response chunks.
	idleTimeout = 60 * time.Second
	// totalTimeout bounds the whole proxied exchange.
	totalTimeout = 300 * time.Second

	// maxBodyBytes bounds the carried request body. Tunnel traffic is
	// control-plane-ish; large uploads do not belong on the channel.
	maxBodyBytes = 32 << 20
)

// Sender is the channel-manager surface the requester side needs.
type Sender interface {
	Send(ctx context.Context, peer, frameType string, payload any) (json.RawMessage, error)
}

// AppSource resolves apps for tunnel routing.
type AppSource interface {
	SubmittedApp(id string) (porpulsionv1alpha1.RemoteApp, bool)
	ExecutingApp(id string) (porpulsionv1alpha1.RemoteApp, bool)
}

// Proxy is the dashboard-facing side of the tunnel. It serves
// /api/remoteapp/{id}/proxy/{port}/{rest...} by forwarding across the peer
// channel (submitted apps) or straight to the local pods (executing apps).
type Proxy struct {
	apps    AppSource
	sender  Sender
	local   *Handler
	log     logr.Logger
	streams *streamTable
}

// NewProxy creates the requester-side tunnel. The local handler serves apps
// executing on this agent without a peer hop.
func NewProxy(apps AppSource, sender Sender, local *Handler, router *channel.Router, log logr.Logger) *Proxy {
	p := &Proxy{
		apps:    apps,
		sender:  sender,
		local:   local,
		log:     log.WithName("tunnel"),
		streams: newStreamTable(),
	}
	router.OnPush(channel.EventProxyChunk, p.handleChunk)
	return p
}

// ServeApp proxies one HTTP request to the app's pods.
func (p *Proxy) ServeApp(w http.ResponseWriter, r *http.Request, appID string, port int32, restPath string) {
	if app, ok := p.apps.SubmittedApp(appID); ok {
		p.serveRemote(w, r, &app, port, restPath)
		return
	}
	if app, ok := p.apps.ExecutingApp(appID); ok {
		p.local.ServeLocal(w, r, &app, port, restPath)
		return
	}
	http.Error(w, "app not found", http.StatusNotFound)
}

func (p *Proxy) serveRemote(w http.ResponseWriter, r *http.Request, app *porpulsionv1alpha1.RemoteApp, port int32, restPath string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "request body too large for tunnel", http.StatusRequestEntityTooLarge)
		return
	}

	streamID := channel.NewRequestID()
	chunks := p.streams.open(streamID)
	defer p.streams.close(streamID)

	ctx, cancel := context.WithTimeout(r.Context(), totalTimeout)
	defer cancel()

	request := porpulsionv1alpha1.ProxyRequest{
		ID:       app.ID,
		Port:     port,
		Method:   r.Method,
		Path:     restPath,
		Query:    r.URL.RawQuery,
		Headers:  FilterHeaders(r.Header),
		BodyB64:  base64.StdEncoding.EncodeToString(body),
		StreamID: streamID,
	}

	// The reply arrives only after the executor finished streaming, so it
	// runs concurrently with chunk consumption.
	sendResult := make(chan error, 1)
	go func() {
		_, err := p.sender.Send(ctx, app.TargetPeer, channel.MethodProxyHTTP, request)
		sendResult <- err
	}()

	p.streamResponse(ctx, w, chunks, sendResult, app.TargetPeer)
}

// streamResponse writes chunks to the client as they arrive. The first chunk
// carries status + headers; final:true ends the response.
func (p *Proxy) streamResponse(ctx context.Context, w http.ResponseWriter, chunks <-chan porpulsionv1alpha1.ProxyChunk, sendResult <-chan error, peer string) {
	flusher, _ := w.(http.Flusher)
	headersWritten := false
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case chunk := <-chunks:
			if !headersWritten {
				for name, values := range FilterHeaders(chunk.Headers) {
					for _, value := range values {
						w.Header().Add(name, value)
					}
				}
				status := chunk.Status
				if status == 0 {
					status = http.StatusOK
				}
				w.WriteHeader(status)
				headersWritten = true
			}
			if chunk.ChunkB64 != "" {
				data, err := base64.StdEncoding.DecodeString(chunk.ChunkB64)
				if err != nil {
					p.log.Error(err, "Dropping malformed tunnel chunk", "peer", peer)
					return
				}
				if _, err := w.Write(data); err != nil {
					// Client went away; the context cancellation propagates a
					// cancel push to the executor.
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if chunk.Final {
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)

		case err := <-sendResult:
			if err == nil {
				// Completed reply; drain any chunk already queued, then stop.
				select {
				case chunk := <-chunks:
					if chunk.Final {
						return
					}
				default:
				}
				return
			}
			if !headersWritten {
				writeTunnelError(w, err)
			}
			return

		case <-idle.C:
			if !headersWritten {
				http.Error(w, "tunnel idle timeout", http.StatusGatewayTimeout)
			}
			return

		case <-ctx.Done():
			if !headersWritten {
				http.Error(w, "tunnel timeout", http.StatusGatewayTimeout)
			}
			return
		}
	}
}

func (p *Proxy) handleChunk(_ context.Context, peer string, payload json.RawMessage) {
	chunk := porpulsionv1alpha1.ProxyChunk{}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		p.log.Info("Dropping malformed proxy chunk", "peer", peer, "error", err.Error())
		return
	}
	p.streams.deliver(chunk)
}

func writeTunnelError(w http.ResponseWriter, err error) {
	remoteErr := &channel.RemoteError{}
	switch {
	case errors.As(err, &remoteErr) && remoteErr.Message == "tunnel_denied":
		http.Error(w, "tunnel_denied", http.StatusForbidden)
	case errors.Is(err, channel.ErrChannelDown):
		http.Error(w, "peer channel is down", http.StatusGatewayTimeout)
	case errors.Is(err, channel.ErrTimeout):
		http.Error(w, "tunnel timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, fmt.Sprintf("tunnel failed: %v", err), http.StatusBadGateway)
	}
}

// streamTable routes inbound chunks to the requester awaiting them.
type streamTable struct {
	mu      sync.Mutex
	streams map[string]chan porpulsionv1alpha1.ProxyChunk
}

func newStreamTable() *streamTable {
	return &streamTable{streams: map[string]chan porpulsionv1alpha1.ProxyChunk{}}
}

func (t *streamTable) open(id string) <-chan porpulsionv1alpha1.ProxyChunk {
	ch := make(chan porpulsionv1alpha1.ProxyChunk, 64)
	t.mu.Lock()
	t.streams[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *streamTable) close(id string) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

// deliver drops chunks for unknown (finished or cancelled) streams.
func (t *streamTable) deliver(chunk porpulsionv1alpha1.ProxyChunk) {
	t.mu.Lock()
	ch, ok := t.streams[chunk.StreamID]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- chunk:
	default:
		// The consumer is wedged; dropping keeps the router responsive. The
		// idle timer on the consumer side aborts the request.
	}
}

// ParsePort validates the port path segment of a tunnel URL.
func ParsePort(raw string) (int32, error) {
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return int32(port), nil
}
