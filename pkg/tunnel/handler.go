// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"

	"github.com/porpulsion/porpulsion/pkg/admission"
	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/channel"
)

// chunkSize is the response slice carried per proxy/chunk push.
const chunkSize = 32 << 10

// ErrTunnelDenied is returned to the peer when settings forbid the tunnel.
var ErrTunnelDenied = errors.New("tunnel_denied")

// PodResolver lists the ready pods of an executing app.
type PodResolver interface {
	ReadyPods(ctx context.Context, appID string) ([]corev1.Pod, error)
}

// SettingsSource provides the current settings and the executing app lookup.
type SettingsSource interface {
	Settings() porpulsionv1alpha1.Settings
	ExecutingApp(id string) (porpulsionv1alpha1.RemoteApp, bool)
}

// ChunkPusher streams chunks back to the requesting peer.
type ChunkPusher interface {
	PushSync(ctx context.Context, peer, frameType string, payload any) error
}

// Handler is the executor-facing side of the tunnel: it receives proxy/http
// requests, forwards them to a ready pod, and streams the response back.
// The proxy only routes to pods bearing the porpulsion label, so arbitrary
// pods are unreachable by construction.
type Handler struct {
	state    SettingsSource
	pods     PodResolver
	pusher   ChunkPusher
	log      logr.Logger
	client   *http.Client
	rrMu     sync.Mutex
	rrCursor map[string]int
}

// NewHandler creates the executor-side tunnel handler and registers it on the
// router.
func NewHandler(state SettingsSource, pods PodResolver, pusher ChunkPusher, router *channel.Router, log logr.Logger) *Handler {
	h := &Handler{
		state:  state,
		pods:   pods,
		pusher: pusher,
		log:    log.WithName("tunnel"),
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: idleTimeout,
				MaxIdleConnsPerHost:   4,
			},
		},
		rrCursor: map[string]int{},
	}
	router.OnRequest(channel.MethodProxyHTTP, h.handleProxy)
	return h
}

// handleProxy serves one proxy/http request from a peer. The reply is sent
// after the response has been fully streamed (or on error), so the requester
// can use it as the completion signal.
func (h *Handler) handleProxy(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	request := porpulsionv1alpha1.ProxyRequest{}
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("malformed proxy request: %w", err)
	}

	app, ok := h.state.ExecutingApp(request.ID)
	if !ok || app.SourcePeer != peer {
		return nil, fmt.Errorf("app %s not found", request.ID)
	}

	if !admission.TunnelAllowed(h.state.Settings(), peer, request.ID) {
		return nil, ErrTunnelDenied
	}

	pod, err := h.pickPod(ctx, request.ID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	response, err := h.forward(ctx, pod, &request)
	if err != nil {
		return nil, fmt.Errorf("forwarding to pod %s: %w", pod.Name, err)
	}
	defer func() { _ = response.Body.Close() }()

	if err := h.stream(ctx, peer, request.StreamID, response); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// pickPod selects a ready pod round-robin per app.
func (h *Handler) pickPod(ctx context.Context, appID string) (*corev1.Pod, error) {
	pods, err := h.pods.ReadyPods(ctx, appID)
	if err != nil {
		return nil, err
	}
	if len(pods) == 0 {
		return nil, fmt.Errorf("no ready pods for app %s", appID)
	}

	h.rrMu.Lock()
	cursor := h.rrCursor[appID]
	h.rrCursor[appID] = cursor + 1
	h.rrMu.Unlock()

	return &pods[cursor%len(pods)], nil
}

func (h *Handler) forward(ctx context.Context, pod *corev1.Pod, request *porpulsionv1alpha1.ProxyRequest) (*http.Response, error) {
	body, err := base64.StdEncoding.DecodeString(request.BodyB64)
	if err != nil {
		return nil, fmt.Errorf("malformed request body: %w", err)
	}

	target := url.URL{
		Scheme:   "http",
		Host:     fmt.Sprintf("%s:%d", pod.Status.PodIP, request.Port),
		Path:     "/" + request.Path,
		RawQuery: request.Query,
	}

	httpRequest, err := http.NewRequestWithContext(ctx, request.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for name, values := range FilterHeaders(request.Headers) {
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}
	httpRequest.ContentLength = int64(len(body))

	return h.client.Do(httpRequest)
}

// stream pushes the response back in bounded chunks. The first push carries
// status and filtered headers, the last one final:true.
func (h *Handler) stream(ctx context.Context, peer, streamID string, response *http.Response) error {
	first := true
	buf := make([]byte, chunkSize)

	for {
		n, readErr := response.Body.Read(buf)

		if n > 0 || first {
			chunk := porpulsionv1alpha1.ProxyChunk{
				StreamID: streamID,
				ChunkB64: base64.StdEncoding.EncodeToString(buf[:n]),
				Final:    false,
			}
			if first {
				chunk.Status = response.StatusCode
				chunk.Headers = FilterHeaders(response.Header)
				first = false
			}
			if readErr == io.EOF {
				chunk.Final = true
			}
			if err := h.pusher.PushSync(ctx, peer, channel.EventProxyChunk, chunk); err != nil {
				return err
			}
			if chunk.Final {
				return nil
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return h.pusher.PushSync(ctx, peer, channel.EventProxyChunk, porpulsionv1alpha1.ProxyChunk{
					StreamID: streamID,
					Final:    true,
				})
			}
			return fmt.Errorf("reading upstream response: %w", readErr)
		}
	}
}

// ServeLocal serves a tunnel request for an app executing on this agent; no
// peer hop is involved.
func (h *Handler) ServeLocal(w http.ResponseWriter, r *http.Request, app *porpulsionv1alpha1.RemoteApp, port int32, restPath string) {
	ctx, cancel := context.WithTimeout(r.Context(), totalTimeout)
	defer cancel()

	pod, err := h.pickPod(ctx, app.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	target := url.URL{
		Scheme:   "http",
		Host:     fmt.Sprintf("%s:%d", pod.Status.PodIP, port),
		Path:     "/" + restPath,
		RawQuery: r.URL.RawQuery,
	}

	httpRequest, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	for name, values := range FilterHeaders(r.Header) {
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}

	response, err := h.client.Do(httpRequest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = response.Body.Close() }()

	for name, values := range FilterHeaders(response.Header) {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(response.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkSize)
	for {
		n, readErr := response.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}
