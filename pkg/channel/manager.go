// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/credentials"
)

const (
	// CAHeader carries the dialer's CA certificate PEM, base64-encoded, at
	// upgrade time. The receiver authenticates by pinned fingerprint.
	CAHeader = "X-Agent-Ca"

	// wsPath is the peer-facing websocket upgrade path.
	wsPath = "/ws"

	backoffInitial = 2 * time.Second
	backoffCap     = 30 * time.Second

	dialTimeout = 15 * time.Second
)

// PeerDirectory is the subset of the state registry the manager needs.
type PeerDirectory interface {
	Peer(name string) (porpulsionv1alpha1.Peer, bool)
	PeerByFingerprint(fingerprint string) (porpulsionv1alpha1.Peer, bool)
	UpdatePeerStatus(ctx context.Context, name string, status porpulsionv1alpha1.PeerStatus, lastError string) error
}

// CredentialSource provides the local agent's CA material for upgrades.
type CredentialSource interface {
	GetCAPem() string
}

// Manager owns all live peer channels. It dials outbound on startup and on
// disconnect, accepts authenticated inbound upgrades, resolves duplicate
// connections newer-wins, and exposes the Send/Push API.
type Manager struct {
	log         logr.Logger
	peers       PeerDirectory
	credentials CredentialSource
	router      *Router

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mu       sync.Mutex
	baseCtx  context.Context
	channels map[string]*conn
	dialers  map[string]context.CancelFunc

	connectListenersMu sync.Mutex
	connectListeners   []func(peer string)
}

// NewManager creates a channel manager. Call Start before EnsurePeer.
func NewManager(peers PeerDirectory, creds CredentialSource, router *Router, log logr.Logger) *Manager {
	m := &Manager{
		log:         log.WithName("channel"),
		peers:       peers,
		credentials: creds,
		router:      router,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: dialTimeout,
			// Peers authenticate by CA fingerprint; origin checks do not
			// apply to agent-to-agent traffic.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		channels: map[string]*conn{},
		dialers:  map[string]context.CancelFunc{},
	}

	router.OnRequest(MethodPeerPing, func(context.Context, string, json.RawMessage) (any, error) {
		return pongPayload{Pong: true}, nil
	})
	router.OnPush(EventPeerGoodbye, func(_ context.Context, peer string, _ json.RawMessage) {
		m.log.Info("Peer said goodbye, closing channel", "peer", peer)
		m.closeChannel(peer)
	})

	return m
}

// Start binds the manager to its lifetime context. All dial loops and
// channels stop when it is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseCtx = ctx
}

// OnConnect registers a listener invoked whenever a channel to a peer is
// established. The reconciler uses it to re-emit deferred status pushes.
func (m *Manager) OnConnect(listener func(peer string)) {
	m.connectListenersMu.Lock()
	defer m.connectListenersMu.Unlock()
	m.connectListeners = append(m.connectListeners, listener)
}

// EnsurePeer starts (or keeps) the outbound dial loop for the peer.
func (m *Manager) EnsurePeer(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.baseCtx == nil {
		panic("channel manager used before Start")
	}
	if _, running := m.dialers[name]; running {
		return
	}

	dialCtx, cancel := context.WithCancel(m.baseCtx)
	m.dialers[name] = cancel
	go m.dialLoop(dialCtx, name)
}

// RemovePeer stops reconnecting and closes the live channel. Outstanding
// sends fail with channel_down.
func (m *Manager) RemovePeer(name string) {
	m.mu.Lock()
	if cancel, ok := m.dialers[name]; ok {
		cancel()
		delete(m.dialers, name)
	}
	ch := m.channels[name]
	delete(m.channels, name)
	m.mu.Unlock()

	if ch != nil {
		ch.close()
	}
}

// State returns the live channel state for the peer.
func (m *Manager) State(name string) porpulsionv1alpha1.ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[name]; ok && !ch.isClosed() {
		return porpulsionv1alpha1.ChannelStateConnected
	}
	return porpulsionv1alpha1.ChannelStateDisconnected
}

// Send issues a request to the peer and awaits the reply payload. Error
// kinds: channel_down, timeout, cancelled, remote_error.
func (m *Manager) Send(ctx context.Context, peer, frameType string, payload any) (json.RawMessage, error) {
	ch := m.channel(peer)
	if ch == nil {
		return nil, ErrChannelDown
	}
	return ch.send(ctx, frameType, payload)
}

// Push enqueues a fire-and-forget frame. It fails only with channel_down.
func (m *Manager) Push(peer, frameType string, payload any) error {
	ch := m.channel(peer)
	if ch == nil {
		return ErrChannelDown
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding push payload: %w", err)
	}
	ch.push(&Frame{Type: frameType, Payload: data})
	return nil
}

// PushSync sends a fire-and-forget frame through the ordered, blocking write
// path. Tunnel chunks use it so backpressure slows the producer instead of
// dropping frames.
func (m *Manager) PushSync(ctx context.Context, peer, frameType string, payload any) error {
	ch := m.channel(peer)
	if ch == nil {
		return ErrChannelDown
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding push payload: %w", err)
	}
	return ch.pushSync(ctx, &Frame{Type: frameType, Payload: data})
}

func (m *Manager) channel(peer string) *conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[peer]; ok && !ch.isClosed() {
		return ch
	}
	return nil
}

func (m *Manager) closeChannel(peer string) {
	m.mu.Lock()
	ch := m.channels[peer]
	m.mu.Unlock()
	if ch != nil {
		ch.close()
	}
}

// Shutdown says goodbye on every live channel and closes them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	channels := make([]*conn, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.push(&Frame{Type: EventPeerGoodbye, Payload: mustMarshal(struct{}{})})
	}
	// Give the writer loops a moment to flush the goodbyes.
	time.Sleep(200 * time.Millisecond)
	for _, ch := range channels {
		ch.close()
	}
}

// ServeWS is the peer-facing websocket upgrade handler. It authenticates the
// dialer by the CA PEM presented in the X-Agent-Ca header against the pinned
// peer fingerprints.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	encoded := r.Header.Get(CAHeader)
	if encoded == "" {
		http.Error(w, "missing agent CA header", http.StatusUnauthorized)
		return
	}
	pemBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		http.Error(w, "malformed agent CA header", http.StatusUnauthorized)
		return
	}
	fingerprint, err := credentials.FingerprintPEM(pemBytes)
	if err != nil {
		http.Error(w, "malformed agent CA certificate", http.StatusUnauthorized)
		return
	}

	peer, ok := m.peers.PeerByFingerprint(fingerprint)
	if !ok {
		m.log.Info("Rejecting upgrade from unknown CA", "fingerprint", fingerprint, "remoteAddr", r.RemoteAddr)
		http.Error(w, "unknown peer", http.StatusUnauthorized)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Error(err, "Websocket upgrade failed", "peer", peer.Name)
		return
	}

	m.mu.Lock()
	ctx := m.baseCtx
	m.mu.Unlock()
	if ctx == nil {
		_ = ws.Close()
		return
	}

	go m.runChannel(ctx, peer.Name, ws)
}

// dialLoop keeps one outbound channel to the peer alive, reconnecting with
// exponential backoff (2s..30s, reset on every successful upgrade).
func (m *Manager) dialLoop(ctx context.Context, name string) {
	log := m.log.WithValues("peer", name)
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		peer, ok := m.peers.Peer(name)
		if !ok {
			log.Info("Peer removed, stopping dial loop")
			return
		}

		if peer.Status == porpulsionv1alpha1.PeerStatusAwaitingConfirmation {
			// Confirmation gates outbound dialing; the peer may still reach
			// us inbound. Check again on the next tick.
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffInitial):
			}
			continue
		}

		// An inbound connection may already serve this peer.
		if m.channel(name) != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffInitial):
			}
			continue
		}

		ws, err := m.dial(ctx, peer)
		if err != nil {
			log.Info("Dial failed, backing off", "error", err.Error(), "backoff", backoff.String())
			if updateErr := m.peers.UpdatePeerStatus(ctx, name, peer.Status, err.Error()); updateErr != nil && ctx.Err() == nil {
				log.Error(updateErr, "Failed to record dial error")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffCap)
			continue
		}

		backoff = backoffInitial
		m.runChannel(ctx, name, ws)
		// Reconnect begins promptly after a lost session.
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffInitial):
		}
	}
}

func (m *Manager) dial(ctx context.Context, peer porpulsionv1alpha1.Peer) (*websocket.Conn, error) {
	wsURL, err := WebsocketURL(peer.URL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set(CAHeader, base64.StdEncoding.EncodeToString([]byte(m.credentials.GetCAPem())))

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ws, resp, err := m.dialer.DialContext(dialCtx, wsURL, header) //nolint:bodyclose // gorilla hands over the connection
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	return ws, nil
}

// runChannel adopts a freshly established connection (either direction),
// resolving duplicates newer-wins, and blocks until it dies.
func (m *Manager) runChannel(ctx context.Context, name string, ws *websocket.Conn) {
	log := m.log.WithValues("peer", name)
	ch := newConn(name, ws, m.router, log)

	m.mu.Lock()
	if old, ok := m.channels[name]; ok {
		// Both sides dialed simultaneously; the newer connection wins on
		// both ends, so this converges in one round.
		log.Info("Replacing existing channel with newer connection")
		old.close()
	}
	m.channels[name] = ch
	m.mu.Unlock()

	// An inbound channel from a peer still awaiting operator confirmation is
	// served, but the record keeps its confirmation status.
	if peer, ok := m.peers.Peer(name); ok && peer.Status != porpulsionv1alpha1.PeerStatusAwaitingConfirmation {
		if err := m.peers.UpdatePeerStatus(ctx, name, porpulsionv1alpha1.PeerStatusConnected, ""); err != nil && ctx.Err() == nil {
			log.Error(err, "Failed to record connected status")
		}
	}
	log.Info("Channel established")

	m.connectListenersMu.Lock()
	listeners := make([]func(string), len(m.connectListeners))
	copy(listeners, m.connectListeners)
	m.connectListenersMu.Unlock()
	for _, listener := range listeners {
		go listener(name)
	}

	err := ch.run(ctx)
	if ctx.Err() == nil {
		log.Info("Channel lost", "error", err.Error())
	}

	m.mu.Lock()
	if m.channels[name] == ch {
		delete(m.channels, name)
	}
	m.mu.Unlock()
}

// WebsocketURL derives the websocket upgrade URL from a peer base URL by
// mapping https to wss and http to ws and appending the upgrade path.
func WebsocketURL(base string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing peer URL %q: %w", base, err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	case "wss", "ws":
	default:
		return "", fmt.Errorf("unsupported scheme %q in peer URL %q", parsed.Scheme, base)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + wsPath
	return parsed.String(), nil
}
