// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	. "github.com/porpulsion/porpulsion/pkg/channel"
	"github.com/porpulsion/porpulsion/pkg/credentials"
	"github.com/porpulsion/porpulsion/pkg/logger"
)

// fakeDirectory is an in-memory PeerDirectory.
type fakeDirectory struct {
	mu    sync.Mutex
	peers map[string]porpulsionv1alpha1.Peer
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{peers: map[string]porpulsionv1alpha1.Peer{}}
}

func (f *fakeDirectory) put(peer porpulsionv1alpha1.Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[peer.Name] = peer
}

func (f *fakeDirectory) Peer(name string) (porpulsionv1alpha1.Peer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	peer, ok := f.peers[name]
	return peer, ok
}

func (f *fakeDirectory) PeerByFingerprint(fingerprint string) (porpulsionv1alpha1.Peer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, peer := range f.peers {
		if peer.CAFingerprint == fingerprint {
			return peer, true
		}
	}
	return porpulsionv1alpha1.Peer{}, false
}

func (f *fakeDirectory) UpdatePeerStatus(_ context.Context, name string, status porpulsionv1alpha1.PeerStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	peer, ok := f.peers[name]
	if !ok {
		return nil
	}
	peer.Status = status
	peer.LastError = lastError
	f.peers[name] = peer
	return nil
}

// fakeCredentialPersister backs a credentials.Store in memory.
type fakeCredentialPersister struct {
	mu   sync.Mutex
	data credentials.Data
	set  bool
}

func (f *fakeCredentialPersister) Credentials() (credentials.Data, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data, f.set
}

func (f *fakeCredentialPersister) SetCredentials(_ context.Context, data credentials.Data) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data, f.set = data, true
	return nil
}

func (f *fakeCredentialPersister) CompareAndSwapInviteToken(_ context.Context, old, new string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data.InviteToken != old {
		return false, nil
	}
	f.data.InviteToken = new
	return true, nil
}

// testAgent bundles one side of a channel pair.
type testAgent struct {
	name      string
	creds     *credentials.Store
	directory *fakeDirectory
	router    *Router
	manager   *Manager
	server    *httptest.Server
}

func newTestAgent(ctx context.Context, name string) *testAgent {
	log := logger.MustNewZapLogger(logger.ErrorLevel, logger.FormatText)

	creds := credentials.NewStore(&fakeCredentialPersister{}, log)
	Expect(creds.Initialize(ctx, name)).To(Succeed())

	directory := newFakeDirectory()
	router := NewRouter(log)
	manager := NewManager(directory, creds, router, log)
	manager.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", manager.ServeWS)
	server := httptest.NewServer(mux)

	return &testAgent{
		name:      name,
		creds:     creds,
		directory: directory,
		router:    router,
		manager:   manager,
		server:    server,
	}
}

// peerWith pins the other agent into this agent's directory.
func (a *testAgent) peerWith(other *testAgent, status porpulsionv1alpha1.PeerStatus) {
	a.directory.put(porpulsionv1alpha1.Peer{
		Name:          other.name,
		URL:           other.server.URL,
		CAPem:         other.creds.GetCAPem(),
		CAFingerprint: other.creds.GetFingerprint(),
		Status:        status,
	})
}

var _ = Describe("Manager", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		a, b   *testAgent
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		a = newTestAgent(ctx, "agent-a")
		b = newTestAgent(ctx, "agent-b")
		a.peerWith(b, porpulsionv1alpha1.PeerStatusConnecting)
		b.peerWith(a, porpulsionv1alpha1.PeerStatusConnecting)
	})

	AfterEach(func() {
		cancel()
		a.server.Close()
		b.server.Close()
	})

	connect := func() {
		a.manager.EnsurePeer("agent-b")
		Eventually(func() porpulsionv1alpha1.ChannelState {
			return a.manager.State("agent-b")
		}, 10*time.Second, 50*time.Millisecond).Should(Equal(porpulsionv1alpha1.ChannelStateConnected))
		Eventually(func() porpulsionv1alpha1.ChannelState {
			return b.manager.State("agent-a")
		}, 10*time.Second, 50*time.Millisecond).Should(Equal(porpulsionv1alpha1.ChannelStateConnected))
	}

	Describe("#Send", func() {
		It("should fail with channel_down when no channel exists", func() {
			_, err := a.manager.Send(ctx, "agent-b", "peer/ping", struct{}{})
			Expect(err).To(MatchError(ErrChannelDown))
		})

		It("should correlate request and reply", func() {
			b.router.OnRequest("test/echo", func(_ context.Context, _ string, payload json.RawMessage) (any, error) {
				return json.RawMessage(payload), nil
			})
			connect()

			reply, err := a.manager.Send(ctx, "agent-b", "test/echo", map[string]string{"hello": "world"})
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(MatchJSON(`{"hello": "world"}`))
		})

		It("should answer the built-in logical ping", func() {
			connect()

			reply, err := a.manager.Send(ctx, "agent-b", MethodPeerPing, struct{}{})
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(MatchJSON(`{"pong": true}`))
		})

		It("should surface handler errors as remote errors", func() {
			b.router.OnRequest("test/fail", func(context.Context, string, json.RawMessage) (any, error) {
				return nil, context.DeadlineExceeded
			})
			connect()

			_, err := a.manager.Send(ctx, "agent-b", "test/fail", struct{}{})
			remoteErr := &RemoteError{}
			Expect(errors.As(err, &remoteErr)).To(BeTrue())
		})

		It("should reply with a structured error for unknown request types", func() {
			connect()

			_, err := a.manager.Send(ctx, "agent-b", "test/unknown", struct{}{})
			remoteErr := &RemoteError{}
			Expect(errors.As(err, &remoteErr)).To(BeTrue())
			Expect(remoteErr.Message).To(ContainSubstring("unknown type"))
		})

		It("should complete concurrent requests independently of reply order", func() {
			release := make(chan struct{})
			b.router.OnRequest("test/slow", func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return map[string]string{"id": "slow"}, nil
			})
			b.router.OnRequest("test/fast", func(context.Context, string, json.RawMessage) (any, error) {
				return map[string]string{"id": "fast"}, nil
			})
			connect()

			slowDone := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := a.manager.Send(ctx, "agent-b", "test/slow", struct{}{})
				slowDone <- err
			}()

			Eventually(func() error {
				_, err := a.manager.Send(ctx, "agent-b", "test/fast", struct{}{})
				return err
			}, 5*time.Second, 50*time.Millisecond).Should(Succeed())

			close(release)
			Eventually(slowDone, 5*time.Second).Should(Receive(BeNil()))
		})

		It("should cancel the remote handler when the caller gives up", func() {
			handlerCancelled := make(chan struct{})
			b.router.OnRequest("test/hang", func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
				<-ctx.Done()
				close(handlerCancelled)
				return nil, ctx.Err()
			})
			connect()

			sendCtx, sendCancel := context.WithCancel(ctx)
			sendDone := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := a.manager.Send(sendCtx, "agent-b", "test/hang", struct{}{})
				sendDone <- err
			}()

			// Give the request time to reach the handler, then cancel.
			time.Sleep(200 * time.Millisecond)
			sendCancel()

			Eventually(sendDone, 5*time.Second).Should(Receive(MatchError(ErrCancelled)))
			Eventually(handlerCancelled, 5*time.Second).Should(BeClosed())
		})
	})

	Describe("#Push", func() {
		It("should deliver pushes to the registered handler", func() {
			received := make(chan string, 1)
			b.router.OnPush("test/event", func(_ context.Context, peer string, payload json.RawMessage) {
				received <- string(payload)
			})
			connect()

			Expect(a.manager.Push("agent-b", "test/event", map[string]string{"k": "v"})).To(Succeed())
			Eventually(received, 5*time.Second).Should(Receive(MatchJSON(`{"k": "v"}`)))
		})

		It("should fail with channel_down without a live channel", func() {
			Expect(a.manager.Push("agent-b", "test/event", struct{}{})).To(MatchError(ErrChannelDown))
		})
	})

	Describe("duplicate connections", func() {
		It("should converge on exactly one connected channel when both sides dial", func() {
			a.manager.EnsurePeer("agent-b")
			b.manager.EnsurePeer("agent-a")

			Eventually(func() bool {
				return a.manager.State("agent-b") == porpulsionv1alpha1.ChannelStateConnected &&
					b.manager.State("agent-a") == porpulsionv1alpha1.ChannelStateConnected
			}, 10*time.Second, 100*time.Millisecond).Should(BeTrue())

			// The surviving pair must actually carry traffic in both directions.
			Eventually(func() error {
				_, err := a.manager.Send(ctx, "agent-b", MethodPeerPing, struct{}{})
				return err
			}, 5*time.Second, 100*time.Millisecond).Should(Succeed())
			Eventually(func() error {
				_, err := b.manager.Send(ctx, "agent-a", MethodPeerPing, struct{}{})
				return err
			}, 5*time.Second, 100*time.Millisecond).Should(Succeed())
		})
	})

	Describe("authentication", func() {
		It("should reject upgrades without the CA header", func() {
			response, err := http.Get(a.server.URL + "/ws")
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = response.Body.Close() }()
			Expect(response.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should reject upgrades from unknown CAs", func() {
			stranger := newTestAgent(ctx, "stranger")
			defer stranger.server.Close()
			// The stranger pins agent-a but agent-a does not know it.
			stranger.directory.put(porpulsionv1alpha1.Peer{
				Name:          "agent-a",
				URL:           a.server.URL,
				CAPem:         a.creds.GetCAPem(),
				CAFingerprint: a.creds.GetFingerprint(),
				Status:        porpulsionv1alpha1.PeerStatusConnecting,
			})
			stranger.manager.EnsurePeer("agent-a")

			Consistently(func() porpulsionv1alpha1.ChannelState {
				return stranger.manager.State("agent-a")
			}, 2*time.Second, 100*time.Millisecond).Should(Equal(porpulsionv1alpha1.ChannelStateDisconnected))
		})
	})

	Describe("#RemovePeer", func() {
		It("should fail outstanding sends with channel_down", func() {
			b.router.OnRequest("test/hang", func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})
			connect()

			sendDone := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := a.manager.Send(ctx, "agent-b", "test/hang", struct{}{})
				sendDone <- err
			}()

			time.Sleep(200 * time.Millisecond)
			a.manager.RemovePeer("agent-b")

			Eventually(sendDone, 5*time.Second).Should(Receive(MatchError(ErrChannelDown)))
			Expect(a.manager.State("agent-b")).To(Equal(porpulsionv1alpha1.ChannelStateDisconnected))
		})
	})

	Describe("goodbye", func() {
		It("should mark the channel disconnected but keep the peer record", func() {
			connect()

			Expect(a.manager.Push("agent-b", EventPeerGoodbye, struct{}{})).To(Succeed())
			// Let the writer flush the goodbye, then stop redialing so the
			// disconnected state is stable to observe.
			time.Sleep(300 * time.Millisecond)
			a.manager.RemovePeer("agent-b")
			Eventually(func() porpulsionv1alpha1.ChannelState {
				return b.manager.State("agent-a")
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(porpulsionv1alpha1.ChannelStateDisconnected))

			peer, ok := b.directory.Peer("agent-a")
			Expect(ok).To(BeTrue())
			Expect(peer.Name).To(Equal("agent-a"))
		})
	})
})
