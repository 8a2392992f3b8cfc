// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package reconciler_test

import (
	"context"
	"encoding/json"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	fakeclient "sigs.k8s.io/controller-runtime/pkg/client/fake"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/channel"
	"github.com/porpulsion/porpulsion/pkg/executor"
	"github.com/porpulsion/porpulsion/pkg/logger"
	. "github.com/porpulsion/porpulsion/pkg/reconciler"
)

const namespace = "porpulsion"

// fakeRegistry implements the Registry surface in memory.
type fakeRegistry struct {
	mu        sync.Mutex
	executing map[string]porpulsionv1alpha1.RemoteApp
	submitted map[string]porpulsionv1alpha1.RemoteApp
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		executing: map[string]porpulsionv1alpha1.RemoteApp{},
		submitted: map[string]porpulsionv1alpha1.RemoteApp{},
	}
}

func (f *fakeRegistry) ExecutingApp(id string) (porpulsionv1alpha1.RemoteApp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.executing[id]
	return app, ok
}

func (f *fakeRegistry) ExecutingApps() []porpulsionv1alpha1.RemoteApp {
	f.mu.Lock()
	defer f.mu.Unlock()
	apps := make([]porpulsionv1alpha1.RemoteApp, 0, len(f.executing))
	for _, app := range f.executing {
		apps = append(apps, app)
	}
	return apps
}

func (f *fakeRegistry) UpsertExecutingApp(app porpulsionv1alpha1.RemoteApp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executing[app.ID] = app
}

func (f *fakeRegistry) RemoveExecutingApp(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.executing, id)
}

func (f *fakeRegistry) SubmittedApps() []porpulsionv1alpha1.RemoteApp {
	f.mu.Lock()
	defer f.mu.Unlock()
	apps := make([]porpulsionv1alpha1.RemoteApp, 0, len(f.submitted))
	for _, app := range f.submitted {
		apps = append(apps, app)
	}
	return apps
}

func (f *fakeRegistry) RemoveSubmittedApp(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.submitted, id)
	return nil
}

// fakeChannels records pushes and sends; sends can be forced to fail.
type fakeChannels struct {
	mu       sync.Mutex
	pushes   []pushRecord
	sends    []string
	sendErr  error
	pushDown bool
}

type pushRecord struct {
	peer      string
	frameType string
	payload   any
}

func (f *fakeChannels) Push(peer, frameType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushDown {
		return channel.ErrChannelDown
	}
	f.pushes = append(f.pushes, pushRecord{peer: peer, frameType: frameType, payload: payload})
	return nil
}

func (f *fakeChannels) Send(_ context.Context, _, frameType string, _ any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, frameType)
	return json.RawMessage(`{}`), nil
}

func (f *fakeChannels) statusPushes() []porpulsionv1alpha1.StatusEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []porpulsionv1alpha1.StatusEvent
	for _, push := range f.pushes {
		if push.frameType == channel.EventRemoteAppStatus {
			events = append(events, push.payload.(porpulsionv1alpha1.StatusEvent))
		}
	}
	return events
}

var _ = Describe("Reconciler", func() {
	var (
		ctx        context.Context
		fakeClient client.Client
		exec       *executor.Executor
		registry   *fakeRegistry
		channels   *fakeChannels
		rec        *Reconciler
	)

	BeforeEach(func() {
		ctx = context.Background()
		fakeClient = fakeclient.NewClientBuilder().Build()
		exec = executor.New(fakeClient, nil, namespace, logger.MustNewZapLogger(logger.ErrorLevel, logger.FormatText))
		registry = newFakeRegistry()
		channels = &fakeChannels{}
		rec = New(registry, exec, channels, logger.MustNewZapLogger(logger.ErrorLevel, logger.FormatText))
	})

	newApp := func(id string) porpulsionv1alpha1.RemoteApp {
		return porpulsionv1alpha1.RemoteApp{
			ID:         id,
			Name:       "web",
			Origin:     porpulsionv1alpha1.OriginExecuting,
			SourcePeer: "cluster-a",
			Status:     porpulsionv1alpha1.StatusCreating,
			Spec: porpulsionv1alpha1.AppSpec{
				Image:    "nginx:1.25",
				Replicas: ptr.To(int32(1)),
			},
		}
	}

	Describe("#Sweep", func() {
		It("should reconstruct records from orphan deployments after a restart", func() {
			app := newApp("app-1")
			Expect(exec.Apply(ctx, &app)).To(Succeed())
			// Simulate restart: the in-memory record is gone.

			Expect(rec.Sweep(ctx)).To(Succeed())

			rebuilt, ok := registry.ExecutingApp("app-1")
			Expect(ok).To(BeTrue())
			Expect(rebuilt.Spec.Image).To(Equal("nginx:1.25"))
			Expect(rebuilt.SourcePeer).To(Equal("cluster-a"))
		})

		It("should prune records whose deployment is gone and push Deleted", func() {
			registry.UpsertExecutingApp(newApp("app-2"))

			Expect(rec.Sweep(ctx)).To(Succeed())

			_, ok := registry.ExecutingApp("app-2")
			Expect(ok).To(BeFalse())

			events := channels.statusPushes()
			Expect(events).To(HaveLen(1))
			Expect(events[0].ID).To(Equal("app-2"))
			Expect(events[0].Status).To(Equal(porpulsionv1alpha1.StatusDeleted))
		})

		It("should derive and push status transitions exactly once", func() {
			app := newApp("app-3")
			Expect(exec.Apply(ctx, &app)).To(Succeed())
			registry.UpsertExecutingApp(app)

			Expect(rec.Sweep(ctx)).To(Succeed())
			Expect(rec.Sweep(ctx)).To(Succeed())

			// Without ready replicas the app stays Creating; the unchanged
			// status must not be re-pushed on the second sweep.
			events := channels.statusPushes()
			Expect(events).To(HaveLen(1))

			stored, _ := registry.ExecutingApp("app-3")
			Expect(stored.Status).To(Equal(porpulsionv1alpha1.StatusCreating))
		})

		It("should retry deferred deletes and drop the tombstone on success", func() {
			registry.submitted["app-4"] = porpulsionv1alpha1.RemoteApp{
				ID:            "app-4",
				Origin:        porpulsionv1alpha1.OriginSubmitted,
				TargetPeer:    "cluster-b",
				Status:        porpulsionv1alpha1.StatusDeleted,
				DeletePending: true,
			}

			Expect(rec.Sweep(ctx)).To(Succeed())

			Expect(channels.sends).To(ContainElement(channel.MethodRemoteAppDelete))
			Expect(registry.SubmittedApps()).To(BeEmpty())
		})

		It("should keep the tombstone while the peer stays unreachable", func() {
			registry.submitted["app-5"] = porpulsionv1alpha1.RemoteApp{
				ID:            "app-5",
				TargetPeer:    "cluster-b",
				Status:        porpulsionv1alpha1.StatusDeleted,
				DeletePending: true,
			}
			channels.sendErr = channel.ErrChannelDown

			Expect(rec.Sweep(ctx)).To(Succeed())

			Expect(registry.SubmittedApps()).To(HaveLen(1))
		})
	})

	Describe("#Reconnected", func() {
		It("should re-emit current status for the peer's apps", func() {
			app := newApp("app-6")
			Expect(exec.Apply(ctx, &app)).To(Succeed())
			registry.UpsertExecutingApp(app)

			rec.Reconnected("cluster-a")

			events := channels.statusPushes()
			Expect(events).To(HaveLen(1))
			Expect(events[0].ID).To(Equal("app-6"))
		})

		It("should ignore apps from other peers", func() {
			app := newApp("app-7")
			app.SourcePeer = "cluster-z"
			registry.UpsertExecutingApp(app)

			rec.Reconnected("cluster-a")

			Expect(channels.statusPushes()).To(BeEmpty())
		})
	})
})
