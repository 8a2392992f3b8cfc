// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package remoteapp_test

import (
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/ptr"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/channel"
	"github.com/porpulsion/porpulsion/pkg/logger"
	. "github.com/porpulsion/porpulsion/pkg/remoteapp"
)

var _ = Describe("Submitter", func() {
	var (
		ctx       context.Context
		registry  *fakeRegistry
		channels  *fakeChannel
		router    *channel.Router
		submitter *Submitter

		spec porpulsionv1alpha1.AppSpec
	)

	BeforeEach(func() {
		ctx = context.Background()
		log := logger.MustNewZapLogger(logger.ErrorLevel, logger.FormatText)

		registry = newFakeRegistry()
		registry.peers["cluster-b"] = porpulsionv1alpha1.Peer{
			Name:          "cluster-b",
			URL:           "https://b.example",
			CAPem:         "pem",
			CAFingerprint: "aa:bb",
			Status:        porpulsionv1alpha1.PeerStatusConnected,
		}
		channels = &fakeChannel{reply: porpulsionv1alpha1.CreateResponse{Accepted: true}}
		router = channel.NewRouter(log)
		submitter = NewSubmitter(registry, channels, nil, router, log)

		spec = porpulsionv1alpha1.AppSpec{Image: "nginx:1.25", Replicas: ptr.To(int32(2))}
	})

	Describe("#Submit", func() {
		It("should send first and persist the record on an accepted reply", func() {
			app, err := submitter.Submit(ctx, "web", spec, "cluster-b")
			Expect(err).NotTo(HaveOccurred())
			Expect(app.ID).NotTo(BeEmpty())
			Expect(app.Origin).To(Equal(porpulsionv1alpha1.OriginSubmitted))
			Expect(app.TargetPeer).To(Equal("cluster-b"))
			Expect(app.Status).To(Equal(porpulsionv1alpha1.StatusCreating))

			Expect(channels.sentFrames()).To(HaveLen(1))
			Expect(channels.sentFrames()[0].frameType).To(Equal(channel.MethodRemoteAppCreate))

			stored, ok := registry.SubmittedApp(app.ID)
			Expect(ok).To(BeTrue())
			Expect(stored.Spec.Image).To(Equal("nginx:1.25"))
		})

		It("should roll back cleanly when the channel is down: no record is persisted", func() {
			channels.sendErr = channel.ErrChannelDown

			_, err := submitter.Submit(ctx, "web", spec, "cluster-b")
			Expect(err).To(MatchError(channel.ErrChannelDown))
			Expect(registry.SubmittedApps()).To(BeEmpty())
		})

		It("should record a Failed app when the executor rejects it", func() {
			channels.reply = porpulsionv1alpha1.CreateResponse{Accepted: false, Reason: "image_not_allowed"}

			app, err := submitter.Submit(ctx, "web", spec, "cluster-b")
			Expect(err).NotTo(HaveOccurred())
			Expect(app.Status).To(Equal(porpulsionv1alpha1.StatusFailed))
			Expect(app.Message).To(ContainSubstring("image_not_allowed"))
		})

		It("should record Pending when the executor queued the app for approval", func() {
			channels.reply = porpulsionv1alpha1.CreateResponse{Accepted: true, PendingApproval: true}

			app, err := submitter.Submit(ctx, "web", spec, "cluster-b")
			Expect(err).NotTo(HaveOccurred())
			Expect(app.Status).To(Equal(porpulsionv1alpha1.StatusPending))
		})

		It("should reject invalid specs without touching the channel", func() {
			spec.Image = ""

			_, err := submitter.Submit(ctx, "web", spec, "cluster-b")
			validationErr := &ValidationError{}
			Expect(errorsAs(err, &validationErr)).To(BeTrue())
			Expect(channels.sentFrames()).To(BeEmpty())
		})

		It("should reject unknown target peers", func() {
			_, err := submitter.Submit(ctx, "web", spec, "cluster-ghost")
			Expect(err).To(HaveOccurred())
			Expect(channels.sentFrames()).To(BeEmpty())
		})
	})

	Describe("#UpdateSpec", func() {
		var appID string

		BeforeEach(func() {
			app, err := submitter.Submit(ctx, "web", spec, "cluster-b")
			Expect(err).NotTo(HaveOccurred())
			appID = app.ID
		})

		It("should apply the accepted spec locally", func() {
			updated := spec
			updated.Image = "nginx:1.26"

			app, err := submitter.UpdateSpec(ctx, appID, updated)
			Expect(err).NotTo(HaveOccurred())
			Expect(app.Spec.Image).To(Equal("nginx:1.26"))
			Expect(app.Status).To(Equal(porpulsionv1alpha1.StatusCreating))
		})

		It("should surface executor rejections without touching the record", func() {
			channels.reply = porpulsionv1alpha1.CreateResponse{Accepted: false, Reason: "per_pod_quota_exceeded(max_cpu_request_per_pod)"}
			updated := spec
			updated.Image = "nginx:1.26"

			_, err := submitter.UpdateSpec(ctx, appID, updated)
			rejectedErr := &RejectedError{}
			Expect(errorsAs(err, &rejectedErr)).To(BeTrue())

			stored, _ := registry.SubmittedApp(appID)
			Expect(stored.Spec.Image).To(Equal("nginx:1.25"))
		})
	})

	Describe("#Scale", func() {
		It("should send a spec update with only replicas changed", func() {
			app, err := submitter.Submit(ctx, "web", spec, "cluster-b")
			Expect(err).NotTo(HaveOccurred())

			scaled, err := submitter.Scale(ctx, app.ID, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(*scaled.Spec.Replicas).To(Equal(int32(5)))
			Expect(scaled.Spec.Image).To(Equal("nginx:1.25"))
		})
	})

	Describe("#Delete", func() {
		var appID string

		BeforeEach(func() {
			app, err := submitter.Submit(ctx, "web", spec, "cluster-b")
			Expect(err).NotTo(HaveOccurred())
			appID = app.ID
		})

		It("should remove the record once the executor acknowledged", func() {
			Expect(submitter.Delete(ctx, appID)).To(Succeed())
			Expect(registry.SubmittedApps()).To(BeEmpty())
		})

		It("should keep a durable tombstone when the channel is down", func() {
			channels.sendErr = channel.ErrChannelDown

			Expect(submitter.Delete(ctx, appID)).To(Succeed())

			stored, ok := registry.SubmittedApp(appID)
			Expect(ok).To(BeTrue())
			Expect(stored.Status).To(Equal(porpulsionv1alpha1.StatusDeleted))
			Expect(stored.DeletePending).To(BeTrue())
		})

		It("should fail for unknown apps", func() {
			Expect(submitter.Delete(ctx, "ghost")).To(MatchError(ErrAppNotFound))
		})
	})

	Describe("status pushes", func() {
		var appID string

		BeforeEach(func() {
			app, err := submitter.Submit(ctx, "web", spec, "cluster-b")
			Expect(err).NotTo(HaveOccurred())
			appID = app.ID
		})

		dispatchStatus := func(peer string, event porpulsionv1alpha1.StatusEvent) {
			payload, err := json.Marshal(event)
			Expect(err).NotTo(HaveOccurred())
			router.DispatchPush(ctx, peer, &channel.Frame{Type: channel.EventRemoteAppStatus, Payload: payload})
		}

		It("should apply pushes from the target peer", func() {
			dispatchStatus("cluster-b", porpulsionv1alpha1.StatusEvent{ID: appID, Status: porpulsionv1alpha1.StatusReady})

			stored, _ := registry.SubmittedApp(appID)
			Expect(stored.Status).To(Equal(porpulsionv1alpha1.StatusReady))
		})

		It("should ignore pushes from a peer that does not own the app", func() {
			dispatchStatus("cluster-intruder", porpulsionv1alpha1.StatusEvent{ID: appID, Status: porpulsionv1alpha1.StatusFailed})

			stored, _ := registry.SubmittedApp(appID)
			Expect(stored.Status).To(Equal(porpulsionv1alpha1.StatusCreating))
		})

		It("should ignore pushes for delete-pending tombstones", func() {
			channels.sendErr = channel.ErrChannelDown
			Expect(submitter.Delete(ctx, appID)).To(Succeed())
			channels.sendErr = nil

			dispatchStatus("cluster-b", porpulsionv1alpha1.StatusEvent{ID: appID, Status: porpulsionv1alpha1.StatusReady})

			stored, _ := registry.SubmittedApp(appID)
			Expect(stored.Status).To(Equal(porpulsionv1alpha1.StatusDeleted))
		})
	})
})
