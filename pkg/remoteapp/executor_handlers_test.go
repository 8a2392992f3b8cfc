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
	fakeclient "sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/porpulsion/porpulsion/pkg/admission"
	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/channel"
	"github.com/porpulsion/porpulsion/pkg/executor"
	"github.com/porpulsion/porpulsion/pkg/logger"
	. "github.com/porpulsion/porpulsion/pkg/remoteapp"
)

var _ = Describe("ExecutorHandlers", func() {
	var (
		ctx      context.Context
		registry *fakeRegistry
		channels *fakeChannel
		router   *channel.Router
		exec     *executor.Executor
		handlers *ExecutorHandlers
	)

	BeforeEach(func() {
		ctx = context.Background()
		log := logger.MustNewZapLogger(logger.ErrorLevel, logger.FormatText)

		registry = newFakeRegistry()
		channels = &fakeChannel{}
		router = channel.NewRouter(log)
		exec = executor.New(fakeclient.NewClientBuilder().Build(), nil, "porpulsion", log)
		handlers = NewExecutorHandlers(registry, admission.NewEvaluator(registry), exec, channels, router, log)
	})

	dispatch := func(method string, payload any) (any, error) {
		raw, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		return router.DispatchRequest(ctx, "cluster-a", &channel.Frame{
			ID:      channel.NewRequestID(),
			Type:    method,
			Payload: raw,
		})
	}

	createRequest := func(id string) porpulsionv1alpha1.CreateRequest {
		return porpulsionv1alpha1.CreateRequest{
			ID:   id,
			Name: "web",
			Spec: porpulsionv1alpha1.AppSpec{Image: "nginx:1.25", Replicas: ptr.To(int32(2))},
		}
	}

	Describe("remoteapp/create", func() {
		It("should admit, record and deploy the app with the submitter's ID", func() {
			result, err := dispatch(channel.MethodRemoteAppCreate, createRequest("app-1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.(porpulsionv1alpha1.CreateResponse).Accepted).To(BeTrue())

			app, ok := registry.ExecutingApp("app-1")
			Expect(ok).To(BeTrue())
			Expect(app.SourcePeer).To(Equal("cluster-a"))
			Expect(app.Status).To(Equal(porpulsionv1alpha1.StatusCreating))

			deployment, err := exec.Deployment(ctx, "app-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(deployment).NotTo(BeNil())

			// The transition was pushed back to the submitter.
			Expect(channels.pushedFrames()).NotTo(BeEmpty())
		})

		It("should reject inadmissible apps without creating a Deployment", func() {
			settings := registry.Settings()
			settings.AllowedImages = "registry.internal/"
			registry.settings = settings

			result, err := dispatch(channel.MethodRemoteAppCreate, createRequest("app-2"))
			Expect(err).NotTo(HaveOccurred())

			response := result.(porpulsionv1alpha1.CreateResponse)
			Expect(response.Accepted).To(BeFalse())
			Expect(response.Reason).To(Equal("image_not_allowed"))

			deployment, err := exec.Deployment(ctx, "app-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(deployment).To(BeNil())
			_, ok := registry.ExecutingApp("app-2")
			Expect(ok).To(BeFalse())
		})

		It("should queue the app when approval is required", func() {
			registry.settings.RequireRemoteAppApproval = true

			result, err := dispatch(channel.MethodRemoteAppCreate, createRequest("app-3"))
			Expect(err).NotTo(HaveOccurred())

			response := result.(porpulsionv1alpha1.CreateResponse)
			Expect(response.Accepted).To(BeTrue())
			Expect(response.PendingApproval).To(BeTrue())

			Expect(registry.PendingApprovals()).To(HaveLen(1))
			deployment, err := exec.Deployment(ctx, "app-3")
			Expect(err).NotTo(HaveOccurred())
			Expect(deployment).To(BeNil())
		})

		It("should reject malformed specs", func() {
			request := createRequest("app-4")
			request.Spec.Image = ""

			result, err := dispatch(channel.MethodRemoteAppCreate, request)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.(porpulsionv1alpha1.CreateResponse).Accepted).To(BeFalse())
		})
	})

	Describe("remoteapp/spec", func() {
		BeforeEach(func() {
			_, err := dispatch(channel.MethodRemoteAppCreate, createRequest("app-5"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should re-apply an admitted spec update", func() {
			update := porpulsionv1alpha1.SpecRequest{
				ID:   "app-5",
				Spec: porpulsionv1alpha1.AppSpec{Image: "nginx:1.26", Replicas: ptr.To(int32(3))},
			}
			result, err := dispatch(channel.MethodRemoteAppSpec, update)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.(porpulsionv1alpha1.CreateResponse).Accepted).To(BeTrue())

			deployment, err := exec.Deployment(ctx, "app-5")
			Expect(err).NotTo(HaveOccurred())
			Expect(deployment.Spec.Template.Spec.Containers[0].Image).To(Equal("nginx:1.26"))
		})

		It("should run the update through admission", func() {
			registry.settings.MaxReplicasPerApp = 2

			update := porpulsionv1alpha1.SpecRequest{
				ID:   "app-5",
				Spec: porpulsionv1alpha1.AppSpec{Image: "nginx:1.26", Replicas: ptr.To(int32(10))},
			}
			result, err := dispatch(channel.MethodRemoteAppSpec, update)
			Expect(err).NotTo(HaveOccurred())

			response := result.(porpulsionv1alpha1.CreateResponse)
			Expect(response.Accepted).To(BeFalse())
			Expect(response.Reason).To(ContainSubstring("max_replicas_per_app"))
		})

		It("should refuse updates from a peer that does not own the app", func() {
			payload, err := json.Marshal(porpulsionv1alpha1.SpecRequest{
				ID:   "app-5",
				Spec: porpulsionv1alpha1.AppSpec{Image: "nginx:1.26"},
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = router.DispatchRequest(ctx, "cluster-intruder", &channel.Frame{
				ID:      channel.NewRequestID(),
				Type:    channel.MethodRemoteAppSpec,
				Payload: payload,
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("remoteapp/delete", func() {
		It("should tear down record and Deployment", func() {
			_, err := dispatch(channel.MethodRemoteAppCreate, createRequest("app-6"))
			Expect(err).NotTo(HaveOccurred())

			_, err = dispatch(channel.MethodRemoteAppDelete, porpulsionv1alpha1.DeleteRequest{ID: "app-6"})
			Expect(err).NotTo(HaveOccurred())

			_, ok := registry.ExecutingApp("app-6")
			Expect(ok).To(BeFalse())
			deployment, err := exec.Deployment(ctx, "app-6")
			Expect(err).NotTo(HaveOccurred())
			Expect(deployment).To(BeNil())
		})

		It("should be idempotent for unknown apps", func() {
			_, err := dispatch(channel.MethodRemoteAppDelete, porpulsionv1alpha1.DeleteRequest{ID: "ghost"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should drop a pending approval for the app", func() {
			registry.settings.RequireRemoteAppApproval = true
			_, err := dispatch(channel.MethodRemoteAppCreate, createRequest("app-7"))
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.PendingApprovals()).To(HaveLen(1))

			_, err = dispatch(channel.MethodRemoteAppDelete, porpulsionv1alpha1.DeleteRequest{ID: "app-7"})
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.PendingApprovals()).To(BeEmpty())
		})
	})

	Describe("approvals", func() {
		BeforeEach(func() {
			registry.settings.RequireRemoteAppApproval = true
			_, err := dispatch(channel.MethodRemoteAppCreate, createRequest("app-8"))
			Expect(err).NotTo(HaveOccurred())
		})

		Describe("#Approve", func() {
			It("should run the executor path for the queued app", func() {
				Expect(handlers.Approve(ctx, "app-8")).To(Succeed())

				app, ok := registry.ExecutingApp("app-8")
				Expect(ok).To(BeTrue())
				Expect(app.Status).To(Equal(porpulsionv1alpha1.StatusCreating))

				deployment, err := exec.Deployment(ctx, "app-8")
				Expect(err).NotTo(HaveOccurred())
				Expect(deployment).NotTo(BeNil())
			})

			It("should re-check admission with the current settings", func() {
				registry.settings.AllowInboundRemoteApps = false

				Expect(handlers.Approve(ctx, "app-8")).NotTo(Succeed())
				_, ok := registry.ExecutingApp("app-8")
				Expect(ok).To(BeFalse())
			})

			It("should fail for unknown approvals", func() {
				Expect(handlers.Approve(ctx, "ghost")).NotTo(Succeed())
			})
		})

		Describe("#Reject", func() {
			It("should drop the queued app and push Rejected", func() {
				Expect(handlers.Reject(ctx, "app-8")).To(Succeed())
				Expect(registry.PendingApprovals()).To(BeEmpty())

				pushes := channels.pushedFrames()
				Expect(pushes).NotTo(BeEmpty())
				event := pushes[len(pushes)-1].payload.(porpulsionv1alpha1.StatusEvent)
				Expect(event.Status).To(Equal(porpulsionv1alpha1.StatusRejected))
			})
		})
	})

	Describe("unknown payload fields", func() {
		It("should reject requests with unknown fields", func() {
			payload := json.RawMessage(`{"id":"x","name":"web","spec":{"image":"nginx"},"bogus":true}`)
			_, err := router.DispatchRequest(ctx, "cluster-a", &channel.Frame{
				ID:      channel.NewRequestID(),
				Type:    channel.MethodRemoteAppCreate,
				Payload: payload,
			})
			Expect(err).To(HaveOccurred())
		})
	})
})
