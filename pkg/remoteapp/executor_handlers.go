// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package remoteapp implements the RemoteApp life cycle on both sides: the
// executor-side channel handlers (create/spec/delete/logs, approval queue)
// and the submitter-side service backing the dashboard API.
package remoteapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/porpulsion/porpulsion/pkg/admission"
	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1/validation"
	"github.com/porpulsion/porpulsion/pkg/channel"
	"github.com/porpulsion/porpulsion/pkg/executor"
)

// ExecutorRegistry is the state-registry surface of the executing side.
type ExecutorRegistry interface {
	Settings() porpulsionv1alpha1.Settings
	ExecutingApp(id string) (porpulsionv1alpha1.RemoteApp, bool)
	ExecutingApps() []porpulsionv1alpha1.RemoteApp
	UpsertExecutingApp(app porpulsionv1alpha1.RemoteApp)
	RemoveExecutingApp(id string)
	PendingApprovals() []porpulsionv1alpha1.RemoteApp
	AddPendingApproval(ctx context.Context, app porpulsionv1alpha1.RemoteApp) error
	PopPendingApproval(ctx context.Context, id string) (porpulsionv1alpha1.RemoteApp, bool, error)
	Notify(ctx context.Context, level porpulsionv1alpha1.NotificationLevel, title, message string)
}

// StatusPusher pushes status events back to the submitting peer.
type StatusPusher interface {
	Push(peer, frameType string, payload any) error
}

// ExecutorHandlers serves the inbound remoteapp/* channel requests.
type ExecutorHandlers struct {
	registry  ExecutorRegistry
	admission *admission.Evaluator
	executor  *executor.Executor
	pusher    StatusPusher
	log       logr.Logger
}

// NewExecutorHandlers wires the executor-side handlers into the router.
func NewExecutorHandlers(registry ExecutorRegistry, evaluator *admission.Evaluator, exec *executor.Executor, pusher StatusPusher, router *channel.Router, log logr.Logger) *ExecutorHandlers {
	h := &ExecutorHandlers{
		registry:  registry,
		admission: evaluator,
		executor:  exec,
		pusher:    pusher,
		log:       log.WithName("remoteapp"),
	}
	router.OnRequest(channel.MethodRemoteAppCreate, h.handleCreate)
	router.OnRequest(channel.MethodRemoteAppSpec, h.handleSpec)
	router.OnRequest(channel.MethodRemoteAppDelete, h.handleDelete)
	router.OnRequest(channel.MethodRemoteAppLogs, h.handleLogs)
	return h
}

func (h *ExecutorHandlers) handleCreate(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	request := porpulsionv1alpha1.CreateRequest{}
	if err := strictDecode(payload, &request); err != nil {
		return nil, fmt.Errorf("malformed create request: %w", err)
	}
	if request.ID == "" || request.Name == "" {
		return nil, fmt.Errorf("id and name are required")
	}
	if errs := validation.ValidateAppSpec(&request.Spec, field.NewPath("spec")); len(errs) > 0 {
		return porpulsionv1alpha1.CreateResponse{Accepted: false, Reason: errs.ToAggregate().Error()}, nil
	}

	now := time.Now().UTC()
	app := porpulsionv1alpha1.RemoteApp{
		ID:         request.ID,
		Name:       request.Name,
		Spec:       request.Spec,
		Status:     porpulsionv1alpha1.StatusPending,
		Origin:     porpulsionv1alpha1.OriginExecuting,
		SourcePeer: peer,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	settings := h.registry.Settings()
	if rejection := h.admission.Admit(&app, settings); rejection != nil {
		h.log.Info("Rejected inbound app", "app", app.ID, "peer", peer, "reason", rejection.Reason)
		h.registry.Notify(ctx, porpulsionv1alpha1.NotificationInfo, "RemoteApp rejected",
			fmt.Sprintf("app %q from peer %q: %s", app.Name, peer, rejection.Reason))
		return porpulsionv1alpha1.CreateResponse{Accepted: false, Reason: rejection.Reason}, nil
	}

	if settings.RequireRemoteAppApproval {
		if err := h.registry.AddPendingApproval(ctx, app); err != nil {
			return nil, fmt.Errorf("queueing approval: %w", err)
		}
		h.registry.Notify(ctx, porpulsionv1alpha1.NotificationInfo, "RemoteApp awaiting approval",
			fmt.Sprintf("app %q from peer %q is queued for approval", app.Name, peer))
		return porpulsionv1alpha1.CreateResponse{Accepted: true, PendingApproval: true}, nil
	}

	if err := h.execute(ctx, &app); err != nil {
		return nil, err
	}
	return porpulsionv1alpha1.CreateResponse{Accepted: true}, nil
}

// execute records the app and applies its Deployment. Used for direct
// admission and for operator approval.
func (h *ExecutorHandlers) execute(ctx context.Context, app *porpulsionv1alpha1.RemoteApp) error {
	app.Status = porpulsionv1alpha1.StatusCreating
	h.registry.UpsertExecutingApp(*app)

	if err := h.executor.Apply(ctx, app); err != nil {
		app.Status = porpulsionv1alpha1.StatusFailed
		app.Message = err.Error()
		h.registry.UpsertExecutingApp(*app)
		h.pushStatus(app)
		return fmt.Errorf("applying app %s: %w", app.ID, err)
	}

	h.pushStatus(app)
	return nil
}

func (h *ExecutorHandlers) handleSpec(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	request := porpulsionv1alpha1.SpecRequest{}
	if err := strictDecode(payload, &request); err != nil {
		return nil, fmt.Errorf("malformed spec request: %w", err)
	}

	app, ok := h.registry.ExecutingApp(request.ID)
	if !ok || app.SourcePeer != peer {
		return nil, fmt.Errorf("app %s not found", request.ID)
	}

	if errs := validation.ValidateAppSpec(&request.Spec, field.NewPath("spec")); len(errs) > 0 {
		return porpulsionv1alpha1.CreateResponse{Accepted: false, Reason: errs.ToAggregate().Error()}, nil
	}

	updated := app
	updated.Spec = request.Spec
	if rejection := h.admission.Admit(&updated, h.registry.Settings()); rejection != nil {
		h.registry.Notify(ctx, porpulsionv1alpha1.NotificationInfo, "RemoteApp update rejected",
			fmt.Sprintf("app %q from peer %q: %s", app.Name, peer, rejection.Reason))
		return porpulsionv1alpha1.CreateResponse{Accepted: false, Reason: rejection.Reason}, nil
	}

	if err := h.execute(ctx, &updated); err != nil {
		return nil, err
	}
	return porpulsionv1alpha1.CreateResponse{Accepted: true}, nil
}

// handleDelete tears the app down. It succeeds whether or not the Deployment
// (or the record) exists.
func (h *ExecutorHandlers) handleDelete(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	request := porpulsionv1alpha1.DeleteRequest{}
	if err := strictDecode(payload, &request); err != nil {
		return nil, fmt.Errorf("malformed delete request: %w", err)
	}

	if app, ok := h.registry.ExecutingApp(request.ID); ok && app.SourcePeer != peer {
		return nil, fmt.Errorf("app %s not found", request.ID)
	}

	if _, _, err := h.registry.PopPendingApproval(ctx, request.ID); err != nil {
		return nil, err
	}
	if err := h.executor.Delete(ctx, request.ID); err != nil {
		return nil, err
	}
	h.registry.RemoveExecutingApp(request.ID)
	return struct{}{}, nil
}

func (h *ExecutorHandlers) handleLogs(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	request := porpulsionv1alpha1.LogsRequest{}
	if err := strictDecode(payload, &request); err != nil {
		return nil, fmt.Errorf("malformed logs request: %w", err)
	}

	app, ok := h.registry.ExecutingApp(request.ID)
	if !ok || app.SourcePeer != peer {
		return nil, fmt.Errorf("app %s not found", request.ID)
	}

	lines, err := h.executor.Logs(ctx, request.ID, request.Tail, executor.LogOrder(request.Order))
	if err != nil {
		return nil, err
	}
	return porpulsionv1alpha1.LogsResponse{Lines: lines}, nil
}

// Approve runs the executor path for a queued app. Called from the dashboard
// API when the operator confirms.
func (h *ExecutorHandlers) Approve(ctx context.Context, id string) error {
	app, ok, err := h.registry.PopPendingApproval(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no pending approval for app %s", id)
	}

	// Settings may have tightened while the app sat in the queue.
	if rejection := h.admission.Admit(&app, h.registry.Settings()); rejection != nil {
		app.Status = porpulsionv1alpha1.StatusRejected
		app.Message = rejection.Reason
		h.pushStatus(&app)
		return fmt.Errorf("approval admission failed: %s", rejection.Reason)
	}

	app.Status = porpulsionv1alpha1.StatusApproved
	return h.execute(ctx, &app)
}

// Reject drops a queued app and tells the submitter.
func (h *ExecutorHandlers) Reject(ctx context.Context, id string) error {
	app, ok, err := h.registry.PopPendingApproval(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no pending approval for app %s", id)
	}

	app.Status = porpulsionv1alpha1.StatusRejected
	app.Message = "rejected by operator"
	h.pushStatus(&app)
	return nil
}

// pushStatus best-effort notifies the source peer. A down channel is fine:
// the reconciler re-emits current status on reconnect.
func (h *ExecutorHandlers) pushStatus(app *porpulsionv1alpha1.RemoteApp) {
	event := porpulsionv1alpha1.StatusEvent{ID: app.ID, Status: app.Status, Message: app.Message}
	if err := h.pusher.Push(app.SourcePeer, channel.EventRemoteAppStatus, event); err != nil {
		h.log.V(1).Info("Deferring status push", "app", app.ID, "peer", app.SourcePeer, "error", err.Error())
	}
}

// strictDecode rejects unknown fields so schema drift between peers surfaces
// as an explicit error instead of silent data loss.
func strictDecode(payload json.RawMessage, into any) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	return decoder.Decode(into)
}
