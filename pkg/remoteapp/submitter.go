// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package remoteapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation/field"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1/validation"
	"github.com/porpulsion/porpulsion/pkg/channel"
	"github.com/porpulsion/porpulsion/pkg/executor"
)

// SubmitterRegistry is the state-registry surface of the submitting side.
type SubmitterRegistry interface {
	Peer(name string) (porpulsionv1alpha1.Peer, bool)
	SubmittedApp(id string) (porpulsionv1alpha1.RemoteApp, bool)
	SubmittedApps() []porpulsionv1alpha1.RemoteApp
	UpsertSubmittedApp(ctx context.Context, app porpulsionv1alpha1.RemoteApp) error
	SetSubmittedStatus(ctx context.Context, id string, status porpulsionv1alpha1.RemoteAppStatus, message string) error
	RemoveSubmittedApp(ctx context.Context, id string) error
	ExecutingApp(id string) (porpulsionv1alpha1.RemoteApp, bool)
	Notify(ctx context.Context, level porpulsionv1alpha1.NotificationLevel, title, message string)
}

// ChannelClient is the channel-manager surface the submitter needs.
type ChannelClient interface {
	Send(ctx context.Context, peer, frameType string, payload any) (json.RawMessage, error)
}

// ValidationError wraps field errors for the REST layer (400).
type ValidationError struct {
	Errs field.ErrorList
}

func (e *ValidationError) Error() string { return e.Errs.ToAggregate().Error() }

// Submitter drives the submitted-side life cycle: create, spec update, scale,
// delete, logs. The submit path is atomic: the request is sent first and the
// record persisted only once the executor replied, so a down channel leaves
// no local state behind.
type Submitter struct {
	registry SubmitterRegistry
	channels ChannelClient
	executor *executor.Executor
	log      logr.Logger
}

// NewSubmitter creates the submitter-side service.
func NewSubmitter(registry SubmitterRegistry, channels ChannelClient, exec *executor.Executor, router *channel.Router, log logr.Logger) *Submitter {
	s := &Submitter{
		registry: registry,
		channels: channels,
		executor: exec,
		log:      log.WithName("remoteapp"),
	}
	router.OnPush(channel.EventRemoteAppStatus, s.handleStatus)
	return s
}

// Submit validates the spec, sends it to the target peer, and persists the
// record once the executor replied: Creating or Pending when accepted, Failed
// with the reason when rejected.
func (s *Submitter) Submit(ctx context.Context, name string, spec porpulsionv1alpha1.AppSpec, targetPeer string) (porpulsionv1alpha1.RemoteApp, error) {
	allErrs := validation.ValidateName(name, field.NewPath("name"))
	allErrs = append(allErrs, validation.ValidateAppSpec(&spec, field.NewPath("spec"))...)
	if len(allErrs) > 0 {
		return porpulsionv1alpha1.RemoteApp{}, &ValidationError{Errs: allErrs}
	}

	if _, ok := s.registry.Peer(targetPeer); !ok {
		return porpulsionv1alpha1.RemoteApp{}, &ValidationError{Errs: field.ErrorList{
			field.NotFound(field.NewPath("target_peer"), targetPeer),
		}}
	}

	id := uuid.NewString()
	request := porpulsionv1alpha1.CreateRequest{ID: id, Name: name, Spec: spec}

	reply, err := s.channels.Send(ctx, targetPeer, channel.MethodRemoteAppCreate, request)
	if err != nil {
		return porpulsionv1alpha1.RemoteApp{}, err
	}

	response := porpulsionv1alpha1.CreateResponse{}
	if err := json.Unmarshal(reply, &response); err != nil {
		return porpulsionv1alpha1.RemoteApp{}, fmt.Errorf("decoding create reply: %w", err)
	}

	now := time.Now().UTC()
	app := porpulsionv1alpha1.RemoteApp{
		ID:         id,
		Name:       name,
		Spec:       spec,
		Origin:     porpulsionv1alpha1.OriginSubmitted,
		TargetPeer: targetPeer,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	switch {
	case !response.Accepted:
		app.Status = porpulsionv1alpha1.StatusFailed
		app.Message = response.Reason
	case response.PendingApproval:
		app.Status = porpulsionv1alpha1.StatusPending
		app.Message = "awaiting approval on " + targetPeer
	default:
		app.Status = porpulsionv1alpha1.StatusCreating
	}

	if err := s.registry.UpsertSubmittedApp(ctx, app); err != nil {
		return porpulsionv1alpha1.RemoteApp{}, err
	}
	s.log.Info("Submitted app", "app", id, "name", name, "peer", targetPeer, "status", app.Status)
	return app, nil
}

// UpdateSpec sends the new spec to the executor and records it locally once
// accepted.
func (s *Submitter) UpdateSpec(ctx context.Context, id string, spec porpulsionv1alpha1.AppSpec) (porpulsionv1alpha1.RemoteApp, error) {
	if errs := validation.ValidateAppSpec(&spec, field.NewPath("spec")); len(errs) > 0 {
		return porpulsionv1alpha1.RemoteApp{}, &ValidationError{Errs: errs}
	}

	app, ok := s.registry.SubmittedApp(id)
	if !ok {
		return porpulsionv1alpha1.RemoteApp{}, ErrAppNotFound
	}

	reply, err := s.channels.Send(ctx, app.TargetPeer, channel.MethodRemoteAppSpec, porpulsionv1alpha1.SpecRequest{ID: id, Spec: spec})
	if err != nil {
		return porpulsionv1alpha1.RemoteApp{}, err
	}
	response := porpulsionv1alpha1.CreateResponse{}
	if err := json.Unmarshal(reply, &response); err != nil {
		return porpulsionv1alpha1.RemoteApp{}, fmt.Errorf("decoding spec reply: %w", err)
	}
	if !response.Accepted {
		return porpulsionv1alpha1.RemoteApp{}, &RejectedError{Reason: response.Reason}
	}

	app.Spec = spec
	app.Status = porpulsionv1alpha1.StatusCreating
	app.Message = ""
	if err := s.registry.UpsertSubmittedApp(ctx, app); err != nil {
		return porpulsionv1alpha1.RemoteApp{}, err
	}
	return app, nil
}

// Scale is a spec update touching only the replica count.
func (s *Submitter) Scale(ctx context.Context, id string, replicas int32) (porpulsionv1alpha1.RemoteApp, error) {
	app, ok := s.registry.SubmittedApp(id)
	if !ok {
		return porpulsionv1alpha1.RemoteApp{}, ErrAppNotFound
	}
	spec := app.Spec
	spec.Replicas = &replicas
	return s.UpdateSpec(ctx, id, spec)
}

// Delete instructs the executor to tear the app down, then removes the local
// record. If the channel is down, the record is durably marked for deletion
// and the reconciler retries on reconnect -- the delete is never dropped.
func (s *Submitter) Delete(ctx context.Context, id string) error {
	app, ok := s.registry.SubmittedApp(id)
	if !ok {
		return ErrAppNotFound
	}

	_, err := s.channels.Send(ctx, app.TargetPeer, channel.MethodRemoteAppDelete, porpulsionv1alpha1.DeleteRequest{ID: id})
	if err != nil {
		if errors.Is(err, channel.ErrChannelDown) || errors.Is(err, channel.ErrTimeout) {
			app.Status = porpulsionv1alpha1.StatusDeleted
			app.DeletePending = true
			app.Message = "delete pending: " + err.Error()
			if persistErr := s.registry.UpsertSubmittedApp(ctx, app); persistErr != nil {
				return persistErr
			}
			s.log.Info("Deferred app delete, channel unavailable", "app", id, "peer", app.TargetPeer)
			return nil
		}
		return err
	}

	return s.registry.RemoveSubmittedApp(ctx, id)
}

// Logs fetches pod logs for a submitted app from its executor, or locally for
// an executing app.
func (s *Submitter) Logs(ctx context.Context, id string, tail int, order string) ([]porpulsionv1alpha1.LogEntry, error) {
	if app, ok := s.registry.SubmittedApp(id); ok {
		reply, err := s.channels.Send(ctx, app.TargetPeer, channel.MethodRemoteAppLogs, porpulsionv1alpha1.LogsRequest{ID: id, Tail: tail, Order: order})
		if err != nil {
			return nil, err
		}
		response := porpulsionv1alpha1.LogsResponse{}
		if err := json.Unmarshal(reply, &response); err != nil {
			return nil, fmt.Errorf("decoding logs reply: %w", err)
		}
		return response.Lines, nil
	}

	if _, ok := s.registry.ExecutingApp(id); ok {
		return s.executor.Logs(ctx, id, tail, executor.LogOrder(order))
	}
	return nil, ErrAppNotFound
}

// handleStatus applies a remoteapp/status push from the executor to the local
// submitted record.
func (s *Submitter) handleStatus(ctx context.Context, peer string, payload json.RawMessage) {
	event := porpulsionv1alpha1.StatusEvent{}
	if err := json.Unmarshal(payload, &event); err != nil {
		s.log.Info("Dropping malformed status push", "peer", peer, "error", err.Error())
		return
	}

	app, ok := s.registry.SubmittedApp(event.ID)
	if !ok || app.TargetPeer != peer {
		// Deleted locally, or a peer pushing for an app it does not own.
		return
	}
	if app.DeletePending {
		// The record is a tombstone awaiting delete retry; status pushes for
		// it are stale.
		return
	}

	if err := s.registry.SetSubmittedStatus(ctx, event.ID, event.Status, event.Message); err != nil {
		s.log.Error(err, "Failed to apply status push", "app", event.ID)
	}
}

// ErrAppNotFound is returned for unknown app IDs.
var ErrAppNotFound = errors.New("app not found")

// RejectedError is returned when the executor denied a spec update.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }
