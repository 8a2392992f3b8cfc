// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package reconciler converges porpulsion state with Kubernetes reality: it
// rebuilds executing apps from labelled Deployments, drives the status state
// machine, and retries channel sends that failed while a peer was down.
package reconciler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/channel"
	"github.com/porpulsion/porpulsion/pkg/executor"
)

// interval is the periodic sweep cadence.
const interval = 5 * time.Second

// Registry is the state-registry surface the reconciler needs.
type Registry interface {
	ExecutingApp(id string) (porpulsionv1alpha1.RemoteApp, bool)
	ExecutingApps() []porpulsionv1alpha1.RemoteApp
	UpsertExecutingApp(app porpulsionv1alpha1.RemoteApp)
	RemoveExecutingApp(id string)
	SubmittedApps() []porpulsionv1alpha1.RemoteApp
	RemoveSubmittedApp(ctx context.Context, id string) error
}

// ChannelClient is the channel-manager surface the reconciler needs.
type ChannelClient interface {
	Push(peer, frameType string, payload any) error
	Send(ctx context.Context, peer, frameType string, payload any) (json.RawMessage, error)
}

// Reconciler runs the periodic sweep. Wake requests an immediate pass.
type Reconciler struct {
	registry Registry
	executor *executor.Executor
	channels ChannelClient
	log      logr.Logger

	wake chan struct{}

	mu         sync.Mutex
	firstSeen  map[string]time.Time
	lastPushed map[string]porpulsionv1alpha1.RemoteAppStatus
}

// New creates a reconciler. Register Reconnected with the channel manager's
// OnConnect hook so deferred pushes re-emit promptly.
func New(registry Registry, exec *executor.Executor, channels ChannelClient, log logr.Logger) *Reconciler {
	return &Reconciler{
		registry:   registry,
		executor:   exec,
		channels:   channels,
		log:        log.WithName("reconciler"),
		wake:       make(chan struct{}, 1),
		firstSeen:  map[string]time.Time{},
		lastPushed: map[string]porpulsionv1alpha1.RemoteAppStatus{},
	}
}

// Run blocks until ctx is cancelled, sweeping every interval or on Wake.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error(err, "Reconciliation sweep finished with errors")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Wake requests an immediate sweep without waiting for the next tick.
func (r *Reconciler) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Reconnected re-emits the current status of every executing app sourced from
// the peer and retries deferred deletes targeting it. Registered with the
// channel manager's OnConnect hook.
func (r *Reconciler) Reconnected(peer string) {
	for _, app := range r.registry.ExecutingApps() {
		if app.SourcePeer != peer {
			continue
		}
		r.pushStatus(&app, true)
	}
	r.Wake()
}

// Sweep runs one full reconciliation pass. Individual failures are collected;
// one bad app never blocks the rest.
func (r *Reconciler) Sweep(ctx context.Context) error {
	var errs *multierror.Error

	if err := r.reconcileExecuting(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := r.retryDeferredDeletes(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// reconcileExecuting merges labelled Deployments with the in-memory records:
// records are created for orphan deployments (agent restart), pushed as
// Deleted and then removed when their deployment is gone, and their status
// derived from cluster state.
func (r *Reconciler) reconcileExecuting(ctx context.Context) error {
	deployments, err := r.executor.ListDeployments(ctx)
	if err != nil {
		return err
	}

	byID := map[string]int{}
	for i := range deployments {
		byID[deployments[i].Labels[executor.LabelRemoteAppID]] = i
	}

	var errs *multierror.Error

	// Records whose deployment disappeared: the submitter went away or the
	// deployment was removed out-of-band.
	for _, app := range r.registry.ExecutingApps() {
		if _, ok := byID[app.ID]; ok {
			continue
		}
		app.Status = porpulsionv1alpha1.StatusDeleted
		app.Message = "deployment is gone"
		r.pushStatus(&app, false)
		r.registry.RemoveExecutingApp(app.ID)
		r.forget(app.ID)
		r.log.Info("Pruned executing app without deployment", "app", app.ID)
	}

	now := time.Now()
	for id, i := range byID {
		deployment := &deployments[i]

		app, ok := r.registry.ExecutingApp(id)
		if !ok {
			app = executor.AppFromDeployment(deployment)
			r.registry.UpsertExecutingApp(app)
			r.log.Info("Reconstructed executing app from deployment", "app", id, "deployment", deployment.Name)
		}

		pods, err := r.executor.Pods(ctx, id)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		status, message := executor.DeriveStatus(deployment, pods, r.firstSeenAt(id, now), now)
		if status != app.Status || message != app.Message {
			app.Status = status
			app.Message = message
			r.registry.UpsertExecutingApp(app)
			r.pushStatus(&app, false)
		}
	}

	return errs.ErrorOrNil()
}

// retryDeferredDeletes re-sends remoteapp/delete for submitted tombstones
// whose original delete failed with channel_down. The record is dropped only
// once the executor acknowledged.
func (r *Reconciler) retryDeferredDeletes(ctx context.Context) error {
	var errs *multierror.Error

	for _, app := range r.registry.SubmittedApps() {
		if !app.DeletePending {
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := r.channels.Send(sendCtx, app.TargetPeer, channel.MethodRemoteAppDelete, porpulsionv1alpha1.DeleteRequest{ID: app.ID})
		cancel()
		if err != nil {
			// Still unreachable; keep the tombstone for the next pass.
			continue
		}

		if err := r.registry.RemoveSubmittedApp(ctx, app.ID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		r.log.Info("Completed deferred app delete", "app", app.ID, "peer", app.TargetPeer)
	}

	return errs.ErrorOrNil()
}

// pushStatus emits remoteapp/status unless the same status was already
// pushed. force bypasses the dedupe after a reconnect.
func (r *Reconciler) pushStatus(app *porpulsionv1alpha1.RemoteApp, force bool) {
	r.mu.Lock()
	last, pushed := r.lastPushed[app.ID]
	r.mu.Unlock()
	if pushed && last == app.Status && !force {
		return
	}

	event := porpulsionv1alpha1.StatusEvent{ID: app.ID, Status: app.Status, Message: app.Message}
	if err := r.channels.Push(app.SourcePeer, channel.EventRemoteAppStatus, event); err != nil {
		// channel_down; the Reconnected hook re-emits once the peer is back.
		return
	}

	r.mu.Lock()
	r.lastPushed[app.ID] = app.Status
	r.mu.Unlock()
}

func (r *Reconciler) firstSeenAt(id string, now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seen, ok := r.firstSeen[id]; ok {
		return seen
	}
	r.firstSeen[id] = now
	return now
}

func (r *Reconciler) forget(id string) {
	r.mu.Lock()
	delete(r.firstSeen, id)
	delete(r.lastPushed, id)
	r.mu.Unlock()
}
