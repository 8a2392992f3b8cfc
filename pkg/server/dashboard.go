// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the agent's two HTTP surfaces: the local dashboard
// API and the peer-facing handshake + websocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1/validation"
	"github.com/porpulsion/porpulsion/pkg/channel"
	"github.com/porpulsion/porpulsion/pkg/credentials"
	"github.com/porpulsion/porpulsion/pkg/handshake"
	"github.com/porpulsion/porpulsion/pkg/remoteapp"
	"github.com/porpulsion/porpulsion/pkg/store"
	"github.com/porpulsion/porpulsion/pkg/tunnel"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Approvals is the approval-queue surface of the executor handlers.
type Approvals interface {
	Approve(ctx context.Context, id string) error
	Reject(ctx context.Context, id string) error
}

// Dashboard serves the local REST API under /api.
type Dashboard struct {
	registry    *store.Registry
	credentials *credentials.Store
	channels    *channel.Manager
	connector   *handshake.Client
	submitter   *remoteapp.Submitter
	approvals   Approvals
	proxy       *tunnel.Proxy
	selfName    string
	selfURL     string
	log         logr.Logger
}

// NewDashboard wires the dashboard API.
func NewDashboard(
	registry *store.Registry,
	creds *credentials.Store,
	channels *channel.Manager,
	connector *handshake.Client,
	submitter *remoteapp.Submitter,
	approvals Approvals,
	proxy *tunnel.Proxy,
	selfName, selfURL string,
	log logr.Logger,
) *Dashboard {
	return &Dashboard{
		registry:    registry,
		credentials: creds,
		channels:    channels,
		connector:   connector,
		submitter:   submitter,
		approvals:   approvals,
		proxy:       proxy,
		selfName:    selfName,
		selfURL:     selfURL,
		log:         log.WithName("dashboard"),
	}
}

// Handler builds the router for the dashboard port.
func (d *Dashboard) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/token", d.handleToken).Methods(http.MethodGet)

	api.HandleFunc("/peers", d.handleListPeers).Methods(http.MethodGet)
	api.HandleFunc("/peers/connect", d.handleConnectPeer).Methods(http.MethodPost)
	api.HandleFunc("/peers/inbound", d.handleListInbound).Methods(http.MethodGet)
	api.HandleFunc("/peers/inbound/{id}/accept", d.handleAcceptInbound).Methods(http.MethodPost)
	api.HandleFunc("/peers/inbound/{id}", d.handleRejectInbound).Methods(http.MethodDelete)
	api.HandleFunc("/peers/{name}", d.handleRemovePeer).Methods(http.MethodDelete)

	api.HandleFunc("/remoteapps", d.handleListApps).Methods(http.MethodGet)
	api.HandleFunc("/remoteapp", d.handleSubmitApp).Methods(http.MethodPost)
	api.HandleFunc("/remoteapp/{id}/detail", d.handleAppDetail).Methods(http.MethodGet)
	api.HandleFunc("/remoteapp/{id}/spec", d.handleUpdateSpec).Methods(http.MethodPut)
	api.HandleFunc("/remoteapp/{id}/scale", d.handleScale).Methods(http.MethodPost)
	api.HandleFunc("/remoteapp/{id}/logs", d.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/remoteapp/{id}", d.handleDeleteApp).Methods(http.MethodDelete)
	api.PathPrefix("/remoteapp/{id}/proxy/{port}").HandlerFunc(d.handleProxy)

	api.HandleFunc("/approvals", d.handleListApprovals).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}/accept", d.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}", d.handleRejectApproval).Methods(http.MethodDelete)

	api.HandleFunc("/settings", d.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", d.handleUpdateSettings).Methods(http.MethodPost)

	api.HandleFunc("/notifications", d.handleListNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}/ack", d.handleAckNotification).Methods(http.MethodPost)
	api.HandleFunc("/notifications", d.handleClearNotifications).Methods(http.MethodDelete)

	return r
}

func (d *Dashboard) handleToken(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":           d.selfName,
		"self_url":       d.selfURL,
		"invite_token":   d.credentials.CurrentInviteToken(),
		"ca_pem":         d.credentials.GetCAPem(),
		"ca_fingerprint": d.credentials.GetFingerprint(),
	})
}

// peerView augments the persisted record with the live channel state.
type peerView struct {
	porpulsionv1alpha1.Peer
	Channel porpulsionv1alpha1.ChannelState `json:"channel"`
}

func (d *Dashboard) handleListPeers(w http.ResponseWriter, _ *http.Request) {
	peers := d.registry.Peers()
	views := make([]peerView, 0, len(peers))
	for _, peer := range peers {
		views = append(views, peerView{Peer: peer, Channel: d.channels.State(peer.Name)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (d *Dashboard) handleConnectPeer(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Name                string `json:"name"`
		URL                 string `json:"url"`
		InviteToken         string `json:"invite_token"`
		ExpectedFingerprint string `json:"expected_fingerprint"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", "validation")
		return
	}
	if errs := validation.ValidateName(body.Name, field.NewPath("name")); len(errs) > 0 {
		writeError(w, http.StatusBadRequest, errs.ToAggregate().Error(), "validation")
		return
	}
	if body.URL == "" || body.InviteToken == "" || body.ExpectedFingerprint == "" {
		writeError(w, http.StatusBadRequest, "url, invite_token and expected_fingerprint are required", "validation")
		return
	}

	peer, err := d.connector.Connect(r.Context(), handshake.ConnectParams{
		Name:                body.Name,
		URL:                 body.URL,
		InviteToken:         body.InviteToken,
		ExpectedFingerprint: body.ExpectedFingerprint,
	})
	if err != nil {
		switch {
		case errors.Is(err, handshake.ErrFingerprintMismatch),
			errors.Is(err, credentials.ErrInviteTokenInvalid):
			writeError(w, http.StatusUnauthorized, err.Error(), "trust")
		case errors.Is(err, handshake.ErrFingerprintCollision),
			errors.Is(err, handshake.ErrNameCollision):
			writeError(w, http.StatusConflict, err.Error(), "trust")
		default:
			writeError(w, http.StatusBadGateway, err.Error(), "transport")
		}
		return
	}

	writeJSON(w, http.StatusOK, peerView{Peer: peer, Channel: d.channels.State(peer.Name)})
}

func (d *Dashboard) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := d.registry.Peer(name); !ok {
		writeError(w, http.StatusNotFound, "peer not found", "validation")
		return
	}

	// Best effort: ask the peer to tear down what we submitted to it before
	// the channel goes away.
	for _, app := range d.registry.SubmittedApps() {
		if app.TargetPeer != name {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		_, _ = d.channels.Send(ctx, name, channel.MethodRemoteAppDelete, porpulsionv1alpha1.DeleteRequest{ID: app.ID})
		cancel()
		if err := d.registry.RemoveSubmittedApp(r.Context(), app.ID); err != nil {
			d.log.Error(err, "Failed to remove submitted app with its peer", "app", app.ID)
		}
	}

	d.channels.RemovePeer(name)
	if err := d.registry.RemovePeer(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "fatal")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dashboard) handleListInbound(w http.ResponseWriter, _ *http.Request) {
	var pending []porpulsionv1alpha1.Peer
	for _, peer := range d.registry.Peers() {
		if peer.Status == porpulsionv1alpha1.PeerStatusAwaitingConfirmation {
			pending = append(pending, peer)
		}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (d *Dashboard) handleAcceptInbound(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["id"]
	peer, ok := d.registry.Peer(name)
	if !ok || peer.Status != porpulsionv1alpha1.PeerStatusAwaitingConfirmation {
		writeError(w, http.StatusNotFound, "no pending handshake", "validation")
		return
	}
	if err := d.registry.UpdatePeerStatus(r.Context(), name, porpulsionv1alpha1.PeerStatusConnecting, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "fatal")
		return
	}
	d.channels.EnsurePeer(name)
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dashboard) handleRejectInbound(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["id"]
	peer, ok := d.registry.Peer(name)
	if !ok || peer.Status != porpulsionv1alpha1.PeerStatusAwaitingConfirmation {
		writeError(w, http.StatusNotFound, "no pending handshake", "validation")
		return
	}
	d.channels.RemovePeer(name)
	if err := d.registry.RemovePeer(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "fatal")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dashboard) handleListApps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"submitted": d.registry.SubmittedApps(),
		"executing": d.registry.ExecutingApps(),
	})
}

func (d *Dashboard) handleSubmitApp(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Name       string                     `json:"name"`
		Spec       porpulsionv1alpha1.AppSpec `json:"spec"`
		TargetPeer string                     `json:"target_peer"`
	}{}
	if err := decodeStrict(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "validation")
		return
	}

	app, err := d.submitter.Submit(r.Context(), body.Name, body.Spec, body.TargetPeer)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (d *Dashboard) handleAppDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if app, ok := d.registry.SubmittedApp(id); ok {
		writeJSON(w, http.StatusOK, app)
		return
	}
	if app, ok := d.registry.ExecutingApp(id); ok {
		writeJSON(w, http.StatusOK, app)
		return
	}
	writeError(w, http.StatusNotFound, "app not found", "validation")
}

func (d *Dashboard) handleUpdateSpec(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	spec := porpulsionv1alpha1.AppSpec{}
	if err := decodeStrict(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "validation")
		return
	}

	app, err := d.submitter.UpdateSpec(r.Context(), id, spec)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (d *Dashboard) handleScale(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body := struct {
		Replicas *int32 `json:"replicas"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Replicas == nil || *body.Replicas < 0 {
		writeError(w, http.StatusBadRequest, "replicas must be a non-negative integer", "validation")
		return
	}

	app, err := d.submitter.Scale(r.Context(), id, *body.Replicas)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (d *Dashboard) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := d.submitter.Delete(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dashboard) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tail := 100
	if raw := r.URL.Query().Get("tail"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer", "validation")
			return
		}
		tail = parsed
	}
	order := r.URL.Query().Get("order")
	if order == "" {
		order = "pod"
	}
	if order != "pod" && order != "time" {
		writeError(w, http.StatusBadRequest, "order must be pod or time", "validation")
		return
	}

	lines, err := d.submitter.Logs(r.Context(), id, tail, order)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, porpulsionv1alpha1.LogsResponse{Lines: lines})
}

func (d *Dashboard) handleProxy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	port, err := tunnel.ParsePort(vars["port"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "validation")
		return
	}

	prefix := fmt.Sprintf("/api/remoteapp/%s/proxy/%s", id, vars["port"])
	rest := ""
	if len(r.URL.Path) > len(prefix) {
		rest = r.URL.Path[len(prefix):]
		for len(rest) > 0 && rest[0] == '/' {
			rest = rest[1:]
		}
	}

	d.proxy.ServeApp(w, r, id, port, rest)
}

func (d *Dashboard) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.registry.PendingApprovals())
}

func (d *Dashboard) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := d.approvals.Approve(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusConflict, err.Error(), "admission")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dashboard) handleRejectApproval(w http.ResponseWriter, r *http.Request) {
	if err := d.approvals.Reject(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "validation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dashboard) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.registry.Settings())
}

// handleUpdateSettings merge-updates: the body is decoded over the current
// snapshot, so omitted fields keep their values (field-level last-writer
// wins).
func (d *Dashboard) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	settings := d.registry.Settings()
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "malformed settings body", "validation")
		return
	}
	if errs := validation.ValidateSettings(&settings, field.NewPath("settings")); len(errs) > 0 {
		writeError(w, http.StatusBadRequest, errs.ToAggregate().Error(), "validation")
		return
	}
	if err := d.registry.UpdateSettings(r.Context(), settings); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "fatal")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (d *Dashboard) handleListNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.registry.Notifications())
}

func (d *Dashboard) handleAckNotification(w http.ResponseWriter, r *http.Request) {
	if err := d.registry.AckNotification(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "validation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dashboard) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := d.registry.ClearNotifications(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "fatal")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeAppError maps service errors onto the REST taxonomy: validation 400,
// admission 403, transport 504, unknown app 404.
func writeAppError(w http.ResponseWriter, err error) {
	validationErr := &remoteapp.ValidationError{}
	rejectedErr := &remoteapp.RejectedError{}
	remoteErr := &channel.RemoteError{}

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, err.Error(), "validation")
	case errors.Is(err, remoteapp.ErrAppNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "validation")
	case errors.As(err, &rejectedErr):
		writeError(w, http.StatusForbidden, err.Error(), "admission")
	case errors.Is(err, channel.ErrChannelDown), errors.Is(err, channel.ErrTimeout), errors.Is(err, channel.ErrCancelled):
		writeError(w, http.StatusGatewayTimeout, err.Error(), "transport")
	case errors.As(err, &remoteErr):
		writeError(w, http.StatusBadGateway, err.Error(), "transport")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "fatal")
	}
}

func decodeStrict(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}
