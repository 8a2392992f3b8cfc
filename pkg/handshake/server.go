// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/credentials"
)

// Credentials is the credential-store surface the handshake needs.
type Credentials interface {
	GetCAPem() string
	GetFingerprint() string
	Redeem(ctx context.Context, token string) error
	CurrentInviteToken() string
}

// PeerRegistry is the state-registry surface the handshake needs.
type PeerRegistry interface {
	Peer(name string) (porpulsionv1alpha1.Peer, bool)
	PeerByFingerprint(fingerprint string) (porpulsionv1alpha1.Peer, bool)
	UpsertPeer(ctx context.Context, peer porpulsionv1alpha1.Peer) error
	Notify(ctx context.Context, level porpulsionv1alpha1.NotificationLevel, title, message string)
}

// Server handles inbound invite redemptions on POST /peer.
type Server struct {
	credentials Credentials
	peers       PeerRegistry
	selfName    string
	selfURL     string
	log         logr.Logger
}

// NewServer creates the responder-side handshake handler.
func NewServer(creds Credentials, peers PeerRegistry, selfName, selfURL string, log logr.Logger) *Server {
	return &Server{
		credentials: creds,
		peers:       peers,
		selfName:    selfName,
		selfURL:     selfURL,
		log:         log.WithName("handshake"),
	}
}

// ServeHTTP implements the handshake endpoint. On success the requester is
// inserted as a peer awaiting operator confirmation and receives our CA PEM
// plus a freshly rotated invite token.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	request := Request{}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "malformed handshake request", "validation")
		return
	}
	if request.Name == "" || request.SelfURL == "" || request.CAPem == "" || request.InviteToken == "" {
		writeError(w, http.StatusBadRequest, "name, self_url, ca_pem and invite_token are required", "validation")
		return
	}

	ctx := r.Context()

	// The initiator's expected fingerprint is checked before the token is
	// redeemed, so a man-in-the-middle probe does not burn the invite.
	if request.ExpectedFingerprint != "" && request.ExpectedFingerprint != s.credentials.GetFingerprint() {
		s.peers.Notify(ctx, porpulsionv1alpha1.NotificationWarn, "Handshake rejected",
			fmt.Sprintf("handshake from %s: %s", request.SelfURL, ErrFingerprintMismatch))
		writeError(w, http.StatusUnauthorized, ErrFingerprintMismatch.Error(), "trust")
		return
	}

	fingerprint, err := credentials.FingerprintPEM([]byte(request.CAPem))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed ca_pem", "validation")
		return
	}

	if existing, ok := s.peers.PeerByFingerprint(fingerprint); ok && existing.Name != request.Name {
		writeError(w, http.StatusConflict, ErrFingerprintCollision.Error(), "trust")
		return
	}
	if existing, ok := s.peers.Peer(request.Name); ok && existing.CAFingerprint != fingerprint {
		writeError(w, http.StatusConflict, ErrNameCollision.Error(), "trust")
		return
	}

	if err := s.credentials.Redeem(ctx, request.InviteToken); err != nil {
		if errors.Is(err, credentials.ErrInviteTokenInvalid) {
			s.peers.Notify(ctx, porpulsionv1alpha1.NotificationWarn, "Handshake rejected",
				fmt.Sprintf("handshake from %s: invalid invite token", request.SelfURL))
			writeError(w, http.StatusUnauthorized, credentials.ErrInviteTokenInvalid.Error(), "trust")
			return
		}
		s.log.Error(err, "Redeeming invite token failed")
		writeError(w, http.StatusInternalServerError, "internal error", "fatal")
		return
	}

	peer := porpulsionv1alpha1.Peer{
		Name:          request.Name,
		URL:           request.SelfURL,
		CAPem:         request.CAPem,
		CAFingerprint: fingerprint,
		Status:        porpulsionv1alpha1.PeerStatusAwaitingConfirmation,
	}
	if err := s.peers.UpsertPeer(ctx, peer); err != nil {
		s.log.Error(err, "Persisting peer failed", "peer", request.Name)
		writeError(w, http.StatusInternalServerError, "internal error", "fatal")
		return
	}

	s.log.Info("Peering handshake accepted", "peer", request.Name, "fingerprint", fingerprint)
	s.peers.Notify(ctx, porpulsionv1alpha1.NotificationInfo, "Peer awaiting confirmation",
		fmt.Sprintf("agent %q (%s) redeemed the invite token", request.Name, request.SelfURL))

	writeJSON(w, http.StatusOK, Response{
		Name:        s.selfName,
		SelfURL:     s.selfURL,
		CAPem:       s.credentials.GetCAPem(),
		InviteToken: s.credentials.CurrentInviteToken(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, errorBody{Error: message, Kind: kind})
}
