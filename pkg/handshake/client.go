// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-logr/logr"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/credentials"
)

// Dialer starts the channel dial loop for a freshly peered agent.
type Dialer interface {
	EnsurePeer(name string)
}

// ConnectParams is the operator input to initiate peering with a remote
// agent. Name is what this agent will call the remote peer.
type ConnectParams struct {
	Name                string
	URL                 string
	InviteToken         string
	ExpectedFingerprint string
}

// Client initiates the handshake with a remote agent.
type Client struct {
	credentials Credentials
	peers       PeerRegistry
	dialer      Dialer
	selfName    string
	selfURL     string
	httpClient  *http.Client
	log         logr.Logger
}

// NewClient creates the initiator-side handshake client.
func NewClient(creds Credentials, peers PeerRegistry, dialer Dialer, selfName, selfURL string, log logr.Logger) *Client {
	return &Client{
		credentials: creds,
		peers:       peers,
		dialer:      dialer,
		selfName:    selfName,
		selfURL:     selfURL,
		httpClient:  &http.Client{Timeout: Timeout},
		log:         log.WithName("handshake"),
	}
}

// Connect performs the full initiator-side exchange: redeem the invite at the
// remote, verify the returned CA PEM against the out-of-band fingerprint, pin
// it, and hand the peer to the channel manager. No peer state is stored on
// any error path.
func (c *Client) Connect(ctx context.Context, params ConnectParams) (porpulsionv1alpha1.Peer, error) {
	if existing, ok := c.peers.Peer(params.Name); ok && existing.CAFingerprint != "" {
		return porpulsionv1alpha1.Peer{}, ErrNameCollision
	}

	response, err := c.exchange(ctx, params)
	if err != nil {
		return porpulsionv1alpha1.Peer{}, err
	}

	fingerprint, err := credentials.FingerprintPEM([]byte(response.CAPem))
	if err != nil {
		return porpulsionv1alpha1.Peer{}, fmt.Errorf("parsing returned CA PEM: %w", err)
	}
	if !strings.EqualFold(fingerprint, params.ExpectedFingerprint) {
		c.peers.Notify(ctx, porpulsionv1alpha1.NotificationWarn, "Handshake failed",
			fmt.Sprintf("peer %s presented CA %s, expected %s: %s",
				params.URL, fingerprint, params.ExpectedFingerprint, ErrFingerprintMismatch))
		return porpulsionv1alpha1.Peer{}, ErrFingerprintMismatch
	}

	if existing, ok := c.peers.PeerByFingerprint(fingerprint); ok && existing.Name != params.Name {
		return porpulsionv1alpha1.Peer{}, ErrFingerprintCollision
	}

	peer := porpulsionv1alpha1.Peer{
		Name:          params.Name,
		URL:           params.URL,
		CAPem:         response.CAPem,
		CAFingerprint: fingerprint,
		Status:        porpulsionv1alpha1.PeerStatusConnecting,
	}
	if err := c.peers.UpsertPeer(ctx, peer); err != nil {
		return porpulsionv1alpha1.Peer{}, fmt.Errorf("persisting peer %q: %w", params.Name, err)
	}

	c.log.Info("Peering established, dialing", "peer", params.Name, "fingerprint", fingerprint)
	c.dialer.EnsurePeer(params.Name)
	return peer, nil
}

func (c *Client) exchange(ctx context.Context, params ConnectParams) (*Response, error) {
	endpoint, err := url.JoinPath(params.URL, "peer")
	if err != nil {
		return nil, fmt.Errorf("building handshake URL from %q: %w", params.URL, err)
	}

	body, err := json.Marshal(Request{
		Name:                c.selfName,
		SelfURL:             c.selfURL,
		CAPem:               c.credentials.GetCAPem(),
		InviteToken:         params.InviteToken,
		ExpectedFingerprint: params.ExpectedFingerprint,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("reaching %s: %w", endpoint, err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		remote := errorBody{}
		if err := json.NewDecoder(response.Body).Decode(&remote); err != nil || remote.Error == "" {
			return nil, fmt.Errorf("handshake failed with status %d", response.StatusCode)
		}
		switch remote.Error {
		case credentials.ErrInviteTokenInvalid.Error():
			return nil, credentials.ErrInviteTokenInvalid
		case ErrFingerprintMismatch.Error():
			return nil, ErrFingerprintMismatch
		case ErrFingerprintCollision.Error():
			return nil, ErrFingerprintCollision
		case ErrNameCollision.Error():
			return nil, ErrNameCollision
		}
		return nil, fmt.Errorf("handshake failed: %s", remote.Error)
	}

	decoded := &Response{}
	if err := json.NewDecoder(response.Body).Decode(decoded); err != nil {
		return nil, fmt.Errorf("decoding handshake response: %w", err)
	}
	if decoded.CAPem == "" {
		return nil, fmt.Errorf("handshake response carries no CA PEM")
	}
	return decoded, nil
}
