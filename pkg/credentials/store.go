// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package credentials owns the agent's cryptographic identity: a self-signed
// CA, a leaf certificate signed by it, and the single-use invite token that
// authorizes peering handshakes.
package credentials

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 10 * 365 * 24 * time.Hour

	// inviteTokenBytes is the entropy of an invite token. 32 bytes = 256 bits,
	// comfortably above the 128-bit floor.
	inviteTokenBytes = 32
)

// ErrInviteTokenInvalid is returned by Redeem for an unknown or already
// consumed token.
var ErrInviteTokenInvalid = errors.New("invite_token_invalid")

// Data is the persisted credential material. It is embedded into the
// sensitive state blob.
type Data struct {
	CAPem       string `json:"ca_pem"`
	CAKey       string `json:"ca_key"`
	LeafPem     string `json:"leaf_pem"`
	LeafKey     string `json:"leaf_key"`
	InviteToken string `json:"invite_token"`
}

// Persister stores credential material durably. Implemented by the state
// registry on top of the sensitive blob.
type Persister interface {
	// Credentials returns the stored material, or false if none exists yet.
	Credentials() (Data, bool)
	// SetCredentials stores freshly generated material.
	SetCredentials(ctx context.Context, data Data) error
	// CompareAndSwapInviteToken atomically replaces the invite token if it
	// still equals old. Returns false without error when it no longer does.
	CompareAndSwapInviteToken(ctx context.Context, old, new string) (bool, error)
}

// Store is the in-process credential store. It is initialized once at startup
// and safe for concurrent use afterwards.
type Store struct {
	persister Persister
	log       logr.Logger

	mu          sync.RWMutex
	data        Data
	fingerprint string
}

// NewStore creates an uninitialized store. Call Initialize before use.
func NewStore(persister Persister, log logr.Logger) *Store {
	return &Store{persister: persister, log: log.WithName("credentials")}
}

// Initialize loads existing credentials or generates fresh ones on first
// boot. Failures here are fatal for the agent.
func (s *Store) Initialize(ctx context.Context, agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, ok := s.persister.Credentials(); ok {
		fingerprint, err := FingerprintPEM([]byte(data.CAPem))
		if err != nil {
			return fmt.Errorf("loading persisted CA certificate: %w", err)
		}
		s.data = data
		s.fingerprint = fingerprint
		s.log.Info("Loaded existing credentials", "fingerprint", fingerprint)
		return nil
	}

	data, err := generate(agentName)
	if err != nil {
		return fmt.Errorf("generating credentials: %w", err)
	}
	if err := s.persister.SetCredentials(ctx, data); err != nil {
		return fmt.Errorf("persisting credentials: %w", err)
	}

	fingerprint, err := FingerprintPEM([]byte(data.CAPem))
	if err != nil {
		return err
	}
	s.data = data
	s.fingerprint = fingerprint
	s.log.Info("Generated fresh credentials", "fingerprint", fingerprint)
	return nil
}

// GetCAPem returns the agent's CA certificate PEM.
func (s *Store) GetCAPem() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.CAPem
}

// GetFingerprint returns the SHA-256 fingerprint of the agent's CA
// certificate, lowercase hex with colons.
func (s *Store) GetFingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

// TLSCertificate returns the leaf keypair for TLS serving.
func (s *Store) TLSCertificate() (tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tls.X509KeyPair([]byte(s.data.LeafPem), []byte(s.data.LeafKey))
}

// CurrentInviteToken returns the single active invite token.
func (s *Store) CurrentInviteToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.InviteToken
}

// RotateInviteToken atomically replaces the active invite token and returns
// the new one. A concurrent Redeem of the old token either completed before
// the rotation or fails afterwards.
func (s *Store) RotateInviteToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(ctx, s.data.InviteToken)
}

// Redeem consumes the given invite token. The comparison is constant-time.
// On success the token is rotated internally so it can never be redeemed
// twice.
func (s *Store) Redeem(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.data.InviteToken
	if len(token) == 0 || subtle.ConstantTimeCompare([]byte(token), []byte(current)) != 1 {
		return ErrInviteTokenInvalid
	}
	if _, err := s.rotateLocked(ctx, current); err != nil {
		return err
	}
	return nil
}

func (s *Store) rotateLocked(ctx context.Context, old string) (string, error) {
	newToken, err := newInviteToken()
	if err != nil {
		return "", err
	}
	swapped, err := s.persister.CompareAndSwapInviteToken(ctx, old, newToken)
	if err != nil {
		return "", fmt.Errorf("persisting rotated invite token: %w", err)
	}
	if !swapped {
		return "", ErrInviteTokenInvalid
	}
	s.data.InviteToken = newToken
	return newToken, nil
}

func newInviteToken() (string, error) {
	raw := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading randomness for invite token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// FingerprintPEM computes the SHA-256 fingerprint of the first certificate in
// the given PEM, rendered lowercase hex with colons.
func FingerprintPEM(pemBytes []byte) (string, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", errors.New("no certificate found in PEM data")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return "", fmt.Errorf("parsing certificate: %w", err)
	}
	sum := sha256.Sum256(block.Bytes)
	return formatFingerprint(sum[:]), nil
}

func formatFingerprint(sum []byte) string {
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

func generate(agentName string) (Data, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Data{}, fmt.Errorf("generating CA key: %w", err)
	}

	caSerial, err := newSerial()
	if err != nil {
		return Data{}, err
	}
	now := time.Now()
	caTemplate := &x509.Certificate{
		SerialNumber:          caSerial,
		Subject:               pkix.Name{CommonName: fmt.Sprintf("porpulsion-agent-ca-%s", agentName)},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(caValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return Data{}, fmt.Errorf("creating CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return Data{}, fmt.Errorf("parsing freshly created CA certificate: %w", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Data{}, fmt.Errorf("generating leaf key: %w", err)
	}
	leafSerial, err := newSerial()
	if err != nil {
		return Data{}, err
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: leafSerial,
		Subject:      pkix.Name{CommonName: fmt.Sprintf("porpulsion-agent-%s", agentName)},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{agentName},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return Data{}, fmt.Errorf("creating leaf certificate: %w", err)
	}

	caKeyDER, err := x509.MarshalECPrivateKey(caKey)
	if err != nil {
		return Data{}, fmt.Errorf("marshalling CA key: %w", err)
	}
	leafKeyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return Data{}, fmt.Errorf("marshalling leaf key: %w", err)
	}

	token, err := newInviteToken()
	if err != nil {
		return Data{}, err
	}

	return Data{
		CAPem:       encodePEM("CERTIFICATE", caDER),
		CAKey:       encodePEM("EC PRIVATE KEY", caKeyDER),
		LeafPem:     encodePEM("CERTIFICATE", leafDER),
		LeafKey:     encodePEM("EC PRIVATE KEY", leafKeyDER),
		InviteToken: token,
	}, nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating certificate serial: %w", err)
	}
	return serial, nil
}

func encodePEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}
