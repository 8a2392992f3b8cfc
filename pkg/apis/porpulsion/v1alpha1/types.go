// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package v1alpha1 contains the porpulsion agent data model: peers, remote
// apps, settings and notifications. These types are exchanged between agents
// as JSON channel payloads and persisted in the agent's state blobs, so their
// JSON shape is the wire and storage contract.
package v1alpha1

import (
	"time"

	corev1 "k8s.io/api/core/v1"
)

// PeerStatus describes the peering state of a remote agent.
type PeerStatus string

const (
	// PeerStatusConnecting means the handshake succeeded locally and the
	// channel manager is dialing.
	PeerStatusConnecting PeerStatus = "connecting"
	// PeerStatusAwaitingConfirmation means the peer redeemed our invite token
	// and waits for the operator to confirm before we dial out.
	PeerStatusAwaitingConfirmation PeerStatus = "awaiting_confirmation"
	// PeerStatusConnected means the persistent channel is established.
	PeerStatusConnected PeerStatus = "connected"
	// PeerStatusFailed means the last connection attempt ended in an error.
	PeerStatusFailed PeerStatus = "failed"
)

// ChannelState reflects the live channel, independent of the peer record.
type ChannelState string

const (
	// ChannelStateConnected means a websocket channel to the peer is up.
	ChannelStateConnected ChannelState = "connected"
	// ChannelStateDisconnected means no live channel exists.
	ChannelStateDisconnected ChannelState = "disconnected"
)

// Peer is a remote agent known to this one, pinned by its CA fingerprint.
type Peer struct {
	// Name is the operator-chosen name, unique on this agent.
	Name string `json:"name"`
	// URL is the externally reachable base URL of the peer's handshake
	// endpoint.
	URL string `json:"url"`
	// CAPem is the pinned CA certificate PEM of the peer. A peer record
	// without it is invalid.
	CAPem string `json:"ca_pem"`
	// CAFingerprint is the SHA-256 of the DER-encoded CA certificate,
	// lowercase hex with colons.
	CAFingerprint string `json:"ca_fingerprint"`

	Status      PeerStatus `json:"status"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// RemoteAppStatus is the life cycle phase of a RemoteApp.
type RemoteAppStatus string

const (
	StatusPending  RemoteAppStatus = "Pending"
	StatusApproved RemoteAppStatus = "Approved"
	StatusRejected RemoteAppStatus = "Rejected"
	StatusCreating RemoteAppStatus = "Creating"
	StatusRunning  RemoteAppStatus = "Running"
	StatusReady    RemoteAppStatus = "Ready"
	StatusFailed   RemoteAppStatus = "Failed"
	StatusTimeout  RemoteAppStatus = "Timeout"
	StatusDeleted  RemoteAppStatus = "Deleted"
)

// Terminal reports whether the status is a terminal one, i.e. the app no
// longer occupies quota on the executing side.
func (s RemoteAppStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusFailed, StatusTimeout, StatusDeleted:
		return true
	}
	return false
}

// RemoteAppOrigin distinguishes the two sides of a RemoteApp.
type RemoteAppOrigin string

const (
	// OriginSubmitted means this agent sent the app to a peer.
	OriginSubmitted RemoteAppOrigin = "submitted"
	// OriginExecuting means the app was received from a peer and runs here.
	OriginExecuting RemoteAppOrigin = "executing"
)

// RemoteApp is one unit of cross-cluster workload. The submitter mints the ID
// and the executor preserves it, so the ID is stable across both sides.
type RemoteApp struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Spec   AppSpec         `json:"spec"`
	Status RemoteAppStatus `json:"status"`
	Origin RemoteAppOrigin `json:"origin"`

	// TargetPeer is set iff Origin == submitted.
	TargetPeer string `json:"target_peer,omitempty"`
	// SourcePeer is set iff Origin == executing.
	SourcePeer string `json:"source_peer,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Message is free-form status detail surfaced in the UI.
	Message string `json:"message,omitempty"`

	// DeletePending marks a submitted app whose delete could not be sent to
	// the executor yet. The reconciler retries until acknowledged.
	DeletePending bool `json:"delete_pending,omitempty"`
}

// AppSpec is the portable workload specification. Unknown fields are rejected
// at the boundary; see validation.ValidateAppSpec for field constraints.
type AppSpec struct {
	Image            string                       `json:"image"`
	Replicas         *int32                       `json:"replicas,omitempty"`
	Ports            []PortSpec                   `json:"ports,omitempty"`
	Resources        *corev1.ResourceRequirements `json:"resources,omitempty"`
	Command          []string                     `json:"command,omitempty"`
	Args             []string                     `json:"args,omitempty"`
	Env              []corev1.EnvVar              `json:"env,omitempty"`
	ImagePullPolicy  corev1.PullPolicy            `json:"imagePullPolicy,omitempty"`
	ImagePullSecrets []string                     `json:"imagePullSecrets,omitempty"`
	ReadinessProbe   *corev1.Probe                `json:"readinessProbe,omitempty"`
	SecurityContext  *SecuritySpec                `json:"securityContext,omitempty"`
}

// ReplicaCount returns the desired replicas, defaulting to 1.
func (s *AppSpec) ReplicaCount() int32 {
	if s.Replicas == nil {
		return 1
	}
	return *s.Replicas
}

// PortSpec is a container port exposed by the workload.
type PortSpec struct {
	Port int32  `json:"port"`
	Name string `json:"name,omitempty"`
}

// SecuritySpec is the subset of pod/container security settings a submitter
// may request.
type SecuritySpec struct {
	RunAsNonRoot           *bool  `json:"runAsNonRoot,omitempty"`
	RunAsUser              *int64 `json:"runAsUser,omitempty"`
	RunAsGroup             *int64 `json:"runAsGroup,omitempty"`
	FSGroup                *int64 `json:"fsGroup,omitempty"`
	ReadOnlyRootFilesystem *bool  `json:"readOnlyRootFilesystem,omitempty"`
}

// Settings is the flat, persisted agent configuration record. List-valued
// options are comma-separated strings, empty meaning "all allowed". Quantity
// strings use Kubernetes resource.Quantity syntax; empty means unlimited.
type Settings struct {
	AllowInboundRemoteApps   bool   `json:"allow_inbound_remoteapps"`
	RequireRemoteAppApproval bool   `json:"require_remoteapp_approval"`
	AllowInboundTunnels      bool   `json:"allow_inbound_tunnels"`
	AllowedSourcePeers       string `json:"allowed_source_peers,omitempty"`
	AllowedTunnelPeers       string `json:"allowed_tunnel_peers,omitempty"`
	AllowedImages            string `json:"allowed_images,omitempty"`
	BlockedImages            string `json:"blocked_images,omitempty"`

	RequireResourceRequests bool   `json:"require_resource_requests"`
	RequireResourceLimits   bool   `json:"require_resource_limits"`
	MaxCPURequestPerPod     string `json:"max_cpu_request_per_pod,omitempty"`
	MaxCPULimitPerPod       string `json:"max_cpu_limit_per_pod,omitempty"`
	MaxMemoryRequestPerPod  string `json:"max_memory_request_per_pod,omitempty"`
	MaxMemoryLimitPerPod    string `json:"max_memory_limit_per_pod,omitempty"`

	MaxReplicasPerApp      int    `json:"max_replicas_per_app,omitempty"`
	MaxTotalDeployments    int    `json:"max_total_deployments,omitempty"`
	MaxTotalPods           int    `json:"max_total_pods,omitempty"`
	MaxTotalCPURequests    string `json:"max_total_cpu_requests,omitempty"`
	MaxTotalMemoryRequests string `json:"max_total_memory_requests,omitempty"`

	LogLevel string `json:"log_level,omitempty"`
}

// DefaultSettings returns the settings a fresh agent starts with.
func DefaultSettings() Settings {
	return Settings{
		AllowInboundRemoteApps: true,
		AllowInboundTunnels:    true,
		LogLevel:               "INFO",
	}
}

// NotificationLevel is the severity of a notification.
type NotificationLevel string

const (
	NotificationInfo  NotificationLevel = "info"
	NotificationWarn  NotificationLevel = "warn"
	NotificationError NotificationLevel = "error"
)

// Notification is one entry of the bounded notification ring.
type Notification struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"ts"`
	Level     NotificationLevel `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Acked     bool              `json:"ack"`
}
