// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/credentials"
)

const (
	// notificationRingSize bounds the notification list; oldest entries are
	// evicted first.
	notificationRingSize = 200

	// saveAttempts bounds optimistic-concurrency retries per mutation.
	saveAttempts = 5
)

// SensitiveState is the JSON shape of the sensitive blob.
type SensitiveState struct {
	credentials.Data
	Peers []porpulsionv1alpha1.Peer `json:"peers"`
}

// State is the JSON shape of the plain state blob. Executing apps are absent
// on purpose: the reconciler reconstructs them from the Deployments carrying
// the porpulsion label.
type State struct {
	Submitted       []porpulsionv1alpha1.RemoteApp    `json:"submitted"`
	PendingApproval []porpulsionv1alpha1.RemoteApp    `json:"pending_approval"`
	Settings        porpulsionv1alpha1.Settings       `json:"settings"`
	Notifications   []porpulsionv1alpha1.Notification `json:"notifications"`
}

// Registry is the canonical in-memory store of peers, apps, approvals,
// settings and notifications. It is the only component that mutates them;
// everyone else receives copies. Every mutation of persisted records is
// written through to the blob store before it becomes visible.
type Registry struct {
	blobs BlobStore
	log   logr.Logger

	generation atomic.Uint64

	mu               sync.RWMutex
	sensitive        SensitiveState
	sensitiveVersion string
	hasCredentials   bool
	state            State
	stateVersion     string

	executingMu sync.RWMutex
	executing   map[string]porpulsionv1alpha1.RemoteApp

	settingsListenersMu sync.Mutex
	settingsListeners   []func(porpulsionv1alpha1.Settings)
}

// NewRegistry creates an empty registry on top of the given blob store.
func NewRegistry(blobs BlobStore, log logr.Logger) *Registry {
	return &Registry{
		blobs:     blobs,
		log:       log.WithName("registry"),
		executing: map[string]porpulsionv1alpha1.RemoteApp{},
	}
}

// Load reads both blobs. Missing blobs leave the zero state in place (first
// boot); any other error is fatal.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, version, err := r.blobs.Load(ctx, BlobSensitive)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &r.sensitive); err != nil {
			return fmt.Errorf("decoding sensitive blob: %w", err)
		}
		r.sensitiveVersion = version
		r.hasCredentials = r.sensitive.CAPem != ""
	case err == ErrNotFound:
		// first boot
	default:
		return err
	}

	data, version, err = r.blobs.Load(ctx, BlobState)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &r.state); err != nil {
			return fmt.Errorf("decoding state blob: %w", err)
		}
		r.stateVersion = version
	case err == ErrNotFound:
		r.state.Settings = porpulsionv1alpha1.DefaultSettings()
	default:
		return err
	}

	r.generation.Add(1)
	return nil
}

// Generation returns a counter that increases on every visible mutation.
// Pollers use it to detect changes cheaply.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

// OnSettingsChange registers a listener invoked (without the registry lock)
// after every settings update.
func (r *Registry) OnSettingsChange(listener func(porpulsionv1alpha1.Settings)) {
	r.settingsListenersMu.Lock()
	defer r.settingsListenersMu.Unlock()
	r.settingsListeners = append(r.settingsListeners, listener)
}

// updateSensitive applies mutate under the writer lock and persists the
// result, retrying on version conflicts by re-reading and re-applying.
func (r *Registry) updateSensitive(ctx context.Context, mutate func(*SensitiveState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < saveAttempts; attempt++ {
		if err := mutate(&r.sensitive); err != nil {
			return err
		}
		data, err := json.Marshal(&r.sensitive)
		if err != nil {
			return fmt.Errorf("encoding sensitive blob: %w", err)
		}
		newVersion, err := r.blobs.Save(ctx, BlobSensitive, data, r.sensitiveVersion)
		if err == nil {
			r.sensitiveVersion = newVersion
			r.generation.Add(1)
			return nil
		}
		if err != ErrConflict {
			// Restore the in-memory copy so it cannot diverge from disk.
			_ = r.reloadSensitiveLocked(ctx)
			return err
		}
		if err := r.reloadSensitiveLocked(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("persisting sensitive blob: %w", ErrConflict)
}

func (r *Registry) reloadSensitiveLocked(ctx context.Context) error {
	data, version, err := r.blobs.Load(ctx, BlobSensitive)
	if err != nil && err != ErrNotFound {
		return err
	}
	fresh := SensitiveState{}
	if err == nil {
		if err := json.Unmarshal(data, &fresh); err != nil {
			return fmt.Errorf("decoding sensitive blob: %w", err)
		}
	}
	r.sensitive = fresh
	r.sensitiveVersion = version
	return nil
}

func (r *Registry) updateState(ctx context.Context, mutate func(*State) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateStateLocked(ctx, mutate)
}

func (r *Registry) updateStateLocked(ctx context.Context, mutate func(*State) error) error {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if err := mutate(&r.state); err != nil {
			return err
		}
		data, err := json.Marshal(&r.state)
		if err != nil {
			return fmt.Errorf("encoding state blob: %w", err)
		}
		newVersion, err := r.blobs.Save(ctx, BlobState, data, r.stateVersion)
		if err == nil {
			r.stateVersion = newVersion
			r.generation.Add(1)
			return nil
		}
		if err != ErrConflict {
			_ = r.reloadStateLocked(ctx)
			return err
		}
		if err := r.reloadStateLocked(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("persisting state blob: %w", ErrConflict)
}

func (r *Registry) reloadStateLocked(ctx context.Context) error {
	data, version, err := r.blobs.Load(ctx, BlobState)
	if err != nil && err != ErrNotFound {
		return err
	}
	fresh := State{Settings: porpulsionv1alpha1.DefaultSettings()}
	if err == nil {
		if err := json.Unmarshal(data, &fresh); err != nil {
			return fmt.Errorf("decoding state blob: %w", err)
		}
	}
	r.state = fresh
	r.stateVersion = version
	return nil
}

// Credentials implements credentials.Persister.
func (r *Registry) Credentials() (credentials.Data, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sensitive.Data, r.hasCredentials
}

// SetCredentials implements credentials.Persister.
func (r *Registry) SetCredentials(ctx context.Context, data credentials.Data) error {
	err := r.updateSensitive(ctx, func(s *SensitiveState) error {
		s.Data = data
		return nil
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.hasCredentials = true
	r.mu.Unlock()
	return nil
}

// CompareAndSwapInviteToken implements credentials.Persister.
func (r *Registry) CompareAndSwapInviteToken(ctx context.Context, old, new string) (bool, error) {
	swapped := false
	err := r.updateSensitive(ctx, func(s *SensitiveState) error {
		if s.InviteToken != old {
			swapped = false
			return nil
		}
		s.InviteToken = new
		swapped = true
		return nil
	})
	return swapped, err
}

// Peers returns a snapshot of all peer records.
func (r *Registry) Peers() []porpulsionv1alpha1.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]porpulsionv1alpha1.Peer, len(r.sensitive.Peers))
	copy(peers, r.sensitive.Peers)
	return peers
}

// Peer returns the peer with the given name.
func (r *Registry) Peer(name string) (porpulsionv1alpha1.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, peer := range r.sensitive.Peers {
		if peer.Name == name {
			return peer, true
		}
	}
	return porpulsionv1alpha1.Peer{}, false
}

// PeerByFingerprint returns the peer pinned to the given CA fingerprint.
func (r *Registry) PeerByFingerprint(fingerprint string) (porpulsionv1alpha1.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, peer := range r.sensitive.Peers {
		if peer.CAFingerprint == fingerprint {
			return peer, true
		}
	}
	return porpulsionv1alpha1.Peer{}, false
}

// UpsertPeer inserts or replaces the peer record with the same name.
func (r *Registry) UpsertPeer(ctx context.Context, peer porpulsionv1alpha1.Peer) error {
	if peer.CAPem == "" {
		return fmt.Errorf("peer %q has no pinned CA", peer.Name)
	}
	return r.updateSensitive(ctx, func(s *SensitiveState) error {
		for i := range s.Peers {
			if s.Peers[i].Name == peer.Name {
				s.Peers[i] = peer
				return nil
			}
		}
		s.Peers = append(s.Peers, peer)
		return nil
	})
}

// UpdatePeerStatus mutates only the status fields of a peer record.
func (r *Registry) UpdatePeerStatus(ctx context.Context, name string, status porpulsionv1alpha1.PeerStatus, lastError string) error {
	return r.updateSensitive(ctx, func(s *SensitiveState) error {
		for i := range s.Peers {
			if s.Peers[i].Name != name {
				continue
			}
			s.Peers[i].Status = status
			s.Peers[i].LastError = lastError
			if status == porpulsionv1alpha1.PeerStatusConnected {
				now := time.Now().UTC()
				s.Peers[i].ConnectedAt = &now
			}
			return nil
		}
		return fmt.Errorf("peer %q not found", name)
	})
}

// RemovePeer deletes the peer record. Removing an unknown peer is a no-op.
func (r *Registry) RemovePeer(ctx context.Context, name string) error {
	return r.updateSensitive(ctx, func(s *SensitiveState) error {
		kept := s.Peers[:0]
		for _, peer := range s.Peers {
			if peer.Name != name {
				kept = append(kept, peer)
			}
		}
		s.Peers = kept
		return nil
	})
}

// SubmittedApps returns a snapshot of all submitted apps.
func (r *Registry) SubmittedApps() []porpulsionv1alpha1.RemoteApp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	apps := make([]porpulsionv1alpha1.RemoteApp, len(r.state.Submitted))
	copy(apps, r.state.Submitted)
	return apps
}

// SubmittedApp returns the submitted app with the given ID.
func (r *Registry) SubmittedApp(id string) (porpulsionv1alpha1.RemoteApp, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, app := range r.state.Submitted {
		if app.ID == id {
			return app, true
		}
	}
	return porpulsionv1alpha1.RemoteApp{}, false
}

// UpsertSubmittedApp inserts or replaces a submitted app record.
func (r *Registry) UpsertSubmittedApp(ctx context.Context, app porpulsionv1alpha1.RemoteApp) error {
	app.UpdatedAt = time.Now().UTC()
	return r.updateState(ctx, func(s *State) error {
		for i := range s.Submitted {
			if s.Submitted[i].ID == app.ID {
				s.Submitted[i] = app
				return nil
			}
		}
		s.Submitted = append(s.Submitted, app)
		return nil
	})
}

// SetSubmittedStatus updates status and message of a submitted app. Unknown
// IDs are ignored (the app may have been deleted concurrently).
func (r *Registry) SetSubmittedStatus(ctx context.Context, id string, status porpulsionv1alpha1.RemoteAppStatus, message string) error {
	return r.updateState(ctx, func(s *State) error {
		for i := range s.Submitted {
			if s.Submitted[i].ID != id {
				continue
			}
			s.Submitted[i].Status = status
			s.Submitted[i].Message = message
			s.Submitted[i].UpdatedAt = time.Now().UTC()
			return nil
		}
		return nil
	})
}

// RemoveSubmittedApp deletes the submitted app record.
func (r *Registry) RemoveSubmittedApp(ctx context.Context, id string) error {
	return r.updateState(ctx, func(s *State) error {
		kept := s.Submitted[:0]
		for _, app := range s.Submitted {
			if app.ID != id {
				kept = append(kept, app)
			}
		}
		s.Submitted = kept
		return nil
	})
}

// ExecutingApps returns a snapshot of the in-memory executing apps. They are
// not persisted; the reconciler rebuilds them from cluster state.
func (r *Registry) ExecutingApps() []porpulsionv1alpha1.RemoteApp {
	r.executingMu.RLock()
	defer r.executingMu.RUnlock()
	apps := make([]porpulsionv1alpha1.RemoteApp, 0, len(r.executing))
	for _, app := range r.executing {
		apps = append(apps, app)
	}
	return apps
}

// ExecutingApp returns the executing app with the given ID.
func (r *Registry) ExecutingApp(id string) (porpulsionv1alpha1.RemoteApp, bool) {
	r.executingMu.RLock()
	defer r.executingMu.RUnlock()
	app, ok := r.executing[id]
	return app, ok
}

// UpsertExecutingApp inserts or replaces an executing app record.
func (r *Registry) UpsertExecutingApp(app porpulsionv1alpha1.RemoteApp) {
	r.executingMu.Lock()
	app.UpdatedAt = time.Now().UTC()
	r.executing[app.ID] = app
	r.executingMu.Unlock()
	r.generation.Add(1)
}

// RemoveExecutingApp drops an executing app record.
func (r *Registry) RemoveExecutingApp(id string) {
	r.executingMu.Lock()
	delete(r.executing, id)
	r.executingMu.Unlock()
	r.generation.Add(1)
}

// PendingApprovals returns a snapshot of queued inbound apps.
func (r *Registry) PendingApprovals() []porpulsionv1alpha1.RemoteApp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	apps := make([]porpulsionv1alpha1.RemoteApp, len(r.state.PendingApproval))
	copy(apps, r.state.PendingApproval)
	return apps
}

// AddPendingApproval queues an inbound app for operator approval.
func (r *Registry) AddPendingApproval(ctx context.Context, app porpulsionv1alpha1.RemoteApp) error {
	return r.updateState(ctx, func(s *State) error {
		for i := range s.PendingApproval {
			if s.PendingApproval[i].ID == app.ID {
				s.PendingApproval[i] = app
				return nil
			}
		}
		s.PendingApproval = append(s.PendingApproval, app)
		return nil
	})
}

// PopPendingApproval removes and returns the queued app with the given ID.
func (r *Registry) PopPendingApproval(ctx context.Context, id string) (porpulsionv1alpha1.RemoteApp, bool, error) {
	var (
		found porpulsionv1alpha1.RemoteApp
		ok    bool
	)
	err := r.updateState(ctx, func(s *State) error {
		kept := s.PendingApproval[:0]
		for _, app := range s.PendingApproval {
			if app.ID == id {
				found = app
				ok = true
				continue
			}
			kept = append(kept, app)
		}
		s.PendingApproval = kept
		return nil
	})
	return found, ok, err
}

// Settings returns the current settings snapshot.
func (r *Registry) Settings() porpulsionv1alpha1.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Settings
}

// UpdateSettings replaces the settings record and notifies listeners.
func (r *Registry) UpdateSettings(ctx context.Context, settings porpulsionv1alpha1.Settings) error {
	if err := r.updateState(ctx, func(s *State) error {
		s.Settings = settings
		return nil
	}); err != nil {
		return err
	}

	r.settingsListenersMu.Lock()
	listeners := make([]func(porpulsionv1alpha1.Settings), len(r.settingsListeners))
	copy(listeners, r.settingsListeners)
	r.settingsListenersMu.Unlock()
	for _, listener := range listeners {
		listener(settings)
	}
	return nil
}

// Notifications returns a snapshot of the notification ring, newest last.
func (r *Registry) Notifications() []porpulsionv1alpha1.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	notifications := make([]porpulsionv1alpha1.Notification, len(r.state.Notifications))
	copy(notifications, r.state.Notifications)
	return notifications
}

// Notify appends a notification, evicting the oldest entry beyond the ring
// bound. Persistence failures are logged, not propagated: a notification must
// never fail the operation that emitted it.
func (r *Registry) Notify(ctx context.Context, level porpulsionv1alpha1.NotificationLevel, title, message string) {
	notification := porpulsionv1alpha1.Notification{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Title:     title,
		Message:   message,
	}
	err := r.updateState(ctx, func(s *State) error {
		s.Notifications = append(s.Notifications, notification)
		if excess := len(s.Notifications) - notificationRingSize; excess > 0 {
			s.Notifications = s.Notifications[excess:]
		}
		return nil
	})
	if err != nil {
		r.log.Error(err, "Failed to persist notification", "title", title)
	}
}

// AckNotification marks a notification as acknowledged.
func (r *Registry) AckNotification(ctx context.Context, id string) error {
	return r.updateState(ctx, func(s *State) error {
		for i := range s.Notifications {
			if s.Notifications[i].ID == id {
				s.Notifications[i].Acked = true
				return nil
			}
		}
		return fmt.Errorf("notification %q not found", id)
	})
}

// ClearNotifications removes all notifications.
func (r *Registry) ClearNotifications(ctx context.Context) error {
	return r.updateState(ctx, func(s *State) error {
		s.Notifications = nil
		return nil
	})
}
