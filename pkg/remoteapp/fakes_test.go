// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package remoteapp_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
)

func errorsAs(err error, target any) bool { return errors.As(err, target) }

// fakeRegistry implements both the submitter and the executor registry
// surfaces in memory.
type fakeRegistry struct {
	mu sync.Mutex

	settings  porpulsionv1alpha1.Settings
	peers     map[string]porpulsionv1alpha1.Peer
	submitted map[string]porpulsionv1alpha1.RemoteApp
	executing map[string]porpulsionv1alpha1.RemoteApp
	approvals map[string]porpulsionv1alpha1.RemoteApp

	notifications []porpulsionv1alpha1.Notification
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		settings:  porpulsionv1alpha1.DefaultSettings(),
		peers:     map[string]porpulsionv1alpha1.Peer{},
		submitted: map[string]porpulsionv1alpha1.RemoteApp{},
		executing: map[string]porpulsionv1alpha1.RemoteApp{},
		approvals: map[string]porpulsionv1alpha1.RemoteApp{},
	}
}

func (f *fakeRegistry) Settings() porpulsionv1alpha1.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeRegistry) Peer(name string) (porpulsionv1alpha1.Peer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	peer, ok := f.peers[name]
	return peer, ok
}

func (f *fakeRegistry) SubmittedApp(id string) (porpulsionv1alpha1.RemoteApp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.submitted[id]
	return app, ok
}

func (f *fakeRegistry) SubmittedApps() []porpulsionv1alpha1.RemoteApp {
	f.mu.Lock()
	defer f.mu.Unlock()
	apps := make([]porpulsionv1alpha1.RemoteApp, 0, len(f.submitted))
	for _, app := range f.submitted {
		apps = append(apps, app)
	}
	return apps
}

func (f *fakeRegistry) UpsertSubmittedApp(_ context.Context, app porpulsionv1alpha1.RemoteApp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted[app.ID] = app
	return nil
}

func (f *fakeRegistry) SetSubmittedStatus(_ context.Context, id string, status porpulsionv1alpha1.RemoteAppStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if app, ok := f.submitted[id]; ok {
		app.Status = status
		app.Message = message
		f.submitted[id] = app
	}
	return nil
}

func (f *fakeRegistry) RemoveSubmittedApp(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.submitted, id)
	return nil
}

func (f *fakeRegistry) ExecutingApp(id string) (porpulsionv1alpha1.RemoteApp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.executing[id]
	return app, ok
}

func (f *fakeRegistry) ExecutingApps() []porpulsionv1alpha1.RemoteApp {
	f.mu.Lock()
	defer f.mu.Unlock()
	apps := make([]porpulsionv1alpha1.RemoteApp, 0, len(f.executing))
	for _, app := range f.executing {
		apps = append(apps, app)
	}
	return apps
}

func (f *fakeRegistry) UpsertExecutingApp(app porpulsionv1alpha1.RemoteApp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executing[app.ID] = app
}

func (f *fakeRegistry) RemoveExecutingApp(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.executing, id)
}

func (f *fakeRegistry) PendingApprovals() []porpulsionv1alpha1.RemoteApp {
	f.mu.Lock()
	defer f.mu.Unlock()
	apps := make([]porpulsionv1alpha1.RemoteApp, 0, len(f.approvals))
	for _, app := range f.approvals {
		apps = append(apps, app)
	}
	return apps
}

func (f *fakeRegistry) AddPendingApproval(_ context.Context, app porpulsionv1alpha1.RemoteApp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals[app.ID] = app
	return nil
}

func (f *fakeRegistry) PopPendingApproval(_ context.Context, id string) (porpulsionv1alpha1.RemoteApp, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.approvals[id]
	if ok {
		delete(f.approvals, id)
	}
	return app, ok, nil
}

func (f *fakeRegistry) Notify(_ context.Context, level porpulsionv1alpha1.NotificationLevel, title, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, porpulsionv1alpha1.Notification{Level: level, Title: title, Message: message})
}

// fakeChannel scripts Send replies and records pushes.
type fakeChannel struct {
	mu      sync.Mutex
	sendErr error
	reply   any
	sent    []sentFrame
	pushes  []sentFrame
}

type sentFrame struct {
	peer      string
	frameType string
	payload   any
}

func (f *fakeChannel) Send(_ context.Context, peer, frameType string, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, sentFrame{peer: peer, frameType: frameType, payload: payload})
	return json.Marshal(f.reply)
}

func (f *fakeChannel) Push(peer, frameType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, sentFrame{peer: peer, frameType: frameType, payload: payload})
	return nil
}

func (f *fakeChannel) sentFrames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

func (f *fakeChannel) pushedFrames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.pushes...)
}
