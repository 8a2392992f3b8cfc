// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package store implements the agent's durable state: two logical blobs (one
// sensitive, one plain) behind a BlobStore abstraction, and the in-memory
// state registry that is the single writer of both.
package store

import (
	"context"
	"errors"
)

const (
	// BlobSensitive holds keypairs, the invite token and pinned peer CAs.
	BlobSensitive = "sensitive"
	// BlobState holds submitted apps, approvals, settings and notifications.
	BlobState = "state"
)

// ErrConflict is returned by Save when the blob changed since it was loaded.
// The caller re-reads and retries.
var ErrConflict = errors.New("blob version conflict")

// ErrNotFound is returned by Load when the blob does not exist yet.
var ErrNotFound = errors.New("blob not found")

// BlobStore reads and writes opaque state blobs with optimistic concurrency.
// The version token is opaque; pass the value observed by Load back into
// Save. An empty version means "create, must not exist".
type BlobStore interface {
	Load(ctx context.Context, name string) (data []byte, version string, err error)
	Save(ctx context.Context, name string, data []byte, version string) (newVersion string, err error)
}
