// Copyright (C) 2016--2021 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"

	"github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
)

// Backend is a source of block-storage clients, one per credential profile.
// the suite never talks to the block-storage API directly: it obtains
// clients from a Backend (through a blockstorage.ClientPool) and uses the
// blockstorage.Client interface exclusively. examples of Backend-s are the
// OpenStack Cinder API client and the in-memory fake used in tests and smoke
// runs.
//
// Dial() may be called concurrently, including for the same profile.
//
// Backend methods are expected to return gRPC-compatible Status errors.
// a pseudo-backend `backend.Wrapper` is used to log entry and exit of the
// calls automatically.
type Backend interface {
	// Type SHALL return a unique human-readable (and preferably short!)
	// string identifying this backend implementation.
	Type() string

	// Profiles SHALL return the names of all credential profiles this
	// backend knows how to authenticate as, sorted.
	Profiles() []string

	// Dial SHALL return a ready-to-use client acting as `profile`, or a
	// NotFound error for unknown profiles.
	Dial(ctx context.Context, profile string) (blockstorage.Client, error)

	// Close releases backend-wide resources. clients already handed out
	// are closed separately.
	Close() error
}
