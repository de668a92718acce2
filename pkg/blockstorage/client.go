// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package blockstorage

import (
	"context"
	"time"
)

// resource statuses as reported by the block-storage API. not an exhaustive
// list, only the ones the suite waits for or treats specially.
const (
	StatusCreating        = "creating"
	StatusAvailable       = "available"
	StatusDeleting        = "deleting"
	StatusError           = "error"
	StatusErrorDeleting   = "error_deleting"
	StatusErrorRestoring  = "error_restoring"
	StatusErrorExtending  = "error_extending"
	StatusErrorBackingUp  = "error_backing-up"
	StatusInUse           = "in-use"
	StatusAttaching       = "attaching"
	StatusDetaching       = "detaching"
	StatusBackingUp       = "backing-up"
	StatusRestoringBackup = "restoring-backup"
	StatusRestoring       = "restoring" // backups only.
)

// IsErrorStatus reports whether `status` is one of the terminal failure
// statuses a resource can end up in.
func IsErrorStatus(status string) bool {
	switch status {
	case StatusError,
		StatusErrorDeleting,
		StatusErrorRestoring,
		StatusErrorExtending,
		StatusErrorBackingUp:
		return true
	}
	return false
}

type Attachment struct {
	ServerID string
	VolumeID string
	Device   string
}

type Volume struct {
	ID          string
	Name        string
	Status      string
	Size        int // GiB
	VolumeType  string
	SnapshotID  string
	SourceVolID string
	BackupID    string
	Attachments []Attachment
	CreatedAt   time.Time
}

// IsAttachedTo reports whether the volume is attached to `serverID`.
func (v *Volume) IsAttachedTo(serverID string) bool {
	for _, a := range v.Attachments {
		if a.ServerID == serverID {
			return true
		}
	}
	return false
}

type Snapshot struct {
	ID        string
	Name      string
	Status    string
	VolumeID  string
	Size      int
	CreatedAt time.Time
}

type Backup struct {
	ID          string
	Name        string
	Status      string
	VolumeID    string
	SnapshotID  string
	Size        int
	Incremental bool
	FailReason  string
	CreatedAt   time.Time
}

// Restore describes the volume a backup is being restored into.
type Restore struct {
	BackupID   string
	VolumeID   string
	VolumeName string
}

type VolumeCreateOpts struct {
	Name       string
	Size       int // GiB
	VolumeType string

	// at most one of these should be set:
	SnapshotID  string
	SourceVolID string
	BackupID    string
}

type SnapshotCreateOpts struct {
	Name     string
	VolumeID string
	Force    bool // snapshot in-use volumes
}

type BackupCreateOpts struct {
	Name        string
	VolumeID    string
	SnapshotID  string
	Incremental bool
	Force       bool // back up in-use volumes
}

type RestoreOpts struct {
	// restore into an existing volume. if empty - a new volume is created.
	VolumeID string
	Name     string
}

// Client is the suite's view of the block-storage API, as seen by a single
// credential profile. all errors returned are gRPC Status based (q.v.
// grpcutil.CodeFromHTTPStatus()), e.g. PermissionDenied for policy
// violations, NotFound for missing resources.
//
// create and delete calls are non-blocking: they return as soon as the API
// accepted the request, use the waiters to wait for the outcome.
type Client interface {
	Close()
	// ID() returns a unique opaque string ID of this client.
	ID() string
	// Profile() returns the name of the credential profile this client
	// acts as.
	Profile() string

	RemoteOk(ctx context.Context) error

	CreateVolume(ctx context.Context, opts VolumeCreateOpts) (*Volume, error)
	GetVolume(ctx context.Context, id string) (*Volume, error)
	ListVolumes(ctx context.Context) ([]*Volume, error)
	DeleteVolume(ctx context.Context, id string) error

	CreateSnapshot(ctx context.Context, opts SnapshotCreateOpts) (*Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	ListSnapshots(ctx context.Context) ([]*Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error

	CreateBackup(ctx context.Context, opts BackupCreateOpts) (*Backup, error)
	GetBackup(ctx context.Context, id string) (*Backup, error)
	ListBackups(ctx context.Context) ([]*Backup, error)
	DeleteBackup(ctx context.Context, id string) error
	RestoreBackup(ctx context.Context, backupID string, opts RestoreOpts) (*Restore, error)

	AttachVolume(ctx context.Context, serverID, volumeID string) (*Attachment, error)
	DetachVolume(ctx context.Context, serverID, volumeID string) error
}
