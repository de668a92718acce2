// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package fake

import (
	"context"
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/grpcutil"
)

var clientSeq uint64

// Client acts on a Cloud as a single credential profile.
type Client struct {
	cloud   *Cloud
	profile string
	id      string
	closed  int32
}

// Client returns a new client of `profile`.
func (c *Cloud) Client(profile string) *Client {
	return &Client{
		cloud:   c,
		profile: profile,
		id:      fmt.Sprintf("fake-%s-%d", profile, atomic.AddUint64(&clientSeq, 1)),
	}
}

// Dial has the signature of blockstorage.DialFunc.
func (c *Cloud) Dial(ctx context.Context, profile string) (bs.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, grpcutil.ErrFromCtxErr(err)
	}
	return c.Client(profile), nil
}

func (cl *Client) Close() {
	atomic.StoreInt32(&cl.closed, 1)
}

func (cl *Client) ID() string {
	return cl.id
}

func (cl *Client) Profile() string {
	return cl.profile
}

// enter locks the cloud and performs the common pre-flight checks. on
// success the caller must unlock cl.cloud.mu.
func (cl *Client) enter(ctx context.Context, op string) error {
	if atomic.LoadInt32(&cl.closed) != 0 {
		return status.Error(codes.Canceled, "client is closed")
	}
	if err := ctx.Err(); err != nil {
		return grpcutil.ErrFromCtxErr(err)
	}
	cl.cloud.mu.Lock()
	if err := cl.cloud.begin(cl.profile, op); err != nil {
		cl.cloud.mu.Unlock()
		return err
	}
	return nil
}

func (cl *Client) RemoteOk(ctx context.Context) error {
	if err := cl.enter(ctx, OpRemoteOk); err != nil {
		return err
	}
	cl.cloud.mu.Unlock()
	return nil
}

// volumes: ------------------------------------------------------------------

func (cl *Client) volume(id string) (*volume, error) {
	c := cl.cloud
	v, ok := c.volumes[id]
	if !ok || !c.visible(cl.profile, &v.resource) {
		return nil, notFound("volume", id)
	}
	return v, nil
}

func (v *volume) export() *bs.Volume {
	out := v.Volume
	out.Status = v.status
	out.Attachments = append([]bs.Attachment(nil), v.Attachments...)
	return &out
}

func (cl *Client) CreateVolume(ctx context.Context, opts bs.VolumeCreateOpts) (*bs.Volume, error) {
	if err := cl.enter(ctx, OpVolumeCreate); err != nil {
		return nil, err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	sources := 0
	for _, id := range []string{opts.SnapshotID, opts.SourceVolID, opts.BackupID} {
		if id != "" {
			sources++
		}
	}
	if sources > 1 {
		return nil, status.Error(codes.InvalidArgument,
			"snapshot, source volume and backup are mutually exclusive")
	}
	size := opts.Size
	switch {
	case opts.SnapshotID != "":
		s, ok := c.snapshots[opts.SnapshotID]
		if !ok || !c.visible(cl.profile, &s.resource) {
			return nil, notFound("snapshot", opts.SnapshotID)
		}
		if s.status != bs.StatusAvailable {
			return nil, status.Errorf(codes.InvalidArgument,
				"snapshot %s status must be available, is: %s", s.ID, s.status)
		}
		if size == 0 {
			size = s.Size
		} else if size < s.Size {
			return nil, status.Errorf(codes.InvalidArgument,
				"volume size %dGiB cannot be smaller than the snapshot size %dGiB",
				size, s.Size)
		}
	case opts.SourceVolID != "":
		src, err := cl.volume(opts.SourceVolID)
		if err != nil {
			return nil, err
		}
		if src.status != bs.StatusAvailable && src.status != bs.StatusInUse {
			return nil, status.Errorf(codes.InvalidArgument,
				"source volume %s status must be available or in-use, is: %s",
				src.ID, src.status)
		}
		if size == 0 {
			size = src.Size
		} else if size < src.Size {
			return nil, status.Errorf(codes.InvalidArgument,
				"volume size %dGiB cannot be smaller than the source volume size %dGiB",
				size, src.Size)
		}
	case opts.BackupID != "":
		b, err := cl.backup(opts.BackupID)
		if err != nil {
			return nil, err
		}
		if b.status != bs.StatusAvailable {
			return nil, status.Errorf(codes.InvalidArgument,
				"backup %s status must be available, is: %s", b.ID, b.status)
		}
		if size == 0 {
			size = b.Size
		} else if size < b.Size {
			return nil, status.Errorf(codes.InvalidArgument,
				"volume size %dGiB cannot be smaller than the backup size %dGiB",
				size, b.Size)
		}
	}
	if size <= 0 {
		return nil, status.Errorf(codes.InvalidArgument,
			"volume size must be a positive integer, got: %d", opts.Size)
	}

	v := &volume{
		resource: resource{project: c.projectOf(cl.profile)},
		Volume: bs.Volume{
			ID:          newID(),
			Name:        opts.Name,
			Size:        size,
			VolumeType:  opts.VolumeType,
			SnapshotID:  opts.SnapshotID,
			SourceVolID: opts.SourceVolID,
			BackupID:    opts.BackupID,
			CreatedAt:   now(),
		},
	}
	v.transition(c.settlePolls, bs.StatusCreating, bs.StatusAvailable, nil)
	c.volumes[v.ID] = v
	return v.export(), nil
}

func (cl *Client) GetVolume(ctx context.Context, id string) (*bs.Volume, error) {
	if err := cl.enter(ctx, OpVolumeShow); err != nil {
		return nil, err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	v, err := cl.volume(id)
	if err != nil {
		return nil, err
	}
	if v.settle() {
		delete(c.volumes, id)
		return nil, notFound("volume", id)
	}
	return v.export(), nil
}

func (cl *Client) ListVolumes(ctx context.Context) ([]*bs.Volume, error) {
	if err := cl.enter(ctx, OpVolumeList); err != nil {
		return nil, err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	res := []*bs.Volume{}
	for _, id := range sortedKeys(c.volumes) {
		v := c.volumes[id]
		if c.visible(cl.profile, &v.resource) {
			res = append(res, v.export())
		}
	}
	return res, nil
}

func (cl *Client) DeleteVolume(ctx context.Context, id string) error {
	if err := cl.enter(ctx, OpVolumeDelete); err != nil {
		return err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	v, err := cl.volume(id)
	if err != nil {
		return err
	}
	switch v.status {
	case bs.StatusAvailable, bs.StatusError, bs.StatusErrorRestoring, bs.StatusErrorExtending:
	case bs.StatusDeleting:
		return nil
	default:
		return status.Errorf(codes.InvalidArgument,
			"volume %s status must be available or error, is: %s", id, v.status)
	}
	deps := 0
	for _, s := range c.snapshots {
		if s.VolumeID == id {
			deps++
		}
	}
	if deps != 0 {
		return status.Errorf(codes.Aborted,
			"volume %s still has %d dependent snapshots", id, deps)
	}
	if v.transition(c.settlePolls, bs.StatusDeleting, "", nil) {
		delete(c.volumes, id)
	}
	return nil
}

// snapshots: ----------------------------------------------------------------

func (cl *Client) snapshot(id string) (*snapshot, error) {
	c := cl.cloud
	s, ok := c.snapshots[id]
	if !ok || !c.visible(cl.profile, &s.resource) {
		return nil, notFound("snapshot", id)
	}
	return s, nil
}

func (s *snapshot) export() *bs.Snapshot {
	out := s.Snapshot
	out.Status = s.status
	return &out
}

func (cl *Client) CreateSnapshot(
	ctx context.Context, opts bs.SnapshotCreateOpts,
) (*bs.Snapshot, error) {
	if err := cl.enter(ctx, OpSnapshotCreate); err != nil {
		return nil, err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	v, err := cl.volume(opts.VolumeID)
	if err != nil {
		return nil, err
	}
	if !(v.status == bs.StatusAvailable || v.status == bs.StatusInUse && opts.Force) {
		return nil, status.Errorf(codes.InvalidArgument,
			"volume %s status must be available, is: %s", v.ID, v.status)
	}
	s := &snapshot{
		resource: resource{project: c.projectOf(cl.profile)},
		Snapshot: bs.Snapshot{
			ID:        newID(),
			Name:      opts.Name,
			VolumeID:  v.ID,
			Size:      v.Size,
			CreatedAt: now(),
		},
	}
	s.transition(c.settlePolls, bs.StatusCreating, bs.StatusAvailable, nil)
	c.snapshots[s.ID] = s
	return s.export(), nil
}

func (cl *Client) GetSnapshot(ctx context.Context, id string) (*bs.Snapshot, error) {
	if err := cl.enter(ctx, OpSnapshotShow); err != nil {
		return nil, err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	s, err := cl.snapshot(id)
	if err != nil {
		return nil, err
	}
	if s.settle() {
		delete(c.snapshots, id)
		return nil, notFound("snapshot", id)
	}
	return s.export(), nil
}

func (cl *Client) ListSnapshots(ctx context.Context) ([]*bs.Snapshot, error) {
	if err := cl.enter(ctx, OpSnapshotList); err != nil {
		return nil, err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	res := []*bs.Snapshot{}
	for _, id := range sortedKeys(c.snapshots) {
		s := c.snapshots[id]
		if c.visible(cl.profile, &s.resource) {
			res = append(res, s.export())
		}
	}
	return res, nil
}

func (cl *Client) DeleteSnapshot(ctx context.Context, id string) error {
	if err := cl.enter(ctx, OpSnapshotDelete); err != nil {
		return err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	s, err := cl.snapshot(id)
	if err != nil {
		return err
	}
	switch s.status {
	case bs.StatusAvailable, bs.StatusError:
	case bs.StatusDeleting:
		return nil
	default:
		return status.Errorf(codes.InvalidArgument,
			"snapshot %s status must be available or error, is: %s", id, s.status)
	}
	for _, v := range c.volumes {
		if v.SnapshotID == id && v.status == bs.StatusCreating {
			return status.Errorf(codes.Aborted,
				"snapshot %s is in use by volume %s being created", id, v.ID)
		}
	}
	if s.transition(c.settlePolls, bs.StatusDeleting, "", nil) {
		delete(c.snapshots, id)
	}
	return nil
}

// backups: ------------------------------------------------------------------

func (cl *Client) backup(id string) (*backup, error) {
	c := cl.cloud
	b, ok := c.backups[id]
	if !ok || !c.visible(cl.profile, &b.resource) {
		return nil, notFound("backup", id)
	}
	return b, nil
}

func (b *backup) export() *bs.Backup {
	out := b.Backup
	out.Status = b.status
	return &out
}

func (cl *Client) CreateBackup(ctx context.Context, opts bs.BackupCreateOpts) (*bs.Backup, error) {
	if err := cl.enter(ctx, OpBackupCreate); err != nil {
		return nil, err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	v, err := cl.volume(opts.VolumeID)
	if err != nil {
		return nil, err
	}
	if !(v.status == bs.StatusAvailable || v.status == bs.StatusInUse && opts.Force) {
		return nil, status.Errorf(codes.InvalidArgument,
			"volume %s status must be available, is: %s", v.ID, v.status)
	}
	if opts.SnapshotID != "" {
		s, err := cl.snapshot(opts.SnapshotID)
		if err != nil {
			return nil, err
		}
		if s.VolumeID != v.ID {
			return nil, status.Errorf(codes.InvalidArgument,
				"snapshot %s is not a snapshot of volume %s", s.ID, v.ID)
		}
	}
	if opts.Incremental {
		parent := false
		for _, b := range c.backups {
			if b.VolumeID == v.ID && b.status == bs.StatusAvailable {
				parent = true
				break
			}
		}
		if !parent {
			return nil, status.Errorf(codes.InvalidArgument,
				"no full backup of volume %s to base an incremental backup on", v.ID)
		}
	}

	b := &backup{
		resource: resource{project: c.projectOf(cl.profile)},
		Backup: bs.Backup{
			ID:          newID(),
			Name:        opts.Name,
			VolumeID:    v.ID,
			SnapshotID:  opts.SnapshotID,
			Size:        v.Size,
			Incremental: opts.Incremental,
			CreatedAt:   now(),
		},
	}
	prev := v.status
	v.status = bs.StatusBackingUp
	b.transition(c.settlePolls, bs.StatusCreating, bs.StatusAvailable, func() {
		if v.status == bs.StatusBackingUp {
			v.status = prev
		}
	})
	c.backups[b.ID] = b
	return b.export(), nil
}

func (cl *Client) GetBackup(ctx context.Context, id string) (*bs.Backup, error) {
	if err := cl.enter(ctx, OpBackupShow); err != nil {
		return nil, err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	b, err := cl.backup(id)
	if err != nil {
		return nil, err
	}
	if b.settle() {
		delete(c.backups, id)
		return nil, notFound("backup", id)
	}
	return b.export(), nil
}

func (cl *Client) ListBackups(ctx context.Context) ([]*bs.Backup, error) {
	if err := cl.enter(ctx, OpBackupList); err != nil {
		return nil, err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	res := []*bs.Backup{}
	for _, id := range sortedKeys(c.backups) {
		b := c.backups[id]
		if c.visible(cl.profile, &b.resource) {
			res = append(res, b.export())
		}
	}
	return res, nil
}

func (cl *Client) DeleteBackup(ctx context.Context, id string) error {
	if err := cl.enter(ctx, OpBackupDelete); err != nil {
		return err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	b, err := cl.backup(id)
	if err != nil {
		return err
	}
	switch b.status {
	case bs.StatusAvailable, bs.StatusError:
	case bs.StatusDeleting:
		return nil
	default:
		return status.Errorf(codes.InvalidArgument,
			"backup %s status must be available or error, is: %s", id, b.status)
	}
	if b.transition(c.settlePolls, bs.StatusDeleting, "", nil) {
		delete(c.backups, id)
	}
	return nil
}

func (cl *Client) RestoreBackup(
	ctx context.Context, backupID string, opts bs.RestoreOpts,
) (*bs.Restore, error) {
	if err := cl.enter(ctx, OpBackupRestore); err != nil {
		return nil, err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	b, err := cl.backup(backupID)
	if err != nil {
		return nil, err
	}
	if b.status != bs.StatusAvailable {
		return nil, status.Errorf(codes.InvalidArgument,
			"backup %s status must be available, is: %s", b.ID, b.status)
	}

	var v *volume
	if opts.VolumeID != "" {
		v, err = cl.volume(opts.VolumeID)
		if err != nil {
			return nil, err
		}
		if v.status != bs.StatusAvailable {
			return nil, status.Errorf(codes.InvalidArgument,
				"volume %s status must be available, is: %s", v.ID, v.status)
		}
		if v.Size < b.Size {
			return nil, status.Errorf(codes.InvalidArgument,
				"volume %s size %dGiB is smaller than backup %s size %dGiB",
				v.ID, v.Size, b.ID, b.Size)
		}
	} else {
		name := opts.Name
		if name == "" {
			name = "restore_backup_" + b.ID
		}
		v = &volume{
			resource: resource{project: c.projectOf(cl.profile)},
			Volume: bs.Volume{
				ID:        newID(),
				Name:      name,
				Size:      b.Size,
				CreatedAt: now(),
			},
		}
		c.volumes[v.ID] = v
	}

	b.status = bs.StatusRestoring
	v.transition(c.settlePolls, bs.StatusRestoringBackup, bs.StatusAvailable, func() {
		if b.status == bs.StatusRestoring {
			b.status = bs.StatusAvailable
		}
	})
	return &bs.Restore{
		BackupID:   b.ID,
		VolumeID:   v.ID,
		VolumeName: v.Name,
	}, nil
}

// attachments: --------------------------------------------------------------

func (cl *Client) AttachVolume(ctx context.Context, serverID, volumeID string) (*bs.Attachment, error) {
	if err := cl.enter(ctx, OpVolumeAttach); err != nil {
		return nil, err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	if !c.servers[serverID] {
		return nil, notFound("server", serverID)
	}
	v, err := cl.volume(volumeID)
	if err != nil {
		return nil, err
	}
	if v.status != bs.StatusAvailable {
		return nil, status.Errorf(codes.InvalidArgument,
			"volume %s status must be available, is: %s", v.ID, v.status)
	}

	// device names are handed out in attachment order, starting past the
	// root disk:
	n := 0
	for _, ov := range c.volumes {
		if ov.IsAttachedTo(serverID) || ov.pendingAttach == serverID {
			n++
		}
	}
	att := bs.Attachment{
		ServerID: serverID,
		VolumeID: v.ID,
		Device:   fmt.Sprintf("/dev/vd%c", 'b'+n%25),
	}
	v.pendingAttach = serverID
	v.transition(c.settlePolls, bs.StatusAttaching, bs.StatusInUse, func() {
		v.pendingAttach = ""
		v.Attachments = append(v.Attachments, att)
	})
	return &att, nil
}

func (cl *Client) DetachVolume(ctx context.Context, serverID, volumeID string) error {
	if err := cl.enter(ctx, OpVolumeDetach); err != nil {
		return err
	}
	c := cl.cloud
	defer c.mu.Unlock()

	if !c.servers[serverID] {
		return notFound("server", serverID)
	}
	v, err := cl.volume(volumeID)
	if err != nil {
		return err
	}
	if !v.IsAttachedTo(serverID) {
		return status.Errorf(codes.NotFound,
			"volume %s is not attached to server %s", volumeID, serverID)
	}
	if v.status != bs.StatusInUse {
		return status.Errorf(codes.InvalidArgument,
			"volume %s status must be in-use, is: %s", v.ID, v.status)
	}
	v.transition(c.settlePolls, bs.StatusDetaching, bs.StatusAvailable, func() {
		atts := v.Attachments[:0]
		for _, a := range v.Attachments {
			if a.ServerID != serverID {
				atts = append(atts, a)
			}
		}
		v.Attachments = atts
	})
	return nil
}
