// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package cinder implements blockstorage.Client on top of the OpenStack
// Block Storage v3 and Compute v2 APIs.
package cinder

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/backups"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/snapshots"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/volumes"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/volumeattach"
	"github.com/gophercloud/gophercloud/v2/pagination"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/grpcutil"
)

const userAgent = "cinder-conformance"

type Client struct {
	id      string
	profile string
	log     *logrus.Entry

	volume  *gophercloud.ServiceClient
	compute *gophercloud.ServiceClient // nil if no compute endpoint.

	tokens    *tokenWatcher
	closeOnce sync.Once
}

// statusCoder is implemented by gophercloud's unexpected response code
// errors.
type statusCoder interface {
	GetStatusCode() int
}

// convertErr turns errors returned by gophercloud into gRPC Status errors,
// keeping the original message.
func convertErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return grpcutil.ErrFromCtxErr(context.Canceled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return grpcutil.ErrFromCtxErr(context.DeadlineExceeded)
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return status.Error(grpcutil.CodeFromHTTPStatus(sc.GetStatusCode()), err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

func newID() string {
	return fmt.Sprintf("%07s", strconv.FormatUint(uint64(rand.Uint32()), 36)) //nolint:gosec
}

func newClient(
	log *logrus.Entry, profile string, volume, compute *gophercloud.ServiceClient,
) *Client {
	id := newID()
	return &Client{
		id:      id,
		profile: profile,
		log: log.WithFields(logrus.Fields{
			"clnt-id": id,
			"profile": profile,
		}),
		volume:  volume,
		compute: compute,
	}
}

// Dial authenticates as credential profile `profile` of `cfg` and returns a
// client bound to the block-storage and compute endpoints of the configured
// region.
func Dial(ctx context.Context, log *logrus.Entry, cfg *Config, profile string) (*Client, error) {
	p, ok := cfg.Profiles[profile]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown credential profile '%s'", profile)
	}
	avail, err := cfg.availability()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	log = log.WithFields(logrus.Fields{
		"profile":  profile,
		"auth-url": cfg.AuthURL,
		"region":   cfg.Region,
	})

	var token string
	if p.TokenPath != "" {
		token, err = readToken(p.TokenPath)
		if err != nil {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
	}

	log.Debug("authenticating")
	provider, err := openstack.AuthenticatedClient(ctx, cfg.authOptions(&p, token))
	if err != nil {
		err = convertErr(err)
		log.WithError(err).Warn("authentication failed")
		return nil, err
	}
	provider.UserAgent.Prepend(userAgent)

	eo := gophercloud.EndpointOpts{Region: cfg.Region, Availability: avail}
	volume, err := openstack.NewBlockStorageV3(provider, eo)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition,
			"no block-storage v3 endpoint found: %s", err)
	}
	volume.Microversion = cfg.VolumeAPIVersion

	compute, err := openstack.NewComputeV2(provider, eo)
	if err != nil {
		log.WithError(err).Warn("no compute endpoint found, attachments unavailable")
		compute = nil
	} else {
		compute.Microversion = cfg.ComputeAPIVersion
	}

	c := newClient(log, profile, volume, compute)
	if p.TokenPath != "" {
		c.tokens, err = watchToken(c.log, p.TokenPath, provider.SetToken)
		if err != nil {
			// the initial token still works until it expires.
			c.log.WithError(err).Warn("token file won't be reloaded")
		}
	}
	c.log.WithField("endpoint", volume.Endpoint).Info("connected")
	return c, nil
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.tokens != nil {
			c.tokens.Close()
		}
		c.log.Debug("closed")
	})
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Profile() string {
	return c.profile
}

// call runs a single API request, normalises its error and logs the outcome.
func (c *Client) call(ctx context.Context, method string, fields logrus.Fields, fn func() error) error {
	log := c.log.WithFields(ctxlogrus.Extract(ctx).Data).WithField("method", method).WithFields(fields)
	log.Debug("entry")
	err := convertErr(fn())
	code := grpcutil.Code(err)
	if err != nil {
		log = log.WithField("error", status.Convert(err).Message())
	}
	log.WithField("code", code).Log(grpcutil.CodeToLogrusLevel(code), "exit")
	return err
}

func (c *Client) RemoteOk(ctx context.Context) error {
	return c.call(ctx, "RemoteOk", nil, func() error {
		pager := volumes.List(c.volume, volumes.ListOpts{Limit: 1})
		return pager.EachPage(ctx, func(context.Context, pagination.Page) (bool, error) {
			return false, nil
		})
	})
}

// volumes: ------------------------------------------------------------------

func volumeFromAPI(v *volumes.Volume) *bs.Volume {
	res := &bs.Volume{
		ID:          v.ID,
		Name:        v.Name,
		Status:      v.Status,
		Size:        v.Size,
		VolumeType:  v.VolumeType,
		SnapshotID:  v.SnapshotID,
		SourceVolID: v.SourceVolID,
		CreatedAt:   v.CreatedAt,
	}
	if v.BackupID != nil {
		res.BackupID = *v.BackupID
	}
	for _, a := range v.Attachments {
		res.Attachments = append(res.Attachments, bs.Attachment{
			ServerID: a.ServerID,
			VolumeID: a.VolumeID,
			Device:   a.Device,
		})
	}
	return res
}

func (c *Client) CreateVolume(ctx context.Context, opts bs.VolumeCreateOpts) (*bs.Volume, error) {
	var res *bs.Volume
	err := c.call(ctx, "CreateVolume", logrus.Fields{
		"vol-name": opts.Name,
		"size":     opts.Size,
	}, func() error {
		v, err := volumes.Create(ctx, c.volume, volumes.CreateOpts{
			Name:        opts.Name,
			Size:        opts.Size,
			VolumeType:  opts.VolumeType,
			SnapshotID:  opts.SnapshotID,
			SourceVolID: opts.SourceVolID,
			BackupID:    opts.BackupID,
		}, nil).Extract()
		if err != nil {
			return err
		}
		res = volumeFromAPI(v)
		return nil
	})
	return res, err
}

func (c *Client) GetVolume(ctx context.Context, id string) (*bs.Volume, error) {
	var res *bs.Volume
	err := c.call(ctx, "GetVolume", logrus.Fields{"vol-id": id}, func() error {
		v, err := volumes.Get(ctx, c.volume, id).Extract()
		if err != nil {
			return err
		}
		res = volumeFromAPI(v)
		return nil
	})
	return res, err
}

func (c *Client) ListVolumes(ctx context.Context) ([]*bs.Volume, error) {
	var res []*bs.Volume
	err := c.call(ctx, "ListVolumes", nil, func() error {
		pages, err := volumes.List(c.volume, volumes.ListOpts{}).AllPages(ctx)
		if err != nil {
			return err
		}
		vols, err := volumes.ExtractVolumes(pages)
		if err != nil {
			return err
		}
		res = make([]*bs.Volume, 0, len(vols))
		for i := range vols {
			res = append(res, volumeFromAPI(&vols[i]))
		}
		return nil
	})
	return res, err
}

func (c *Client) DeleteVolume(ctx context.Context, id string) error {
	return c.call(ctx, "DeleteVolume", logrus.Fields{"vol-id": id}, func() error {
		return volumes.Delete(ctx, c.volume, id, volumes.DeleteOpts{}).ExtractErr()
	})
}

// snapshots: ----------------------------------------------------------------

func snapshotFromAPI(s *snapshots.Snapshot) *bs.Snapshot {
	return &bs.Snapshot{
		ID:        s.ID,
		Name:      s.Name,
		Status:    s.Status,
		VolumeID:  s.VolumeID,
		Size:      s.Size,
		CreatedAt: s.CreatedAt,
	}
}

func (c *Client) CreateSnapshot(ctx context.Context, opts bs.SnapshotCreateOpts) (*bs.Snapshot, error) {
	var res *bs.Snapshot
	err := c.call(ctx, "CreateSnapshot", logrus.Fields{
		"vol-id":    opts.VolumeID,
		"snap-name": opts.Name,
	}, func() error {
		s, err := snapshots.Create(ctx, c.volume, snapshots.CreateOpts{
			VolumeID: opts.VolumeID,
			Name:     opts.Name,
			Force:    opts.Force,
		}).Extract()
		if err != nil {
			return err
		}
		res = snapshotFromAPI(s)
		return nil
	})
	return res, err
}

func (c *Client) GetSnapshot(ctx context.Context, id string) (*bs.Snapshot, error) {
	var res *bs.Snapshot
	err := c.call(ctx, "GetSnapshot", logrus.Fields{"snap-id": id}, func() error {
		s, err := snapshots.Get(ctx, c.volume, id).Extract()
		if err != nil {
			return err
		}
		res = snapshotFromAPI(s)
		return nil
	})
	return res, err
}

func (c *Client) ListSnapshots(ctx context.Context) ([]*bs.Snapshot, error) {
	var res []*bs.Snapshot
	err := c.call(ctx, "ListSnapshots", nil, func() error {
		pages, err := snapshots.List(c.volume, snapshots.ListOpts{}).AllPages(ctx)
		if err != nil {
			return err
		}
		snaps, err := snapshots.ExtractSnapshots(pages)
		if err != nil {
			return err
		}
		res = make([]*bs.Snapshot, 0, len(snaps))
		for i := range snaps {
			res = append(res, snapshotFromAPI(&snaps[i]))
		}
		return nil
	})
	return res, err
}

func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	return c.call(ctx, "DeleteSnapshot", logrus.Fields{"snap-id": id}, func() error {
		return snapshots.Delete(ctx, c.volume, id).ExtractErr()
	})
}

// backups: ------------------------------------------------------------------

func backupFromAPI(b *backups.Backup) *bs.Backup {
	return &bs.Backup{
		ID:          b.ID,
		Name:        b.Name,
		Status:      b.Status,
		VolumeID:    b.VolumeID,
		SnapshotID:  b.SnapshotID,
		Size:        b.Size,
		Incremental: b.IsIncremental,
		FailReason:  b.FailReason,
		CreatedAt:   b.CreatedAt,
	}
}

func (c *Client) CreateBackup(ctx context.Context, opts bs.BackupCreateOpts) (*bs.Backup, error) {
	var res *bs.Backup
	err := c.call(ctx, "CreateBackup", logrus.Fields{
		"vol-id":      opts.VolumeID,
		"backup-name": opts.Name,
		"incremental": opts.Incremental,
	}, func() error {
		b, err := backups.Create(ctx, c.volume, backups.CreateOpts{
			VolumeID:    opts.VolumeID,
			SnapshotID:  opts.SnapshotID,
			Name:        opts.Name,
			Incremental: opts.Incremental,
			Force:       opts.Force,
		}).Extract()
		if err != nil {
			return err
		}
		res = backupFromAPI(b)
		return nil
	})
	return res, err
}

func (c *Client) GetBackup(ctx context.Context, id string) (*bs.Backup, error) {
	var res *bs.Backup
	err := c.call(ctx, "GetBackup", logrus.Fields{"backup-id": id}, func() error {
		b, err := backups.Get(ctx, c.volume, id).Extract()
		if err != nil {
			return err
		}
		res = backupFromAPI(b)
		return nil
	})
	return res, err
}

// ListBackups returns the backups visible to the profile. the summary listing
// is used, so only IDs and names are populated.
func (c *Client) ListBackups(ctx context.Context) ([]*bs.Backup, error) {
	var res []*bs.Backup
	err := c.call(ctx, "ListBackups", nil, func() error {
		pages, err := backups.List(c.volume, backups.ListOpts{}).AllPages(ctx)
		if err != nil {
			return err
		}
		baks, err := backups.ExtractBackups(pages)
		if err != nil {
			return err
		}
		res = make([]*bs.Backup, 0, len(baks))
		for i := range baks {
			res = append(res, backupFromAPI(&baks[i]))
		}
		return nil
	})
	return res, err
}

func (c *Client) DeleteBackup(ctx context.Context, id string) error {
	return c.call(ctx, "DeleteBackup", logrus.Fields{"backup-id": id}, func() error {
		return backups.Delete(ctx, c.volume, id).ExtractErr()
	})
}

func (c *Client) RestoreBackup(
	ctx context.Context, backupID string, opts bs.RestoreOpts,
) (*bs.Restore, error) {
	var res *bs.Restore
	err := c.call(ctx, "RestoreBackup", logrus.Fields{
		"backup-id": backupID,
		"vol-id":    opts.VolumeID,
	}, func() error {
		r, err := backups.RestoreFromBackup(ctx, c.volume, backupID, backups.RestoreOpts{
			VolumeID: opts.VolumeID,
			Name:     opts.Name,
		}).Extract()
		if err != nil {
			return err
		}
		res = &bs.Restore{
			BackupID:   r.BackupID,
			VolumeID:   r.VolumeID,
			VolumeName: r.VolumeName,
		}
		return nil
	})
	return res, err
}

// attachments: --------------------------------------------------------------

func (c *Client) noCompute() error {
	return status.Error(codes.Unimplemented, "no compute endpoint available")
}

func (c *Client) AttachVolume(ctx context.Context, serverID, volumeID string) (*bs.Attachment, error) {
	var res *bs.Attachment
	err := c.call(ctx, "AttachVolume", logrus.Fields{
		"server-id": serverID,
		"vol-id":    volumeID,
	}, func() error {
		if c.compute == nil {
			return c.noCompute()
		}
		a, err := volumeattach.Create(ctx, c.compute, serverID, volumeattach.CreateOpts{
			VolumeID: volumeID,
		}).Extract()
		if err != nil {
			return err
		}
		res = &bs.Attachment{
			ServerID: a.ServerID,
			VolumeID: a.VolumeID,
			Device:   a.Device,
		}
		return nil
	})
	return res, err
}

func (c *Client) DetachVolume(ctx context.Context, serverID, volumeID string) error {
	return c.call(ctx, "DetachVolume", logrus.Fields{
		"server-id": serverID,
		"vol-id":    volumeID,
	}, func() error {
		if c.compute == nil {
			return c.noCompute()
		}
		return volumeattach.Delete(ctx, c.compute, serverID, volumeID).ExtractErr()
	})
}
