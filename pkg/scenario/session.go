// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/concurrent"
	"github.com/lightbitslabs/cinder-conformance/pkg/grpcutil"
	"github.com/lightbitslabs/cinder-conformance/pkg/util/strlist"
)

// keyword arguments understood by the create tasks. list values are
// per-worker (q.v. concurrent.Args).
const (
	argVolumeID    = "volume_id"
	argSnapshotID  = "snapshot_id"
	argSourceVolID = "source_volid"
	argBackupID    = "backup_id"
	argServerID    = "server_id"
	argName        = "name"
	argIncremental = "incremental"
)

type kind string

const (
	kindVolume   kind = "volume"
	kindSnapshot kind = "snapshot"
	kindBackup   kind = "backup"
)

type cleanupFn func(ctx context.Context) error

type cleanupItem struct {
	what string
	fn   cleanupFn
}

// session is a single scenario run: a client of the resource-creating
// profile and the cleanups of everything created through it.
type session struct {
	env      *Env
	scenario string
	log      *logrus.Entry
	c        bs.Client

	mu       sync.Mutex
	cleanups []cleanupItem
	// set once cleanup started, resources tracked afterwards are removed
	// on the spot.
	closed bool
}

// withSession runs `fn` and then undoes everything it created, in reverse
// order of creation. cleanup failures are reported along with the failure of
// `fn`, if any.
func withSession(
	ctx context.Context, env *Env, scenario string, fn func(ctx context.Context, s *session) error,
) error {
	log := env.Log.WithField("scenario", scenario)
	return env.Pool.WithClient(ctx, env.Profile, func(c bs.Client) error {
		s := &session{
			env:      env,
			scenario: scenario,
			log:      log.WithField("clnt-id", c.ID()),
			c:        c,
		}
		err := fn(ctx, s)
		// cleanup still has to happen if the run was cancelled:
		cerr := s.cleanup(context.WithoutCancel(ctx))
		if cerr != nil {
			s.log.WithError(cerr).Error("cleanup failed")
		}
		switch {
		case err == nil:
			return cerr
		case cerr == nil:
			return err
		}
		return multierror.Append(err, cerr)
	})
}

// track registers the cleanup of a newly created resource. workers abandoned
// by a worker timeout may still create resources after the session was
// cleaned up, those are removed right away.
func (s *session) track(what string, fn cleanupFn) {
	s.mu.Lock()
	if !s.closed {
		s.cleanups = append(s.cleanups, cleanupItem{what: what, fn: fn})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	log := s.log.WithField("resource", what)
	log.Warn("resource created after cleanup, removing it")
	if err := fn(context.Background()); err != nil {
		log.WithError(err).Error("failed to remove late resource")
	}
}

func (s *session) cleanup(ctx context.Context) error {
	s.mu.Lock()
	items := s.cleanups
	s.cleanups = nil
	s.closed = true
	s.mu.Unlock()

	s.log.WithField("resources", len(items)).Debug("cleaning up")
	var merr *multierror.Error
	for i := len(items) - 1; i >= 0; i-- {
		if err := items[i].fn(ctx); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "failed to clean up %s", items[i].what))
		}
	}
	return merr.ErrorOrNil()
}

func (s *session) name(k kind, index int) string {
	return fmt.Sprintf("%s-%s-%d", s.env.namePrefix(), k, index)
}

func (s *session) workerLog(index int) *logrus.Entry {
	return s.log.WithField("worker", index)
}

// removeFn returns a cleanup deleting resource `id` and waiting for it to
// disappear. a resource that is still busy is given a chance to settle
// before the deletion is retried once.
func (s *session) removeFn(k kind, id string) cleanupFn {
	var (
		del    func(ctx context.Context, id string) error
		settle func(ctx context.Context) error
		gone   func(ctx context.Context) error
	)
	bo := s.env.Backoff
	switch k {
	case kindVolume:
		del = s.c.DeleteVolume
		settle = func(ctx context.Context) error {
			_, err := bs.WaitForVolumeStatus(ctx, s.log, s.c, bo, id, bs.StatusAvailable)
			return err
		}
		gone = func(ctx context.Context) error {
			return bs.WaitForVolumeDeletion(ctx, s.log, s.c, bo, id)
		}
	case kindSnapshot:
		del = s.c.DeleteSnapshot
		settle = func(ctx context.Context) error {
			_, err := bs.WaitForSnapshotStatus(ctx, s.log, s.c, bo, id, bs.StatusAvailable)
			return err
		}
		gone = func(ctx context.Context) error {
			return bs.WaitForSnapshotDeletion(ctx, s.log, s.c, bo, id)
		}
	case kindBackup:
		del = s.c.DeleteBackup
		settle = func(ctx context.Context) error {
			_, err := bs.WaitForBackupStatus(ctx, s.log, s.c, bo, id, bs.StatusAvailable)
			return err
		}
		gone = func(ctx context.Context) error {
			return bs.WaitForBackupDeletion(ctx, s.log, s.c, bo, id)
		}
	default:
		panic(fmt.Sprintf("BUG: unsupported resource kind '%s'", k))
	}

	return func(ctx context.Context) error {
		err := del(ctx, id)
		if grpcutil.Code(err) == codes.InvalidArgument {
			// resources in error states are deletable too, so only a
			// failure to settle at all is final:
			if serr := settle(ctx); serr != nil && grpcutil.Code(serr) != codes.Aborted {
				return err
			}
			err = del(ctx, id)
		}
		if grpcutil.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return gone(ctx)
	}
}

// detachFn returns a cleanup detaching volume `volumeID` from server
// `serverID`, if it is attached, and waiting for it to become available.
func (s *session) detachFn(serverID, volumeID string) cleanupFn {
	bo := s.env.Backoff
	return func(ctx context.Context) error {
		vol, err := s.c.GetVolume(ctx, volumeID)
		if err != nil {
			if grpcutil.IsNotFound(err) {
				return nil
			}
			return err
		}
		if vol.Status == bs.StatusAttaching {
			vol, err = bs.WaitForVolumeStatus(ctx, s.log, s.c, bo, volumeID, bs.StatusInUse)
			if err != nil {
				return err
			}
		}
		if !vol.IsAttachedTo(serverID) {
			return nil
		}
		if err := s.c.DetachVolume(ctx, serverID, volumeID); err != nil {
			if grpcutil.IsNotFound(err) {
				return nil
			}
			return err
		}
		_, err = bs.WaitForVolumeStatus(ctx, s.log, s.c, bo, volumeID, bs.StatusAvailable)
		return err
	}
}

// createFn is the unit of work of the concurrent create steps: it creates a
// single resource from the worker's arguments, waits for it to become usable
// and returns its ID.
type createFn func(ctx context.Context, index int, args concurrent.Args) (string, error)

// runCreate runs `create` in Env.Workers concurrent workers. every resource is
// tracked for cleanup as soon as it exists, so resources created by a run that
// ultimately failed are removed as well.
func (s *session) runCreate(
	ctx context.Context, step string, create createFn, args concurrent.Args,
) ([]string, error) {
	ids, err := concurrent.Run(ctx, concurrent.Returning(create), s.env.Workers, args,
		s.env.runOpts(s.log.WithField("step", step), s.scenario+":"+step)...)
	if err != nil {
		return nil, errors.Wrapf(err, "%s failed", step)
	}
	if len(strlist.CopyUniqueSorted(ids)) != len(ids) {
		return nil, errors.Errorf("%s returned duplicate IDs: %v", step, ids)
	}
	s.log.WithFields(logrus.Fields{
		"step":  step,
		"count": len(ids),
	}).Info("resources created")
	return ids, nil
}

func (s *session) createVolume(ctx context.Context, index int, args concurrent.Args) (string, error) {
	name := args.String(argName)
	if name == "" {
		name = s.name(kindVolume, index)
	}
	vol, err := s.c.CreateVolume(ctx, bs.VolumeCreateOpts{
		Name:        name,
		Size:        s.env.VolumeSize,
		VolumeType:  s.env.VolumeType,
		SnapshotID:  args.String(argSnapshotID),
		SourceVolID: args.String(argSourceVolID),
		BackupID:    args.String(argBackupID),
	})
	if err != nil {
		return "", err
	}
	s.track("volume "+vol.ID, s.removeFn(kindVolume, vol.ID))
	_, err = bs.WaitForVolumeStatus(ctx, s.workerLog(index), s.c, s.env.Backoff,
		vol.ID, bs.StatusAvailable)
	if err != nil {
		return "", err
	}
	return vol.ID, nil
}

func (s *session) createSnapshot(ctx context.Context, index int, args concurrent.Args) (string, error) {
	snap, err := s.c.CreateSnapshot(ctx, bs.SnapshotCreateOpts{
		Name:     s.name(kindSnapshot, index),
		VolumeID: args.String(argVolumeID),
	})
	if err != nil {
		return "", err
	}
	s.track("snapshot "+snap.ID, s.removeFn(kindSnapshot, snap.ID))
	_, err = bs.WaitForSnapshotStatus(ctx, s.workerLog(index), s.c, s.env.Backoff,
		snap.ID, bs.StatusAvailable)
	if err != nil {
		return "", err
	}
	return snap.ID, nil
}

// createBackup backs up the worker's volume and waits for the backup and the
// volume to both become available. the backup is incremental if
// argIncremental is set.
func (s *session) createBackup(ctx context.Context, index int, args concurrent.Args) (string, error) {
	volID := args.String(argVolumeID)
	bak, err := s.c.CreateBackup(ctx, bs.BackupCreateOpts{
		Name:        s.name(kindBackup, index),
		VolumeID:    volID,
		Incremental: args.Bool(argIncremental),
	})
	if err != nil {
		return "", err
	}
	s.track("backup "+bak.ID, s.removeFn(kindBackup, bak.ID))
	log := s.workerLog(index)
	_, err = bs.WaitForBackupStatus(ctx, log, s.c, s.env.Backoff, bak.ID, bs.StatusAvailable)
	if err != nil {
		return "", err
	}
	_, err = bs.WaitForVolumeStatus(ctx, log, s.c, s.env.Backoff, volID, bs.StatusAvailable)
	if err != nil {
		return "", err
	}
	return bak.ID, nil
}

// restoreBackup restores the worker's backup and returns the ID of the
// restored volume once the restore completed. the backup is restored into the
// existing volume argVolumeID if set, into a new volume otherwise.
func (s *session) restoreBackup(ctx context.Context, index int, args concurrent.Args) (string, error) {
	bakID := args.String(argBackupID)
	volID := args.String(argVolumeID)
	res, err := s.c.RestoreBackup(ctx, bakID, bs.RestoreOpts{
		VolumeID: volID,
		Name:     s.name("restored", index),
	})
	if err != nil {
		return "", err
	}
	if res.VolumeID != volID {
		s.track("volume "+res.VolumeID, s.removeFn(kindVolume, res.VolumeID))
		if volID != "" {
			return "", errors.Errorf("backup %s restored into volume %s instead of %s",
				bakID, res.VolumeID, volID)
		}
	}
	if res.BackupID != "" && res.BackupID != bakID {
		return "", errors.Errorf("restore of backup %s reports backup %s", bakID, res.BackupID)
	}
	log := s.workerLog(index).WithField("backup-id", bakID)
	_, err = bs.WaitForVolumeStatus(ctx, log, s.c, s.env.Backoff, res.VolumeID, bs.StatusAvailable)
	if err != nil {
		return "", err
	}
	_, err = bs.WaitForBackupStatus(ctx, log, s.c, s.env.Backoff, bakID, bs.StatusAvailable)
	if err != nil {
		return "", err
	}
	return res.VolumeID, nil
}

// attachVolume attaches the worker's volume to the server and waits for it to
// be in use.
func (s *session) attachVolume(
	ctx context.Context, index int, args concurrent.Args,
) (bs.Attachment, error) {
	serverID := args.String(argServerID)
	volID := args.String(argVolumeID)
	att, err := s.c.AttachVolume(ctx, serverID, volID)
	if err != nil {
		return bs.Attachment{}, err
	}
	s.track(fmt.Sprintf("attachment of volume %s to server %s", volID, serverID),
		s.detachFn(serverID, volID))
	vol, err := bs.WaitForVolumeStatus(ctx, s.workerLog(index), s.c, s.env.Backoff,
		volID, bs.StatusInUse)
	if err != nil {
		return bs.Attachment{}, err
	}
	if !vol.IsAttachedTo(serverID) {
		return bs.Attachment{}, errors.Errorf("volume %s is in use but not attached to server %s",
			volID, serverID)
	}
	return *att, nil
}

// listed returns an error naming the IDs of `want` missing from `have`.
func listed(k kind, want, have []string) error {
	if missing := strlist.Missing(want, have); len(missing) != 0 {
		return errors.Errorf("%d of %d %ss missing from the listing: %v",
			len(missing), len(want), k, missing)
	}
	return nil
}
