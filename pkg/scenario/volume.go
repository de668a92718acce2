// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"

	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/concurrent"
	"github.com/lightbitslabs/cinder-conformance/pkg/grpcutil"
)

// origin is what a volume was created from, all empty for a blank volume.
type origin struct {
	snapshotID  string
	sourceVolID string
	backupID    string
}

func originOf(v *bs.Volume) origin {
	return origin{snapshotID: v.SnapshotID, sourceVolID: v.SourceVolID, backupID: v.BackupID}
}

func (o origin) String() string {
	return fmt.Sprintf("snapshot '%s' source volume '%s' backup '%s'",
		o.snapshotID, o.sourceVolID, o.backupID)
}

// checkOrigin verifies that every volume of `ids` records where it was
// created from.
func checkOrigin(ctx context.Context, s *session, ids []string, want origin) error {
	for _, id := range ids {
		vol, err := s.c.GetVolume(ctx, id)
		if err != nil {
			return err
		}
		if got := originOf(vol); got != want {
			return errors.Errorf("volume %s created from %s, reports %s", id, want, got)
		}
	}
	return nil
}

var volumesFromSnapshot = &Scenario{
	Name:        "volume/from-snapshot",
	Description: "create multiple volumes from a single snapshot at once",
	run: func(ctx context.Context, env *Env) error {
		return withSession(ctx, env, "volume/from-snapshot",
			func(ctx context.Context, s *session) error {
				volID, err := s.createVolume(ctx, 0, nil)
				if err != nil {
					return errors.Wrap(err, "failed to create source volume")
				}
				snapID, err := s.createSnapshot(ctx, 0, concurrent.Args{argVolumeID: volID})
				if err != nil {
					return errors.Wrap(err, "failed to create snapshot")
				}
				ids, err := s.runCreate(ctx, "create volumes from snapshot", s.createVolume,
					concurrent.Args{argSnapshotID: snapID})
				if err != nil {
					return err
				}
				return checkOrigin(ctx, s, ids, origin{snapshotID: snapID})
			})
	},
}

// volumesFromSource exercises the synchronization of clones of a single
// volume requested simultaneously.
var volumesFromSource = &Scenario{
	Name:        "volume/from-source",
	Description: "create multiple clones of a single volume at once",
	run: func(ctx context.Context, env *Env) error {
		return withSession(ctx, env, "volume/from-source",
			func(ctx context.Context, s *session) error {
				volID, err := s.createVolume(ctx, 0, nil)
				if err != nil {
					return errors.Wrap(err, "failed to create source volume")
				}
				ids, err := s.runCreate(ctx, "clone volumes", s.createVolume,
					concurrent.Args{argSourceVolID: volID})
				if err != nil {
					return err
				}
				return checkOrigin(ctx, s, ids, origin{sourceVolID: volID})
			})
	},
}

// volumesFromBackup needs block-storage API microversion 3.47 or later.
var volumesFromBackup = &Scenario{
	Name:        "volume/from-backup",
	Description: "create multiple volumes from a single backup at once",
	Requires:    []Feature{FeatureBackups},
	run: func(ctx context.Context, env *Env) error {
		return withSession(ctx, env, "volume/from-backup",
			func(ctx context.Context, s *session) error {
				volID, err := s.createVolume(ctx, 0, nil)
				if err != nil {
					return errors.Wrap(err, "failed to create source volume")
				}
				bakID, err := s.createBackup(ctx, 0, concurrent.Args{argVolumeID: volID})
				if err != nil {
					return errors.Wrap(err, "failed to create backup")
				}
				ids, err := s.runCreate(ctx, "create volumes from backup", s.createVolume,
					concurrent.Args{argBackupID: bakID})
				if err != nil {
					return err
				}
				return checkOrigin(ctx, s, ids, origin{backupID: bakID})
			})
	},
}

// isRefusal reports whether `err` is the API turning a request down, as
// opposed to failing to handle it.
func isRefusal(err error) bool {
	switch grpcutil.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.Aborted:
		return true
	}
	return false
}

// volumeDependencyChain builds volume <- snapshot <- volume <- snapshot <-
// volume <- clone and tears it down explicitly, snapshots first and then the
// volumes out of creation order.
var volumeDependencyChain = &Scenario{
	Name:        "volume/dependency-chain",
	Description: "delete a chain of volumes and snapshots depending on each other",
	run: func(ctx context.Context, env *Env) error {
		return withSession(ctx, env, "volume/dependency-chain",
			func(ctx context.Context, s *session) error {
				vol1, err := s.createVolume(ctx, 1, nil)
				if err != nil {
					return errors.Wrap(err, "failed to create volume 1")
				}
				snap1, err := s.createSnapshot(ctx, 1, concurrent.Args{argVolumeID: vol1})
				if err != nil {
					return errors.Wrap(err, "failed to create snapshot of volume 1")
				}
				vol2, err := s.createVolume(ctx, 2, concurrent.Args{argSnapshotID: snap1})
				if err != nil {
					return errors.Wrap(err, "failed to create volume 2")
				}
				snap2, err := s.createSnapshot(ctx, 2, concurrent.Args{argVolumeID: vol2})
				if err != nil {
					return errors.Wrap(err, "failed to create snapshot of volume 2")
				}
				vol3, err := s.createVolume(ctx, 3, concurrent.Args{argSnapshotID: snap2})
				if err != nil {
					return errors.Wrap(err, "failed to create volume 3")
				}
				vol4, err := s.createVolume(ctx, 4, concurrent.Args{argSourceVolID: vol3})
				if err != nil {
					return errors.Wrap(err, "failed to create volume 4")
				}
				if err := checkOrigin(ctx, s, []string{vol2}, origin{snapshotID: snap1}); err != nil {
					return err
				}
				if err := checkOrigin(ctx, s, []string{vol3}, origin{snapshotID: snap2}); err != nil {
					return err
				}
				if err := checkOrigin(ctx, s, []string{vol4}, origin{sourceVolID: vol3}); err != nil {
					return err
				}

				err = s.c.DeleteVolume(ctx, vol1)
				if err == nil {
					return errors.Errorf("volume %s was deleted while snapshot %s depends on it",
						vol1, snap1)
				}
				if !isRefusal(err) {
					return errors.Wrapf(err, "failed to delete volume %s", vol1)
				}
				s.log.WithError(err).Debug("deletion of volume with a snapshot refused")

				steps := []struct {
					k  kind
					id string
				}{
					{kindSnapshot, snap1},
					{kindSnapshot, snap2},
					{kindVolume, vol3},
					{kindVolume, vol1},
					{kindVolume, vol2},
					{kindVolume, vol4},
				}
				for _, step := range steps {
					if err := s.removeFn(step.k, step.id)(ctx); err != nil {
						return errors.Wrapf(err, "failed to delete %s %s", step.k, step.id)
					}
				}
				return nil
			})
	},
}

// unicodeName sticks to three-byte characters, four-byte ones need utf8mb4
// support in the deployment's database.
const unicodeName = "塵㼗‽"

var volumeUnicodeName = &Scenario{
	Name:        "volume/unicode-name",
	Description: "create a volume with a non-ASCII name and read it back",
	run: func(ctx context.Context, env *Env) error {
		return withSession(ctx, env, "volume/unicode-name",
			func(ctx context.Context, s *session) error {
				name := s.name(kindVolume, 0) + "-" + unicodeName
				volID, err := s.createVolume(ctx, 0, concurrent.Args{argName: name})
				if err != nil {
					return err
				}
				vol, err := s.c.GetVolume(ctx, volID)
				if err != nil {
					return err
				}
				if vol.Name != name {
					return errors.Errorf("volume %s created as '%s', reports name '%s'",
						volID, name, vol.Name)
				}
				vols, err := s.c.ListVolumes(ctx)
				if err != nil {
					return err
				}
				for _, v := range vols {
					if v.ID == volID && v.Name != name {
						return errors.Errorf("volume %s created as '%s', listed as '%s'",
							volID, name, v.Name)
					}
				}
				return listed(kindVolume, []string{volID}, volumeIDs(vols))
			})
	},
}
