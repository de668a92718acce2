// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"

	"github.com/pkg/errors"

	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/concurrent"
	"github.com/lightbitslabs/cinder-conformance/pkg/util/strlist"
)

func volumeIDs(vols []*bs.Volume) []string {
	res := make([]string, len(vols))
	for i, v := range vols {
		res[i] = v.ID
	}
	return res
}

var createVolumes = &Scenario{
	Name:        "concurrency/create-volumes",
	Description: "create volumes in parallel",
	Requires:    []Feature{FeatureConcurrency},
	run: func(ctx context.Context, env *Env) error {
		return withSession(ctx, env, "concurrency/create-volumes",
			func(ctx context.Context, s *session) error {
				ids, err := s.runCreate(ctx, "create volumes", s.createVolume, nil)
				if err != nil {
					return err
				}
				vols, err := s.c.ListVolumes(ctx)
				if err != nil {
					return err
				}
				return listed(kindVolume, ids, volumeIDs(vols))
			})
	},
}

var createSnapshots = &Scenario{
	Name:        "concurrency/create-snapshots",
	Description: "create snapshots of a single volume in parallel",
	Requires:    []Feature{FeatureConcurrency},
	run: func(ctx context.Context, env *Env) error {
		return withSession(ctx, env, "concurrency/create-snapshots",
			func(ctx context.Context, s *session) error {
				volID, err := s.createVolume(ctx, 0, nil)
				if err != nil {
					return errors.Wrap(err, "failed to create source volume")
				}
				ids, err := s.runCreate(ctx, "create snapshots", s.createSnapshot,
					concurrent.Args{argVolumeID: volID})
				if err != nil {
					return err
				}
				snaps, err := s.c.ListSnapshots(ctx)
				if err != nil {
					return err
				}
				have := make([]string, 0, len(snaps))
				for _, snap := range snaps {
					if snap.VolumeID == volID {
						have = append(have, snap.ID)
					}
				}
				if err := listed(kindSnapshot, ids, have); err != nil {
					return err
				}
				// the volume was created by this run, so it has no other
				// snapshots:
				if !strlist.AreEqualUnordered(ids, have) {
					return errors.Errorf("volume %s has snapshots %v, created: %v",
						volID, have, ids)
				}
				return nil
			})
	},
}

var attachVolumes = &Scenario{
	Name:        "concurrency/attach-volumes",
	Description: "attach volumes to a single server in parallel",
	Requires:    []Feature{FeatureConcurrency},
	precheck: func(env *Env) string {
		if env.ServerID == "" {
			return "no server to attach volumes to"
		}
		return ""
	},
	run: func(ctx context.Context, env *Env) error {
		return withSession(ctx, env, "concurrency/attach-volumes",
			func(ctx context.Context, s *session) error {
				volIDs, err := s.runCreate(ctx, "create volumes", s.createVolume, nil)
				if err != nil {
					return err
				}
				atts, err := concurrent.Run(ctx, concurrent.Returning(s.attachVolume),
					env.Workers, concurrent.Args{
						argServerID: env.ServerID,
						argVolumeID: volIDs,
					},
					env.runOpts(s.log.WithField("step", "attach volumes"),
						s.scenario+":attach volumes")...)
				if err != nil {
					return errors.Wrap(err, "attach volumes failed")
				}
				devices := make(map[string]string, len(atts))
				for _, att := range atts {
					if att.Device == "" {
						continue
					}
					if other, ok := devices[att.Device]; ok {
						return errors.Errorf("volumes %s and %s both attached as %s",
							other, att.VolumeID, att.Device)
					}
					devices[att.Device] = att.VolumeID
				}
				s.log.WithField("count", len(atts)).Info("volumes attached")
				// detaching happens on cleanup, before the volumes are deleted.
				return nil
			})
	},
}

var backupsAndRestores = &Scenario{
	Name:        "concurrency/backups-and-restores",
	Description: "back up volumes and restore the backups in parallel",
	Requires:    []Feature{FeatureConcurrency, FeatureBackups},
	run: func(ctx context.Context, env *Env) error {
		return withSession(ctx, env, "concurrency/backups-and-restores",
			func(ctx context.Context, s *session) error {
				volIDs, err := s.runCreate(ctx, "create volumes", s.createVolume, nil)
				if err != nil {
					return err
				}
				// volume i is backed up by worker i:
				bakIDs, err := s.runCreate(ctx, "create backups", s.createBackup,
					concurrent.Args{argVolumeID: volIDs})
				if err != nil {
					return err
				}
				restoredIDs, err := s.runCreate(ctx, "restore backups", s.restoreBackup,
					concurrent.Args{argBackupID: bakIDs})
				if err != nil {
					return err
				}
				vols, err := s.c.ListVolumes(ctx)
				if err != nil {
					return err
				}
				return listed(kindVolume, append(volIDs, restoredIDs...), volumeIDs(vols))
			})
	},
}
