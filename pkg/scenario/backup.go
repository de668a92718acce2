// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"

	"github.com/pkg/errors"

	"github.com/lightbitslabs/cinder-conformance/pkg/concurrent"
)

var backupRestoreToExisting = &Scenario{
	Name:        "backup/restore-to-existing",
	Description: "back up a volume and restore the backup into the same volume",
	Requires:    []Feature{FeatureBackups},
	run: func(ctx context.Context, env *Env) error {
		return withSession(ctx, env, "backup/restore-to-existing",
			func(ctx context.Context, s *session) error {
				volID, err := s.createVolume(ctx, 0, nil)
				if err != nil {
					return errors.Wrap(err, "failed to create volume")
				}
				bakID, err := s.createBackup(ctx, 0, concurrent.Args{argVolumeID: volID})
				if err != nil {
					return errors.Wrap(err, "failed to create backup")
				}
				_, err = s.restoreBackup(ctx, 0, concurrent.Args{
					argBackupID: bakID,
					argVolumeID: volID,
				})
				return errors.Wrap(err, "failed to restore backup")
			})
	},
}

// backupIncremental takes a full and an incremental backup of one volume and
// restores the incremental one into it.
var backupIncremental = &Scenario{
	Name:        "backup/incremental",
	Description: "take an incremental backup and restore it into the original volume",
	Requires:    []Feature{FeatureBackups},
	run: func(ctx context.Context, env *Env) error {
		return withSession(ctx, env, "backup/incremental",
			func(ctx context.Context, s *session) error {
				volID, err := s.createVolume(ctx, 0, nil)
				if err != nil {
					return errors.Wrap(err, "failed to create volume")
				}
				fullID, err := s.createBackup(ctx, 0, concurrent.Args{argVolumeID: volID})
				if err != nil {
					return errors.Wrap(err, "failed to create full backup")
				}
				incrID, err := s.createBackup(ctx, 1, concurrent.Args{
					argVolumeID:    volID,
					argIncremental: true,
				})
				if err != nil {
					return errors.Wrap(err, "failed to create incremental backup")
				}

				for id, want := range map[string]bool{fullID: false, incrID: true} {
					bak, err := s.c.GetBackup(ctx, id)
					if err != nil {
						return err
					}
					if bak.Incremental != want {
						return errors.Errorf("backup %s reports incremental: %v, expected: %v",
							id, bak.Incremental, want)
					}
					if bak.VolumeID != volID {
						return errors.Errorf("backup %s of volume %s reports volume %s",
							id, volID, bak.VolumeID)
					}
				}

				_, err = s.restoreBackup(ctx, 1, concurrent.Args{
					argBackupID: incrID,
					argVolumeID: volID,
				})
				return errors.Wrap(err, "failed to restore incremental backup")
			})
	},
}
