// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"context"
	"fmt"

	guuid "github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/grpcutil"
	"github.com/lightbitslabs/cinder-conformance/pkg/util/strlist"
	"github.com/lightbitslabs/cinder-conformance/pkg/util/wait"
)

type Options struct {
	// profile owning the fixtures every profile is checked against.
	Owner      string
	VolumeSize int
	VolumeType string
	// used for every status and deletion wait.
	Backoff wait.Backoff
	// prefix of the names of created resources.
	NamePrefix string
}

// Mismatch is an operation that completed differently than the policy
// expects.
type Mismatch struct {
	Operation string
	Profile   string
	Want      Expectation
	Got       codes.Code
	Err       error
}

func (m *Mismatch) Error() string {
	want, _ := m.Want.Code()
	msg := fmt.Sprintf("%s by '%s': expected %s (%s), got %s",
		m.Operation, m.Profile, m.Want, want, m.Got)
	if m.Err != nil {
		msg += ": " + status.Convert(m.Err).Message()
	}
	return msg
}

type fixtures struct {
	volumeID   string
	snapshotID string
	backupID   string
}

type checker struct {
	pool  *bs.ClientPool
	opts  Options
	log   *logrus.Entry
	owner bs.Client
	fx    fixtures
}

// opFn performs an operation with client `c`. `outcome` is the result of the
// operation under test, `err` reports a failure of the surrounding setup or
// cleanup steps.
type opFn func(ctx context.Context, ch *checker, c bs.Client) (outcome error, err error)

var opFns = map[string]opFn{
	OpVolumeList:     checkVolumeList,
	OpVolumeShow:     checkVolumeShow,
	OpVolumeCreate:   checkVolumeCreate,
	OpVolumeDelete:   checkVolumeDelete,
	OpSnapshotList:   checkSnapshotList,
	OpSnapshotShow:   checkSnapshotShow,
	OpSnapshotCreate: checkSnapshotCreate,
	OpSnapshotDelete: checkSnapshotDelete,
	OpBackupList:     checkBackupList,
	OpBackupShow:     checkBackupShow,
	OpBackupCreate:   checkBackupCreate,
	OpBackupDelete:   checkBackupDelete,
	OpBackupRestore:  checkBackupRestore,
}

// Check runs every rule of `policy` against the deployment reachable through
// `pool`. fixtures are created with the client of `opts.Owner` before the
// first check and removed after the last one.
//
// the returned error is nil if every operation behaved as expected. otherwise
// it is a *multierror.Error holding a *Mismatch for every operation that did
// not, along with any setup or cleanup failures.
func Check(
	ctx context.Context, log *logrus.Entry, pool *bs.ClientPool, policy *Policy, opts Options,
) error {
	if opts.Owner == "" {
		return status.Error(codes.InvalidArgument, "RBAC fixtures owner profile not specified")
	}
	if err := policy.Validate(); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if opts.VolumeSize <= 0 {
		opts.VolumeSize = 1
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = "rbac"
	}
	log = log.WithField("owner", opts.Owner)

	owner, err := pool.GetClient(ctx, opts.Owner)
	if err != nil {
		return errors.Wrapf(err, "failed to get client of fixtures owner '%s'", opts.Owner)
	}
	defer pool.PutClient(owner)

	ch := &checker{pool: pool, opts: opts, log: log, owner: owner}
	var merr *multierror.Error
	if err := ch.setup(ctx, policy.Operations()); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "failed to create RBAC fixtures"))
	} else {
		merr = multierror.Append(merr, ch.checkAll(ctx, policy)...)
	}
	if err := ch.teardown(ctx); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "failed to remove RBAC fixtures"))
	}
	return merr.ErrorOrNil()
}

func (ch *checker) checkAll(ctx context.Context, policy *Policy) []error {
	rules := make(map[string]*Rule, len(policy.Rules))
	for i := range policy.Rules {
		rules[policy.Rules[i].Operation] = &policy.Rules[i]
	}

	var errs []error
	for _, op := range Operations {
		rule, ok := rules[op]
		if !ok {
			continue
		}
		for _, profile := range rule.Profiles() {
			if err := ctx.Err(); err != nil {
				return append(errs, errors.Wrapf(grpcutil.ErrFromCtxErr(err),
					"RBAC checks aborted before %s by '%s'", op, profile))
			}
			want := rule.Expect[profile]
			log := ch.log.WithFields(logrus.Fields{
				"op":      op,
				"profile": profile,
				"expect":  string(want),
			})
			var outcome error
			err := ch.pool.WithClient(ctx, profile, func(c bs.Client) error {
				var err error
				outcome, err = opFns[op](ctx, ch, c)
				return err
			})
			if err != nil {
				log.WithError(err).Error("RBAC check failed to run")
				errs = append(errs, errors.Wrapf(err, "%s by '%s'", op, profile))
				continue
			}
			wantCode, _ := want.Code()
			got := grpcutil.Code(outcome)
			if got != wantCode {
				log.WithField("got", got.String()).Warn("RBAC expectation not met")
				errs = append(errs, &Mismatch{
					Operation: op,
					Profile:   profile,
					Want:      want,
					Got:       got,
					Err:       outcome,
				})
				continue
			}
			log.Debug("RBAC expectation met")
		}
	}
	return errs
}

func (ch *checker) name(kind string) string {
	return fmt.Sprintf("%s-%s-%s", ch.opts.NamePrefix, kind, guuid.New().String()[:8])
}

// setup creates the fixtures needed by `ops`: a volume, a snapshot of it and
// a backup of it. every fixture is recorded as soon as it exists, so teardown
// removes the ones that never became available too.
func (ch *checker) setup(ctx context.Context, ops []string) error {
	if len(strlist.Missing(ops, []string{OpVolumeList, OpVolumeCreate})) == 0 {
		return nil
	}
	var err error
	ch.fx.volumeID, err = ch.createVolume(ctx, ch.owner)
	if err != nil {
		return err
	}
	ch.log.WithField("vol-id", ch.fx.volumeID).Debug("RBAC volume fixture created")

	if strlist.Contains(ops, OpSnapshotShow) {
		ch.fx.snapshotID, err = ch.createSnapshot(ctx, ch.owner)
		if err != nil {
			return err
		}
	}
	if strlist.Contains(ops, OpBackupShow) || strlist.Contains(ops, OpBackupRestore) {
		ch.fx.backupID, err = ch.createBackup(ctx, ch.owner)
		if err != nil {
			return err
		}
	}
	return nil
}

// teardown removes the fixtures even if `ctx` is already done.
func (ch *checker) teardown(ctx context.Context) error {
	var merr *multierror.Error
	if ch.fx.backupID != "" {
		if err := ch.remove(ctx, ch.fx.backupID, backupKind, ch.owner); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if ch.fx.snapshotID != "" {
		if err := ch.remove(ctx, ch.fx.snapshotID, snapshotKind, ch.owner); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if ch.fx.volumeID != "" {
		if err := ch.remove(ctx, ch.fx.volumeID, volumeKind, ch.owner); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	ch.fx = fixtures{}
	return merr.ErrorOrNil()
}

// the create helpers below return the ID of the new resource even when
// waiting for it fails. an empty ID means nothing was created.

func (ch *checker) createVolume(ctx context.Context, c bs.Client) (string, error) {
	vol, err := c.CreateVolume(ctx, bs.VolumeCreateOpts{
		Name:       ch.name("volume"),
		Size:       ch.opts.VolumeSize,
		VolumeType: ch.opts.VolumeType,
	})
	if err != nil {
		return "", err
	}
	_, err = bs.WaitForVolumeStatus(ctx, ch.log, c, ch.opts.Backoff, vol.ID, bs.StatusAvailable)
	return vol.ID, err
}

func (ch *checker) createSnapshot(ctx context.Context, c bs.Client) (string, error) {
	snap, err := c.CreateSnapshot(ctx, bs.SnapshotCreateOpts{
		Name:     ch.name("snapshot"),
		VolumeID: ch.fx.volumeID,
	})
	if err != nil {
		return "", err
	}
	_, err = bs.WaitForSnapshotStatus(ctx, ch.log, c, ch.opts.Backoff, snap.ID, bs.StatusAvailable)
	return snap.ID, err
}

// createBackup backs the volume fixture up and waits for both the backup and
// the volume to become available again.
func (ch *checker) createBackup(ctx context.Context, c bs.Client) (string, error) {
	bak, err := c.CreateBackup(ctx, bs.BackupCreateOpts{
		Name:     ch.name("backup"),
		VolumeID: ch.fx.volumeID,
	})
	if err != nil {
		return "", err
	}
	if _, err := bs.WaitForBackupStatus(ctx, ch.log, c, ch.opts.Backoff,
		bak.ID, bs.StatusAvailable); err != nil {
		return bak.ID, err
	}
	_, err = bs.WaitForVolumeStatus(ctx, ch.log, ch.owner, ch.opts.Backoff,
		ch.fx.volumeID, bs.StatusAvailable)
	return bak.ID, err
}

type waitFn func(
	ctx context.Context, log *logrus.Entry, c bs.Client, bo wait.Backoff, id string) error

// resourceKind holds the calls used to remove a resource of one type.
type resourceKind struct {
	name string
	del  func(c bs.Client, ctx context.Context, id string) error
	// waits for a transient status to pass.
	settle   waitFn
	waitGone waitFn
}

var (
	volumeKind = &resourceKind{
		name: "volume",
		del:  bs.Client.DeleteVolume,
		settle: func(ctx context.Context, log *logrus.Entry, c bs.Client, bo wait.Backoff, id string) error {
			_, err := bs.WaitForVolumeStatus(ctx, log, c, bo, id, bs.StatusAvailable)
			return err
		},
		waitGone: bs.WaitForVolumeDeletion,
	}
	snapshotKind = &resourceKind{
		name: "snapshot",
		del:  bs.Client.DeleteSnapshot,
		settle: func(ctx context.Context, log *logrus.Entry, c bs.Client, bo wait.Backoff, id string) error {
			_, err := bs.WaitForSnapshotStatus(ctx, log, c, bo, id, bs.StatusAvailable)
			return err
		},
		waitGone: bs.WaitForSnapshotDeletion,
	}
	backupKind = &resourceKind{
		name: "backup",
		del:  bs.Client.DeleteBackup,
		settle: func(ctx context.Context, log *logrus.Entry, c bs.Client, bo wait.Backoff, id string) error {
			_, err := bs.WaitForBackupStatus(ctx, log, c, bo, id, bs.StatusAvailable)
			return err
		},
		waitGone: bs.WaitForBackupDeletion,
	}
)

// remove deletes resource `id` with the first of `clients` allowed to, and
// waits for it to disappear. a resource none of the clients can see is
// considered gone. a resource still in a transient status is given the
// backoff to settle before the delete is retried once.
//
// removal carries on when `ctx` is done, bounded by the backoff only.
func (ch *checker) remove(
	ctx context.Context, id string, k *resourceKind, clients ...bs.Client,
) error {
	ctx = context.WithoutCancel(ctx)
	log := ch.log.WithField(k.name+"-id", id)
	var merr *multierror.Error
	allNotFound := true
	for _, c := range clients {
		err := k.del(c, ctx, id)
		if grpcutil.Code(err) == codes.InvalidArgument {
			log.WithError(err).Debug("waiting for " + k.name + " to settle before removal")
			serr := k.settle(ctx, log, c, ch.opts.Backoff, id)
			if serr == nil || grpcutil.Code(serr) == codes.Aborted {
				err = k.del(c, ctx, id)
			}
		}
		if err == nil {
			return k.waitGone(ctx, log, c, ch.opts.Backoff, id)
		}
		if !grpcutil.IsNotFound(err) {
			allNotFound = false
		}
		merr = multierror.Append(merr, err)
	}
	if allNotFound {
		return nil
	}
	return merr.ErrorOrNil()
}

// abandon removes resource `id`, whose creation failed with `err`, and
// returns `err` along with any removal failure.
func (ch *checker) abandon(
	ctx context.Context, err error, id string, k *resourceKind, clients ...bs.Client,
) error {
	if id == "" {
		return err
	}
	if rerr := ch.remove(ctx, id, k, clients...); rerr != nil {
		return multierror.Append(err, errors.Wrapf(rerr, "failed to remove %s '%s'", k.name, id))
	}
	return err
}

// volumes: ------------------------------------------------------------------

func checkVolumeList(ctx context.Context, _ *checker, c bs.Client) (error, error) {
	_, err := c.ListVolumes(ctx)
	return err, nil
}

func checkVolumeShow(ctx context.Context, ch *checker, c bs.Client) (error, error) {
	_, err := c.GetVolume(ctx, ch.fx.volumeID)
	return err, nil
}

func checkVolumeCreate(ctx context.Context, ch *checker, c bs.Client) (error, error) {
	vol, outcome := c.CreateVolume(ctx, bs.VolumeCreateOpts{
		Name:       ch.name("volume"),
		Size:       ch.opts.VolumeSize,
		VolumeType: ch.opts.VolumeType,
	})
	if outcome != nil {
		return outcome, nil
	}
	if _, err := bs.WaitForVolumeStatus(ctx, ch.log, c, ch.opts.Backoff,
		vol.ID, bs.StatusAvailable); err != nil {
		return nil, ch.abandon(ctx, err, vol.ID, volumeKind, c, ch.owner)
	}
	return nil, ch.remove(ctx, vol.ID, volumeKind, c, ch.owner)
}

func checkVolumeDelete(ctx context.Context, ch *checker, c bs.Client) (error, error) {
	id, err := ch.createVolume(ctx, ch.owner)
	if err != nil {
		return nil, ch.abandon(ctx, err, id, volumeKind, ch.owner)
	}
	outcome := c.DeleteVolume(ctx, id)
	if outcome == nil {
		return nil, bs.WaitForVolumeDeletion(context.WithoutCancel(ctx),
			ch.log, c, ch.opts.Backoff, id)
	}
	return outcome, ch.remove(ctx, id, volumeKind, ch.owner)
}

// snapshots: ----------------------------------------------------------------

func checkSnapshotList(ctx context.Context, _ *checker, c bs.Client) (error, error) {
	_, err := c.ListSnapshots(ctx)
	return err, nil
}

func checkSnapshotShow(ctx context.Context, ch *checker, c bs.Client) (error, error) {
	_, err := c.GetSnapshot(ctx, ch.fx.snapshotID)
	return err, nil
}

func checkSnapshotCreate(ctx context.Context, ch *checker, c bs.Client) (error, error) {
	snap, outcome := c.CreateSnapshot(ctx, bs.SnapshotCreateOpts{
		Name:     ch.name("snapshot"),
		VolumeID: ch.fx.volumeID,
	})
	if outcome != nil {
		return outcome, nil
	}
	if _, err := bs.WaitForSnapshotStatus(ctx, ch.log, c, ch.opts.Backoff,
		snap.ID, bs.StatusAvailable); err != nil {
		return nil, ch.abandon(ctx, err, snap.ID, snapshotKind, c, ch.owner)
	}
	return nil, ch.remove(ctx, snap.ID, snapshotKind, c, ch.owner)
}

func checkSnapshotDelete(ctx context.Context, ch *checker, c bs.Client) (error, error) {
	id, err := ch.createSnapshot(ctx, ch.owner)
	if err != nil {
		return nil, ch.abandon(ctx, err, id, snapshotKind, ch.owner)
	}
	outcome := c.DeleteSnapshot(ctx, id)
	if outcome == nil {
		return nil, bs.WaitForSnapshotDeletion(context.WithoutCancel(ctx),
			ch.log, c, ch.opts.Backoff, id)
	}
	return outcome, ch.remove(ctx, id, snapshotKind, ch.owner)
}

// backups: ------------------------------------------------------------------

func checkBackupList(ctx context.Context, _ *checker, c bs.Client) (error, error) {
	_, err := c.ListBackups(ctx)
	return err, nil
}

func checkBackupShow(ctx context.Context, ch *checker, c bs.Client) (error, error) {
	_, err := c.GetBackup(ctx, ch.fx.backupID)
	return err, nil
}

func checkBackupCreate(ctx context.Context, ch *checker, c bs.Client) (error, error) {
	bak, outcome := c.CreateBackup(ctx, bs.BackupCreateOpts{
		Name:     ch.name("backup"),
		VolumeID: ch.fx.volumeID,
	})
	if outcome != nil {
		return outcome, nil
	}
	if _, err := bs.WaitForBackupStatus(ctx, ch.log, c, ch.opts.Backoff,
		bak.ID, bs.StatusAvailable); err != nil {
		return nil, ch.abandon(ctx, err, bak.ID, backupKind, c, ch.owner)
	}
	if _, err := bs.WaitForVolumeStatus(ctx, ch.log, ch.owner, ch.opts.Backoff,
		ch.fx.volumeID, bs.StatusAvailable); err != nil {
		return nil, ch.abandon(ctx, err, bak.ID, backupKind, c, ch.owner)
	}
	return nil, ch.remove(ctx, bak.ID, backupKind, c, ch.owner)
}

func checkBackupDelete(ctx context.Context, ch *checker, c bs.Client) (error, error) {
	id, err := ch.createBackup(ctx, ch.owner)
	if err != nil {
		return nil, ch.abandon(ctx, err, id, backupKind, ch.owner)
	}
	outcome := c.DeleteBackup(ctx, id)
	if outcome == nil {
		return nil, bs.WaitForBackupDeletion(context.WithoutCancel(ctx),
			ch.log, c, ch.opts.Backoff, id)
	}
	return outcome, ch.remove(ctx, id, backupKind, ch.owner)
}

// checkBackupRestore restores the backup fixture into a new volume, which is
// removed again once the restore completes or fails.
func checkBackupRestore(ctx context.Context, ch *checker, c bs.Client) (error, error) {
	res, outcome := c.RestoreBackup(ctx, ch.fx.backupID, bs.RestoreOpts{
		Name: ch.name("restored"),
	})
	if outcome != nil {
		return outcome, nil
	}
	var merr *multierror.Error
	if _, err := bs.WaitForVolumeStatus(ctx, ch.log, c, ch.opts.Backoff,
		res.VolumeID, bs.StatusAvailable); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := ch.remove(ctx, res.VolumeID, volumeKind, c, ch.owner); err != nil {
		merr = multierror.Append(merr, errors.Wrapf(err, "failed to remove volume '%s'", res.VolumeID))
	}
	if _, err := bs.WaitForBackupStatus(context.WithoutCancel(ctx), ch.log, ch.owner,
		ch.opts.Backoff, ch.fx.backupID, bs.StatusAvailable); err != nil {
		merr = multierror.Append(merr, err)
	}
	return nil, merr.ErrorOrNil()
}
