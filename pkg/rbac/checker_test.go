// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package rbac_test

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/blockstorage/fake"
	"github.com/lightbitslabs/cinder-conformance/pkg/rbac"
	"github.com/lightbitslabs/cinder-conformance/pkg/util/wait"
)

var ctx = context.Background()

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

var writeOps = []string{
	fake.OpVolumeCreate, fake.OpVolumeDelete,
	fake.OpSnapshotCreate, fake.OpSnapshotDelete,
	fake.OpBackupCreate, fake.OpBackupDelete, fake.OpBackupRestore,
}

// newCloud sets up a deployment with four personas: a cloud admin, a
// project member owning the fixtures, a read-only reader in the same project
// and a member of another project.
func newCloud() *fake.Cloud {
	cloud := fake.NewCloud(fake.Options{SettlePolls: 2})
	cloud.SetAdmin("admin")
	cloud.Deny("reader", writeOps...)
	cloud.SetProject("outsider", "other")
	return cloud
}

func opts() rbac.Options {
	return rbac.Options{
		Owner:      "member",
		VolumeSize: 1,
		Backoff:    wait.Backoff{Retries: 10},
	}
}

const fullPolicy = `
rules:
  - operation: volume:list
    expect: {admin: allow, member: allow, reader: allow, outsider: allow}
  - operation: volume:show
    expect: {admin: allow, member: allow, reader: allow, outsider: not-found}
  - operation: volume:create
    expect: {member: allow, reader: forbid, outsider: allow}
  - operation: volume:delete
    expect: {admin: allow, member: allow, reader: forbid, outsider: not-found}
  - operation: snapshot:list
    expect: {member: allow, reader: allow}
  - operation: snapshot:show
    expect: {admin: allow, member: allow, reader: allow, outsider: not-found}
  - operation: snapshot:create
    expect: {member: allow, reader: forbid, outsider: not-found}
  - operation: snapshot:delete
    expect: {member: allow, reader: forbid, outsider: not-found}
  - operation: backup:list
    expect: {member: allow, reader: allow, outsider: allow}
  - operation: backup:show
    expect: {member: allow, reader: allow, outsider: not-found}
  - operation: backup:create
    expect: {member: allow, reader: forbid, outsider: not-found}
  - operation: backup:delete
    expect: {admin: allow, member: allow, reader: forbid, outsider: not-found}
  - operation: backup:restore
    expect: {member: allow, reader: forbid, outsider: not-found}
`

func requireClean(t *testing.T, cloud *fake.Cloud) {
	t.Helper()
	vols, snaps, backups := cloud.Counts()
	require.Zero(t, vols, "BUG: volumes left behind")
	require.Zero(t, snaps, "BUG: snapshots left behind")
	require.Zero(t, backups, "BUG: backups left behind")
}

func mismatches(t *testing.T, err error) []*rbac.Mismatch {
	t.Helper()
	merr, ok := err.(*multierror.Error)
	require.True(t, ok, "BUG: unexpected error type %T: %s", err, err)
	var res []*rbac.Mismatch
	for _, e := range merr.Errors {
		m, ok := e.(*rbac.Mismatch)
		require.True(t, ok, "BUG: unexpected non-mismatch error: %s", e)
		res = append(res, m)
	}
	return res
}

func TestCheckPolicyMet(t *testing.T) {
	cloud := newCloud()
	pool := bs.NewClientPool(cloud.Dial)
	defer pool.Close()

	policy, err := rbac.ParsePolicy([]byte(fullPolicy))
	require.NoError(t, err)
	err = rbac.Check(ctx, quietLog(), pool, policy, opts())
	require.NoError(t, err)
	requireClean(t, cloud)

	require.Equal(t, 3, cloud.Calls(fake.OpBackupRestore))
}

func TestCheckPolicyMismatches(t *testing.T) {
	cloud := newCloud()
	pool := bs.NewClientPool(cloud.Dial)
	defer pool.Close()

	policy, err := rbac.ParsePolicy([]byte(`
rules:
  - operation: volume:show
    expect: {member: allow, outsider: allow}
  - operation: volume:create
    expect: {reader: allow}
  - operation: volume:delete
    expect: {member: forbid}
`))
	require.NoError(t, err)
	err = rbac.Check(ctx, quietLog(), pool, policy, opts())
	require.Error(t, err)

	ms := mismatches(t, err)
	require.Len(t, ms, 3)
	got := map[string]codes.Code{}
	for _, m := range ms {
		got[m.Operation+"/"+m.Profile] = m.Got
	}
	require.Equal(t, map[string]codes.Code{
		"volume:show/outsider": codes.NotFound,
		"volume:create/reader": codes.PermissionDenied,
		"volume:delete/member": codes.OK,
	}, got)
	require.Contains(t, err.Error(), "volume:create by 'reader': expected allow (OK), got PermissionDenied")
	requireClean(t, cloud)
}

func TestCheckFixtureFailure(t *testing.T) {
	cloud := newCloud()
	cloud.FailOn(fake.OpVolumeCreate, func(profile, op string) error {
		return status.Error(codes.Unavailable, "volume service is down")
	})
	pool := bs.NewClientPool(cloud.Dial)
	defer pool.Close()

	policy, err := rbac.ParsePolicy([]byte(fullPolicy))
	require.NoError(t, err)
	err = rbac.Check(ctx, quietLog(), pool, policy, opts())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "failed to create RBAC fixtures"),
		"BUG: unexpected error: %s", err)
	require.Zero(t, cloud.Calls(fake.OpVolumeList), "BUG: checks ran without fixtures")
	requireClean(t, cloud)
}

// failOnce fails the first call of an operation only.
func failOnce(msg string) func(profile, op string) error {
	var n int32
	return func(profile, op string) error {
		if atomic.AddInt32(&n, 1) == 1 {
			return status.Error(codes.Unavailable, msg)
		}
		return nil
	}
}

func TestCheckFixtureWaitFailure(t *testing.T) {
	cloud := newCloud()
	cloud.FailOn(fake.OpVolumeShow, failOnce("volume service hiccup"))
	pool := bs.NewClientPool(cloud.Dial)
	defer pool.Close()

	policy, err := rbac.ParsePolicy([]byte(fullPolicy))
	require.NoError(t, err)
	err = rbac.Check(ctx, quietLog(), pool, policy, opts())
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to create RBAC fixtures")
	require.Contains(t, err.Error(), "volume service hiccup")
	require.NotContains(t, err.Error(), "failed to remove RBAC fixtures")
	require.Equal(t, 1, cloud.Calls(fake.OpVolumeCreate))
	require.Zero(t, cloud.Calls(fake.OpVolumeList), "BUG: checks ran without fixtures")
	requireClean(t, cloud)
}

func TestCheckCreatedResourceWaitFailure(t *testing.T) {
	cloud := newCloud()
	cloud.FailOn(fake.OpSnapshotShow, failOnce("snapshot service hiccup"))
	pool := bs.NewClientPool(cloud.Dial)
	defer pool.Close()

	policy, err := rbac.ParsePolicy([]byte(`
rules:
  - operation: snapshot:create
    expect: {member: allow}
`))
	require.NoError(t, err)
	err = rbac.Check(ctx, quietLog(), pool, policy, opts())
	require.Error(t, err)
	require.Contains(t, err.Error(), "snapshot:create by 'member'")
	require.Contains(t, err.Error(), "snapshot service hiccup")
	require.Equal(t, 1, cloud.Calls(fake.OpSnapshotCreate))
	// the first delete is refused while the snapshot is still being created.
	require.Equal(t, 2, cloud.Calls(fake.OpSnapshotDelete))
	requireClean(t, cloud)
}

func TestCheckCancelled(t *testing.T) {
	cloud := newCloud()
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cloud.FailOn(fake.OpVolumeList, func(profile, op string) error {
		cancel()
		return nil
	})
	pool := bs.NewClientPool(cloud.Dial)
	defer pool.Close()

	policy, err := rbac.ParsePolicy([]byte(fullPolicy))
	require.NoError(t, err)
	err = rbac.Check(cctx, quietLog(), pool, policy, opts())
	require.Error(t, err)
	require.Contains(t, err.Error(), "RBAC checks aborted")
	require.NotContains(t, err.Error(), "failed to remove RBAC fixtures")
	merr, ok := err.(*multierror.Error)
	require.True(t, ok, "BUG: unexpected error type %T: %s", err, err)
	require.Len(t, merr.Errors, 1, "BUG: unexpected errors: %s", err)
	require.Equal(t, codes.Canceled, status.Code(merr.Errors[0]))
	require.Equal(t, 1, cloud.Calls(fake.OpVolumeList), "BUG: checks went on after cancellation")
	requireClean(t, cloud)
}

func TestCheckNoFixturesNeeded(t *testing.T) {
	cloud := newCloud()
	pool := bs.NewClientPool(cloud.Dial)
	defer pool.Close()

	policy, err := rbac.ParsePolicy([]byte(`
rules:
  - operation: volume:list
    expect: {member: allow, reader: allow}
`))
	require.NoError(t, err)
	require.NoError(t, rbac.Check(ctx, quietLog(), pool, policy, opts()))
	require.Zero(t, cloud.Calls(fake.OpVolumeCreate))
	require.Equal(t, 2, cloud.Calls(fake.OpVolumeList))
}

func TestCheckInvalidArgs(t *testing.T) {
	cloud := newCloud()
	pool := bs.NewClientPool(cloud.Dial)
	defer pool.Close()

	policy, err := rbac.ParsePolicy([]byte(fullPolicy))
	require.NoError(t, err)
	o := opts()
	o.Owner = ""
	err = rbac.Check(ctx, quietLog(), pool, policy, o)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	err = rbac.Check(ctx, quietLog(), pool, &rbac.Policy{}, opts())
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
