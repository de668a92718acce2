// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package blockstorage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lightbitslabs/cinder-conformance/pkg/grpcutil"
	"github.com/lightbitslabs/cinder-conformance/pkg/util/wait"
)

const (
	DefaultBuildInterval = time.Second
	DefaultBuildTimeout  = 300 * time.Second
)

// BackoffFor returns the polling schedule used by the waiters for the given
// build interval and build timeout. non-positive values select the defaults.
func BackoffFor(interval, timeout time.Duration) wait.Backoff {
	if interval <= 0 {
		interval = DefaultBuildInterval
	}
	if timeout <= 0 {
		timeout = DefaultBuildTimeout
	}
	return wait.Constant(interval, timeout)
}

// statusGetter fetches the current status of a single resource.
type statusGetter func(ctx context.Context) (string, error)

func waitForStatus(
	ctx context.Context, log *logrus.Entry, bo wait.Backoff, kind, id, want string,
	get statusGetter,
) error {
	var last string
	err := wait.WithExponentialBackoff(ctx, bo, func(ctx context.Context) (bool, error) {
		cur, err := get(ctx)
		if err != nil {
			return false, err
		}
		if cur != last {
			log.WithFields(logrus.Fields{
				"status": cur,
				"want":   want,
			}).Debugf("%s status changed", kind)
			last = cur
		}
		if cur == want {
			return true, nil
		}
		if IsErrorStatus(cur) {
			return false, status.Errorf(codes.Aborted,
				"%s '%s' went into status '%s' while waiting for '%s'",
				kind, id, cur, want)
		}
		return false, nil
	})
	if grpcutil.Code(err) == codes.DeadlineExceeded && ctx.Err() == nil {
		return status.Errorf(codes.DeadlineExceeded,
			"%s '%s' did not reach status '%s' within %s, last status: '%s'",
			kind, id, want, bo.Timeout(), last)
	}
	return err
}

func waitForDeletion(
	ctx context.Context, log *logrus.Entry, bo wait.Backoff, kind, id string,
	get statusGetter,
) error {
	var last string
	err := wait.WithExponentialBackoff(ctx, bo, func(ctx context.Context) (bool, error) {
		cur, err := get(ctx)
		if grpcutil.IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		last = cur
		if cur == StatusErrorDeleting || cur == StatusError {
			return false, status.Errorf(codes.Aborted,
				"%s '%s' went into status '%s' while being deleted", kind, id, cur)
		}
		return false, nil
	})
	if err == nil {
		log.Debugf("%s is gone", kind)
	} else if grpcutil.Code(err) == codes.DeadlineExceeded && ctx.Err() == nil {
		return status.Errorf(codes.DeadlineExceeded,
			"%s '%s' was not deleted within %s, last status: '%s'",
			kind, id, bo.Timeout(), last)
	}
	return err
}

// WaitForVolumeStatus polls volume `id` until it reaches status `want`.
// a volume entering an error status aborts the wait with codes.Aborted.
func WaitForVolumeStatus(
	ctx context.Context, log *logrus.Entry, c Client, bo wait.Backoff, id, want string,
) (*Volume, error) {
	var vol *Volume
	err := waitForStatus(ctx, log.WithField("vol-id", id), bo, "volume", id, want,
		func(ctx context.Context) (string, error) {
			v, err := c.GetVolume(ctx, id)
			if err != nil {
				return "", err
			}
			vol = v
			return v.Status, nil
		})
	if err != nil {
		return nil, err
	}
	return vol, nil
}

func WaitForSnapshotStatus(
	ctx context.Context, log *logrus.Entry, c Client, bo wait.Backoff, id, want string,
) (*Snapshot, error) {
	var snap *Snapshot
	err := waitForStatus(ctx, log.WithField("snap-id", id), bo, "snapshot", id, want,
		func(ctx context.Context) (string, error) {
			s, err := c.GetSnapshot(ctx, id)
			if err != nil {
				return "", err
			}
			snap = s
			return s.Status, nil
		})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func WaitForBackupStatus(
	ctx context.Context, log *logrus.Entry, c Client, bo wait.Backoff, id, want string,
) (*Backup, error) {
	var bak *Backup
	err := waitForStatus(ctx, log.WithField("backup-id", id), bo, "backup", id, want,
		func(ctx context.Context) (string, error) {
			b, err := c.GetBackup(ctx, id)
			if err != nil {
				return "", err
			}
			bak = b
			return b.Status, nil
		})
	if err != nil {
		if bak != nil && bak.FailReason != "" && grpcutil.Code(err) == codes.Aborted {
			return nil, status.Errorf(codes.Aborted, "%s: %s",
				status.Convert(err).Message(), bak.FailReason)
		}
		return nil, err
	}
	return bak, nil
}

// WaitForVolumeDeletion polls volume `id` until the API no longer knows it.
func WaitForVolumeDeletion(
	ctx context.Context, log *logrus.Entry, c Client, bo wait.Backoff, id string,
) error {
	return waitForDeletion(ctx, log.WithField("vol-id", id), bo, "volume", id,
		func(ctx context.Context) (string, error) {
			v, err := c.GetVolume(ctx, id)
			if err != nil {
				return "", err
			}
			return v.Status, nil
		})
}

func WaitForSnapshotDeletion(
	ctx context.Context, log *logrus.Entry, c Client, bo wait.Backoff, id string,
) error {
	return waitForDeletion(ctx, log.WithField("snap-id", id), bo, "snapshot", id,
		func(ctx context.Context) (string, error) {
			s, err := c.GetSnapshot(ctx, id)
			if err != nil {
				return "", err
			}
			return s.Status, nil
		})
}

func WaitForBackupDeletion(
	ctx context.Context, log *logrus.Entry, c Client, bo wait.Backoff, id string,
) error {
	return waitForDeletion(ctx, log.WithField("backup-id", id), bo, "backup", id,
		func(ctx context.Context) (string, error) {
			b, err := c.GetBackup(ctx, id)
			if err != nil {
				return "", err
			}
			return b.Status, nil
		})
}
