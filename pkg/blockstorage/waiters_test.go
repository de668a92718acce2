// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package blockstorage_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/util/wait"
)

type mockClient struct {
	blockstorage.Client
	mock.Mock
}

func (m *mockClient) GetVolume(ctx context.Context, id string) (*blockstorage.Volume, error) {
	args := m.Called(ctx, id)
	v, _ := args.Get(0).(*blockstorage.Volume)
	return v, args.Error(1)
}

func (m *mockClient) GetSnapshot(ctx context.Context, id string) (*blockstorage.Snapshot, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*blockstorage.Snapshot)
	return s, args.Error(1)
}

func (m *mockClient) GetBackup(ctx context.Context, id string) (*blockstorage.Backup, error) {
	args := m.Called(ctx, id)
	b, _ := args.Get(0).(*blockstorage.Backup)
	return b, args.Error(1)
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

var fastBackoff = wait.Backoff{Delay: time.Millisecond, Retries: 10}

func vol(id, st string) *blockstorage.Volume {
	return &blockstorage.Volume{ID: id, Status: st}
}

func TestWaitForVolumeStatus(t *testing.T) {
	ctx := context.Background()
	c := &mockClient{}
	c.On("GetVolume", mock.Anything, "v1").Return(vol("v1", "creating"), nil).Twice()
	c.On("GetVolume", mock.Anything, "v1").Return(vol("v1", "available"), nil).Once()

	v, err := blockstorage.WaitForVolumeStatus(ctx, quietLog(), c, fastBackoff, "v1", "available")
	require.NoError(t, err)
	require.Equal(t, "available", v.Status)
	c.AssertNumberOfCalls(t, "GetVolume", 3)
}

func TestWaitForVolumeStatusErrorAborts(t *testing.T) {
	c := &mockClient{}
	c.On("GetVolume", mock.Anything, "v1").Return(vol("v1", "creating"), nil).Once()
	c.On("GetVolume", mock.Anything, "v1").Return(vol("v1", "error"), nil).Once()

	_, err := blockstorage.WaitForVolumeStatus(
		context.Background(), quietLog(), c, fastBackoff, "v1", "available")
	require.Error(t, err)
	require.Equal(t, codes.Aborted, status.Code(err), "BUG: unexpected error: %s", err)
	require.Contains(t, err.Error(), "'error'")
	c.AssertNumberOfCalls(t, "GetVolume", 2)
}

func TestWaitForVolumeStatusTimeout(t *testing.T) {
	c := &mockClient{}
	c.On("GetVolume", mock.Anything, "v1").Return(vol("v1", "creating"), nil)

	bo := wait.Backoff{Delay: time.Millisecond, Retries: 3}
	_, err := blockstorage.WaitForVolumeStatus(
		context.Background(), quietLog(), c, bo, "v1", "available")
	require.Equal(t, codes.DeadlineExceeded, status.Code(err), "BUG: unexpected error: %s", err)
	require.Contains(t, err.Error(), "last status: 'creating'")
	c.AssertNumberOfCalls(t, "GetVolume", 3)
}

func TestWaitForVolumeStatusGetError(t *testing.T) {
	c := &mockClient{}
	c.On("GetVolume", mock.Anything, "v1").
		Return(nil, status.Error(codes.PermissionDenied, "nope")).Once()

	_, err := blockstorage.WaitForVolumeStatus(
		context.Background(), quietLog(), c, fastBackoff, "v1", "available")
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestWaitForVolumeDeletion(t *testing.T) {
	c := &mockClient{}
	c.On("GetVolume", mock.Anything, "v1").Return(vol("v1", "deleting"), nil).Once()
	c.On("GetVolume", mock.Anything, "v1").
		Return(nil, status.Error(codes.NotFound, "no such volume")).Once()

	err := blockstorage.WaitForVolumeDeletion(
		context.Background(), quietLog(), c, fastBackoff, "v1")
	require.NoError(t, err)
	c.AssertExpectations(t)
}

func TestWaitForVolumeDeletionErrorDeleting(t *testing.T) {
	c := &mockClient{}
	c.On("GetVolume", mock.Anything, "v1").Return(vol("v1", "error_deleting"), nil).Once()

	err := blockstorage.WaitForVolumeDeletion(
		context.Background(), quietLog(), c, fastBackoff, "v1")
	require.Equal(t, codes.Aborted, status.Code(err))
}

func TestWaitForSnapshotStatus(t *testing.T) {
	c := &mockClient{}
	c.On("GetSnapshot", mock.Anything, "s1").
		Return(&blockstorage.Snapshot{ID: "s1", Status: "available"}, nil).Once()

	s, err := blockstorage.WaitForSnapshotStatus(
		context.Background(), quietLog(), c, fastBackoff, "s1", "available")
	require.NoError(t, err)
	require.Equal(t, "s1", s.ID)
}

func TestWaitForSnapshotDeletion(t *testing.T) {
	c := &mockClient{}
	c.On("GetSnapshot", mock.Anything, "s1").
		Return(nil, status.Error(codes.NotFound, "gone")).Once()

	require.NoError(t, blockstorage.WaitForSnapshotDeletion(
		context.Background(), quietLog(), c, fastBackoff, "s1"))
}

func TestWaitForBackupStatusFailReason(t *testing.T) {
	c := &mockClient{}
	c.On("GetBackup", mock.Anything, "b1").Return(&blockstorage.Backup{
		ID:         "b1",
		Status:     "error",
		FailReason: "backup driver exploded",
	}, nil).Once()

	_, err := blockstorage.WaitForBackupStatus(
		context.Background(), quietLog(), c, fastBackoff, "b1", "available")
	require.Equal(t, codes.Aborted, status.Code(err))
	require.Contains(t, err.Error(), "backup driver exploded")
}

func TestWaitForBackupDeletion(t *testing.T) {
	c := &mockClient{}
	c.On("GetBackup", mock.Anything, "b1").
		Return(&blockstorage.Backup{ID: "b1", Status: "deleting"}, nil).Twice()
	c.On("GetBackup", mock.Anything, "b1").
		Return(nil, status.Error(codes.NotFound, "gone")).Once()

	require.NoError(t, blockstorage.WaitForBackupDeletion(
		context.Background(), quietLog(), c, fastBackoff, "b1"))
	c.AssertNumberOfCalls(t, "GetBackup", 3)
}

func TestWaitCtxCancel(t *testing.T) {
	c := &mockClient{}
	c.On("GetVolume", mock.Anything, "v1").Return(vol("v1", "creating"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	bo := wait.Backoff{Delay: 5 * time.Millisecond, Retries: 1000}
	_, err := blockstorage.WaitForVolumeStatus(ctx, quietLog(), c, bo, "v1", "available")
	require.Equal(t, codes.DeadlineExceeded, status.Code(err))
	require.NotContains(t, err.Error(), "last status",
		"BUG: ctx expiry reported as running out of retries")
}

func TestBackoffFor(t *testing.T) {
	bo := blockstorage.BackoffFor(0, 0)
	require.Equal(t, blockstorage.DefaultBuildInterval, bo.Delay)
	require.Equal(t, int(blockstorage.DefaultBuildTimeout/blockstorage.DefaultBuildInterval)+1,
		bo.Retries)

	bo = blockstorage.BackoffFor(2*time.Second, 10*time.Second)
	require.Equal(t, 6, bo.Retries)
	require.Equal(t, 10*time.Second, bo.Timeout())
}
