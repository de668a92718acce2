// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package cinder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/gophercloud/gophercloud/v2"
	th "github.com/gophercloud/gophercloud/v2/testhelper"
	fakeclient "github.com/gophercloud/gophercloud/v2/testhelper/client"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
)

var ctx = context.Background()

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testClient(withCompute bool) *Client {
	var compute *gophercloud.ServiceClient
	if withCompute {
		compute = fakeclient.ServiceClient()
	}
	return newClient(quietLog(), "admin", fakeclient.ServiceClient(), compute)
}

func reply(t *testing.T, w http.ResponseWriter, code int, body string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if body != "" {
		_, err := w.Write([]byte(body))
		require.NoError(t, err)
	}
}

func decodeBody(t *testing.T, r *http.Request) map[string]map[string]interface{} {
	t.Helper()
	var body map[string]map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func requireCode(t *testing.T, code codes.Code, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, status.Code(err), "BUG: unexpected error: %s", err)
}

func TestConvertErr(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"nil", nil, codes.OK},
		{"status", status.Error(codes.Aborted, "x"), codes.Aborted},
		{"canceled", fmt.Errorf("GET: %w", context.Canceled), codes.Canceled},
		{"deadline", fmt.Errorf("GET: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"404", gophercloud.ErrUnexpectedResponseCode{Actual: 404}, codes.NotFound},
		{"403", gophercloud.ErrUnexpectedResponseCode{Actual: 403}, codes.PermissionDenied},
		{"409", gophercloud.ErrUnexpectedResponseCode{Actual: 409}, codes.Aborted},
		{"500", gophercloud.ErrUnexpectedResponseCode{Actual: 500}, codes.Internal},
		{"wrapped 413", fmt.Errorf("create: %w",
			gophercloud.ErrUnexpectedResponseCode{Actual: 413}), codes.ResourceExhausted},
		{"plain", errors.New("connection refused"), codes.Unknown},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := convertErr(tc.err)
			require.Equal(t, tc.code, status.Code(err))
			if tc.err != nil {
				_, ok := status.FromError(err)
				require.True(t, ok, "BUG: not a Status error: %T", err)
			}
		})
	}
}

func TestCreateVolume(t *testing.T) {
	th.SetupHTTP()
	defer th.TeardownHTTP()

	th.Mux.HandleFunc("/volumes", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		vol := decodeBody(t, r)["volume"]
		require.Equal(t, "vol-0", vol["name"])
		require.EqualValues(t, 2, vol["size"])
		require.Equal(t, "snap-1", vol["snapshot_id"])
		reply(t, w, http.StatusAccepted, `{"volume": {
			"id": "vol-id-0", "name": "vol-0", "status": "creating",
			"size": 2, "snapshot_id": "snap-1", "volume_type": "fast"}}`)
	})

	c := testClient(false)
	v, err := c.CreateVolume(ctx, bs.VolumeCreateOpts{Name: "vol-0", Size: 2, SnapshotID: "snap-1"})
	require.NoError(t, err)
	require.Equal(t, "vol-id-0", v.ID)
	require.Equal(t, bs.StatusCreating, v.Status)
	require.Equal(t, "snap-1", v.SnapshotID)
	require.Equal(t, "fast", v.VolumeType)
}

func TestCreateVolumeFromBackup(t *testing.T) {
	th.SetupHTTP()
	defer th.TeardownHTTP()

	th.Mux.HandleFunc("/volumes", func(w http.ResponseWriter, r *http.Request) {
		vol := decodeBody(t, r)["volume"]
		require.Equal(t, "bak-1", vol["backup_id"])
		require.NotContains(t, vol, "snapshot_id")
		reply(t, w, http.StatusAccepted, `{"volume": {
			"id": "vol-id-1", "name": "vol-1", "status": "creating",
			"size": 1, "backup_id": "bak-1"}}`)
	})

	c := testClient(false)
	v, err := c.CreateVolume(ctx, bs.VolumeCreateOpts{Name: "vol-1", BackupID: "bak-1"})
	require.NoError(t, err)
	require.Equal(t, "bak-1", v.BackupID)
	require.Empty(t, v.SnapshotID)
}

func TestGetVolume(t *testing.T) {
	th.SetupHTTP()
	defer th.TeardownHTTP()

	th.Mux.HandleFunc("/volumes/vol-1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		reply(t, w, http.StatusOK, `{"volume": {
			"id": "vol-1", "status": "in-use", "size": 1,
			"attachments": [{"server_id": "srv-1", "volume_id": "vol-1", "device": "/dev/vdb"}]}}`)
	})
	th.Mux.HandleFunc("/volumes/vol-2", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, http.StatusNotFound, `{"itemNotFound": {"message": "not found", "code": 404}}`)
	})
	th.Mux.HandleFunc("/volumes/vol-3", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, http.StatusForbidden, `{"forbidden": {"message": "policy", "code": 403}}`)
	})

	c := testClient(false)
	v, err := c.GetVolume(ctx, "vol-1")
	require.NoError(t, err)
	require.Equal(t, bs.StatusInUse, v.Status)
	require.True(t, v.IsAttachedTo("srv-1"))
	require.Equal(t, "/dev/vdb", v.Attachments[0].Device)

	_, err = c.GetVolume(ctx, "vol-2")
	requireCode(t, codes.NotFound, err)
	_, err = c.GetVolume(ctx, "vol-3")
	requireCode(t, codes.PermissionDenied, err)
}

func TestListAndDeleteVolumes(t *testing.T) {
	th.SetupHTTP()
	defer th.TeardownHTTP()

	th.Mux.HandleFunc("/volumes/detail", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, http.StatusOK, `{"volumes": [
			{"id": "vol-1", "status": "available", "size": 1},
			{"id": "vol-2", "status": "error", "size": 3}]}`)
	})
	deleted := false
	th.Mux.HandleFunc("/volumes/vol-1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		deleted = true
		w.WriteHeader(http.StatusAccepted)
	})

	c := testClient(false)
	vols, err := c.ListVolumes(ctx)
	require.NoError(t, err)
	require.Len(t, vols, 2)
	require.Equal(t, "vol-2", vols[1].ID)
	require.Equal(t, 3, vols[1].Size)

	require.NoError(t, c.DeleteVolume(ctx, "vol-1"))
	require.True(t, deleted)
	require.NoError(t, c.RemoteOk(ctx))
}

func TestSnapshots(t *testing.T) {
	th.SetupHTTP()
	defer th.TeardownHTTP()

	th.Mux.HandleFunc("/snapshots", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			reply(t, w, http.StatusOK, `{"snapshots": [{"id": "snap-1", "volume_id": "vol-1", "status": "available"}]}`)
			return
		}
		snap := decodeBody(t, r)["snapshot"]
		require.Equal(t, "vol-1", snap["volume_id"])
		require.Equal(t, true, snap["force"])
		reply(t, w, http.StatusAccepted, `{"snapshot": {
			"id": "snap-1", "volume_id": "vol-1", "status": "creating", "size": 1}}`)
	})
	th.Mux.HandleFunc("/snapshots/detail", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, http.StatusOK, `{"snapshots": [{"id": "snap-1", "volume_id": "vol-1", "status": "available"}]}`)
	})
	th.Mux.HandleFunc("/snapshots/snap-1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			reply(t, w, http.StatusOK, `{"snapshot": {"id": "snap-1", "volume_id": "vol-1", "status": "available"}}`)
		case http.MethodDelete:
			w.WriteHeader(http.StatusAccepted)
		}
	})

	c := testClient(false)
	s, err := c.CreateSnapshot(ctx, bs.SnapshotCreateOpts{VolumeID: "vol-1", Force: true})
	require.NoError(t, err)
	require.Equal(t, "snap-1", s.ID)
	require.Equal(t, bs.StatusCreating, s.Status)

	s, err = c.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	require.Equal(t, bs.StatusAvailable, s.Status)

	snaps, err := c.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.NoError(t, c.DeleteSnapshot(ctx, "snap-1"))
}

func TestBackups(t *testing.T) {
	th.SetupHTTP()
	defer th.TeardownHTTP()

	th.Mux.HandleFunc("/backups", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			reply(t, w, http.StatusOK, `{"backups": [{"id": "bak-1", "name": "b"}]}`)
			return
		}
		bak := decodeBody(t, r)["backup"]
		require.Equal(t, "vol-1", bak["volume_id"])
		require.Equal(t, true, bak["incremental"])
		reply(t, w, http.StatusAccepted, `{"backup": {"id": "bak-1", "name": "b"}}`)
	})
	th.Mux.HandleFunc("/backups/bak-1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			reply(t, w, http.StatusOK, `{"backup": {
				"id": "bak-1", "volume_id": "vol-1", "status": "error",
				"is_incremental": true, "fail_reason": "no space left", "size": 1}}`)
		case http.MethodDelete:
			w.WriteHeader(http.StatusAccepted)
		}
	})
	th.Mux.HandleFunc("/backups/bak-1/restore", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		restore := decodeBody(t, r)["restore"]
		require.Equal(t, "restored", restore["name"])
		reply(t, w, http.StatusAccepted, `{"restore": {
			"backup_id": "bak-1", "volume_id": "vol-9", "volume_name": "restored"}}`)
	})

	c := testClient(false)
	b, err := c.CreateBackup(ctx, bs.BackupCreateOpts{VolumeID: "vol-1", Name: "b", Incremental: true})
	require.NoError(t, err)
	require.Equal(t, "bak-1", b.ID)

	b, err = c.GetBackup(ctx, "bak-1")
	require.NoError(t, err)
	require.Equal(t, bs.StatusError, b.Status)
	require.True(t, b.Incremental)
	require.Equal(t, "no space left", b.FailReason)

	baks, err := c.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, baks, 1)

	r, err := c.RestoreBackup(ctx, "bak-1", bs.RestoreOpts{Name: "restored"})
	require.NoError(t, err)
	require.Equal(t, &bs.Restore{BackupID: "bak-1", VolumeID: "vol-9", VolumeName: "restored"}, r)

	require.NoError(t, c.DeleteBackup(ctx, "bak-1"))
}

func TestAttachments(t *testing.T) {
	th.SetupHTTP()
	defer th.TeardownHTTP()

	th.Mux.HandleFunc("/servers/srv-1/os-volume_attachments", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		att := decodeBody(t, r)["volumeAttachment"]
		require.Equal(t, "vol-1", att["volumeId"])
		reply(t, w, http.StatusOK, `{"volumeAttachment": {
			"id": "vol-1", "serverId": "srv-1", "volumeId": "vol-1", "device": "/dev/vdc"}}`)
	})
	th.Mux.HandleFunc("/servers/srv-1/os-volume_attachments/vol-1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusAccepted)
	})
	th.Mux.HandleFunc("/servers/srv-2/os-volume_attachments", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, http.StatusNotFound, `{"itemNotFound": {"message": "no server", "code": 404}}`)
	})

	c := testClient(true)
	a, err := c.AttachVolume(ctx, "srv-1", "vol-1")
	require.NoError(t, err)
	require.Equal(t, &bs.Attachment{ServerID: "srv-1", VolumeID: "vol-1", Device: "/dev/vdc"}, a)
	require.NoError(t, c.DetachVolume(ctx, "srv-1", "vol-1"))

	_, err = c.AttachVolume(ctx, "srv-2", "vol-1")
	requireCode(t, codes.NotFound, err)

	noCompute := testClient(false)
	_, err = noCompute.AttachVolume(ctx, "srv-1", "vol-1")
	requireCode(t, codes.Unimplemented, err)
	requireCode(t, codes.Unimplemented, noCompute.DetachVolume(ctx, "srv-1", "vol-1"))
}

func TestClientIdentity(t *testing.T) {
	c1 := testClient(false)
	c2 := testClient(false)
	require.Equal(t, "admin", c1.Profile())
	require.Len(t, c1.ID(), 7)
	require.NotEqual(t, c1.ID(), c2.ID())
	c1.Close()
	c1.Close()
}

func TestDialWithoutNetwork(t *testing.T) {
	cfg := &Config{
		AuthURL: "http://127.0.0.1:1/v3",
		Profiles: map[string]ProfileConfig{
			"tok": {TokenPath: "/nonexistent/token"},
		},
	}
	_, err := Dial(ctx, quietLog(), cfg, "nobody")
	requireCode(t, codes.NotFound, err)

	_, err = Dial(ctx, quietLog(), cfg, "tok")
	requireCode(t, codes.FailedPrecondition, err)

	cfg.EndpointType = "bogus"
	_, err = Dial(ctx, quietLog(), cfg, "tok")
	requireCode(t, codes.InvalidArgument, err)
}
