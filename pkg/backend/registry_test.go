// Copyright (C) 2021 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package backend_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lightbitslabs/cinder-conformance/pkg/backend"
	"github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
)

type stubBackend struct {
	closed bool
}

func (b *stubBackend) Type() string       { return "stub" }
func (b *stubBackend) Profiles() []string { return []string{"p"} }
func (b *stubBackend) Close() error       { b.closed = true; return nil }

func (b *stubBackend) Dial(ctx context.Context, profile string) (blockstorage.Client, error) {
	return nil, status.Error(codes.Unavailable, "stub can't dial")
}

var stub = &stubBackend{}

func init() {
	backend.Register("stub", func(log *logrus.Entry, rawCfg []byte) (backend.Backend, error) {
		return stub, nil
	})
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestRegisterInvalid(t *testing.T) {
	mk := func(*logrus.Entry, []byte) (backend.Backend, error) { return nil, nil }
	for _, name := range []string{"", "Stub", "-stub", "stub-", "s_tub", "a234567890123456789012345678901234"} {
		require.Panics(t, func() { backend.Register(name, mk) }, "name: '%s'", name)
	}
	require.Panics(t, func() { backend.Register("stub", mk) }, "duplicate registration")
}

func TestMakeAndList(t *testing.T) {
	require.Contains(t, backend.List(), "stub")

	_, err := backend.Make("no-such", quietLog(), nil)
	require.Error(t, err)

	be, err := backend.Make("stub", quietLog(), nil)
	require.NoError(t, err)
	w, ok := be.(*backend.Wrapper)
	require.True(t, ok, "BUG: Make() did not wrap the backend")
	require.Same(t, stub, w.Unwrap())
	require.Equal(t, "stub", be.Type())
	require.Equal(t, []string{"p"}, be.Profiles())

	_, err = be.Dial(context.Background(), "p")
	require.Equal(t, codes.Unavailable, status.Code(err))
	require.NoError(t, be.Close())
	require.True(t, stub.closed)
}

func TestDetectType(t *testing.T) {
	testCases := []struct {
		name   string
		cfg    string
		beType string
		ok     bool
	}{
		{"simple", "backend: cinder\n", "cinder", true},
		{"padded", "backend: '  fake '\nx: 1\n", "fake", true},
		{"missing", "auth-url: http://x\n", "", false},
		{"empty", "", "", false},
		{"garbage", "backend: [1, 2\n", "", false},
		{"wrong type", "backend: {a: b}\n", "", false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			beType, err := backend.DetectType([]byte(tc.cfg))
			if !tc.ok {
				require.Error(t, err)
				require.NotContains(t, err.Error(), "\n")
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.beType, beType)
		})
	}
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "be.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: fake\n"), 0o600))

	beType, raw, err := backend.ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "fake", beType)
	require.Equal(t, "backend: fake\n", string(raw))

	_, _, err = backend.ReadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	require.True(t, os.IsNotExist(errors.Cause(err)))
}

func TestUnmarshalStrict(t *testing.T) {
	var cfg struct {
		backend.ConfigBase `yaml:",inline"`
		Num                int `yaml:"num"`
	}
	require.NoError(t, backend.UnmarshalStrict([]byte("backend: x\nnum: 3\n"), &cfg))
	require.Equal(t, 3, cfg.Num)
	require.Equal(t, "x", cfg.Backend)

	err := backend.UnmarshalStrict([]byte("backend: x\nnum: three\n"), &cfg)
	require.Error(t, err)
	require.NotContains(t, err.Error(), "\n")
}
