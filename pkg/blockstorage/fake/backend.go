// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package fake

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lightbitslabs/cinder-conformance/pkg/backend"
	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/grpcutil"
)

const beType = "fake"

type ProfileConfig struct {
	Project string   `yaml:"project"`
	Admin   bool     `yaml:"admin"`
	Deny    []string `yaml:"deny"`
}

// Config describes a fake deployment, e.g.:
//
//	backend: fake
//	settle-polls: 2
//	servers: [srv-1]
//	profiles:
//	  admin: {admin: true}
//	  member: {}
//	  reader: {deny: [volume:create, volume:delete]}
//	  outsider: {project: other}
type Config struct {
	backend.ConfigBase `yaml:",inline"`
	SettlePolls        int                      `yaml:"settle-polls"`
	Servers            []string                 `yaml:"servers"`
	Profiles           map[string]ProfileConfig `yaml:"profiles"`
}

// Backend serves clients of a single in-memory Cloud.
type Backend struct {
	cloud    *Cloud
	profiles []string
	log      *logrus.Entry
}

// New creates a Cloud as described by `cfg` and a backend serving it. a
// config without profiles gets a single "admin" profile.
func New(log *logrus.Entry, cfg Config) (*Backend, error) {
	if cfg.SettlePolls < 0 {
		return nil, status.Errorf(codes.InvalidArgument,
			"settle-polls must not be negative, got: %d", cfg.SettlePolls)
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = map[string]ProfileConfig{"admin": {Admin: true}}
	}
	cloud := NewCloud(Options{SettlePolls: cfg.SettlePolls, Servers: cfg.Servers})
	be := &Backend{cloud: cloud, log: log}
	for name, p := range cfg.Profiles {
		if p.Project != "" {
			cloud.SetProject(name, p.Project)
		}
		if p.Admin {
			cloud.SetAdmin(name)
		}
		cloud.Deny(name, p.Deny...)
		be.profiles = append(be.profiles, name)
	}
	sort.Strings(be.profiles)
	log.WithFields(logrus.Fields{
		"settle-polls": cfg.SettlePolls,
		"servers":      len(cfg.Servers),
	}).Debug("created fake cloud")
	return be, nil
}

func init() {
	backend.Register(beType, func(log *logrus.Entry, rawCfg []byte) (backend.Backend, error) {
		var cfg Config
		if err := backend.UnmarshalStrict(rawCfg, &cfg); err != nil {
			return nil, err
		}
		return New(log, cfg)
	})
}

func (be *Backend) Type() string { //revive:disable-line:unused-receiver
	return beType
}

func (be *Backend) Profiles() []string {
	return append([]string(nil), be.profiles...)
}

func (be *Backend) Cloud() *Cloud {
	return be.cloud
}

func (be *Backend) Dial(ctx context.Context, profile string) (bs.Client, error) {
	idx := sort.SearchStrings(be.profiles, profile)
	if idx == len(be.profiles) || be.profiles[idx] != profile {
		return nil, status.Errorf(codes.NotFound, "unknown credential profile '%s'", profile)
	}
	if err := ctx.Err(); err != nil {
		return nil, grpcutil.ErrFromCtxErr(err)
	}
	return be.cloud.Client(profile), nil
}

func (be *Backend) Close() error { //revive:disable-line:unused-receiver
	return nil
}
