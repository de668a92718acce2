// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package cinder

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lightbitslabs/cinder-conformance/pkg/backend"
	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
)

const beType = "cinder"

type Backend struct {
	cfg Config
	log *logrus.Entry
}

func New(log *logrus.Entry, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid cinder backend config: %s", err)
	}
	return &Backend{cfg: cfg, log: log}, nil
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
	return be.cfg.profileNames()
}

func (be *Backend) Dial(ctx context.Context, profile string) (bs.Client, error) {
	c, err := Dial(ctx, be.log, &be.cfg, profile)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (be *Backend) Close() error { //revive:disable-line:unused-receiver
	return nil
}
