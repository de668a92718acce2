// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package scenario holds the end-to-end checks the suite runs against a
// block-storage deployment. each scenario creates its own resources and
// removes them again, whether it passed or not.
package scenario

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/concurrent"
	"github.com/lightbitslabs/cinder-conformance/pkg/rbac"
	"github.com/lightbitslabs/cinder-conformance/pkg/util/strlist"
	"github.com/lightbitslabs/cinder-conformance/pkg/util/wait"
)

// Feature is an optional capability of the deployment under test that
// scenarios may depend on.
type Feature string

const (
	FeatureConcurrency Feature = "concurrency"
	FeatureBackups     Feature = "backups"
	FeatureRBAC        Feature = "rbac"
)

var AllFeatures = []Feature{FeatureConcurrency, FeatureBackups, FeatureRBAC}

// ParseFeatures converts a list of feature names into a feature set.
func ParseFeatures(names []string) (map[Feature]bool, error) {
	res := make(map[Feature]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f := Feature(name)
		known := false
		for _, af := range AllFeatures {
			if f == af {
				known = true
				break
			}
		}
		if !known {
			return nil, errors.Errorf("unknown feature '%s'", name)
		}
		res[f] = true
	}
	return res, nil
}

// Env is everything a scenario needs to run.
type Env struct {
	Log  *logrus.Entry
	Pool *bs.ClientPool
	// profile used to create the scenario resources.
	Profile string

	Workers       int
	MaxParallel   int
	WorkerTimeout time.Duration
	Metrics       *concurrent.Metrics

	VolumeSize int
	VolumeType string
	// server volumes are attached to, attachment scenarios are skipped
	// without one.
	ServerID string
	// prefix of the names of all created resources.
	NamePrefix string
	Backoff    wait.Backoff

	Features map[Feature]bool

	RBACPolicy *rbac.Policy
	// profile owning the RBAC fixtures, defaults to `Profile`.
	RBACOwner string
}

func (env *Env) Validate() error {
	if env.Log == nil {
		return errors.New("no logger")
	}
	if env.Pool == nil {
		return errors.New("no client pool")
	}
	if env.Profile == "" {
		return errors.New("no profile to create resources with")
	}
	if env.Workers < 1 {
		return errors.Errorf("worker count must be positive, got: %d", env.Workers)
	}
	if env.VolumeSize < 1 {
		return errors.Errorf("volume size must be positive, got: %d", env.VolumeSize)
	}
	return nil
}

func (env *Env) namePrefix() string {
	if env.NamePrefix == "" {
		return "cinder-conformance"
	}
	return env.NamePrefix
}

// runOpts returns the concurrent.Run() options of run `name`.
func (env *Env) runOpts(log *logrus.Entry, name string) []concurrent.Option {
	return []concurrent.Option{
		concurrent.WithName(name),
		concurrent.WithLogger(log),
		concurrent.WithMaxParallel(env.MaxParallel),
		concurrent.WithWorkerTimeout(env.WorkerTimeout),
		concurrent.WithMetrics(env.Metrics),
	}
}

// SkipError is returned by scenarios that can't run in the given
// environment.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "skipped: " + e.Reason
}

func skipf(format string, args ...interface{}) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// IsSkip returns the skip reason if `err` is a *SkipError.
func IsSkip(err error) (string, bool) {
	var se *SkipError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}

type Scenario struct {
	Name        string
	Description string
	Requires    []Feature
	// optional check of non-feature prerequisites, returns a skip reason
	// or "".
	precheck func(env *Env) string
	run      func(ctx context.Context, env *Env) error
}

// CanRun returns a *SkipError if `env` does not satisfy the scenario's
// requirements.
func (s *Scenario) CanRun(env *Env) error {
	for _, f := range s.Requires {
		if !env.Features[f] {
			return skipf("feature '%s' is disabled", f)
		}
	}
	if s.precheck != nil {
		if reason := s.precheck(env); reason != "" {
			return skipf("%s", reason)
		}
	}
	return nil
}

// Run executes the scenario, or returns a *SkipError without doing anything
// if it can't run in `env`.
func (s *Scenario) Run(ctx context.Context, env *Env) error {
	if err := env.Validate(); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid scenario environment: %s", err)
	}
	if err := s.CanRun(env); err != nil {
		return err
	}
	return s.run(ctx, env)
}

var registry = []*Scenario{
	createVolumes,
	createSnapshots,
	attachVolumes,
	backupsAndRestores,
	volumesFromSnapshot,
	volumesFromSource,
	volumesFromBackup,
	volumeDependencyChain,
	volumeUnicodeName,
	backupRestoreToExisting,
	backupIncremental,
	rbacPolicy,
}

// All returns all the known scenarios, in the order the suite runs them.
func All() []*Scenario {
	return append([]*Scenario(nil), registry...)
}

// Names returns the sorted names of all the known scenarios.
func Names() []string {
	res := make([]string, 0, len(registry))
	for _, s := range registry {
		res = append(res, s.Name)
	}
	sort.Strings(res)
	return res
}

// Select returns the scenarios with names matching any of the shell
// `patterns`, e.g. "concurrency/*". no patterns select everything.
func Select(patterns []string) ([]*Scenario, error) {
	if len(patterns) == 0 {
		return All(), nil
	}
	var res []*Scenario
	for _, s := range registry {
		if strlist.MatchAny(patterns, s.Name) {
			res = append(res, s)
		}
	}
	if len(res) == 0 {
		return nil, errors.Errorf("no scenario matches '%s', known scenarios: %s",
			strings.Join(patterns, ","), strings.Join(Names(), ", "))
	}
	return res, nil
}
