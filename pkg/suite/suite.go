// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package suite wires a backend, the RBAC policy and the scenario set into a
// single conformance run.
package suite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	"github.com/lightbitslabs/cinder-conformance/pkg/backend"
	bs "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/concurrent"
	"github.com/lightbitslabs/cinder-conformance/pkg/grpcutil"
	"github.com/lightbitslabs/cinder-conformance/pkg/rbac"
	"github.com/lightbitslabs/cinder-conformance/pkg/scenario"
	"github.com/lightbitslabs/cinder-conformance/pkg/util/strlist"
	"github.com/lightbitslabs/cinder-conformance/pkg/util/wait"
)

// number of reachability checks made before a run is given up.
const remoteRetries = 3

type Result string

const (
	ResultPass Result = "pass"
	ResultFail Result = "fail"
	ResultSkip Result = "skip"
)

// Outcome is the result of a single scenario. Err is the skip reason for
// skipped scenarios.
type Outcome struct {
	Scenario string
	Result   Result
	Took     time.Duration
	Err      error
}

type Suite struct {
	cfg       Config
	log       *logrus.Entry
	be        backend.Backend
	pool      *bs.ClientPool
	reg       *prometheus.Registry
	scenarios []*scenario.Scenario
	env       *scenario.Env

	results  *prometheus.CounterVec
	duration *prometheus.GaugeVec
}

func New(cfg Config) (*Suite, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger, err := newLogger(&cfg)
	if err != nil {
		return nil, err
	}
	runID := uuid.New().String()[:8]
	log := logger.WithField("run-id", runID)

	log.WithFields(logrus.Fields{
		"config":           fmt.Sprintf("%+v", cfg),
		"version-rel":      version,
		"version-git":      versionGitCommit,
		"version-hash":     versionBuildHash,
		"version-build-id": versionBuildID,
	}).Info("starting")

	features, err := scenario.ParseFeatures(cfg.Features)
	if err != nil {
		return nil, err
	}
	scenarios, err := scenario.Select(cfg.Scenarios)
	if err != nil {
		return nil, err
	}
	var policy *rbac.Policy
	if cfg.RBACPolicyPath != "" {
		policy, err = rbac.LoadPolicy(cfg.RBACPolicyPath)
		if err != nil {
			return nil, err
		}
	}

	beType, rawCfg, err := backend.ReadConfig(cfg.BackendCfgPath)
	if err != nil {
		return nil, err
	}
	be, err := backend.Make(beType, log, rawCfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create backend '%s'", beType)
	}
	if err := checkProfiles(&cfg, be.Profiles(), policy); err != nil {
		be.Close()
		return nil, err
	}

	s := &Suite{
		cfg:       cfg,
		log:       log,
		be:        be,
		reg:       prometheus.NewRegistry(),
		scenarios: scenarios,
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cinder_conformance",
			Name:      "scenarios_total",
			Help:      "Scenarios run, by result.",
		}, []string{"result"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cinder_conformance",
			Name:      "scenario_duration_seconds",
			Help:      "Wall clock time spent by the last run of a scenario.",
		}, []string{"scenario", "result"}),
	}
	s.reg.MustRegister(s.results, s.duration)
	metrics, err := concurrent.NewMetrics(s.reg)
	if err != nil {
		be.Close()
		return nil, errors.Wrap(err, "failed to register metrics")
	}

	s.pool = bs.NewClientPool(be.Dial)
	s.env = &scenario.Env{
		Log:           log,
		Pool:          s.pool,
		Profile:       cfg.Profile,
		Workers:       cfg.Workers,
		MaxParallel:   cfg.MaxParallel,
		WorkerTimeout: cfg.WorkerTimeout,
		Metrics:       metrics,
		VolumeSize:    cfg.VolumeSize,
		VolumeType:    cfg.VolumeType,
		ServerID:      cfg.ServerID,
		NamePrefix:    "cinder-conformance-" + runID,
		Backoff:       bs.BackoffFor(cfg.BuildInterval, cfg.BuildTimeout),
		Features:      features,
		RBACPolicy:    policy,
		RBACOwner:     cfg.RBACOwner,
	}
	return s, nil
}

// checkProfiles makes sure the backend can act as every profile the run is
// going to use.
func checkProfiles(cfg *Config, known []string, policy *rbac.Policy) error {
	want := []string{cfg.Profile}
	if cfg.RBACOwner != "" {
		want = append(want, cfg.RBACOwner)
	}
	if policy != nil {
		want = append(want, policy.Profiles()...)
	}
	if missing := strlist.Missing(want, known); len(missing) != 0 {
		return fmt.Errorf("backend has no credentials for profiles: %v (known: %v)",
			missing, known)
	}
	return nil
}

// Run executes the selected scenarios one after another and returns their
// outcomes. it fails if the backend is unreachable or if any of the scenarios
// failed. scenarios left when `ctx` is done are not started.
func (s *Suite) Run(ctx context.Context) ([]Outcome, error) {
	if err := s.checkRemote(ctx); err != nil {
		return nil, errors.Wrap(err, "backend is unreachable")
	}

	var (
		outcomes = make([]Outcome, 0, len(s.scenarios))
		merr     *multierror.Error
	)
	start := time.Now()
	for _, sc := range s.scenarios {
		if ctx.Err() != nil {
			merr = multierror.Append(merr, errors.Wrap(ctx.Err(), "run aborted"))
			break
		}
		o := s.runScenario(ctx, sc)
		outcomes = append(outcomes, o)
		if o.Result == ResultFail {
			merr = multierror.Append(merr,
				errors.Wrapf(o.Err, "scenario '%s' failed", o.Scenario))
		}
	}

	counts := map[Result]int{}
	for _, o := range outcomes {
		counts[o.Result]++
	}
	log := s.log.WithFields(logrus.Fields{
		"passed":  counts[ResultPass],
		"failed":  counts[ResultFail],
		"skipped": counts[ResultSkip],
		"took":    time.Since(start).String(),
	})
	if merr != nil {
		log.Error("run failed")
	} else {
		log.Info("run passed")
	}

	if s.cfg.MetricsPath != "" {
		if err := prometheus.WriteToTextfile(s.cfg.MetricsPath, s.reg); err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, "failed to write metrics"))
		}
	}
	return outcomes, merr.ErrorOrNil()
}

// checkRemote retries the reachability check of the backend while it
// reports being unavailable.
func (s *Suite) checkRemote(ctx context.Context) error {
	var last error
	err := wait.WithRetries(ctx, remoteRetries, s.cfg.BuildInterval,
		func(ctx context.Context) (bool, error) {
			last = s.pool.WithClient(ctx, s.cfg.Profile, func(c bs.Client) error {
				return c.RemoteOk(ctx)
			})
			if grpcutil.Code(last) == codes.Unavailable {
				s.log.WithError(last).Warn("backend unavailable, retrying")
				return false, nil
			}
			return last == nil, last
		})
	if grpcutil.Code(err) == codes.DeadlineExceeded && last != nil {
		return last
	}
	return err
}

func (s *Suite) runScenario(ctx context.Context, sc *scenario.Scenario) Outcome {
	log := s.log.WithField("scenario", sc.Name)
	log.WithField("description", sc.Description).Info("running")
	start := time.Now()
	err := sc.Run(ctx, s.env)
	o := Outcome{Scenario: sc.Name, Took: time.Since(start), Err: err}

	log = log.WithField("took", o.Took.String())
	if reason, ok := scenario.IsSkip(err); ok {
		o.Result = ResultSkip
		log.WithField("reason", reason).Info(string(o.Result))
	} else if err != nil {
		o.Result = ResultFail
		log.WithError(err).Error(string(o.Result))
	} else {
		o.Result = ResultPass
		log.Info(string(o.Result))
	}
	s.results.WithLabelValues(string(o.Result)).Inc()
	s.duration.WithLabelValues(sc.Name, string(o.Result)).Set(o.Took.Seconds())
	return o
}

// Close releases every client the run dialled and the backend itself.
func (s *Suite) Close() error {
	s.pool.Close()
	return s.be.Close()
}
