// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package suite

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const logTimestampFmt = "2006-01-02T15:04:05.000000-07:00"

type Config struct {
	BinaryName string

	// backend config file, q.v. backend.ReadConfig().
	BackendCfgPath string
	// RBAC policy table, the rbac/policy scenario is skipped without one.
	RBACPolicyPath string

	// credential profile used to create the scenario resources.
	Profile   string
	RBACOwner string

	Workers       int
	MaxParallel   int
	WorkerTimeout time.Duration

	VolumeSize int
	VolumeType string
	ServerID   string

	BuildInterval time.Duration
	BuildTimeout  time.Duration

	// scenario name patterns, all scenarios if empty.
	Scenarios []string
	Features  []string

	// Prometheus textfile the run metrics are written to, if set.
	MetricsPath string

	LogLevel      string
	LogFormat     string
	LogTimestamps bool

	// hidden, dev-only options:
	PrettyJson bool
	LogOutput  io.Writer // defaults to stderr.
}

func (cfg *Config) validate() error {
	if cfg.BackendCfgPath == "" {
		return fmt.Errorf("backend config path must be specified")
	}
	if cfg.Profile == "" {
		return fmt.Errorf("profile must be specified")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("worker count must be positive, got: %d", cfg.Workers)
	}
	if cfg.MaxParallel < 0 {
		return fmt.Errorf("max parallel workers must not be negative, got: %d", cfg.MaxParallel)
	}
	if cfg.WorkerTimeout < 0 {
		return fmt.Errorf("worker timeout must not be negative, got: %s", cfg.WorkerTimeout)
	}
	if cfg.VolumeSize < 1 {
		return fmt.Errorf("volume size must be positive, got: %d", cfg.VolumeSize)
	}
	if cfg.BuildInterval < 0 || cfg.BuildTimeout < 0 {
		return fmt.Errorf("bad build interval/timeout: %s/%s", cfg.BuildInterval, cfg.BuildTimeout)
	}
	return nil
}

func newLogger(cfg *Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil || level < logrus.ErrorLevel || level > logrus.DebugLevel {
		return nil, fmt.Errorf("unsupported log level: '%s'", cfg.LogLevel)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	var logFmt logrus.Formatter
	switch cfg.LogFormat {
	case "json":
		logFmt = &logrus.JSONFormatter{
			DisableTimestamp: !cfg.LogTimestamps,
			PrettyPrint:      cfg.PrettyJson,
			TimestampFormat:  logTimestampFmt,
		}
	case "text":
		logFmt = &logrus.TextFormatter{
			FullTimestamp:   cfg.LogTimestamps,
			TimestampFormat: logTimestampFmt,
		}
	default:
		return nil, fmt.Errorf("unsupported log format: '%s'", cfg.LogFormat)
	}
	logger.SetFormatter(logFmt)
	if cfg.LogOutput != nil {
		logger.SetOutput(cfg.LogOutput)
	} else {
		logger.SetOutput(os.Stderr)
	}
	return logger, nil
}
