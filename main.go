// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/template"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/lightbitslabs/cinder-conformance/pkg/backend"
	_ "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage/cinder"
	_ "github.com/lightbitslabs/cinder-conformance/pkg/blockstorage/fake"
	"github.com/lightbitslabs/cinder-conformance/pkg/scenario"
	"github.com/lightbitslabs/cinder-conformance/pkg/suite"
)

const usageTemplate = `USAGE: {{.BinaryName}} [flags]

{{.BinaryName}} runs a set of end-to-end scenarios against an OpenStack
Block Storage (Cinder) deployment: concurrent resource creation, attachments,
backups and restores, and a table-driven check of the RBAC policy.

Configuration is obtained primarily from environment variables. Command-line
flags can be used to override the environment configuration.

Supported environment variables:
  CINDER_CONFORMANCE_BE_CONFIG_PATH - path to the backend configuration file,
        in YAML format. the value of the top-level 'backend' key in this file
        determines which backend to use (one of: {{.Backends}}), the rest of
        the keys/values are a backend-specific configuration.
        (default: {{.BackendCfgPath}})
  CINDER_CONFORMANCE_RBAC_POLICY    - path to the RBAC policy table, in YAML
        format. the RBAC scenario is skipped if not specified.
  CINDER_CONFORMANCE_PROFILE        - credential profile used to create the
        scenario resources. (default: {{.Profile}})
  CINDER_CONFORMANCE_RBAC_OWNER     - credential profile owning the RBAC check
        fixtures. (default: same as CINDER_CONFORMANCE_PROFILE)
  CINDER_CONFORMANCE_WORKERS        - number of concurrent workers per step.
        (default: {{.Workers}})
  CINDER_CONFORMANCE_MAX_PARALLEL   - max number of workers running at the
        same time, 0 for no limit. (default: {{.MaxParallel}})
  CINDER_CONFORMANCE_WORKER_TIMEOUT - time a single worker may take, e.g. 10m.
        0 for no limit. (default: {{.WorkerTimeout}})
  CINDER_CONFORMANCE_VOLUME_SIZE    - size of created volumes, in GiB.
        (default: {{.VolumeSize}})
  CINDER_CONFORMANCE_VOLUME_TYPE    - volume type of created volumes.
        (default: the deployment default)
  CINDER_CONFORMANCE_SERVER_ID      - ID of the server volumes are attached
        to. the attachment scenario is skipped if not specified.
  CINDER_CONFORMANCE_BUILD_INTERVAL - resource status polling interval.
        (default: {{.BuildInterval}})
  CINDER_CONFORMANCE_BUILD_TIMEOUT  - max time for a resource to reach the
        expected status. (default: {{.BuildTimeout}})
  CINDER_CONFORMANCE_SCENARIOS      - comma-separated list of scenario name
        patterns to run, e.g. 'concurrency/*'. (default: all)
  CINDER_CONFORMANCE_FEATURES       - comma-separated list of deployment
        features to test, any of: {{.AllFeatures}}.
        (default: {{.FeatureList}})
  CINDER_CONFORMANCE_METRICS_PATH   - path of a Prometheus textfile to write
        the run metrics to.
  CINDER_CONFORMANCE_LOG_LEVEL      - one of: {debug, info, warning, error}.
        Minimal entry severity level to log. (default: {{.LogLevel}})
  CINDER_CONFORMANCE_LOG_TIME       - one of: {true, false}. Attach explicit
        timestamps to log entries. (default: {{.LogTimestamps}})
  CINDER_CONFORMANCE_LOG_FMT        - one of: {text, json}.
        (default: {{.LogFormat}})

Command line flags:
`

const (
	defaultCfgDirPath         = "/etc/cinder-conformance"
	defaultBackendCfgFileName = "backend.yaml"
)

var defaults = suite.Config{
	BinaryName:     "cinder-conformance",
	BackendCfgPath: filepath.Join(defaultCfgDirPath, defaultBackendCfgFileName),

	Profile: "admin",

	Workers:       5,
	MaxParallel:   0,
	WorkerTimeout: 0,

	VolumeSize: 1,

	BuildInterval: time.Second,
	BuildTimeout:  300 * time.Second,

	Features: []string{"concurrency", "backups", "rbac"},

	LogLevel:      "info",
	LogTimestamps: true,
	LogFormat:     "text",

	// hidden, dev-only options:
	PrettyJson: false,
}

var (
	backendCfgPath = flag.StringP("be-cfg-path", "b", "",
		"Backend config path, see $CINDER_CONFORMANCE_BE_CONFIG_PATH.")
	rbacPolicy = flag.StringP("rbac-policy", "r", "",
		"RBAC policy table path, see $CINDER_CONFORMANCE_RBAC_POLICY.")
	profile = flag.StringP("profile", "p", "",
		"Resource creation profile, see $CINDER_CONFORMANCE_PROFILE.")
	rbacOwner = flag.StringP("rbac-owner", "o", "",
		"RBAC fixture owner profile, see $CINDER_CONFORMANCE_RBAC_OWNER.")
	workers = flag.StringP("workers", "w", "",
		"Concurrent workers per step, see $CINDER_CONFORMANCE_WORKERS.")
	maxParallel = flag.StringP("max-parallel", "m", "",
		"Max workers running at once, see $CINDER_CONFORMANCE_MAX_PARALLEL.")
	workerTimeout = flag.String("worker-timeout", "",
		"Worker timeout, see $CINDER_CONFORMANCE_WORKER_TIMEOUT.")
	volumeSize = flag.StringP("volume-size", "s", "",
		"Volume size in GiB, see $CINDER_CONFORMANCE_VOLUME_SIZE.")
	volumeType = flag.StringP("volume-type", "t", "",
		"Volume type, see $CINDER_CONFORMANCE_VOLUME_TYPE.")
	serverID = flag.StringP("server-id", "S", "",
		"Server to attach volumes to, see $CINDER_CONFORMANCE_SERVER_ID.")
	buildInterval = flag.StringP("build-interval", "i", "",
		"Status polling interval, see $CINDER_CONFORMANCE_BUILD_INTERVAL.")
	buildTimeout = flag.String("build-timeout", "",
		"Status polling timeout, see $CINDER_CONFORMANCE_BUILD_TIMEOUT.")
	scenarios = flag.StringP("scenarios", "x", "",
		"Scenario name patterns, see $CINDER_CONFORMANCE_SCENARIOS.")
	features = flag.StringP("features", "F", "",
		"Features to test, see $CINDER_CONFORMANCE_FEATURES.")
	metricsPath = flag.StringP("metrics-path", "M", "",
		"Prometheus textfile path, see $CINDER_CONFORMANCE_METRICS_PATH.")
	logLevel = flag.StringP("log-level", "l", "",
		"Log severity, see $CINDER_CONFORMANCE_LOG_LEVEL.")
	logTimestamps = flag.StringP("log-time", "T", "",
		"Add timestamps to log entries, see $CINDER_CONFORMANCE_LOG_TIME.")
	logFormat = flag.StringP("log-fmt", "f", "",
		"Log entry format, see $CINDER_CONFORMANCE_LOG_FMT.")
	list    = flag.BoolP("list", "L", false, "List the scenarios and exit.")
	version = flag.Bool("version", false, "Print the version and exit.")
	help    = flag.BoolP("help", "h", false, "Print help and exit.")

	// hidden, dev-only options:
	prettyJson = flag.BoolP("pretty-json", "J", defaults.PrettyJson,
		"Pretty-print JSON log output, with indentations and all. "+
			"Useful mainly for dev/test as this bloats the logs "+
			"even more than they already are.")
)

type usageParams struct {
	suite.Config
	Backends    string
	AllFeatures string
	FeatureList string
}

func usageAndDie() {
	allFeatures := make([]string, len(scenario.AllFeatures))
	for i, f := range scenario.AllFeatures {
		allFeatures[i] = string(f)
	}
	params := usageParams{
		Config:      defaults,
		Backends:    "{" + strings.Join(backend.List(), ", ") + "}",
		AllFeatures: "{" + strings.Join(allFeatures, ", ") + "}",
		FeatureList: strings.Join(defaults.Features, ","),
	}
	t := template.Must(template.New("usage").Parse(usageTemplate))
	usageBuf := new(bytes.Buffer)
	err := t.Execute(usageBuf, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nOops, fumbled usage. please report this!\n\n")
	} else {
		fmt.Fprint(os.Stderr, usageBuf.String())
	}
	flagsHelp := flag.CommandLine.FlagUsagesWrapped(80)
	fmt.Fprint(os.Stderr, flagsHelp)
	os.Exit(2)
}

func errorAndDie(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	fmt.Fprintf(os.Stderr, "\nTry '%s --help' for more information.\n",
		defaults.BinaryName)
	os.Exit(2)
}

func listAndExit() {
	for _, sc := range scenario.All() {
		req := ""
		if len(sc.Requires) != 0 {
			req = fmt.Sprintf(" (requires: %v)", sc.Requires)
		}
		fmt.Printf("%-34s %s%s\n", sc.Name, sc.Description, req)
	}
	os.Exit(0)
}

// populate config from: flags, env vars, defaults in that order:
func pickStr(flagVal string, envVar string, def string) string {
	res := flagVal
	if res == "" {
		res = os.Getenv(envVar)
		if res == "" {
			res = def
		}
	}
	return res
}

func pickInt(flagVal string, envVar string, def int) int {
	val := pickStr(flagVal, envVar, "")
	if val == "" {
		return def
	}
	res, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		errorAndDie("invalid %s value: '%s'", envVar, val)
	}
	return res
}

func pickDuration(flagVal string, envVar string, def time.Duration) time.Duration {
	val := pickStr(flagVal, envVar, "")
	if val == "" {
		return def
	}
	val = strings.TrimSpace(val)
	if val == "0" {
		return 0
	}
	res, err := time.ParseDuration(val)
	if err != nil {
		errorAndDie("invalid %s value: '%s'", envVar, val)
	}
	return res
}

func pickBool(flagVal string, envVar string, def bool) bool {
	val := pickStr(flagVal, envVar, "")
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true":
		return true
	case "false":
		return false
	case "":
		return def
	}
	errorAndDie("invalid %s value: '%s'", envVar, val)
	return def
}

func pickList(flagVal string, envVar string, def []string) []string {
	val := pickStr(flagVal, envVar, "")
	if val == "" {
		return def
	}
	var res []string
	for _, s := range strings.Split(val, ",") {
		if s = strings.TrimSpace(s); s != "" {
			res = append(res, s)
		}
	}
	return res
}

func main() {
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)
	flag.CommandLine.MarkHidden("pretty-json")
	flag.SetInterspersed(false)
	err := flag.CommandLine.Parse(os.Args[1:])
	if err != nil {
		errorAndDie(err.Error())
	}
	if *help {
		usageAndDie()
	}
	if *version {
		fmt.Printf("%s %s\n", defaults.BinaryName, suite.GetFullVersionStr())
		os.Exit(0)
	}
	if *list {
		listAndExit()
	}

	const env = "CINDER_CONFORMANCE_"
	cfg := suite.Config{
		BinaryName: defaults.BinaryName,
		BackendCfgPath: pickStr(*backendCfgPath, env+"BE_CONFIG_PATH",
			defaults.BackendCfgPath),
		RBACPolicyPath: pickStr(*rbacPolicy, env+"RBAC_POLICY", defaults.RBACPolicyPath),
		Profile:        pickStr(*profile, env+"PROFILE", defaults.Profile),
		RBACOwner:      pickStr(*rbacOwner, env+"RBAC_OWNER", defaults.RBACOwner),
		Workers:        pickInt(*workers, env+"WORKERS", defaults.Workers),
		MaxParallel:    pickInt(*maxParallel, env+"MAX_PARALLEL", defaults.MaxParallel),
		WorkerTimeout: pickDuration(*workerTimeout, env+"WORKER_TIMEOUT",
			defaults.WorkerTimeout),
		VolumeSize: pickInt(*volumeSize, env+"VOLUME_SIZE", defaults.VolumeSize),
		VolumeType: pickStr(*volumeType, env+"VOLUME_TYPE", defaults.VolumeType),
		ServerID:   pickStr(*serverID, env+"SERVER_ID", defaults.ServerID),
		BuildInterval: pickDuration(*buildInterval, env+"BUILD_INTERVAL",
			defaults.BuildInterval),
		BuildTimeout: pickDuration(*buildTimeout, env+"BUILD_TIMEOUT",
			defaults.BuildTimeout),
		Scenarios:     pickList(*scenarios, env+"SCENARIOS", defaults.Scenarios),
		Features:      pickList(*features, env+"FEATURES", defaults.Features),
		MetricsPath:   pickStr(*metricsPath, env+"METRICS_PATH", defaults.MetricsPath),
		LogLevel:      pickStr(*logLevel, env+"LOG_LEVEL", defaults.LogLevel),
		LogFormat:     pickStr(*logFormat, env+"LOG_FMT", defaults.LogFormat),
		LogTimestamps: pickBool(*logTimestamps, env+"LOG_TIME", defaults.LogTimestamps),
		PrettyJson:    *prettyJson,
	}

	s, err := suite.New(cfg)
	if err != nil {
		errorAndDie(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	_, err = s.Run(ctx)
	stop()
	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAILED: %s\n", err)
		os.Exit(1)
	}
}
