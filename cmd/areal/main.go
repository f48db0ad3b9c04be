// Copyright (c) 2026 The AReaL Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/tsaoyu/AReaL/pkg/allocation"
	"github.com/tsaoyu/AReaL/pkg/checkpoint"
	"github.com/tsaoyu/AReaL/pkg/cluster"
	common_config "github.com/tsaoyu/AReaL/pkg/common/config"
	"github.com/tsaoyu/AReaL/pkg/common/logging"
	"github.com/tsaoyu/AReaL/pkg/common/metrics"
	"github.com/tsaoyu/AReaL/pkg/coordinator"
	"github.com/tsaoyu/AReaL/pkg/engine"
	"github.com/tsaoyu/AReaL/pkg/job"
	"github.com/tsaoyu/AReaL/pkg/placement"
	"github.com/tsaoyu/AReaL/pkg/recovery"
)

const (
	_metricFlushInterval = 1 * time.Second
	_httpShutdownTimeout = 5 * time.Second
)

var (
	version string
	app     = kingpin.New("areal", "AReaL RLHF training scheduler")

	debug = app.Flag(
		"debug", "enable debug logging").
		Short('d').
		Default("false").
		Envar("AREAL_DEBUG").
		Bool()

	cfgFiles = app.Flag(
		"config",
		"YAML config files (can be provided multiple times to merge configs)").
		Short('c').
		Required().
		ExistingFiles()

	experimentName = app.Flag(
		"experiment-name",
		"Name of the experiment (set $AREAL_EXPERIMENT_NAME to override)").
		Required().
		Envar("AREAL_EXPERIMENT_NAME").
		String()

	trialName = app.Flag(
		"trial-name",
		"Name of the trial (set $AREAL_TRIAL_NAME to override)").
		Required().
		Envar("AREAL_TRIAL_NAME").
		String()

	clusterSpec = app.Flag(
		"cluster-spec",
		"Path to the cluster spec file; falls back to a local "+
			"single-user topology when unset").
		Default("").
		Envar("AREAL_CLUSTER_SPEC").
		String()

	recoverMode = app.Flag(
		"recover-mode",
		"Failure recovery policy (recovery.mode override)").
		Default("").
		Envar("AREAL_RECOVER_MODE").
		Enum("", "disabled", "auto", "fault")

	recoverRetries = app.Flag(
		"recover-retries",
		"Recovery retry budget (recovery.retries override)").
		Default("-1").
		Envar("AREAL_RECOVER_RETRIES").
		Int()

	recoverAfter = app.Flag(
		"recover-after",
		"Delay before a recovery attempt (recovery.after override)").
		Default("0s").
		Envar("AREAL_RECOVER_AFTER").
		Duration()

	httpPort = app.Flag(
		"http-port",
		"HTTP port for metrics and logging endpoints "+
			"(set $AREAL_HTTP_PORT to override)").
		Default("5290").
		Envar("AREAL_HTTP_PORT").
		Int()
)

// Config is the full configuration surface of a trial, merged from
// the --config files.
type Config struct {
	// Allocation is the device allocation expression, e.g.
	// "sglang.d64p1m1+d32p2m1".
	Allocation string `yaml:"allocation_mode" validate:"nonzero"`

	Roles []coordinator.RoleSpec `yaml:"roles"`

	Placement   placement.Config   `yaml:"placement"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	Recovery    recovery.Config    `yaml:"recovery"`

	Generation engine.GenerationConfig `yaml:"generation"`
	Train      engine.TrainConfig      `yaml:"train"`

	Control job.ExperimentControl `yaml:"exp_ctrl"`
	Metrics metrics.Config        `yaml:"metrics"`
}

func main() {
	app.Version(version)
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log.SetFormatter(
		&logging.LogFieldFormatter{
			Formatter: &log.JSONFormatter{},
			Fields: log.Fields{
				"app":        app.Name,
				"experiment": *experimentName,
				"trial":      *trialName,
			},
		},
	)

	initialLevel := log.InfoLevel
	if *debug {
		initialLevel = log.DebugLevel
	}
	log.SetLevel(initialLevel)

	log.WithField("files", *cfgFiles).Info("Loading trial config")
	var cfg Config
	if err := common_config.Parse(&cfg, *cfgFiles...); err != nil {
		log.WithField("error", err).Error("Cannot parse yaml config")
		os.Exit(job.ExitMalformed)
	}

	// CLI flags override the loaded config.
	if *recoverMode != "" {
		cfg.Recovery.Mode = recovery.Mode(*recoverMode)
	}
	if cfg.Recovery.Mode == "" {
		cfg.Recovery.Mode = recovery.ModeDisabled
	}
	if *recoverRetries >= 0 {
		cfg.Recovery.Retries = *recoverRetries
	}
	if *recoverAfter > 0 {
		cfg.Recovery.After = *recoverAfter
	}
	if cfg.Recovery.CkptFreqEpochs == 0 {
		cfg.Recovery.CkptFreqEpochs = cfg.Control.CkptFreqEpochs
	}
	if cfg.Recovery.CkptFreqSteps == 0 {
		cfg.Recovery.CkptFreqSteps = cfg.Control.CkptFreqSteps
	}
	if cfg.Recovery.CkptFreqSecs == 0 {
		cfg.Recovery.CkptFreqSecs = cfg.Control.CkptFreqSecs
	}

	os.Exit(run(&cfg))
}

func run(cfg *Config) int {
	recoveryEnabled := cfg.Recovery.Mode != recovery.ModeDisabled
	if err := cfg.Control.Validate(recoveryEnabled); err != nil {
		log.WithError(err).Error("Invalid experiment control config")
		return job.ExitMalformed
	}
	if err := cfg.Recovery.Validate(); err != nil {
		log.WithError(err).Error("Invalid recovery config")
		return job.ExitMalformed
	}

	topo, err := cluster.Load(*clusterSpec)
	if err != nil {
		log.WithError(err).Error("Cannot load cluster topology")
		return job.ExitMalformed
	}
	log.WithFields(log.Fields{
		"cluster":  topo.ClusterName,
		"capacity": topo.Capacity(),
		"fileroot": topo.Fileroot,
	}).Info("Loaded cluster topology")

	rootScope, scopeCloser, mux := metrics.InitMetricScope(
		&cfg.Metrics, "areal", _metricFlushInterval)
	defer scopeCloser.Close()
	mux.HandleFunc(
		logging.LevelOverwrite,
		logging.LevelOverwriteHandler(log.GetLevel()))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *httpPort),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			log.WithError(err).Warn("HTTP server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), _httpShutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	knownRoles := make(map[string]struct{})
	for _, role := range cfg.Roles {
		if role.Alloc != "" {
			knownRoles[role.Alloc] = struct{}{}
		}
	}
	tokens, err := allocation.Parse(cfg.Allocation, knownRoles)
	if err != nil {
		log.WithError(err).Error("Cannot parse allocation expression")
		return job.ExitCodeFor(err)
	}

	placer := placement.New(rootScope, &cfg.Placement)
	plan, err := placer.Place(tokens, topo)
	if err != nil {
		log.WithError(err).Error("Cannot place allocation on cluster")
		return job.ExitCodeFor(err)
	}
	log.WithFields(log.Fields{
		"plan_id":    plan.ID,
		"total_gpus": plan.TotalGPUs,
	}).Info("Built placement plan")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).
			Info("Received signal, cancelling job")
		cancel()
	}()

	if cfg.Coordinator.TotalIterations == 0 {
		cfg.Coordinator.TotalIterations = cfg.Control.TotalSteps()
	}
	coord := coordinator.New(rootScope, cfg.Coordinator,
		engine.NewLocalFactory(), &cfg.Generation, &cfg.Train)
	defer coord.Stop()
	if err := coord.Launch(ctx, plan, cfg.Roles); err != nil {
		log.WithError(err).Error("Cannot launch trial roles")
		return job.ExitCodeFor(err)
	}
	defer coord.TerminateAll(context.Background())

	store, err := checkpoint.NewStore(
		topo.Fileroot, *experimentName, *trialName)
	if err != nil {
		log.WithError(err).Error("Cannot open checkpoint store")
		return job.ExitFailure
	}

	var saves *checkpoint.Store
	if cfg.Control.SaveFreqEpochs > 0 || cfg.Control.SaveFreqSteps > 0 ||
		cfg.Control.SaveFreqSecs > 0 {
		saves, err = checkpoint.NewSaveStore(
			topo.Fileroot, *experimentName, *trialName)
		if err != nil {
			log.WithError(err).Error("Cannot open save store")
			return job.ExitFailure
		}
	}

	rm, err := recovery.NewManager(rootScope, cfg.Recovery, coord, store,
		func() (*placement.Plan, error) {
			return placer.Place(tokens, topo)
		})
	if err != nil {
		log.WithError(err).Error("Cannot create recovery manager")
		return job.ExitMalformed
	}

	jobCtx := job.NewContext(*experimentName, *trialName)
	log.WithFields(log.Fields{
		"job_group_id": jobCtx.JobGroupID,
		"recover_mode": cfg.Recovery.Mode,
		"retries":      cfg.Recovery.Retries,
	}).Info("Starting job")

	runner, err := job.NewRunner(
		rootScope, jobCtx, cfg.Control, coord, rm, saves)
	if err != nil {
		log.WithError(err).Error("Cannot create job runner")
		return job.ExitFailure
	}

	if err := runner.Run(ctx); err != nil {
		log.WithError(err).Error("Job failed")
		return job.ExitCodeFor(err)
	}
	log.Info("Job complete")
	return job.ExitOK
}
