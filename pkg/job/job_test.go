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

package job

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"

	"github.com/tsaoyu/AReaL/pkg/allocation"
	"github.com/tsaoyu/AReaL/pkg/checkpoint"
	"github.com/tsaoyu/AReaL/pkg/cluster"
	"github.com/tsaoyu/AReaL/pkg/coordinator"
	"github.com/tsaoyu/AReaL/pkg/engine"
	"github.com/tsaoyu/AReaL/pkg/microbatch"
	"github.com/tsaoyu/AReaL/pkg/placement"
	"github.com/tsaoyu/AReaL/pkg/recovery"
)

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCodeFor(nil))
	assert.Equal(t, ExitUserCancel, ExitCodeFor(context.Canceled))
	assert.Equal(t, ExitMalformed, ExitCodeFor(
		&allocation.MalformedAllocationError{Spec: "x", Reason: "bad"}))
	assert.Equal(t, ExitMalformed, ExitCodeFor(
		&allocation.UnknownRoleError{Role: "bogus"}))
	assert.Equal(t, ExitInsufficientResources, ExitCodeFor(
		&placement.InsufficientResourcesError{Requested: 256, Capacity: 128}))
	assert.Equal(t, ExitRecoveryExhausted, ExitCodeFor(
		&recovery.FatalError{Role: "actor_train", Cause: errors.New("oom")}))
	assert.Equal(t, ExitFailure, ExitCodeFor(errors.New("anything else")))
}

func TestExperimentControlValidate(t *testing.T) {
	ctrl := ExperimentControl{TotalTrainEpochs: 2, StepsPerEpoch: 10}
	assert.NoError(t, ctrl.Validate(false))
	assert.Error(t, ctrl.Validate(true),
		"recovery without a checkpoint trigger")

	ctrl.CkptFreqSteps = 5
	assert.NoError(t, ctrl.Validate(true))
	assert.Equal(t, 20, ctrl.TotalSteps())

	assert.Error(t, (&ExperimentControl{StepsPerEpoch: 1}).Validate(false))
	assert.Error(t, (&ExperimentControl{TotalTrainEpochs: 1}).Validate(false))
}

// RunnerTestSuite drives the whole scheduler core in-process: real
// parser, placement engine, coordinator on local engines, checkpoint
// store and recovery manager.
type RunnerTestSuite struct {
	suite.Suite

	fileroot string
	topo     *cluster.Topology
	plan     *placement.Plan
	specs    []coordinator.RoleSpec
}

func TestRunnerTestSuite(t *testing.T) {
	suite.Run(t, new(RunnerTestSuite))
}

func (s *RunnerTestSuite) SetupTest() {
	s.fileroot = s.T().TempDir()
	s.topo = &cluster.Topology{
		ClusterName:    "local",
		Fileroot:       s.fileroot,
		NNodes:         2,
		NGPUsPerNode:   8,
		NodeNamePrefix: "NODE",
	}

	tokens, err := allocation.Parse("sglang.d8p1m1+d8p1m1",
		map[string]struct{}{"sglang": {}})
	s.Require().NoError(err)

	eng := placement.New(tally.NoopScope, &placement.Config{})
	plan, err := eng.Place(tokens, s.topo)
	s.Require().NoError(err)
	s.plan = plan

	s.specs = []coordinator.RoleSpec{
		{Name: "actor_gen", Alloc: "sglang"},
		{Name: "ref_inf", Alloc: "sglang"},
		{
			Name:   "actor_train",
			Alloc:  "train",
			MBSpec: microbatch.Spec{MaxTokensPerMB: 2048},
		},
	}
}

func (s *RunnerTestSuite) launch(
	ctx context.Context,
	recoverCfg recovery.Config,
	control ExperimentControl,
	saves *checkpoint.Store,
) (*Runner, *coordinator.Coordinator, *recovery.Manager) {
	coord := coordinator.New(tally.NoopScope, coordinator.Config{},
		engine.NewLocalFactory(),
		&engine.GenerationConfig{}, &engine.TrainConfig{})
	s.Require().NoError(coord.Launch(ctx, s.plan, s.specs))

	store, err := checkpoint.NewStore(s.fileroot, "exp", "trial")
	s.Require().NoError(err)

	rm, err := recovery.NewManager(tally.NoopScope, recoverCfg, coord, store,
		func() (*placement.Plan, error) { return s.plan, nil })
	s.Require().NoError(err)

	runner, err := NewRunner(tally.NoopScope, NewContext("exp", "trial"),
		control, coord, rm, saves)
	s.Require().NoError(err)
	return runner, coord, rm
}

func (s *RunnerTestSuite) control(ckptFreqSteps int) ExperimentControl {
	return ExperimentControl{
		TotalTrainEpochs: 1,
		StepsPerEpoch:    3,
		CkptFreqSteps:    ckptFreqSteps,
	}
}

func (s *RunnerTestSuite) TestRunsToCompletion() {
	ctx := context.Background()
	runner, coord, _ := s.launch(ctx, recovery.Config{
		Mode: recovery.ModeAuto, Retries: 1, CkptFreqSteps: 1,
	}, s.control(1), nil)
	defer coord.Stop()
	defer coord.TerminateAll(ctx)

	s.NoError(runner.Run(ctx))
	s.Equal(3, runner.jobCtx.Step)
	s.Equal(3, coord.WeightVersion())

	store, err := checkpoint.NewStore(s.fileroot, "exp", "trial")
	s.Require().NoError(err)
	ref, ok, err := store.Latest()
	s.NoError(err)
	s.True(ok)
	s.Equal(3, ref.Step)
}

func (s *RunnerTestSuite) TestRestartResumesFromCheckpoint() {
	ctx := context.Background()

	runner, coord, _ := s.launch(ctx, recovery.Config{
		Mode: recovery.ModeAuto, Retries: 1, CkptFreqSteps: 1,
	}, s.control(1), nil)
	s.NoError(runner.Run(ctx))
	coord.TerminateAll(ctx)
	coord.Stop()

	// A fresh process over the same fileroot restores step 3 and has
	// nothing left to do.
	runner2, coord2, rm2 := s.launch(ctx, recovery.Config{
		Mode: recovery.ModeAuto, Retries: 1, CkptFreqSteps: 1,
	}, s.control(1), nil)
	defer coord2.Stop()
	defer coord2.TerminateAll(ctx)

	s.NoError(runner2.Run(ctx))
	s.Equal(3, rm2.ResumeStep())
	s.Equal(1, runner2.jobCtx.RecoverCount)
}

func (s *RunnerTestSuite) TestSavesAndEvalsOnCadence() {
	ctx := context.Background()
	saves, err := checkpoint.NewSaveStore(s.fileroot, "exp", "trial")
	s.Require().NoError(err)

	control := s.control(0)
	control.SaveFreqSteps = 1
	control.EvalFreqSteps = 2
	runner, coord, _ := s.launch(ctx, recovery.Config{
		Mode: recovery.ModeDisabled,
	}, control, saves)
	defer coord.Stop()
	defer coord.TerminateAll(ctx)

	s.NoError(runner.Run(ctx))

	// Saves fire every step; the newest one is the final step.
	ref, ok, err := saves.Latest()
	s.NoError(err)
	s.True(ok)
	s.Equal(3, ref.Step)

	// Recovery is disabled with no ckpt trigger, so saves never leak
	// into the checkpoint store.
	store, err := checkpoint.NewStore(s.fileroot, "exp", "trial")
	s.Require().NoError(err)
	_, ok, err = store.Latest()
	s.NoError(err)
	s.False(ok)
}

func (s *RunnerTestSuite) TestSaveCadenceNeedsStore() {
	ctx := context.Background()
	coord := coordinator.New(tally.NoopScope, coordinator.Config{},
		engine.NewLocalFactory(),
		&engine.GenerationConfig{}, &engine.TrainConfig{})
	s.Require().NoError(coord.Launch(ctx, s.plan, s.specs))
	defer coord.Stop()
	defer coord.TerminateAll(ctx)

	store, err := checkpoint.NewStore(s.fileroot, "exp", "trial")
	s.Require().NoError(err)
	rm, err := recovery.NewManager(tally.NoopScope,
		recovery.Config{Mode: recovery.ModeDisabled}, coord, store,
		func() (*placement.Plan, error) { return s.plan, nil })
	s.Require().NoError(err)

	control := s.control(0)
	control.SaveFreqSteps = 1
	_, err = NewRunner(tally.NoopScope, NewContext("exp", "trial"),
		control, coord, rm, nil)
	s.Error(err)
}

func (s *RunnerTestSuite) TestCancelledContextStopsRun() {
	ctx, cancel := context.WithCancel(context.Background())
	runner, coord, _ := s.launch(ctx, recovery.Config{
		Mode: recovery.ModeDisabled,
	}, s.control(0), nil)
	defer coord.Stop()
	defer coord.TerminateAll(context.Background())

	cancel()
	err := runner.Run(ctx)
	require.Error(s.T(), err)
	s.Equal(ExitUserCancel, ExitCodeFor(err))
}
