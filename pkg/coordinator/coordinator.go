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

// Package coordinator drives the phase loop of an RLHF iteration:
// generation, scoring, training, then weight broadcast. Roles step
// concurrently inside a phase; a barrier separates phases.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/tsaoyu/AReaL/pkg/common/async"
	"github.com/tsaoyu/AReaL/pkg/engine"
	"github.com/tsaoyu/AReaL/pkg/microbatch"
	"github.com/tsaoyu/AReaL/pkg/placement"
)

const (
	_defaultStepConcurrency = 4
	_defaultTerminateGrace  = 30 * time.Second
)

// Config tunes the coordinator loop.
type Config struct {
	// StepConcurrency bounds how many role steps run at once within
	// a phase.
	StepConcurrency int `yaml:"step_concurrency"`

	// CacheClearFreq clears generation backend caches every N
	// iterations. Zero disables clearing.
	CacheClearFreq int `yaml:"cache_clear_freq"`

	// OverlapGeneration lets generation for iteration i+1 run while
	// iteration i trains, when generation and training roles occupy
	// disjoint devices. The overlapped rollout uses the previous
	// weight version.
	OverlapGeneration bool `yaml:"overlap_generation"`

	// TotalIterations is how many iterations the job runs in total.
	// Overlapped generation never reaches past it, so the last
	// iteration does not produce a rollout nobody consumes. Zero
	// means unknown and leaves overlap unbounded.
	TotalIterations int `yaml:"total_iterations"`

	// TerminateGrace bounds how long a role gets to shut down
	// cleanly before it is force-terminated.
	TerminateGrace time.Duration `yaml:"terminate_grace"`
}

func (c *Config) normalize() {
	if c.StepConcurrency <= 0 {
		c.StepConcurrency = _defaultStepConcurrency
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = _defaultTerminateGrace
	}
}

// pendingGeneration carries a rollout produced ahead of its iteration.
type pendingGeneration struct {
	iteration int
	wg        sync.WaitGroup
	batch     engine.Batch
	err       error
}

// Coordinator owns the role handles of a trial and runs iterations
// over them.
type Coordinator struct {
	config  Config
	metrics *Metrics

	factory  engine.Factory
	genCfg   *engine.GenerationConfig
	trainCfg *engine.TrainConfig

	pool *async.Pool

	plan    *placement.Plan
	specs   []RoleSpec
	handles []*RoleHandle

	weightVersion int

	nextGen *pendingGeneration
}

// New creates a coordinator. Launch must be called before iterations
// can run.
func New(
	parent tally.Scope,
	config Config,
	factory engine.Factory,
	genCfg *engine.GenerationConfig,
	trainCfg *engine.TrainConfig,
) *Coordinator {
	config.normalize()
	return &Coordinator{
		config:   config,
		metrics:  NewMetrics(parent.SubScope("coordinator")),
		factory:  factory,
		genCfg:   genCfg,
		trainCfg: trainCfg,
		pool: async.NewPool(async.PoolOptions{
			MaxWorkers: config.StepConcurrency,
		}),
	}
}

// Launch builds and initializes one worker group per role spec on the
// given placement plan. On any init failure the already-started roles
// are terminated and the error is returned.
func (c *Coordinator) Launch(
	ctx context.Context,
	plan *placement.Plan,
	specs []RoleSpec,
) error {
	if len(c.handles) != 0 {
		return fmt.Errorf("coordinator already has %d live roles",
			len(c.handles))
	}
	normalized := make([]RoleSpec, len(specs))
	for i, spec := range specs {
		normalized[i] = spec
		if err := normalized[i].Normalize(); err != nil {
			return err
		}
	}

	handles := make([]*RoleHandle, 0, len(normalized))
	for _, spec := range normalized {
		assignment := plan.AssignmentFor(spec.Alloc)
		if assignment == nil {
			return fmt.Errorf(
				"role %s needs allocation tag %q which plan %s does not place",
				spec.Name, spec.Alloc, plan.ID)
		}
		h, err := newRoleHandle(spec, assignment, c.factory, c.genCfg, c.trainCfg)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	initErrs := make([]error, len(handles))
	for i, h := range handles {
		i, h := i, h
		c.pool.Enqueue(ctx, async.JobFunc(func(ctx context.Context) {
			initErrs[i] = h.initialize(ctx)
		}))
	}
	c.pool.WaitUntilProcessed()
	for i, err := range initErrs {
		if err != nil {
			c.terminateHandles(ctx, handles)
			return errors.Wrapf(err, "launch role %s", handles[i].Name())
		}
	}

	c.plan = plan
	c.specs = normalized
	c.handles = handles
	log.WithFields(log.Fields{
		"plan_id": plan.ID,
		"roles":   len(handles),
	}).Info("Launched trial roles")
	return nil
}

// Relaunch terminates all live roles and brings up fresh worker
// groups on a new plan, reusing the specs from the previous Launch.
func (c *Coordinator) Relaunch(
	ctx context.Context, plan *placement.Plan) error {
	if len(c.specs) == 0 {
		return fmt.Errorf("coordinator was never launched")
	}
	specs := c.specs
	c.TerminateAll(ctx)
	c.specs = nil
	return c.Launch(ctx, plan, specs)
}

// Handles returns the live role handles.
func (c *Coordinator) Handles() []*RoleHandle { return c.handles }

// Plan returns the plan the live roles were placed with.
func (c *Coordinator) Plan() *placement.Plan { return c.plan }

// WeightVersion is the parameter version generation roles last
// received.
func (c *Coordinator) WeightVersion() int { return c.weightVersion }

// FailedHandles returns the roles currently in FAILED state.
func (c *Coordinator) FailedHandles() []*RoleHandle {
	var failed []*RoleHandle
	for _, h := range c.handles {
		if h.State() == RoleFailed {
			failed = append(failed, h)
		}
	}
	return failed
}

func (c *Coordinator) handlesOf(kind RoleKind) []*RoleHandle {
	var out []*RoleHandle
	for _, h := range c.handles {
		if h.Kind() == kind {
			out = append(out, h)
		}
	}
	return out
}

// RunIteration runs one full iteration: rollout, scoring, training,
// weight broadcast and optional cache clearing. The returned stats
// aggregate over all training roles.
func (c *Coordinator) RunIteration(
	ctx context.Context, iteration int) (engine.TrainStats, error) {
	sw := c.metrics.IterationDuration.Start()
	stats, err := c.runIteration(ctx, iteration)
	sw.Stop()
	if err != nil {
		c.metrics.IterationFail.Inc(1)
		return engine.TrainStats{}, err
	}
	c.metrics.IterationSuccess.Inc(1)
	c.metrics.TokensTrained.Inc(int64(stats.TokensTrained))
	return stats, nil
}

func (c *Coordinator) runIteration(
	ctx context.Context, iteration int) (engine.TrainStats, error) {
	batch, err := c.collectRollout(ctx, iteration)
	if err != nil {
		return engine.TrainStats{}, err
	}

	if err := c.runScoring(ctx, iteration, batch); err != nil {
		return engine.TrainStats{}, err
	}

	// Generation for the next iteration may start now: training only
	// touches training devices when the plan keeps them disjoint.
	c.maybeStartOverlap(ctx, iteration+1)

	stats, err := c.runTraining(ctx, iteration, batch)
	if err != nil {
		return engine.TrainStats{}, err
	}

	// An in-flight overlapped rollout still reads the old weights;
	// wait it out before switching versions.
	if c.nextGen != nil {
		c.nextGen.wg.Wait()
	}
	if err := c.broadcastWeights(ctx, iteration); err != nil {
		return engine.TrainStats{}, err
	}

	if c.config.CacheClearFreq > 0 &&
		(iteration+1)%c.config.CacheClearFreq == 0 {
		if err := c.clearCaches(ctx, iteration); err != nil {
			return engine.TrainStats{}, err
		}
	}
	return stats, nil
}

func (c *Coordinator) collectRollout(
	ctx context.Context, iteration int) (engine.Batch, error) {
	if pending := c.nextGen; pending != nil &&
		pending.iteration == iteration {
		pending.wg.Wait()
		c.nextGen = nil
		if pending.err != nil {
			return engine.Batch{}, pending.err
		}
		c.metrics.OverlappedRollouts.Inc(1)
		return pending.batch, nil
	}
	return c.runGeneration(ctx, iteration)
}

// runGeneration steps every generation role and merges their shards,
// in role order, into one batch.
func (c *Coordinator) runGeneration(
	ctx context.Context, iteration int) (engine.Batch, error) {
	gens := c.handlesOf(KindGeneration)
	if len(gens) == 0 {
		return engine.Batch{}, fmt.Errorf("no generation roles launched")
	}
	shards := make([]engine.Batch, len(gens))
	errs := make([]error, len(gens))
	for i, h := range gens {
		i, h := i, h
		c.pool.Enqueue(ctx, async.JobFunc(func(ctx context.Context) {
			shards[i], errs[i] = h.stepGenerate(ctx, iteration)
		}))
	}
	c.pool.WaitUntilProcessed()
	if err := firstError(errs); err != nil {
		return engine.Batch{}, err
	}
	merged := engine.Batch{Iteration: iteration}
	for _, shard := range shards {
		merged.Lens = append(merged.Lens, shard.Lens...)
	}
	return merged, nil
}

func (c *Coordinator) runScoring(
	ctx context.Context, iteration int, batch engine.Batch) error {
	scorers := c.handlesOf(KindInference)
	errs := make([]error, len(scorers))
	for i, h := range scorers {
		i, h := i, h
		c.pool.Enqueue(ctx, async.JobFunc(func(ctx context.Context) {
			errs[i] = h.stepScore(ctx, iteration, batch)
		}))
	}
	c.pool.WaitUntilProcessed()
	return firstError(errs)
}

func (c *Coordinator) runTraining(
	ctx context.Context, iteration int, batch engine.Batch,
) (engine.TrainStats, error) {
	trainers := c.handlesOf(KindTraining)
	if len(trainers) == 0 {
		return engine.TrainStats{}, fmt.Errorf("no training roles launched")
	}
	stats := make([]engine.TrainStats, len(trainers))
	errs := make([]error, len(trainers))
	for i, h := range trainers {
		mbs, err := microbatch.Plan(batch.Lens, h.Spec().MBSpec)
		if err != nil {
			// An oversized sequence is a data fault, not a worker
			// fault; it aborts the iteration without failing roles.
			return engine.TrainStats{}, errors.Wrapf(
				err, "plan microbatches for role %s", h.Name())
		}
		i, h, mbs := i, h, mbs
		c.pool.Enqueue(ctx, async.JobFunc(func(ctx context.Context) {
			stats[i], errs[i] = h.stepTrain(ctx, iteration, batch, mbs)
		}))
	}
	c.pool.WaitUntilProcessed()
	if err := firstError(errs); err != nil {
		return engine.TrainStats{}, err
	}
	return aggregateStats(stats), nil
}

// Evaluate runs a scored rollout with the current weights, without a
// training step or weight update. The iteration number tags the
// rollout; it does not consume or produce overlapped generations.
func (c *Coordinator) Evaluate(ctx context.Context, iteration int) error {
	batch, err := c.runGeneration(ctx, iteration)
	if err != nil {
		return err
	}
	return c.runScoring(ctx, iteration, batch)
}

// maybeStartOverlap kicks off generation for the given iteration in
// the background when the config allows it and no generation role
// shares devices with a training role.
func (c *Coordinator) maybeStartOverlap(ctx context.Context, iteration int) {
	if !c.config.OverlapGeneration || c.nextGen != nil {
		return
	}
	if c.config.TotalIterations > 0 && iteration >= c.config.TotalIterations {
		return
	}
	for _, g := range c.handlesOf(KindGeneration) {
		for _, t := range c.handlesOf(KindTraining) {
			if !c.plan.ResourceDisjoint(g.Spec().Alloc, t.Spec().Alloc) {
				return
			}
		}
	}
	pending := &pendingGeneration{iteration: iteration}
	pending.wg.Add(1)
	c.nextGen = pending
	go func() {
		defer pending.wg.Done()
		pending.batch, pending.err = c.overlapGeneration(ctx, iteration)
	}()
}

// overlapGeneration mirrors runGeneration but steps the roles on its
// own goroutines, leaving the pool free for the training phase.
func (c *Coordinator) overlapGeneration(
	ctx context.Context, iteration int) (engine.Batch, error) {
	gens := c.handlesOf(KindGeneration)
	shards := make([]engine.Batch, len(gens))
	errs := make([]error, len(gens))
	var wg sync.WaitGroup
	for i, h := range gens {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			shards[i], errs[i] = h.stepGenerate(ctx, iteration)
		}()
	}
	wg.Wait()
	if err := firstError(errs); err != nil {
		return engine.Batch{}, err
	}
	merged := engine.Batch{Iteration: iteration}
	for _, shard := range shards {
		merged.Lens = append(merged.Lens, shard.Lens...)
	}
	return merged, nil
}

// broadcastWeights bumps the parameter version and pushes it to every
// generation role.
func (c *Coordinator) broadcastWeights(
	ctx context.Context, iteration int) error {
	c.weightVersion++
	version := c.weightVersion
	gens := c.handlesOf(KindGeneration)
	errs := make([]error, len(gens))
	for i, h := range gens {
		i, h := i, h
		c.pool.Enqueue(ctx, async.JobFunc(func(ctx context.Context) {
			if err := h.gen.UpdateWeights(ctx, version); err != nil {
				h.fail(err)
				errs[i] = &RoleFailedError{
					Role: h.Name(), Kind: h.Kind(),
					Iteration: iteration, Cause: err,
				}
			}
		}))
	}
	c.pool.WaitUntilProcessed()
	if err := firstError(errs); err != nil {
		return err
	}
	c.metrics.WeightVersion.Update(float64(version))
	return nil
}

func (c *Coordinator) clearCaches(
	ctx context.Context, iteration int) error {
	gens := c.handlesOf(KindGeneration)
	errs := make([]error, len(gens))
	for i, h := range gens {
		i, h := i, h
		c.pool.Enqueue(ctx, async.JobFunc(func(ctx context.Context) {
			if err := h.gen.ClearCache(ctx); err != nil {
				h.fail(err)
				errs[i] = &RoleFailedError{
					Role: h.Name(), Kind: h.Kind(),
					Iteration: iteration, Cause: err,
				}
			}
		}))
	}
	c.pool.WaitUntilProcessed()
	return firstError(errs)
}

// CheckpointAll persists every role's state into dir. Roles must be
// quiescent.
func (c *Coordinator) CheckpointAll(ctx context.Context, dir string) error {
	for _, h := range c.handles {
		if err := h.Checkpoint(ctx, dir); err != nil {
			return errors.Wrapf(err, "checkpoint role %s", h.Name())
		}
	}
	return nil
}

// RestoreAll loads every role's state from dir. FAILED roles come
// back READY on success.
func (c *Coordinator) RestoreAll(ctx context.Context, dir string) error {
	for _, h := range c.handles {
		if err := h.Restore(ctx, dir); err != nil {
			return err
		}
	}
	return nil
}

// TerminateAll shuts every role down and drops the handles. Shutdown
// errors are logged, not returned; termination always completes.
func (c *Coordinator) TerminateAll(ctx context.Context) {
	if c.nextGen != nil {
		c.nextGen.wg.Wait()
		c.nextGen = nil
	}
	c.terminateHandles(ctx, c.handles)
	c.handles = nil
	c.plan = nil
}

func (c *Coordinator) terminateHandles(
	ctx context.Context, handles []*RoleHandle) {
	for _, h := range handles {
		if h.State() == RoleTerminated || h.State() == RolePending {
			continue
		}
		if err := h.Terminate(ctx, c.config.TerminateGrace); err != nil {
			log.WithField("role", h.Name()).
				WithError(err).
				Warn("Role termination was not clean")
		}
	}
}

// Stop releases the coordinator's worker pool. The coordinator cannot
// run iterations afterwards.
func (c *Coordinator) Stop() {
	c.pool.Stop()
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func aggregateStats(stats []engine.TrainStats) engine.TrainStats {
	var agg engine.TrainStats
	for _, s := range stats {
		agg.Loss += s.Loss
		agg.GradNorm += s.GradNorm
		agg.Microbatches += s.Microbatches
		agg.TokensTrained += s.TokensTrained
	}
	if n := len(stats); n > 0 {
		agg.Loss /= float64(n)
		agg.GradNorm /= float64(n)
	}
	return agg
}
