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
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"
	"github.com/uber-go/tally"

	"github.com/tsaoyu/AReaL/pkg/checkpoint"
	"github.com/tsaoyu/AReaL/pkg/common/background"
	"github.com/tsaoyu/AReaL/pkg/coordinator"
	"github.com/tsaoyu/AReaL/pkg/engine"
	"github.com/tsaoyu/AReaL/pkg/recovery"
)

const _progressLogPeriod = 30 * time.Second

// Runner is the single-threaded control loop of a trial. It owns the
// job context; the coordinator and recovery manager are driven from
// here only.
type Runner struct {
	jobCtx  *Context
	control ExperimentControl

	coord    *coordinator.Coordinator
	recovery *recovery.Manager

	// saves holds permanent weight snapshots on the save cadence. It
	// is nil when no save_freq_* trigger is active.
	saves       *checkpoint.Store
	saveCadence *cadence
	evalCadence *cadence

	stepGauge  tally.Gauge
	epochGauge tally.Gauge
	saveCount  tally.Counter
	evalCount  tally.Counter

	background background.Manager
}

// NewRunner wires the control loop. The coordinator must already be
// launched. The save store may be nil when saving is disabled.
func NewRunner(
	parent tally.Scope,
	jobCtx *Context,
	control ExperimentControl,
	coord *coordinator.Coordinator,
	rm *recovery.Manager,
	saves *checkpoint.Store,
) (*Runner, error) {
	scope := parent.SubScope("job")
	r := &Runner{
		jobCtx:   jobCtx,
		control:  control,
		coord:    coord,
		recovery: rm,
		saves:    saves,
		saveCadence: newCadence(
			control.SaveFreqEpochs,
			control.SaveFreqSteps,
			control.SaveFreqSecs),
		evalCadence: newCadence(
			control.EvalFreqEpochs,
			control.EvalFreqSteps,
			control.EvalFreqSecs),
		stepGauge:  scope.Gauge("step"),
		epochGauge: scope.Gauge("epoch"),
		saveCount:  scope.Counter("saves"),
		evalCount:  scope.Counter("evals"),
	}
	if r.saveCadence.enabled() && saves == nil {
		return nil, fmt.Errorf("save_freq is set but no save store was given")
	}
	mgr, err := background.NewManager(background.Work{
		Name:         "progress",
		Func:         r.logProgress,
		Period:       _progressLogPeriod,
		InitialDelay: _progressLogPeriod,
	})
	if err != nil {
		return nil, err
	}
	r.background = mgr
	return r, nil
}

func (r *Runner) logProgress(_ *atomic.Bool) {
	r.stepGauge.Update(float64(r.jobCtx.Step))
	r.epochGauge.Update(float64(r.jobCtx.Epoch))
	log.WithFields(log.Fields{
		"job_group_id":  r.jobCtx.JobGroupID,
		"step":          r.jobCtx.Step,
		"epoch":         r.jobCtx.Epoch,
		"total_steps":   r.control.TotalSteps(),
		"recover_count": r.jobCtx.RecoverCount,
	}).Info("Training progress")
}

// Run executes the training loop until all epochs complete, the
// context is cancelled, or recovery gives up. Failed iterations go
// through the recovery manager; on successful recovery the loop
// rewinds to the checkpointed step.
func (r *Runner) Run(ctx context.Context) error {
	r.background.Start()
	defer r.background.Stop()

	step, err := r.recovery.Bootstrap(ctx)
	if err != nil {
		return err
	}
	if step > 0 {
		r.jobCtx.RecoverCount++
	}

	total := r.control.TotalSteps()
	log.WithFields(log.Fields{
		"job_group_id":  r.jobCtx.JobGroupID,
		"resume_step":   step,
		"total_steps":   total,
		"recover_count": r.jobCtx.RecoverCount,
	}).Info("Starting training loop")

	for step < total {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.jobCtx.Step = step
		r.jobCtx.Epoch = step / r.control.StepsPerEpoch

		stats, err := r.coord.RunIteration(ctx, step)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if rerr := r.recovery.HandleFailure(ctx, err); rerr != nil {
				return rerr
			}
			r.jobCtx.RecoverCount++
			step = r.recovery.ResumeStep()
			continue
		}
		completed := step
		step++
		r.logStats(step, stats)

		if r.evalCadence.due(r.jobCtx.Epoch, step) {
			r.runEval(ctx, completed)
		}
		if r.saveCadence.due(r.jobCtx.Epoch, step) {
			r.saveWeights(ctx, step)
		}
		if err := r.recovery.Tick(ctx, r.jobCtx.Epoch, step); err != nil {
			// A failed snapshot does not stop training; the next
			// trigger retries it.
			log.WithError(err).Error("Checkpoint tick failed")
		}
	}
	r.jobCtx.Step = total
	log.WithField("job_group_id", r.jobCtx.JobGroupID).
		Info("Training complete")
	return nil
}

// runEval scores a fresh rollout with the current weights. An eval
// failure does not stop training; a role it fails surfaces through
// the next iteration and goes to recovery from there.
func (r *Runner) runEval(ctx context.Context, iteration int) {
	if err := r.coord.Evaluate(ctx, iteration); err != nil {
		log.WithError(err).WithField("step", iteration).
			Error("Eval pass failed")
		return
	}
	r.evalCount.Inc(1)
	log.WithField("step", iteration).Info("Eval pass complete")
}

// saveWeights publishes a permanent snapshot after the given step.
// Save failures are logged only; the next trigger retries.
func (r *Runner) saveWeights(ctx context.Context, step int) {
	ref, err := r.saves.Publish(step, func(dir string) error {
		return r.coord.CheckpointAll(ctx, dir)
	})
	if err != nil {
		log.WithError(err).WithField("step", step).
			Error("Weight save failed")
		return
	}
	r.saveCount.Inc(1)
	log.WithFields(log.Fields{
		"step": step,
		"path": ref.Path,
	}).Info("Saved weights")
}

func (r *Runner) logStats(step int, stats engine.TrainStats) {
	log.WithFields(log.Fields{
		"step":           step,
		"loss":           stats.Loss,
		"grad_norm":      stats.GradNorm,
		"microbatches":   stats.Microbatches,
		"tokens_trained": stats.TokensTrained,
	}).Info("Iteration complete")
}
