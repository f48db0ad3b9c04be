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

// Package recovery snapshots trial state on a schedule and retries the
// trial from the last snapshot when a role fails, within a retry
// budget.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/tsaoyu/AReaL/pkg/checkpoint"
	"github.com/tsaoyu/AReaL/pkg/coordinator"
	"github.com/tsaoyu/AReaL/pkg/engine"
	"github.com/tsaoyu/AReaL/pkg/placement"
)

// Mode is the failure handling policy of a trial.
type Mode string

const (
	// ModeDisabled aborts the job on the first role failure.
	ModeDisabled = Mode("disabled")
	// ModeAuto retries any role failure from the last checkpoint
	// until the retry budget runs out.
	ModeAuto = Mode("auto")
	// ModeFault retries like auto but only for transient failures;
	// anything else aborts regardless of remaining budget.
	ModeFault = Mode("fault")
)

// ParseMode validates a recover mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDisabled, ModeAuto, ModeFault:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown recover mode %q", s)
}

// State is the mutable recovery bookkeeping of a trial. It is owned
// by the Manager; other components read it through Manager accessors.
type State struct {
	Mode             Mode
	RetriesRemaining int
	LastCheckpoint   *checkpoint.Ref
}

// Config tunes the recovery manager.
type Config struct {
	Mode    Mode          `yaml:"mode"`
	Retries int           `yaml:"retries"`
	After   time.Duration `yaml:"after"`

	// Checkpoint triggers. At least one must be active when the
	// mode is not disabled.
	CkptFreqEpochs int `yaml:"ckpt_freq_epochs"`
	CkptFreqSteps  int `yaml:"ckpt_freq_steps"`
	CkptFreqSecs   int `yaml:"ckpt_freq_secs"`
}

// Validate rejects configs whose recovery could never restore
// anything.
func (c *Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Retries < 0 {
		return fmt.Errorf("recover retries cannot be negative")
	}
	if c.Mode != ModeDisabled &&
		c.CkptFreqEpochs <= 0 && c.CkptFreqSteps <= 0 && c.CkptFreqSecs <= 0 {
		return fmt.Errorf(
			"recover mode %s needs at least one active checkpoint trigger",
			c.Mode)
	}
	return nil
}

// FatalError means the trial cannot continue: recovery is disabled,
// exhausted, or the failure is not retriable under the mode.
type FatalError struct {
	Role             string
	Kind             string
	RetriesRemaining int
	Cause            error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf(
		"unrecoverable failure of role %s (%s), %d retries remaining: %v",
		e.Role, e.Kind, e.RetriesRemaining, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Trial is the slice of coordinator behavior the manager drives.
type Trial interface {
	CheckpointAll(ctx context.Context, dir string) error
	RestoreAll(ctx context.Context, dir string) error
	Relaunch(ctx context.Context, plan *placement.Plan) error
	FailedHandles() []*coordinator.RoleHandle
}

// PlanFunc produces a fresh placement plan for a recovery cycle.
type PlanFunc func() (*placement.Plan, error)

// Manager owns the recovery state of one trial.
type Manager struct {
	config  Config
	metrics *Metrics

	trial  Trial
	store  *checkpoint.Store
	replan PlanFunc

	state State

	lastCkptEpoch int
	lastCkptStep  int
	lastCkptTime  time.Time

	now func() time.Time
}

// NewManager creates a recovery manager. The step/seconds watermarks
// start at creation time.
func NewManager(
	parent tally.Scope,
	config Config,
	trial Trial,
	store *checkpoint.Store,
	replan PlanFunc,
) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		config:  config,
		metrics: NewMetrics(parent.SubScope("recovery")),
		trial:   trial,
		store:   store,
		replan:  replan,
		state: State{
			Mode:             config.Mode,
			RetriesRemaining: config.Retries,
		},
		now: time.Now,
	}
	m.lastCkptTime = m.now()
	return m, nil
}

// State returns a copy of the recovery state.
func (m *Manager) State() State { return m.state }

// Bootstrap looks for an existing snapshot of the trial and restores
// from it, so a restarted job resumes instead of starting over. It
// returns the step to resume from, or zero when starting fresh.
func (m *Manager) Bootstrap(ctx context.Context) (int, error) {
	if m.config.Mode == ModeDisabled {
		return 0, nil
	}
	ref, ok, err := m.store.Latest()
	if err != nil {
		return 0, errors.Wrap(err, "scan checkpoint store")
	}
	if !ok {
		return 0, nil
	}
	if err := m.trial.RestoreAll(ctx, ref.Path); err != nil {
		return 0, errors.Wrapf(err, "restore from %s", ref.Path)
	}
	m.state.LastCheckpoint = &ref
	m.lastCkptStep = ref.Step
	log.WithFields(log.Fields{
		"step": ref.Step,
		"path": ref.Path,
	}).Info("Resumed trial from existing checkpoint")
	return ref.Step, nil
}

// trigger names, also used as metric tags.
const (
	triggerEpochs  = "epochs"
	triggerSteps   = "steps"
	triggerSeconds = "seconds"
)

// firedTrigger returns the single trigger firing for this tick.
// Priority is epochs, then steps, then seconds.
func (m *Manager) firedTrigger(epoch, step int) string {
	if f := m.config.CkptFreqEpochs; f > 0 && epoch-m.lastCkptEpoch >= f {
		return triggerEpochs
	}
	if f := m.config.CkptFreqSteps; f > 0 && step-m.lastCkptStep >= f {
		return triggerSteps
	}
	if f := m.config.CkptFreqSecs; f > 0 &&
		m.now().Sub(m.lastCkptTime) >= time.Duration(f)*time.Second {
		return triggerSeconds
	}
	return ""
}

// Tick checkpoints the trial when a trigger threshold is crossed. At
// most one snapshot is taken per tick even when several triggers are
// past due.
func (m *Manager) Tick(ctx context.Context, epoch, step int) error {
	trigger := m.firedTrigger(epoch, step)
	if trigger == "" {
		return nil
	}
	ref, err := m.store.Publish(step, func(dir string) error {
		return m.trial.CheckpointAll(ctx, dir)
	})
	if err != nil {
		m.metrics.CheckpointFail.Inc(1)
		return errors.Wrapf(err, "checkpoint at step %d", step)
	}
	m.state.LastCheckpoint = &ref
	// Reset every watermark so a past-due secondary trigger does not
	// immediately fire a second snapshot.
	m.lastCkptEpoch = epoch
	m.lastCkptStep = step
	m.lastCkptTime = m.now()
	m.metrics.CheckpointSuccess.Inc(1)
	log.WithFields(log.Fields{
		"step":    step,
		"trigger": trigger,
		"path":    ref.Path,
	}).Info("Published trial checkpoint")
	return nil
}

// HandleFailure applies the recovery policy after a failed iteration.
// A nil return means the trial was recovered and may resume from the
// last checkpoint; a *FatalError means the job must abort.
func (m *Manager) HandleFailure(ctx context.Context, cause error) error {
	role, kind := failureOrigin(m.trial, cause)
	logger := log.WithFields(log.Fields{
		"role":    role,
		"kind":    kind,
		"mode":    m.state.Mode,
		"retries": m.state.RetriesRemaining,
	})

	if m.state.Mode == ModeDisabled {
		return &FatalError{Role: role, Kind: kind, Cause: cause}
	}
	if m.state.Mode == ModeFault && !isTransient(cause) {
		logger.Error("Failure is not transient, aborting")
		return &FatalError{
			Role: role, Kind: kind,
			RetriesRemaining: m.state.RetriesRemaining,
			Cause:            cause,
		}
	}
	if m.state.RetriesRemaining <= 0 {
		m.metrics.RecoveryExhausted.Inc(1)
		logger.Error("Recovery budget exhausted, aborting")
		return &FatalError{Role: role, Kind: kind, Cause: cause}
	}
	last := m.state.LastCheckpoint
	if last == nil {
		ref, ok, err := m.store.Latest()
		if err != nil || !ok {
			return &FatalError{
				Role: role, Kind: kind,
				RetriesRemaining: m.state.RetriesRemaining,
				Cause: errors.Wrap(cause,
					"no checkpoint available to recover from"),
			}
		}
		last = &ref
	}

	m.state.RetriesRemaining--
	logger.WithField("checkpoint", last.Path).
		Warn("Recovering trial from checkpoint")

	if m.config.After > 0 {
		select {
		case <-time.After(m.config.After):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	plan, err := m.replan()
	if err != nil {
		m.metrics.RecoveryFail.Inc(1)
		return errors.Wrap(err, "re-place roles for recovery")
	}
	if err := m.trial.Relaunch(ctx, plan); err != nil {
		m.metrics.RecoveryFail.Inc(1)
		return errors.Wrap(err, "relaunch roles for recovery")
	}
	if err := m.trial.RestoreAll(ctx, last.Path); err != nil {
		m.metrics.RecoveryFail.Inc(1)
		return errors.Wrapf(err, "restore roles from %s", last.Path)
	}
	m.metrics.RecoverySuccess.Inc(1)
	return nil
}

// ResumeStep returns the step recovered trials continue from.
func (m *Manager) ResumeStep() int {
	if m.state.LastCheckpoint == nil {
		return 0
	}
	return m.state.LastCheckpoint.Step
}

func failureOrigin(trial Trial, cause error) (role, kind string) {
	var rfe *coordinator.RoleFailedError
	if errors.As(cause, &rfe) {
		return rfe.Role, string(rfe.Kind)
	}
	if failed := trial.FailedHandles(); len(failed) > 0 {
		return failed[0].Name(), string(failed[0].Kind())
	}
	return "unknown", "unknown"
}

func isTransient(err error) bool {
	var te *engine.TransientError
	return errors.As(err, &te)
}
