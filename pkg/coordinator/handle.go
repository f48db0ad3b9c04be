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

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tsaoyu/AReaL/pkg/common/statemachine"
	"github.com/tsaoyu/AReaL/pkg/engine"
	"github.com/tsaoyu/AReaL/pkg/microbatch"
	"github.com/tsaoyu/AReaL/pkg/placement"
)

// Role lifecycle states.
const (
	RolePending      = statemachine.State("PENDING")
	RoleInitializing = statemachine.State("INITIALIZING")
	RoleReady        = statemachine.State("READY")
	RoleRunning      = statemachine.State("RUNNING")
	RolePaused       = statemachine.State("PAUSED")
	RoleTerminated   = statemachine.State("TERMINATED")
	RoleFailed       = statemachine.State("FAILED")
)

func roleRules() []statemachine.Rule {
	return []statemachine.Rule{
		{From: RolePending, To: []statemachine.State{RoleInitializing}},
		{From: RoleInitializing, To: []statemachine.State{RoleReady, RoleFailed}},
		{From: RoleReady, To: []statemachine.State{
			RoleRunning, RolePaused, RoleTerminated}},
		{From: RoleRunning, To: []statemachine.State{
			RoleReady, RoleFailed, RoleTerminated}},
		{From: RolePaused, To: []statemachine.State{RoleReady, RoleTerminated}},
		{From: RoleFailed, To: []statemachine.State{RoleReady, RoleTerminated}},
	}
}

// RoleFailedError wraps a role step failure with enough context for
// the recovery manager to decide whether to retry.
type RoleFailedError struct {
	Role      string
	Kind      RoleKind
	Iteration int
	Cause     error
}

func (e *RoleFailedError) Error() string {
	return fmt.Sprintf("role %s (%s) failed at iteration %d: %v",
		e.Role, e.Kind, e.Iteration, e.Cause)
}

func (e *RoleFailedError) Unwrap() error { return e.Cause }

// RoleHandle binds a placed role to its backend worker and tracks the
// role lifecycle. All step methods drive the state machine through
// RUNNING and back so that health is observable mid-iteration.
type RoleHandle struct {
	spec       RoleSpec
	assignment *placement.RoleAssignment

	worker  engine.Worker
	gen     engine.Generator
	scorer  engine.Scorer
	trainer engine.Trainer

	sm statemachine.StateMachine

	mu      sync.Mutex
	lastErr error
}

func newRoleHandle(
	spec RoleSpec,
	assignment *placement.RoleAssignment,
	factory engine.Factory,
	genCfg *engine.GenerationConfig,
	trainCfg *engine.TrainConfig,
) (*RoleHandle, error) {
	h := &RoleHandle{
		spec:       spec,
		assignment: assignment,
	}
	switch spec.Kind {
	case KindGeneration:
		g, err := factory.NewGenerator(spec.Name, genCfg)
		if err != nil {
			return nil, errors.Wrapf(err, "create generator %s", spec.Name)
		}
		h.gen, h.worker = g, g
	case KindInference:
		s, err := factory.NewScorer(spec.Name, genCfg)
		if err != nil {
			return nil, errors.Wrapf(err, "create scorer %s", spec.Name)
		}
		h.scorer, h.worker = s, s
	case KindTraining:
		t, err := factory.NewTrainer(spec.Name, trainCfg)
		if err != nil {
			return nil, errors.Wrapf(err, "create trainer %s", spec.Name)
		}
		h.trainer, h.worker = t, t
	default:
		return nil, fmt.Errorf("role %s has unknown kind %q",
			spec.Name, spec.Kind)
	}
	sm, err := statemachine.NewStateMachine(
		"role-"+spec.Name, RolePending, roleRules())
	if err != nil {
		return nil, err
	}
	h.sm = sm
	return h, nil
}

// Name returns the role name.
func (h *RoleHandle) Name() string { return h.spec.Name }

// Kind returns the role kind.
func (h *RoleHandle) Kind() RoleKind { return h.spec.Kind }

// Spec returns the role spec the handle was built from.
func (h *RoleHandle) Spec() RoleSpec { return h.spec }

// Assignment returns the placement the role's worker runs on.
func (h *RoleHandle) Assignment() *placement.RoleAssignment {
	return h.assignment
}

// State returns the current lifecycle state.
func (h *RoleHandle) State() statemachine.State {
	return h.sm.GetCurrentState()
}

// Err returns the last step error, if any.
func (h *RoleHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *RoleHandle) initialize(ctx context.Context) error {
	if err := h.sm.TransitTo(RoleInitializing, "launch"); err != nil {
		return err
	}
	if err := h.worker.Init(ctx, h.assignment); err != nil {
		h.fail(err)
		return errors.Wrapf(err, "init role %s", h.spec.Name)
	}
	return h.sm.TransitTo(RoleReady, "initialized")
}

// enterRunning transitions READY to RUNNING for one step. Returns an
// error if the role is not steppable.
func (h *RoleHandle) enterRunning(reason string) error {
	return h.sm.TransitTo(RoleRunning, reason)
}

func (h *RoleHandle) exitRunning() error {
	return h.sm.TransitTo(RoleReady, "step done")
}

func (h *RoleHandle) fail(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
	if terr := h.sm.TransitTo(RoleFailed, err.Error()); terr != nil {
		log.WithField("role", h.spec.Name).
			WithError(terr).
			Warn("Cannot transit role to FAILED")
	}
}

func (h *RoleHandle) stepGenerate(
	ctx context.Context, iteration int) (engine.Batch, error) {
	if err := h.enterRunning("generate"); err != nil {
		return engine.Batch{}, err
	}
	batch, err := h.gen.Generate(ctx, iteration)
	if err != nil {
		h.fail(err)
		return engine.Batch{}, &RoleFailedError{
			Role: h.spec.Name, Kind: h.spec.Kind,
			Iteration: iteration, Cause: err,
		}
	}
	return batch, h.exitRunning()
}

func (h *RoleHandle) stepScore(
	ctx context.Context, iteration int, batch engine.Batch) error {
	if err := h.enterRunning("score"); err != nil {
		return err
	}
	if err := h.scorer.Score(ctx, batch); err != nil {
		h.fail(err)
		return &RoleFailedError{
			Role: h.spec.Name, Kind: h.spec.Kind,
			Iteration: iteration, Cause: err,
		}
	}
	return h.exitRunning()
}

func (h *RoleHandle) stepTrain(
	ctx context.Context,
	iteration int,
	batch engine.Batch,
	mbs []microbatch.Microbatch,
) (engine.TrainStats, error) {
	if err := h.enterRunning("train"); err != nil {
		return engine.TrainStats{}, err
	}
	stats, err := h.trainer.Train(ctx, batch, mbs)
	if err != nil {
		h.fail(err)
		return engine.TrainStats{}, &RoleFailedError{
			Role: h.spec.Name, Kind: h.spec.Kind,
			Iteration: iteration, Cause: err,
		}
	}
	return stats, h.exitRunning()
}

// Pause quiesces a READY role.
func (h *RoleHandle) Pause(reason string) error {
	return h.sm.TransitTo(RolePaused, reason)
}

// Resume brings a PAUSED role back to READY.
func (h *RoleHandle) Resume(reason string) error {
	return h.sm.TransitTo(RoleReady, reason)
}

// Checkpoint persists the role's state into dir. The role must be
// quiescent (READY or PAUSED).
func (h *RoleHandle) Checkpoint(ctx context.Context, dir string) error {
	switch h.sm.GetCurrentState() {
	case RoleReady, RolePaused:
	default:
		return fmt.Errorf("role %s cannot checkpoint in state %s",
			h.spec.Name, h.sm.GetCurrentState())
	}
	return h.worker.Checkpoint(ctx, dir)
}

// Restore loads the role's state from dir. A FAILED role becomes
// READY again on success.
func (h *RoleHandle) Restore(ctx context.Context, dir string) error {
	if err := h.worker.Restore(ctx, dir); err != nil {
		return errors.Wrapf(err, "restore role %s", h.spec.Name)
	}
	if h.sm.GetCurrentState() == RoleFailed {
		h.mu.Lock()
		h.lastErr = nil
		h.mu.Unlock()
		return h.sm.TransitTo(RoleReady, "restored")
	}
	return nil
}

// Terminate shuts the worker down, waiting at most grace for a clean
// exit. The role ends in TERMINATED regardless.
func (h *RoleHandle) Terminate(ctx context.Context, grace time.Duration) error {
	shutdownCtx := ctx
	if grace > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	err := h.worker.Shutdown(shutdownCtx)
	if err != nil {
		log.WithField("role", h.spec.Name).
			WithError(err).
			Warn("Role did not shut down cleanly, forcing termination")
	}
	if terr := h.sm.TransitTo(RoleTerminated, "terminate"); terr != nil {
		// Already terminal; nothing more to do.
		log.WithField("role", h.spec.Name).
			WithError(terr).
			Debug("Role already terminal")
	}
	return err
}
