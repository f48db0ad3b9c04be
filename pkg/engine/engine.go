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

// Package engine is the boundary to the training and generation
// backends. The scheduler core only sees these interfaces; the actual
// tensor-parallel engines live behind them.
package engine

import (
	"context"
	"fmt"

	"github.com/tsaoyu/AReaL/pkg/microbatch"
	"github.com/tsaoyu/AReaL/pkg/placement"
)

// Batch is the data flowing through one PPO iteration: the token
// lengths of the rollout sequences. Payload tensors stay inside the
// backends; the scheduler only needs lengths to plan microbatches.
type Batch struct {
	Iteration int
	Lens      []int
}

// TokenCount returns the total token count of the batch.
func (b Batch) TokenCount() int {
	total := 0
	for _, n := range b.Lens {
		total += n
	}
	return total
}

// TrainStats are the scalar results of one training step.
type TrainStats struct {
	Loss          float64
	GradNorm      float64
	Microbatches  int
	TokensTrained int
}

// Worker is a role's backend worker group as seen by the role
// coordinator.
type Worker interface {
	// Init brings the worker group up on its assigned devices.
	Init(ctx context.Context, assignment *placement.RoleAssignment) error

	// Checkpoint writes the worker's state into dir.
	Checkpoint(ctx context.Context, dir string) error

	// Restore loads the worker's state from dir.
	Restore(ctx context.Context, dir string) error

	// Shutdown stops the worker group. The context bounds the grace
	// period; workers still alive at expiry are force-terminated.
	Shutdown(ctx context.Context) error
}

// Generator is the generation backend: it produces rollouts and
// receives weight updates from the training side.
type Generator interface {
	Worker

	// Generate produces the rollout batch for the iteration.
	Generate(ctx context.Context, iter int) (Batch, error)

	// UpdateWeights loads the given parameter version, broadcast
	// after a training step.
	UpdateWeights(ctx context.Context, version int) error

	// ClearCache drops the backend's KV/radix caches.
	ClearCache(ctx context.Context) error
}

// Scorer is an inference role scoring rollouts (reward, value,
// reference logprobs).
type Scorer interface {
	Worker

	Score(ctx context.Context, batch Batch) error
}

// Trainer consumes microbatches and updates parameters.
type Trainer interface {
	Worker

	Train(
		ctx context.Context,
		batch Batch,
		mbs []microbatch.Microbatch) (TrainStats, error)
}

// Factory builds backend workers for the roles of a trial.
type Factory interface {
	NewGenerator(name string, cfg *GenerationConfig) (Generator, error)
	NewScorer(name string, cfg *GenerationConfig) (Scorer, error)
	NewTrainer(name string, cfg *TrainConfig) (Trainer, error)
}

// TransientError marks a worker failure as retriable: process-level
// or network-level faults that a restart from checkpoint can heal.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient worker failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}
