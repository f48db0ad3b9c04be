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

// Package job holds the per-job state and the control loop that
// drives iterations, checkpoint ticks and failure recovery.
package job

import (
	"context"
	"fmt"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"

	"github.com/tsaoyu/AReaL/pkg/allocation"
	"github.com/tsaoyu/AReaL/pkg/placement"
	"github.com/tsaoyu/AReaL/pkg/recovery"
)

// Process exit codes.
const (
	ExitOK                    = 0
	ExitFailure               = 1
	ExitUserCancel            = 2
	ExitMalformed             = 3
	ExitInsufficientResources = 4
	ExitRecoveryExhausted     = 5
)

// ExitCodeFor maps an error to the process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		malformed    *allocation.MalformedAllocationError
		unknownRole  *allocation.UnknownRoleError
		insufficient *placement.InsufficientResourcesError
		mismatch     *placement.TopologyMismatchError
		fatal        *recovery.FatalError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ExitUserCancel
	case errors.As(err, &malformed), errors.As(err, &unknownRole):
		return ExitMalformed
	case errors.As(err, &insufficient), errors.As(err, &mismatch):
		return ExitInsufficientResources
	case errors.As(err, &fatal):
		return ExitRecoveryExhausted
	}
	return ExitFailure
}

// ExperimentControl governs run length and the cadence of snapshots,
// saves and evals. The frequency units are mutually optional.
type ExperimentControl struct {
	TotalTrainEpochs int `yaml:"total_train_epochs"`
	StepsPerEpoch    int `yaml:"steps_per_epoch"`

	SaveFreqEpochs int `yaml:"save_freq_epochs"`
	SaveFreqSteps  int `yaml:"save_freq_steps"`
	SaveFreqSecs   int `yaml:"save_freq_secs"`

	CkptFreqEpochs int `yaml:"ckpt_freq_epochs"`
	CkptFreqSteps  int `yaml:"ckpt_freq_steps"`
	CkptFreqSecs   int `yaml:"ckpt_freq_secs"`

	EvalFreqEpochs int `yaml:"eval_freq_epochs"`
	EvalFreqSteps  int `yaml:"eval_freq_steps"`
	EvalFreqSecs   int `yaml:"eval_freq_secs"`
}

// TotalSteps is the number of iterations the job runs for.
func (c *ExperimentControl) TotalSteps() int {
	return c.TotalTrainEpochs * c.StepsPerEpoch
}

// Validate checks the control block. A recovery-enabled job without
// any active checkpoint trigger could never restore anything, so it
// is rejected at startup.
func (c *ExperimentControl) Validate(recoveryEnabled bool) error {
	if c.TotalTrainEpochs <= 0 {
		return fmt.Errorf("total_train_epochs must be positive")
	}
	if c.StepsPerEpoch <= 0 {
		return fmt.Errorf("steps_per_epoch must be positive")
	}
	if recoveryEnabled &&
		c.CkptFreqEpochs <= 0 && c.CkptFreqSteps <= 0 && c.CkptFreqSecs <= 0 {
		return fmt.Errorf(
			"recovery is enabled but no ckpt_freq_* trigger is active")
	}
	return nil
}

// Context is the mutable per-job state: identity, progress counters
// and the recover count. It is created at job start and mutated only
// by the control loop.
type Context struct {
	Experiment string
	Trial      string

	// JobGroupID identifies this launch of the trial across its
	// worker groups.
	JobGroupID string

	Step         int
	Epoch        int
	RecoverCount int
}

// NewContext mints the job identity.
func NewContext(experiment, trial string) *Context {
	return &Context{
		Experiment: experiment,
		Trial:      trial,
		JobGroupID: uuid.New(),
	}
}
