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

package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
)

const (
	statePending State = "pending"
	stateRunning State = "running"
	stateDone    State = "done"
)

type StateMachineTestSuite struct {
	suite.Suite
	sm StateMachine
}

func TestStateMachine(t *testing.T) {
	suite.Run(t, new(StateMachineTestSuite))
}

func (s *StateMachineTestSuite) SetupTest() {
	sm, err := NewStateMachine("test-object", statePending, []Rule{
		{From: statePending, To: []State{stateRunning}},
		{From: stateRunning, To: []State{stateDone, statePending}},
	})
	s.NoError(err)
	s.sm = sm
}

func (s *StateMachineTestSuite) TestValidTransitions() {
	s.NoError(s.sm.TransitTo(stateRunning, "started"))
	s.Equal(stateRunning, s.sm.GetCurrentState())
	s.Equal("started", s.sm.GetReason())

	s.NoError(s.sm.TransitTo(stateDone, "finished"))
	s.Equal(stateDone, s.sm.GetCurrentState())
}

func (s *StateMachineTestSuite) TestInvalidTransition() {
	err := s.sm.TransitTo(stateDone, "skipping running")
	s.Error(err)

	var invalid *InvalidTransitionError
	s.True(errors.As(err, &invalid))
	s.Equal(statePending, invalid.From)
	s.Equal(stateDone, invalid.To)
	s.Equal(statePending, s.sm.GetCurrentState())
}

func (s *StateMachineTestSuite) TestCallbackRuns() {
	var observed *Transition
	sm, err := NewStateMachine("cb", statePending, []Rule{
		{
			From: statePending,
			To:   []State{stateRunning},
			Callback: func(t *Transition) error {
				observed = t
				return nil
			},
		},
	})
	s.NoError(err)

	s.NoError(sm.TransitTo(stateRunning, "go"))
	s.NotNil(observed)
	s.Equal(statePending, observed.From)
	s.Equal(stateRunning, observed.To)
}

func (s *StateMachineTestSuite) TestCallbackErrorPropagates() {
	boom := errors.New("boom")
	sm, err := NewStateMachine("cb-err", statePending, []Rule{
		{
			From:     statePending,
			To:       []State{stateRunning},
			Callback: func(*Transition) error { return boom },
		},
	})
	s.NoError(err)
	s.Equal(boom, sm.TransitTo(stateRunning, "go"))
}

func (s *StateMachineTestSuite) TestDuplicateRuleRejected() {
	_, err := NewStateMachine("dup", statePending, []Rule{
		{From: statePending, To: []State{stateRunning}},
		{From: statePending, To: []State{stateDone}},
	})
	s.Error(err)
}
