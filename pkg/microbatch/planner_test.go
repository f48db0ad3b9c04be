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

package microbatch

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type PlannerTestSuite struct {
	suite.Suite
}

func TestPlanner(t *testing.T) {
	suite.Run(t, new(PlannerTestSuite))
}

// flatten concatenates the groups back into one index sequence.
func flatten(mbs []Microbatch) []int {
	var out []int
	for _, mb := range mbs {
		out = append(out, mb.Indices...)
	}
	return out
}

func (s *PlannerTestSuite) TestGreedyRespectsCap() {
	lens := []int{100, 200, 300, 150, 250, 50}
	mbs, err := Plan(lens, Spec{MaxTokensPerMB: 500})
	s.NoError(err)

	for _, mb := range mbs {
		s.LessOrEqual(mb.Tokens, 500)
		total := 0
		for _, idx := range mb.Indices {
			total += lens[idx]
		}
		s.Equal(total, mb.Tokens)
	}
}

func (s *PlannerTestSuite) TestGreedyPreservesOrder() {
	lens := []int{100, 200, 300, 150, 250, 50}
	mbs, err := Plan(lens, Spec{MaxTokensPerMB: 500})
	s.NoError(err)
	s.Equal([]int{0, 1, 2, 3, 4, 5}, flatten(mbs))
}

func (s *PlannerTestSuite) TestGreedyMinimizesGroups() {
	// 100+200 fits, 300+150 fits, 250+50 fits: three groups exactly.
	lens := []int{100, 200, 300, 150, 250, 50}
	mbs, err := Plan(lens, Spec{MaxTokensPerMB: 500})
	s.NoError(err)
	s.Len(mbs, 3)
	s.Equal([]int{0, 1}, mbs[0].Indices)
	s.Equal([]int{2, 3}, mbs[1].Indices)
	s.Equal([]int{4, 5}, mbs[2].Indices)
}

func (s *PlannerTestSuite) TestSingleGroupWhenEverythingFits() {
	mbs, err := Plan([]int{10, 20, 30}, Spec{MaxTokensPerMB: 1000})
	s.NoError(err)
	s.Len(mbs, 1)
	s.Equal(60, mbs[0].Tokens)
}

func (s *PlannerTestSuite) TestOversizedSequence() {
	_, err := Plan([]int{100, 501, 100}, Spec{MaxTokensPerMB: 500})
	s.Error(err)

	oversized, ok := err.(*OversizedSequenceError)
	s.True(ok)
	s.Equal(1, oversized.Index)
	s.Equal(501, oversized.Tokens)
	s.Equal(500, oversized.Cap)
}

func (s *PlannerTestSuite) TestOversizedSequenceAloneInBatch() {
	mbs, err := Plan([]int{501}, Spec{MaxTokensPerMB: 500})
	s.Error(err)
	s.Nil(mbs)
	s.IsType(&OversizedSequenceError{}, err)
}

func (s *PlannerTestSuite) TestFixedCount() {
	lens := []int{100, 100, 100, 100, 100, 100}
	mbs, err := Plan(lens, Spec{MaxTokensPerMB: 500, NMBs: 3})
	s.NoError(err)
	s.Len(mbs, 3)
	s.Equal([]int{0, 1, 2, 3, 4, 5}, flatten(mbs))
	for _, mb := range mbs {
		s.Equal(200, mb.Tokens)
	}
}

func (s *PlannerTestSuite) TestFixedCountRespectsCap() {
	lens := []int{400, 100, 400, 100}
	mbs, err := Plan(lens, Spec{MaxTokensPerMB: 500, NMBs: 2})
	s.NoError(err)
	s.Len(mbs, 2)
	s.Equal([]int{0, 1, 2, 3}, flatten(mbs))
	for _, mb := range mbs {
		s.LessOrEqual(mb.Tokens, 500)
	}
}

func (s *PlannerTestSuite) TestFixedCountMoreGroupsThanSequences() {
	_, err := Plan([]int{100, 100}, Spec{MaxTokensPerMB: 500, NMBs: 3})
	s.Error(err)
}

func (s *PlannerTestSuite) TestFixedCountInfeasibleUnderCap() {
	// Two groups cannot hold 3x400 under a 500 cap.
	_, err := Plan([]int{400, 400, 400}, Spec{MaxTokensPerMB: 500, NMBs: 2})
	s.Error(err)
}

func (s *PlannerTestSuite) TestEmptyBatch() {
	mbs, err := Plan(nil, Spec{MaxTokensPerMB: 500})
	s.NoError(err)
	s.Nil(mbs)
}

func (s *PlannerTestSuite) TestInvalidSpec() {
	_, err := Plan([]int{10}, Spec{})
	s.Error(err)
}

func (s *PlannerTestSuite) TestDeterministic() {
	lens := []int{321, 123, 88, 412, 55, 211, 340}
	first, err := Plan(lens, Spec{MaxTokensPerMB: 512})
	s.NoError(err)
	second, err := Plan(lens, Spec{MaxTokensPerMB: 512})
	s.NoError(err)
	s.Equal(first, second)
}
