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

package allocation

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type AllocationTestSuite struct {
	suite.Suite
	knownRoles map[string]struct{}
}

func TestAllocation(t *testing.T) {
	suite.Run(t, new(AllocationTestSuite))
}

func (s *AllocationTestSuite) SetupTest() {
	s.knownRoles = map[string]struct{}{
		"sglang": {},
		"vllm":   {},
	}
}

func (s *AllocationTestSuite) TestParseExampleSpec() {
	tokens, err := Parse("sglang.d64p1m1+d32p2m1", s.knownRoles)
	s.NoError(err)
	s.Len(tokens, 2)

	s.Equal(Token{Role: "sglang", Data: 64, Pipeline: 1, Model: 1}, tokens[0])
	s.Equal(Token{Role: DefaultRole, Data: 32, Pipeline: 2, Model: 1}, tokens[1])
	s.Equal(64, tokens[0].GPUs())
	s.Equal(64, tokens[1].GPUs())
}

func (s *AllocationTestSuite) TestParsePreservesClauseOrder() {
	tokens, err := Parse("vllm.d2p1m1+sglang.d4p1m1+d1p2m4", s.knownRoles)
	s.NoError(err)
	s.Len(tokens, 3)
	s.Equal("vllm", tokens[0].Role)
	s.Equal("sglang", tokens[1].Role)
	s.Equal(DefaultRole, tokens[2].Role)
}

func (s *AllocationTestSuite) TestRoundTrip() {
	tokens, err := Parse("sglang.d64p1m1+d32p2m1", s.knownRoles)
	s.NoError(err)

	reparsed, err := Parse(Serialize(tokens), s.knownRoles)
	s.NoError(err)
	s.Equal(tokens, reparsed)
}

func (s *AllocationTestSuite) TestParseMalformed() {
	cases := []string{
		"",
		"sglang",
		"sglang.",
		"sglang.d64",
		"sglang.d64p1",
		"sglang.p1m1d64",
		"sglang.d64p1m1+",
		"d0p1m1",
		"d1p0m1",
		"d1p1m0",
		"sglang.d-1p1m1",
	}
	for _, spec := range cases {
		_, err := Parse(spec, s.knownRoles)
		s.Error(err, "spec %q should not parse", spec)
		s.IsType(&MalformedAllocationError{}, err, "spec %q", spec)
	}
}

func (s *AllocationTestSuite) TestParseUnknownRole() {
	_, err := Parse("megatron.d8p1m1", s.knownRoles)
	s.Error(err)

	unknown, ok := err.(*UnknownRoleError)
	s.True(ok)
	s.Equal("megatron", unknown.Role)
	s.Equal([]string{"sglang", "vllm"}, unknown.Known)
}

func (s *AllocationTestSuite) TestDefaultRoleAlwaysAccepted() {
	tokens, err := Parse("train.d8p1m1", map[string]struct{}{})
	s.NoError(err)
	s.Equal(DefaultRole, tokens[0].Role)
}

func (s *AllocationTestSuite) TestParallelGroupSize() {
	tokens, err := Parse("d4p2m4", s.knownRoles)
	s.NoError(err)
	s.Equal(8, tokens[0].ParallelGroupSize())
	s.Equal(32, tokens[0].GPUs())
}
