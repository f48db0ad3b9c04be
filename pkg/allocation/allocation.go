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

// Package allocation parses compact allocation-mode strings such as
// "sglang.d64p1m1+d32p2m1" into typed topology tokens. Token order is
// the source order of the clauses; downstream rank assignment depends
// on it, so the parse is deterministic.
package allocation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultRole is the backend family assigned to a clause that
	// carries no prefix, i.e. the training engine group.
	DefaultRole = "train"

	// clauseSeparator joins multiple clauses of one allocation string.
	clauseSeparator = "+"
)

// clausePattern matches one clause: an optional "<role>." prefix
// followed by the dNpNmN parallelism triple.
var clausePattern = regexp.MustCompile(
	`^(?:([a-zA-Z][a-zA-Z0-9_\-]*)\.)?d([0-9]+)p([0-9]+)m([0-9]+)$`)

// Token is one parsed clause of an allocation string: the backend
// family it selects and the data/pipeline/model parallelism degrees.
type Token struct {
	Role     string
	Data     int
	Pipeline int
	Model    int
}

// GPUs returns the number of GPUs the token claims.
func (t Token) GPUs() int {
	return t.Data * t.Pipeline * t.Model
}

// ParallelGroupSize returns the size of one tightly-coupled parallel
// group, i.e. the GPUs one data-parallel replica spans.
func (t Token) ParallelGroupSize() int {
	return t.Pipeline * t.Model
}

// String serializes the token back into clause form. Parsing the
// result yields a token equal to t.
func (t Token) String() string {
	return fmt.Sprintf("%s.d%dp%dm%d", t.Role, t.Data, t.Pipeline, t.Model)
}

// Serialize joins tokens back into a full allocation string.
func Serialize(tokens []Token) string {
	clauses := make([]string, 0, len(tokens))
	for _, t := range tokens {
		clauses = append(clauses, t.String())
	}
	return strings.Join(clauses, clauseSeparator)
}

// MalformedAllocationError is returned when a clause does not match
// the <prefix>.d<int>p<int>m<int> grammar or a parallelism degree is
// out of range.
type MalformedAllocationError struct {
	Spec   string
	Clause string
	Reason string
}

func (e *MalformedAllocationError) Error() string {
	return fmt.Sprintf(
		"malformed allocation spec %q: clause %q: %s",
		e.Spec, e.Clause, e.Reason)
}

// UnknownRoleError is returned when a clause prefix does not match any
// configured role.
type UnknownRoleError struct {
	Role  string
	Known []string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf(
		"unknown allocation role %q, configured roles: %s",
		e.Role, strings.Join(e.Known, ", "))
}

// Parse splits spec on "+" and parses every clause into a Token,
// preserving source order. A clause without a prefix belongs to
// DefaultRole. Prefixes are validated against knownRoles; DefaultRole
// is always accepted.
func Parse(spec string, knownRoles map[string]struct{}) ([]Token, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, &MalformedAllocationError{
			Spec:   spec,
			Clause: spec,
			Reason: "empty allocation spec",
		}
	}

	clauses := strings.Split(spec, clauseSeparator)
	tokens := make([]Token, 0, len(clauses))
	for _, clause := range clauses {
		token, err := parseClause(spec, clause, knownRoles)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func parseClause(
	spec, clause string,
	knownRoles map[string]struct{}) (Token, error) {
	m := clausePattern.FindStringSubmatch(clause)
	if m == nil {
		return Token{}, &MalformedAllocationError{
			Spec:   spec,
			Clause: clause,
			Reason: "expected <role>.d<int>p<int>m<int>",
		}
	}

	role := m[1]
	if role == "" {
		role = DefaultRole
	} else if role != DefaultRole {
		if _, ok := knownRoles[role]; !ok {
			return Token{}, &UnknownRoleError{
				Role:  role,
				Known: sortedRoles(knownRoles),
			}
		}
	}

	d, err := parseDegree(spec, clause, "data", m[2])
	if err != nil {
		return Token{}, err
	}
	p, err := parseDegree(spec, clause, "pipeline", m[3])
	if err != nil {
		return Token{}, err
	}
	mp, err := parseDegree(spec, clause, "model", m[4])
	if err != nil {
		return Token{}, err
	}

	return Token{Role: role, Data: d, Pipeline: p, Model: mp}, nil
}

func parseDegree(spec, clause, name, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, &MalformedAllocationError{
			Spec:   spec,
			Clause: clause,
			Reason: fmt.Sprintf("%s parallelism degree must be >= 1, got %q", name, value),
		}
	}
	return n, nil
}

func sortedRoles(roles map[string]struct{}) []string {
	result := make([]string, 0, len(roles))
	for r := range roles {
		result = append(result, r)
	}
	// Small set, insertion sort keeps the error message stable.
	for i := 1; i < len(result); i++ {
		for j := i; j > 0 && result[j] < result[j-1]; j-- {
			result[j], result[j-1] = result[j-1], result[j]
		}
	}
	return result
}
