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

// Package microbatch splits a training batch into microbatches under a
// per-microbatch token cap. Packing is greedy and in order; splitting a
// sequence across microbatches is never allowed, so gradient causality
// within a sequence is preserved.
package microbatch

import "fmt"

// Spec is the per-role microbatch budget. NMBs, when positive, forces
// the planner to produce exactly that many microbatches.
type Spec struct {
	// MaxTokensPerMB caps the token sum of a single microbatch.
	MaxTokensPerMB int `yaml:"max_tokens_per_mb"`

	// NMBs is the exact number of microbatches to produce, 0 for
	// as-few-as-possible.
	NMBs int `yaml:"n_mbs"`
}

// Microbatch is one group of sequences out of a batch, identified by
// their indices in the original batch order.
type Microbatch struct {
	// Indices into the original batch, in original order.
	Indices []int

	// Tokens is the total token count of the group.
	Tokens int
}

// OversizedSequenceError reports a single sequence that exceeds the
// token cap on its own. The batch cannot be planned.
type OversizedSequenceError struct {
	Index  int
	Tokens int
	Cap    int
}

func (e *OversizedSequenceError) Error() string {
	return fmt.Sprintf(
		"sequence %d has %d tokens, exceeding the per-microbatch cap of %d",
		e.Index, e.Tokens, e.Cap)
}

// Plan packs the batch, given as per-sequence token lengths, into
// microbatches whose token sums stay under spec.MaxTokensPerMB.
// Sequences are never reordered: concatenating the returned groups
// reproduces the original batch order exactly. When spec.NMBs is set
// the batch is cut into exactly that many contiguous groups.
func Plan(lens []int, spec Spec) ([]Microbatch, error) {
	if spec.MaxTokensPerMB <= 0 {
		return nil, fmt.Errorf(
			"max_tokens_per_mb must be positive, got %d", spec.MaxTokensPerMB)
	}
	for i, n := range lens {
		if n <= 0 {
			return nil, fmt.Errorf("sequence %d has non-positive length %d", i, n)
		}
		if n > spec.MaxTokensPerMB {
			return nil, &OversizedSequenceError{
				Index:  i,
				Tokens: n,
				Cap:    spec.MaxTokensPerMB,
			}
		}
	}
	if len(lens) == 0 {
		return nil, nil
	}

	if spec.NMBs > 0 {
		return planFixed(lens, spec)
	}
	return planGreedy(lens, spec), nil
}

// planGreedy opens a new microbatch only when the next sequence would
// overflow the cap, which minimizes the microbatch count for in-order
// packing.
func planGreedy(lens []int, spec Spec) []Microbatch {
	var result []Microbatch
	current := Microbatch{}
	for i, n := range lens {
		if current.Tokens+n > spec.MaxTokensPerMB && len(current.Indices) > 0 {
			result = append(result, current)
			current = Microbatch{}
		}
		current.Indices = append(current.Indices, i)
		current.Tokens += n
	}
	return append(result, current)
}

// planFixed cuts the batch into exactly spec.NMBs contiguous groups,
// aiming at an even token share per group while never exceeding the
// cap and always leaving one sequence for each group still to come.
func planFixed(lens []int, spec Spec) ([]Microbatch, error) {
	if spec.NMBs > len(lens) {
		return nil, fmt.Errorf(
			"cannot split %d sequences into %d microbatches", len(lens), spec.NMBs)
	}

	remaining := 0
	for _, n := range lens {
		remaining += n
	}

	result := make([]Microbatch, 0, spec.NMBs)
	start := 0
	for g := 0; g < spec.NMBs; g++ {
		groupsAfter := spec.NMBs - g - 1
		target := (remaining + groupsAfter) / (groupsAfter + 1)

		current := Microbatch{}
		for start < len(lens) {
			if len(lens)-start <= groupsAfter {
				// Remaining sequences are needed to fill the
				// remaining groups one each.
				break
			}
			n := lens[start]
			if len(current.Indices) > 0 &&
				(current.Tokens+n > spec.MaxTokensPerMB ||
					current.Tokens+n > target) {
				break
			}
			current.Indices = append(current.Indices, start)
			current.Tokens += n
			start++
		}
		remaining -= current.Tokens
		result = append(result, current)
	}

	if start != len(lens) {
		return nil, fmt.Errorf(
			"cannot fit %d sequences into %d microbatches under cap %d",
			len(lens), spec.NMBs, spec.MaxTokensPerMB)
	}
	return result, nil
}
