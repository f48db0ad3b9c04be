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

package placement

import (
	"fmt"

	"github.com/tsaoyu/AReaL/pkg/allocation"
	"github.com/tsaoyu/AReaL/pkg/cluster"
)

// GPUBlock is a contiguous group of GPUs within one node.
type GPUBlock struct {
	Node int
	GPUs []int
}

func (b GPUBlock) String() string {
	return fmt.Sprintf("node%d:gpus%v", b.Node, b.GPUs)
}

// RoleAssignment binds one allocation token to concrete devices. Rank
// is the global rank of the role group, assigned in token order so
// restarts reproduce identical rank layouts.
type RoleAssignment struct {
	Token  allocation.Token
	Rank   int
	Blocks []GPUBlock
}

// GPUCount returns the number of GPUs the assignment spans.
func (a *RoleAssignment) GPUCount() int {
	total := 0
	for _, b := range a.Blocks {
		total += len(b.GPUs)
	}
	return total
}

// Nodes returns the distinct node ids the assignment touches, in
// block order.
func (a *RoleAssignment) Nodes() []int {
	var nodes []int
	seen := make(map[int]struct{})
	for _, b := range a.Blocks {
		if _, ok := seen[b.Node]; !ok {
			seen[b.Node] = struct{}{}
			nodes = append(nodes, b.Node)
		}
	}
	return nodes
}

// ColocationEdge records that two role groups share devices and must
// not be restarted simultaneously.
type ColocationEdge struct {
	First  string
	Second string
}

// Plan is the concrete mapping of allocation tokens to cluster
// devices. A Plan is immutable once built; recovery produces a fresh
// Plan instead of mutating one in place.
type Plan struct {
	// ID identifies the plan instance, a new one per placement cycle.
	ID string

	Topology    *cluster.Topology
	Assignments []RoleAssignment
	Colocations []ColocationEdge

	// TotalGPUs counts distinct GPUs claimed, colocated groups
	// counted once.
	TotalGPUs int
}

// AssignmentFor returns the assignment of the given role tag, nil when
// the plan does not place it.
func (p *Plan) AssignmentFor(role string) *RoleAssignment {
	for i := range p.Assignments {
		if p.Assignments[i].Token.Role == role {
			return &p.Assignments[i]
		}
	}
	return nil
}

// Colocated reports whether the two roles share devices in this plan.
func (p *Plan) Colocated(a, b string) bool {
	for _, e := range p.Colocations {
		if (e.First == a && e.Second == b) || (e.First == b && e.Second == a) {
			return true
		}
	}
	return false
}

// ResourceDisjoint reports whether the two roles touch disjoint GPU
// sets, which permits their steps to overlap in time.
func (p *Plan) ResourceDisjoint(a, b string) bool {
	aa, ba := p.AssignmentFor(a), p.AssignmentFor(b)
	if aa == nil || ba == nil {
		return true
	}
	used := make(map[[2]int]struct{})
	for _, blk := range aa.Blocks {
		for _, g := range blk.GPUs {
			used[[2]int{blk.Node, g}] = struct{}{}
		}
	}
	for _, blk := range ba.Blocks {
		for _, g := range blk.GPUs {
			if _, ok := used[[2]int{blk.Node, g}]; ok {
				return false
			}
		}
	}
	return true
}
