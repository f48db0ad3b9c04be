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

// Package placement maps parsed allocation tokens onto the physical
// cluster inventory. Placement is role-by-role in token order,
// allocating contiguous GPU blocks within a node before spilling to
// the next one, which keeps tightly-coupled parallel groups local.
package placement

import (
	"fmt"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/tsaoyu/AReaL/pkg/allocation"
	"github.com/tsaoyu/AReaL/pkg/cluster"
)

// Config holds the placement engine options.
type Config struct {
	// AllowCrossNode permits a pipeline/model parallel group to span
	// node boundaries. Off by default for locality.
	AllowCrossNode bool `yaml:"allow_cross_node"`

	// Colocate maps a role tag to the role it may share devices with
	// during disjoint time windows, e.g. an inference role reusing a
	// training role's GPUs.
	Colocate map[string]string `yaml:"colocate"`
}

// InsufficientResourcesError is returned when the tokens request more
// GPUs than the cluster holds.
type InsufficientResourcesError struct {
	Requested int
	Capacity  int
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf(
		"allocation requests %d GPUs but the cluster holds %d",
		e.Requested, e.Capacity)
}

// TopologyMismatchError is returned when a token's parallel group
// cannot be laid out within node boundaries and cross-node groups are
// not enabled.
type TopologyMismatchError struct {
	Token        allocation.Token
	GroupSize    int
	NGPUsPerNode int
}

func (e *TopologyMismatchError) Error() string {
	return fmt.Sprintf(
		"parallel group of %s spans %d GPUs, which does not divide the %d GPUs of a node; "+
			"enable allow_cross_node to permit cross-node groups",
		e.Token, e.GroupSize, e.NGPUsPerNode)
}

// Engine produces placement plans. It is the exclusive writer of
// Plans; everyone downstream holds them read-only.
type Engine interface {
	Place(tokens []allocation.Token, topo *cluster.Topology) (*Plan, error)
}

// New creates a placement engine.
func New(parent tally.Scope, cfg *Config) Engine {
	return &engine{
		config:  cfg,
		metrics: NewMetrics(parent.SubScope("placement")),
	}
}

type engine struct {
	config  *Config
	metrics *Metrics
}

// Place maps the tokens onto the topology in token order. Colocated
// roles reuse their partner's devices and are recorded as colocation
// edges; all other role groups get pairwise disjoint contiguous
// blocks.
func (e *engine) Place(
	tokens []allocation.Token,
	topo *cluster.Topology) (*Plan, error) {
	if !e.config.AllowCrossNode {
		for _, token := range tokens {
			group := token.ParallelGroupSize()
			if group > topo.NGPUsPerNode || topo.NGPUsPerNode%group != 0 {
				e.metrics.PlaceFail.Inc(1)
				return nil, &TopologyMismatchError{
					Token:        token,
					GroupSize:    group,
					NGPUsPerNode: topo.NGPUsPerNode,
				}
			}
		}
	}

	requested := 0
	for _, token := range tokens {
		if e.colocationPartner(tokens, token) == nil {
			requested += token.GPUs()
		}
	}
	if requested > topo.Capacity() {
		e.metrics.PlaceFail.Inc(1)
		return nil, &InsufficientResourcesError{
			Requested: requested,
			Capacity:  topo.Capacity(),
		}
	}

	plan := &Plan{
		ID:        uuid.New(),
		Topology:  topo,
		TotalGPUs: requested,
	}

	next := 0 // flat GPU cursor, node-major
	for rank, token := range tokens {
		assignment := RoleAssignment{Token: token, Rank: rank}

		if partner := e.colocationPartner(tokens, token); partner != nil {
			placed := plan.AssignmentFor(partner.Role)
			if placed == nil {
				e.metrics.PlaceFail.Inc(1)
				return nil, fmt.Errorf(
					"role %s is colocated with %s, which is not placed before it",
					token.Role, partner.Role)
			}
			if token.GPUs() > placed.GPUCount() {
				e.metrics.PlaceFail.Inc(1)
				return nil, &InsufficientResourcesError{
					Requested: token.GPUs(),
					Capacity:  placed.GPUCount(),
				}
			}
			assignment.Blocks = carveBlocks(placed.Blocks, token.GPUs())
			plan.Assignments = append(plan.Assignments, assignment)
			plan.Colocations = append(plan.Colocations, ColocationEdge{
				First:  token.Role,
				Second: partner.Role,
			})
			continue
		}

		assignment.Blocks = claimBlocks(topo, &next, token.GPUs())
		plan.Assignments = append(plan.Assignments, assignment)
	}

	e.metrics.PlaceSuccess.Inc(1)
	e.metrics.GPUsAssigned.Update(float64(plan.TotalGPUs))
	log.WithFields(log.Fields{
		"plan_id":    plan.ID,
		"tokens":     allocation.Serialize(tokens),
		"total_gpus": plan.TotalGPUs,
	}).Info("Produced placement plan")
	return plan, nil
}

// colocationPartner returns the token this token shares devices with,
// nil when the role is not marked colocatable or the partner is not
// part of the allocation.
func (e *engine) colocationPartner(
	tokens []allocation.Token,
	token allocation.Token) *allocation.Token {
	partnerRole, ok := e.config.Colocate[token.Role]
	if !ok {
		return nil
	}
	for i := range tokens {
		if tokens[i].Role == partnerRole {
			return &tokens[i]
		}
	}
	return nil
}

// claimBlocks takes need GPUs starting at the flat cursor, splitting
// into per-node contiguous blocks.
func claimBlocks(topo *cluster.Topology, next *int, need int) []GPUBlock {
	var blocks []GPUBlock
	for need > 0 {
		node := *next / topo.NGPUsPerNode
		offset := *next % topo.NGPUsPerNode
		take := topo.NGPUsPerNode - offset
		if take > need {
			take = need
		}
		gpus := make([]int, take)
		for i := range gpus {
			gpus[i] = offset + i
		}
		blocks = append(blocks, GPUBlock{Node: node, GPUs: gpus})
		*next += take
		need -= take
	}
	return blocks
}

// carveBlocks takes the first need GPUs out of existing blocks.
func carveBlocks(blocks []GPUBlock, need int) []GPUBlock {
	var result []GPUBlock
	for _, b := range blocks {
		if need == 0 {
			break
		}
		take := len(b.GPUs)
		if take > need {
			take = need
		}
		result = append(result, GPUBlock{
			Node: b.Node,
			GPUs: append([]int(nil), b.GPUs[:take]...),
		})
		need -= take
	}
	return result
}
