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
	"fmt"
	"strings"

	"github.com/tsaoyu/AReaL/pkg/microbatch"
)

// RoleKind is the closed set of role behaviors in the RLHF loop.
// The kind decides which backend a role runs on and in which phase of
// an iteration it steps.
type RoleKind string

const (
	// KindGeneration produces rollouts.
	KindGeneration = RoleKind("generation")
	// KindInference scores rollouts (reward, value, reference).
	KindInference = RoleKind("inference")
	// KindTraining consumes microbatches and updates parameters.
	KindTraining = RoleKind("training")
)

// wellKnownRoles maps the standard RLHF role names to their kinds.
var wellKnownRoles = map[string]RoleKind{
	"actor":        KindTraining,
	"critic":       KindTraining,
	"reference":    KindInference,
	"actor_train":  KindTraining,
	"critic_train": KindTraining,
	"actor_gen":    KindGeneration,
	"actor_inf":    KindInference,
	"critic_inf":   KindInference,
	"ref_inf":      KindInference,
}

// KindOf resolves a role name to its kind: well-known names first,
// then the _gen/_inf/_train suffix convention.
func KindOf(name string) (RoleKind, error) {
	if kind, ok := wellKnownRoles[name]; ok {
		return kind, nil
	}
	switch {
	case strings.HasSuffix(name, "_gen"):
		return KindGeneration, nil
	case strings.HasSuffix(name, "_inf"):
		return KindInference, nil
	case strings.HasSuffix(name, "_train"):
		return KindTraining, nil
	}
	return "", fmt.Errorf("unknown role name %q", name)
}

// RoleSpec declares one logical role of the trial.
type RoleSpec struct {
	// Name of the role, e.g. "actor_gen".
	Name string `yaml:"name"`

	// Alloc is the allocation token role tag the role is placed
	// from, e.g. "sglang" or "train".
	Alloc string `yaml:"alloc"`

	// Kind is derived from Name when empty.
	Kind RoleKind `yaml:"kind"`

	// MBSpec is the training microbatch budget; ignored for
	// non-training roles.
	MBSpec microbatch.Spec `yaml:"mb_spec"`
}

// Normalize fills the derived fields and validates the spec.
func (r *RoleSpec) Normalize() error {
	if r.Name == "" {
		return fmt.Errorf("role name cannot be empty")
	}
	if r.Kind == "" {
		kind, err := KindOf(r.Name)
		if err != nil {
			return err
		}
		r.Kind = kind
	}
	switch r.Kind {
	case KindGeneration, KindInference, KindTraining:
	default:
		return fmt.Errorf("role %s has unknown kind %q", r.Name, r.Kind)
	}
	if r.Alloc == "" {
		return fmt.Errorf("role %s names no allocation tag", r.Name)
	}
	if r.Kind == KindTraining && r.MBSpec.MaxTokensPerMB <= 0 {
		return fmt.Errorf(
			"training role %s needs a positive max_tokens_per_mb", r.Name)
	}
	return nil
}
