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

import "github.com/uber-go/tally"

// Metrics is a placeholder for all metrics in coordinator.
type Metrics struct {
	IterationSuccess tally.Counter
	IterationFail    tally.Counter

	OverlappedRollouts tally.Counter
	TokensTrained      tally.Counter

	WeightVersion tally.Gauge

	IterationDuration tally.Timer
}

// NewMetrics returns a new instance of coordinator.Metrics.
func NewMetrics(scope tally.Scope) *Metrics {
	successScope := scope.Tagged(map[string]string{"type": "success"})
	failScope := scope.Tagged(map[string]string{"type": "fail"})

	return &Metrics{
		IterationSuccess:   successScope.Counter("iteration"),
		IterationFail:      failScope.Counter("iteration"),
		OverlappedRollouts: scope.Counter("overlapped_rollouts"),
		TokensTrained:      scope.Counter("tokens_trained"),
		WeightVersion:      scope.Gauge("weight_version"),
		IterationDuration:  scope.Timer("iteration_duration"),
	}
}
