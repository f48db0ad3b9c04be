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

package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/tsaoyu/AReaL/pkg/microbatch"
	"github.com/tsaoyu/AReaL/pkg/placement"
)

// LocalFactory builds in-process workers. It backs local trials and
// tests; the workers simulate the backends deterministically.
type LocalFactory struct {
	// BatchLens produces the rollout lengths for an iteration. A nil
	// func yields a fixed-size batch.
	BatchLens func(iter int) []int
}

// NewLocalFactory creates a factory for in-process workers.
func NewLocalFactory() *LocalFactory {
	return &LocalFactory{}
}

func (f *LocalFactory) lens(iter int) []int {
	if f.BatchLens != nil {
		return f.BatchLens(iter)
	}
	// Deterministic pseudo-lengths keyed by iteration.
	lens := make([]int, 8)
	for i := range lens {
		lens[i] = 64 + (iter*13+i*7)%64
	}
	return lens
}

// NewGenerator returns an in-process generation worker.
func (f *LocalFactory) NewGenerator(
	name string, cfg *GenerationConfig) (Generator, error) {
	return &localGenerator{localWorker: localWorker{name: name}, factory: f}, nil
}

// NewScorer returns an in-process inference worker.
func (f *LocalFactory) NewScorer(
	name string, cfg *GenerationConfig) (Scorer, error) {
	return &localScorer{localWorker: localWorker{name: name}}, nil
}

// NewTrainer returns an in-process training worker.
func (f *LocalFactory) NewTrainer(
	name string, cfg *TrainConfig) (Trainer, error) {
	return &localTrainer{localWorker: localWorker{name: name}}, nil
}

// workerState is what a local worker persists into a checkpoint dir.
type workerState struct {
	Name          string `yaml:"name"`
	StepsDone     int    `yaml:"steps_done"`
	WeightVersion int    `yaml:"weight_version"`
}

type localWorker struct {
	sync.Mutex

	name        string
	initialized bool
	state       workerState
}

func (w *localWorker) Init(
	ctx context.Context, assignment *placement.RoleAssignment) error {
	w.Lock()
	defer w.Unlock()
	if assignment == nil {
		return errors.Errorf("worker %s launched without an assignment", w.name)
	}
	w.initialized = true
	w.state.Name = w.name
	log.WithFields(log.Fields{
		"worker": w.name,
		"rank":   assignment.Rank,
		"gpus":   assignment.GPUCount(),
	}).Debug("Local worker initialized")
	return nil
}

func (w *localWorker) stateFile(dir string) string {
	return filepath.Join(dir, w.name+".yaml")
}

func (w *localWorker) Checkpoint(ctx context.Context, dir string) error {
	w.Lock()
	defer w.Unlock()
	data, err := yaml.Marshal(&w.state)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize state of %s", w.name)
	}
	return os.WriteFile(w.stateFile(dir), data, 0644)
}

func (w *localWorker) Restore(ctx context.Context, dir string) error {
	w.Lock()
	defer w.Unlock()
	data, err := os.ReadFile(w.stateFile(dir))
	if err != nil {
		return errors.Wrapf(err, "failed to read checkpoint of %s", w.name)
	}
	return yaml.Unmarshal(data, &w.state)
}

func (w *localWorker) Shutdown(ctx context.Context) error {
	w.Lock()
	defer w.Unlock()
	w.initialized = false
	return nil
}

func (w *localWorker) requireInit() error {
	if !w.initialized {
		return errors.Errorf("worker %s is not initialized", w.name)
	}
	return nil
}

type localGenerator struct {
	localWorker
	factory *LocalFactory
}

func (g *localGenerator) Generate(
	ctx context.Context, iter int) (Batch, error) {
	g.Lock()
	defer g.Unlock()
	if err := g.requireInit(); err != nil {
		return Batch{}, err
	}
	g.state.StepsDone++
	return Batch{Iteration: iter, Lens: g.factory.lens(iter)}, nil
}

func (g *localGenerator) UpdateWeights(
	ctx context.Context, version int) error {
	g.Lock()
	defer g.Unlock()
	if err := g.requireInit(); err != nil {
		return err
	}
	g.state.WeightVersion = version
	return nil
}

func (g *localGenerator) ClearCache(ctx context.Context) error {
	g.Lock()
	defer g.Unlock()
	return g.requireInit()
}

type localScorer struct {
	localWorker
}

func (s *localScorer) Score(ctx context.Context, batch Batch) error {
	s.Lock()
	defer s.Unlock()
	if err := s.requireInit(); err != nil {
		return err
	}
	s.state.StepsDone++
	return nil
}

type localTrainer struct {
	localWorker
}

func (t *localTrainer) Train(
	ctx context.Context,
	batch Batch,
	mbs []microbatch.Microbatch) (TrainStats, error) {
	t.Lock()
	defer t.Unlock()
	if err := t.requireInit(); err != nil {
		return TrainStats{}, err
	}
	t.state.StepsDone++
	t.state.WeightVersion++
	return TrainStats{
		Loss:          1.0 / float64(t.state.StepsDone),
		Microbatches:  len(mbs),
		TokensTrained: batch.TokenCount(),
	}, nil
}
