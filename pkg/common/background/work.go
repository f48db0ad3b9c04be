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

// Package background runs named periodic works, e.g. progress
// reporting while a trial is running.
package background

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"

	"github.com/tsaoyu/AReaL/pkg/common/lifecycle"
)

var (
	errEmptyName     = errors.New("background work name cannot be empty")
	errDuplicateName = errors.New("duplicate background work name")
)

// Work is a piece of background work which needs to happen
// periodically. The callback receives a stop flag it may check during
// long runs.
type Work struct {
	Name         string
	Func         func(*atomic.Bool)
	Period       time.Duration
	InitialDelay time.Duration
}

// Manager allows multiple background Works to be registered and
// started/stopped together.
type Manager interface {
	Start()
	Stop()
	RegisterWork(work Work) error
}

// NewManager creates a Manager with the given works registered.
func NewManager(works ...Work) (Manager, error) {
	m := &manager{runners: make(map[string]*runner)}
	for _, work := range works {
		if err := m.RegisterWork(work); err != nil {
			return nil, err
		}
	}
	return m, nil
}

type manager struct {
	runners map[string]*runner
}

func (m *manager) RegisterWork(work Work) error {
	if work.Name == "" {
		return errEmptyName
	}
	if _, ok := m.runners[work.Name]; ok {
		return errDuplicateName
	}
	m.runners[work.Name] = &runner{
		work: work,
		lc:   lifecycle.NewLifeCycle(),
	}
	return nil
}

func (m *manager) Start() {
	for _, r := range m.runners {
		r.start()
	}
}

func (m *manager) Stop() {
	for _, r := range m.runners {
		r.stop()
	}
}

type runner struct {
	work     Work
	stopping atomic.Bool
	lc       lifecycle.LifeCycle
}

func (r *runner) start() {
	if !r.lc.Start() {
		log.WithField("name", r.work.Name).
			Info("Background work is already running, no-op")
		return
	}
	log.WithField("name", r.work.Name).
		WithField("period", r.work.Period.String()).
		Info("Starting background work")

	stopCh := r.lc.StopCh()
	go func() {
		defer r.lc.StopComplete()

		if r.work.InitialDelay > 0 {
			select {
			case <-time.After(r.work.InitialDelay):
			case <-stopCh:
				return
			}
		}

		ticker := time.NewTicker(r.work.Period)
		defer ticker.Stop()
		for {
			r.work.Func(&r.stopping)
			select {
			case <-ticker.C:
			case <-stopCh:
				return
			}
		}
	}()
}

func (r *runner) stop() {
	r.stopping.Store(true)
	if r.lc.Stop() {
		r.lc.Wait()
	}
	r.stopping.Store(false)
}
