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

// Package async provides a bounded worker pool for running jobs
// concurrently, used by the role coordinator to fan out role steps.
package async

import (
	"context"
	"sync"
)

// DefaultMaxWorkers of a Pool.
const DefaultMaxWorkers = 4

// Job is a unit of work run by the pool.
type Job interface {
	Run(ctx context.Context)
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context)

// Run calls the function.
func (f JobFunc) Run(ctx context.Context) {
	f(ctx)
}

// PoolOptions for constructing a new Pool.
type PoolOptions struct {
	MaxWorkers int
}

// item pairs a queued job with the context of its Enqueue call.
type item struct {
	ctx context.Context
	job Job
}

// Pool runs up to MaxWorkers jobs concurrently. Enqueue never blocks;
// jobs wait in an unbounded queue until a worker is free.
type Pool struct {
	options PoolOptions
	jobs    sync.WaitGroup

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []item
	stopped bool
}

// NewPool returns a new pool, provided the PoolOptions.
func NewPool(o PoolOptions) *Pool {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}
	p := &Pool{options: o}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < o.MaxWorkers; i++ {
		go p.runWorker()
	}
	return p
}

// Enqueue a job in the pool. The job runs with the given context when
// a worker picks it up. Jobs enqueued after Stop are dropped.
func (p *Pool) Enqueue(ctx context.Context, job Job) {
	p.jobs.Add(1)
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.jobs.Done()
		return
	}
	p.queue = append(p.queue, item{ctx: ctx, job: job})
	p.mu.Unlock()
	p.cond.Signal()
}

// WaitUntilProcessed blocks until the queue is empty and all workers
// are idle. The coordinator uses this as its per-phase barrier.
func (p *Pool) WaitUntilProcessed() {
	p.jobs.Wait()
}

// Stop prevents new jobs from being accepted; workers drain the queue
// and exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Pool) runWorker() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		next.job.Run(next.ctx)
		p.jobs.Done()
	}
}
