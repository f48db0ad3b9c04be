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

// Package lifecycle coordinates start/stop of long-running components.
package lifecycle

import "sync"

// LifeCycle manages the lifecycle for the owner of the object.
// Start/Stop are idempotent; StopCh broadcasts the stop signal and
// Wait blocks until the owner acknowledges via StopComplete.
type LifeCycle interface {
	// Start returns false if already started.
	Start() bool
	// Stop closes the stop channel, returns false if already stopped.
	Stop() bool
	// StopComplete is called by the owner once cleanup finished,
	// unblocking Wait.
	StopComplete()
	// StopCh returns the channel closed on Stop.
	StopCh() <-chan struct{}
	// Wait blocks until StopComplete is called.
	Wait()
}

// NewLifeCycle creates a new LifeCycle instance.
func NewLifeCycle() LifeCycle {
	return &lifeCycle{
		stopCompleteCh: make(chan struct{}, 1),
	}
}

type lifeCycle struct {
	sync.RWMutex
	// stopCh is non-nil between Start and Stop.
	stopCh         chan struct{}
	stopCompleteCh chan struct{}
}

func (l *lifeCycle) Start() bool {
	l.Lock()
	defer l.Unlock()

	if l.stopCh != nil {
		return false
	}
	l.stopCh = make(chan struct{})
	return true
}

func (l *lifeCycle) Stop() bool {
	l.Lock()
	defer l.Unlock()

	if l.stopCh == nil {
		return false
	}
	close(l.stopCh)
	l.stopCh = nil
	return true
}

func (l *lifeCycle) StopCh() <-chan struct{} {
	l.RLock()
	defer l.RUnlock()

	// Stop may have run before the owner asked for the channel; hand
	// out a closed one so the owner does not block forever.
	if l.stopCh == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.stopCh
}

func (l *lifeCycle) StopComplete() {
	l.RLock()
	defer l.RUnlock()

	select {
	case l.stopCompleteCh <- struct{}{}:
	default:
		// already acknowledged
	}
}

func (l *lifeCycle) Wait() {
	<-l.stopCompleteCh
}
