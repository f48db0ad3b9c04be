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

package background

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/uber-go/atomic"
)

func TestManagerRejectsInvalidWork(t *testing.T) {
	_, err := NewManager(Work{Name: ""})
	assert.Equal(t, errEmptyName, err)

	work := Work{Name: "w", Func: func(*atomic.Bool) {}, Period: time.Second}
	_, err = NewManager(work, work)
	assert.Equal(t, errDuplicateName, err)
}

func TestManagerRunsWorkPeriodically(t *testing.T) {
	var count atomic.Int64
	m, err := NewManager(Work{
		Name:   "counter",
		Func:   func(*atomic.Bool) { count.Inc() },
		Period: 5 * time.Millisecond,
	})
	assert.NoError(t, err)

	m.Start()
	deadline := time.Now().Add(2 * time.Second)
	for count.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	assert.GreaterOrEqual(t, count.Load(), int64(3))
}

func TestManagerStopTerminatesWork(t *testing.T) {
	var count atomic.Int64
	m, err := NewManager(Work{
		Name:   "stopper",
		Func:   func(*atomic.Bool) { count.Inc() },
		Period: time.Millisecond,
	})
	assert.NoError(t, err)

	m.Start()
	m.Stop()
	after := count.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, count.Load())
}
