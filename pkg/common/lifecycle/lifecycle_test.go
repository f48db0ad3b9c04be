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

package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartStopIdempotent(t *testing.T) {
	lc := NewLifeCycle()
	assert.True(t, lc.Start())
	assert.False(t, lc.Start())
	assert.True(t, lc.Stop())
	assert.False(t, lc.Stop())
}

func TestStopClosesStopCh(t *testing.T) {
	lc := NewLifeCycle()
	lc.Start()
	ch := lc.StopCh()
	select {
	case <-ch:
		t.Fatal("stop channel closed before Stop")
	default:
	}
	lc.Stop()
	<-ch

	// StopCh after Stop hands out an already closed channel.
	<-lc.StopCh()
}

func TestWaitBlocksUntilStopComplete(t *testing.T) {
	lc := NewLifeCycle()
	lc.Start()

	done := make(chan struct{})
	go func() {
		<-lc.StopCh()
		lc.StopComplete()
		close(done)
	}()

	lc.Stop()
	lc.Wait()
	<-done
}
