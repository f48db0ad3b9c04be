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

package job

import "time"

// cadence tracks one periodic action of the control loop, such as
// saving weights or running an eval pass. Trigger priority is epochs,
// then steps, then seconds; a fire resets every watermark so a
// past-due secondary trigger does not fire again immediately.
type cadence struct {
	freqEpochs int
	freqSteps  int
	freqSecs   int

	lastEpoch int
	lastStep  int
	lastTime  time.Time

	now func() time.Time
}

func newCadence(freqEpochs, freqSteps, freqSecs int) *cadence {
	c := &cadence{
		freqEpochs: freqEpochs,
		freqSteps:  freqSteps,
		freqSecs:   freqSecs,
		now:        time.Now,
	}
	c.lastTime = c.now()
	return c
}

// enabled reports whether any trigger is active.
func (c *cadence) enabled() bool {
	return c.freqEpochs > 0 || c.freqSteps > 0 || c.freqSecs > 0
}

// due reports whether the action should run at this point of the loop,
// and advances the watermarks when it should.
func (c *cadence) due(epoch, step int) bool {
	fired := false
	switch {
	case c.freqEpochs > 0 && epoch-c.lastEpoch >= c.freqEpochs:
		fired = true
	case c.freqSteps > 0 && step-c.lastStep >= c.freqSteps:
		fired = true
	case c.freqSecs > 0 &&
		c.now().Sub(c.lastTime) >= time.Duration(c.freqSecs)*time.Second:
		fired = true
	}
	if fired {
		c.lastEpoch = epoch
		c.lastStep = step
		c.lastTime = c.now()
	}
	return fired
}
