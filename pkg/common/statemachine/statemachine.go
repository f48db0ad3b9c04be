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

// Package statemachine moves an object through a closed set of states
// along declared transition rules, rejecting everything else.
package statemachine

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State of the object owning the state machine.
type State string

// Rule declares the allowed transitions out of one source state.
type Rule struct {
	From State
	To   []State
	// Callback runs after a transition out of From, holding the
	// machine's lock.
	Callback func(t *Transition) error
}

// Transition is passed to rule callbacks.
type Transition struct {
	Name   string
	From   State
	To     State
	Reason string
}

// InvalidTransitionError is returned when a requested transition has
// no matching rule.
type InvalidTransitionError struct {
	Name string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf(
		"%s: invalid transition %s -> %s", e.Name, e.From, e.To)
}

// StateMachine is the wrapper interface around the state machine
// object.
type StateMachine interface {
	// TransitTo moves to the desired state, failing with
	// *InvalidTransitionError when no rule allows it.
	TransitTo(to State, reason string) error

	// GetCurrentState returns the current state.
	GetCurrentState() State

	// GetReason returns the reason for the last transition.
	GetReason() string

	// GetName returns the name of the owning object.
	GetName() string

	// GetLastUpdateTime returns the time of the last transition.
	GetLastUpdateTime() time.Time
}

// NewStateMachine creates a state machine for the named object,
// starting in current, with the given transition rules.
func NewStateMachine(
	name string,
	current State,
	rules []Rule) (StateMachine, error) {
	sm := &statemachine{
		name:            name,
		current:         current,
		rules:           make(map[State]*Rule),
		lastUpdatedTime: time.Now(),
		reason:          "created",
	}
	for i := range rules {
		r := rules[i]
		if _, ok := sm.rules[r.From]; ok {
			return nil, fmt.Errorf(
				"duplicate rule for source state %s", r.From)
		}
		sm.rules[r.From] = &r
	}
	return sm, nil
}

type statemachine struct {
	sync.RWMutex

	name            string
	current         State
	rules           map[State]*Rule
	lastUpdatedTime time.Time
	reason          string
}

func (sm *statemachine) TransitTo(to State, reason string) error {
	sm.Lock()
	defer sm.Unlock()

	rule, ok := sm.rules[sm.current]
	allowed := false
	if ok {
		for _, s := range rule.To {
			if s == to {
				allowed = true
				break
			}
		}
	}
	if !allowed {
		return &InvalidTransitionError{
			Name: sm.name,
			From: sm.current,
			To:   to,
		}
	}

	t := &Transition{
		Name:   sm.name,
		From:   sm.current,
		To:     to,
		Reason: reason,
	}
	sm.current = to
	sm.lastUpdatedTime = time.Now()
	sm.reason = reason

	if rule.Callback != nil {
		if err := rule.Callback(t); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"name": sm.name,
				"from": t.From,
				"to":   t.To,
			}).Error("transition callback failed")
			return err
		}
	}

	log.WithFields(log.Fields{
		"name":   sm.name,
		"from":   t.From,
		"to":     t.To,
		"reason": reason,
	}).Debug("State transition")
	return nil
}

func (sm *statemachine) GetCurrentState() State {
	sm.RLock()
	defer sm.RUnlock()
	return sm.current
}

func (sm *statemachine) GetReason() string {
	sm.RLock()
	defer sm.RUnlock()
	return sm.reason
}

func (sm *statemachine) GetName() string {
	return sm.name
}

func (sm *statemachine) GetLastUpdateTime() time.Time {
	sm.RLock()
	defer sm.RUnlock()
	return sm.lastUpdatedTime
}
