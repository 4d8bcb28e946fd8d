// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flow

import "fmt"

// State is the lifecycle state of an execution, always implied by the last
// lifecycle event in the log.
type State string

const (
	StateCreated    State = "CREATED"
	StateScheduled  State = "SCHEDULED"
	StateClaimed    State = "CLAIMED"
	StateRunning    State = "RUNNING"
	StatePaused     State = "PAUSED"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelling State = "CANCELLING"
	StateCancelled  State = "CANCELLED"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// validTransitions encodes the execution state machine. CANCELLING is
// reachable from every pre-terminal state and only resolves to CANCELLED.
var validTransitions = map[State][]State{
	StateCreated:    {StateScheduled, StateRunning, StateCancelling},
	StateScheduled:  {StateClaimed, StateRunning, StateCancelling},
	StateClaimed:    {StateRunning, StateCancelling},
	StateRunning:    {StatePaused, StateCompleted, StateFailed, StateCancelling},
	StatePaused:     {StateRunning, StateCancelling},
	StateCancelling: {StateCancelled},
}

// canTransition reports whether from -> to is a legal state change.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a lifecycle helper is invoked in a
// state that does not permit it.
type InvalidTransitionError struct {
	ExecutionID string
	From        State
	To          State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("execution %s: invalid transition %s -> %s", e.ExecutionID, e.From, e.To)
}
