package events

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the variant of an [Event].
type Kind string

const (
	KindState     Kind = "state"
	KindIteration Kind = "iteration"
	KindPhase     Kind = "phase"
	KindStateList Kind = "state-list"
	KindSettings  Kind = "settings"
)

// Event is an immutable telemetry record. Each variant encodes to one
// element of a delivered batch.
type Event interface {
	Kind() Kind
}

// Publisher accepts events from any goroutine.
type Publisher interface {
	Push(Event)
}

// Tag correlates an HTTP call with the task iteration that issued it.
// The executor treats it as opaque and copies it onto every phase event.
type Tag struct {
	ID        int    `json:"id"`
	Iteration uint32 `json:"iteration"`
}

// String returns "id/iteration".
func (t Tag) String() string {
	return fmt.Sprintf("%d/%d", t.ID, t.Iteration)
}

// StateChanged reports a task lifecycle transition.
type StateChanged struct {
	ID    int    `json:"id"`
	State string `json:"state"`
}

// Kind implements [Event].
func (StateChanged) Kind() Kind { return KindState }

// IterationResult reports the outcome of one attempt: an HTTP status code
// or an error class.
type IterationResult struct {
	ID        int    `json:"id"`
	Iteration uint32 `json:"iteration"`
	Result    string `json:"result"`
}

// Kind implements [Event].
func (IterationResult) Kind() Kind { return KindIteration }

// LifecyclePhase reports a transport phase of a single call. Time is the
// wall clock in unix milliseconds, MsFromStart the time since call start.
type LifecyclePhase struct {
	Tag
	Event       string `json:"event"`
	Time        int64  `json:"time"`
	MsFromStart int64  `json:"msFromStart"`
}

// Kind implements [Event].
func (LifecyclePhase) Kind() Kind { return KindPhase }

// StateList carries a snapshot of every live task. States is encoded as-is,
// so it becomes a nested array inside the batch.
type StateList struct {
	States any
}

// Kind implements [Event].
func (StateList) Kind() Kind { return KindStateList }

// MarshalJSON encodes the wrapped states directly.
func (s StateList) MarshalJSON() ([]byte, error) {
	if s.States == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.States)
}

// Settings carries the scheduler configuration in wire units.
type Settings struct {
	Delay         int64  `json:"delay"`
	MaxConcurrent int    `json:"maxConcurrent"`
	Timeout       int64  `json:"timeout"`
	Repeat        uint32 `json:"repeat"`
}

// Kind implements [Event].
func (Settings) Kind() Kind { return KindSettings }
