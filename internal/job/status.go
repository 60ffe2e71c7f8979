// Package job defines the status model for server-side asynchronous jobs
// (receipt processing, exports). It is a leaf package shared by the API
// client, the poller, the live-update channel, and the job ledger.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state reported by the job-status endpoint.
type State string

// Job states. Completed and Failed are terminal.
const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ParseState validates a state string received from the server.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StatePending, StateProcessing, StateCompleted, StateFailed:
		return st, nil
	default:
		return "", fmt.Errorf("job: unknown state %q", s)
	}
}

// Terminal reports whether no further transition can occur from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) String() string {
	return string(s)
}

// Source records how a status was observed.
type Source string

// Status sources.
const (
	SourcePoll      Source = "poll"
	SourcePush      Source = "push"
	SourceSynthetic Source = "synthetic"
)

// Status is one observation of a job.
//
// Synthetic statuses are produced locally when a poll sequence ends without a
// server-reported terminal state: TimedOut is set when an attempt ceiling or
// the safety deadline was hit, Err is set when polling stopped because of a
// non-retryable query failure (job gone, session ended).
type Status struct {
	JobID      string          `json:"jobId"`
	State      State           `json:"state"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TimedOut   bool            `json:"timedOut,omitempty"`
	Source     Source          `json:"source"`
	ObservedAt time.Time       `json:"observedAt"`
	Err        error           `json:"-"`
}

// Terminal reports whether the status ends a poll sequence.
func (s Status) Terminal() bool {
	return s.TimedOut || s.State.Terminal()
}

// Created is the job-creating endpoint's response.
type Created struct {
	JobID         string `json:"jobId"`
	InitialStatus State  `json:"initialStatus"`
}
