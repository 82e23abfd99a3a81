package testjob

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a point in a job's lifecycle.
type EventKind string

const (
	// EventJobStarted fires once, right before the upload begins.
	EventJobStarted EventKind = "job_started"

	// EventPollAttempt fires after each poll of the result path, carrying
	// the attempt ordinal and what was observed.
	EventPollAttempt EventKind = "poll_attempt"

	// EventJobFinished fires once per job with the terminal status.
	EventJobFinished EventKind = "job_finished"

	// EventPersistFailed fires when the history append failed. The job's
	// status is unaffected; this is a secondary warning.
	EventPersistFailed EventKind = "persist_failed"
)

// Event is a progress notification for presentation layers: the CLI
// renders them through the logger, the optional publisher mirrors them
// to a topic. Events are informational; losing one never changes a job's
// outcome.
type Event struct {
	Kind     EventKind `json:"kind"`
	TestID   uuid.UUID `json:"test_id"`
	FileName string    `json:"file_name"`
	At       time.Time `json:"at"`

	// Poll attempt fields, set only for EventPollAttempt.
	Attempt  int    `json:"attempt,omitempty"`
	Observed string `json:"observed,omitempty"`

	// Terminal fields, set for EventJobFinished and EventPersistFailed.
	Status  Status `json:"status,omitempty"`
	Details string `json:"details,omitempty"`
}

// Sink consumes lifecycle events. Implementations must be fast or
// buffer internally; the engine calls them inline between transport
// operations. A nil Sink is allowed everywhere and means "discard".
type Sink func(Event)

// Emit sends ev to the sink if one is set.
func (s Sink) Emit(ev Event) {
	if s != nil {
		s(ev)
	}
}
