// Package pipeline drives the per-frame face replacement loop: health
// check, detection, identity matching, swap composition, progress and
// finalization.
package pipeline

import (
	"fmt"

	"github.com/google/uuid"
)

// State is the job lifecycle state machine.
type State int

const (
	StateInit State = iota
	StateReady
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState maps a stored state name back to a State.
func ParseState(name string) (State, error) {
	for s := StateInit; s <= StateFailed; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown job state %q", name)
}

// Counters aggregates per-frame outcomes for one job.
type Counters struct {
	// Processed is the number of frames written to the output.
	Processed int
	// Swapped is the number of frames with at least one face replaced.
	Swapped int
	// Passthrough is the number of frames written unchanged.
	Passthrough int
	// Degraded is the number of frames routed to the temporary CPU
	// fallback.
	Degraded int
}

// Job is one face replacement run. A job is owned by the single worker
// executing it and never shared across concurrent jobs.
type Job struct {
	ID string

	// SourceFacePath is the image of the identity painted onto targets.
	SourceFacePath string
	// TargetVideoPath is the video being processed.
	TargetVideoPath string
	// OutputPath receives the processed video.
	OutputPath string

	Selection ReferenceSelection

	State       State
	Counters    Counters
	TotalFrames int
	Err         error
}

// NewJob creates a job in INIT with a fresh identifier.
func NewJob(sourceFace, targetVideo, output string, selection ReferenceSelection) *Job {
	return &Job{
		ID:              uuid.New().String(),
		SourceFacePath:  sourceFace,
		TargetVideoPath: targetVideo,
		OutputPath:      output,
		Selection:       selection,
		State:           StateInit,
	}
}

func (j *Job) fail(err error) error {
	j.State = StateFailed
	j.Err = err
	return err
}
