package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/dougmens/handelsregister-abruf/internal/lookup"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported stages. Done and error carry the final job snapshot.
const (
	StageJobQueued   Stage = "JOB_QUEUED"
	StageJobCached   Stage = "JOB_CACHED"
	StageJobStart    Stage = "JOB_START"
	StageJobProgress Stage = "JOB_PROGRESS"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
)

// Event captures one step of a lookup job.
type Event struct {
	JobID       string
	PrincipalID string
	TS          time.Time
	Stage       Stage
	// Progress is the job's percentage after this event.
	Progress int
	Mode     lookup.ExecutionMode
	// Dur is strategy runtime for terminal events.
	Dur time.Duration
	// Note carries low-volume context such as the protocol message.
	Note string
	// Job is the terminal snapshot; nil for non-terminal stages.
	Job *lookup.Job
}

// Terminal reports whether the event closes the job.
func (e Event) Terminal() bool {
	return e.Stage == StageJobDone || e.Stage == StageJobError || e.Stage == StageJobCached
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobQueued, StageJobStart, StageJobProgress:
	case StageJobDone, StageJobError, StageJobCached:
		if e.Job == nil {
			return fmt.Errorf("%s requires a job snapshot", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("progress %d out of range", e.Progress)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Finished builds the closing event for a finished job.
func Finished(job lookup.Job, ts time.Time, dur time.Duration) Event {
	stage := StageJobDone
	switch {
	case job.Metadata.CacheHit:
		stage = StageJobCached
	case job.Status == lookup.JobStatusError:
		stage = StageJobError
	}
	snapshot := job.Clone()
	return Event{
		JobID:       job.ID,
		PrincipalID: job.PrincipalID,
		TS:          ts,
		Stage:       stage,
		Progress:    job.Progress,
		Mode:        job.Metadata.ExecutionMode,
		Dur:         dur,
		Note:        string(job.ErrorKind),
		Job:         &snapshot,
	}
}
