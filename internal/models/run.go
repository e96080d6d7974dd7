package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a fetch run.
type RunStatus string

const (
	// RunStatusRunning means the orchestrator is actively fetching.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted means the run reached its requested end.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means the run aborted on an unrecoverable error.
	RunStatusFailed RunStatus = "failed"
	// RunStatusInterrupted means an external interrupt stopped the run
	// after the in-flight batch fully committed. Resumable.
	RunStatusInterrupted RunStatus = "interrupted"
)

// FetchRun is the metadata record for one orchestrator invocation.
// It exists for observability only: correctness (resume point,
// completeness) is always derived from the candle table itself.
type FetchRun struct {
	ID             string    `json:"id" db:"id"`
	StreamID       string    `json:"stream_id" db:"stream_id"`
	RequestedStart int64     `json:"requested_start" db:"requested_start"`
	RequestedEnd   int64     `json:"requested_end" db:"requested_end"`
	RecordsFetched int64     `json:"records_fetched" db:"records_fetched"`
	Status         RunStatus `json:"status" db:"status"`
	Error          string    `json:"error,omitempty" db:"error"`
	StartedAt      time.Time `json:"started_at" db:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// NewFetchRun creates a run record in the running state.
func NewFetchRun(streamID string, requestedStart, requestedEnd int64) *FetchRun {
	return &FetchRun{
		ID:             uuid.New().String(),
		StreamID:       streamID,
		RequestedStart: requestedStart,
		RequestedEnd:   requestedEnd,
		Status:         RunStatusRunning,
		StartedAt:      time.Now().UTC(),
	}
}

// Complete marks the run as successfully finished.
func (r *FetchRun) Complete(recordsFetched int64) {
	r.Status = RunStatusCompleted
	r.RecordsFetched = recordsFetched
	r.FinishedAt = time.Now().UTC()
}

// Fail marks the run as aborted with the given cause.
func (r *FetchRun) Fail(recordsFetched int64, cause error) {
	r.Status = RunStatusFailed
	r.RecordsFetched = recordsFetched
	if cause != nil {
		r.Error = cause.Error()
	}
	r.FinishedAt = time.Now().UTC()
}

// Interrupt marks the run as stopped by an external interrupt.
func (r *FetchRun) Interrupt(recordsFetched int64) {
	r.Status = RunStatusInterrupted
	r.RecordsFetched = recordsFetched
	r.FinishedAt = time.Now().UTC()
}

// Validate checks the run record before persistence.
func (r *FetchRun) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if r.StreamID == "" {
		return fmt.Errorf("stream id is required")
	}
	switch r.Status {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusInterrupted:
	default:
		return fmt.Errorf("invalid run status: %q", r.Status)
	}
	if r.RequestedEnd < r.RequestedStart {
		return fmt.Errorf("requested end %d precedes requested start %d", r.RequestedEnd, r.RequestedStart)
	}
	return nil
}
