package models

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// JobState represents the lifecycle state of an ingestion job.
type JobState string

const (
	JobQueued    JobState = "queued"    // JobQueued indicates the job is waiting for a worker
	JobRunning   JobState = "running"   // JobRunning indicates a worker is paging through the series
	JobCompleted JobState = "completed" // JobCompleted indicates the series is caught up
	JobFailed    JobState = "failed"    // JobFailed indicates the job stopped on an error
)

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one (symbol, timeframe) unit of work inside a run.
// Transitions are guarded by a mutex since the status surface reads jobs
// while workers mutate them.
type Job struct {
	mu sync.RWMutex

	ID        string
	RunID     string
	Key       SeriesKey
	State     JobState
	Error     string
	Fetches   int
	Inserted  int
	Dropped   int
	Healed    int
	StartedAt time.Time
	EndedAt   time.Time
}

// NewJob creates a queued job for the given series.
func NewJob(runID string, key SeriesKey) *Job {
	return &Job{
		ID:    fmt.Sprintf("%s/%s/%s", runID, key.Symbol, key.Timeframe),
		RunID: runID,
		Key:   key,
		State: JobQueued,
	}
}

// Start transitions the job from queued to running.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.State != JobQueued {
		return fmt.Errorf("cannot start job: current state is %s, expected %s", j.State, JobQueued)
	}
	j.State = JobRunning
	j.StartedAt = time.Now().UTC()
	return nil
}

// Complete transitions the job from running to completed.
func (j *Job) Complete() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.State != JobRunning {
		return fmt.Errorf("cannot complete job: current state is %s, expected %s", j.State, JobRunning)
	}
	j.State = JobCompleted
	j.Error = ""
	j.EndedAt = time.Now().UTC()
	return nil
}

// Fail moves the job to failed. A queued job may fail directly when the run
// is cancelled before a worker picks it up.
func (j *Job) Fail(reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.State.IsTerminal() {
		return fmt.Errorf("cannot fail job: current state is %s", j.State)
	}
	j.State = JobFailed
	j.Error = reason
	j.EndedAt = time.Now().UTC()
	return nil
}

// RecordPage adds the counters of one fetched page.
func (j *Job) RecordPage(inserted, dropped int) {
	j.mu.Lock()
	j.Fetches++
	j.Inserted += inserted
	j.Dropped += dropped
	j.mu.Unlock()
}

// RecordHeal adds rows written while healing gaps.
func (j *Job) RecordHeal(rows int) {
	j.mu.Lock()
	j.Healed += rows
	j.mu.Unlock()
}

// Snapshot returns a copy of the job's current fields.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	snap := JobSnapshot{
		ID:        j.ID,
		Symbol:    j.Key.Symbol,
		Timeframe: j.Key.Timeframe,
		State:     j.State,
		Error:     j.Error,
		Fetches:   j.Fetches,
		Inserted:  j.Inserted,
		Dropped:   j.Dropped,
		Healed:    j.Healed,
	}
	if !j.StartedAt.IsZero() {
		end := j.EndedAt
		if end.IsZero() {
			end = time.Now().UTC()
		}
		snap.Duration = end.Sub(j.StartedAt)
	}
	return snap
}

// JobSnapshot is the immutable view of a job handed to callers and the status surface.
type JobSnapshot struct {
	ID        string        `json:"id"`
	Symbol    string        `json:"symbol"`
	Timeframe string        `json:"timeframe"`
	State     JobState      `json:"state"`
	Error     string        `json:"error,omitempty"`
	Fetches   int           `json:"fetches"`
	Inserted  int           `json:"inserted"`
	Dropped   int           `json:"dropped"`
	Healed    int           `json:"healed"`
	Duration  time.Duration `json:"duration_ns"`
}

// MarshalJSON adds a human readable duration.
func (s JobSnapshot) MarshalJSON() ([]byte, error) {
	type alias JobSnapshot
	return json.Marshal(struct {
		alias
		DurationText string `json:"duration"`
	}{alias(s), s.Duration.String()})
}
