package models

import (
	"encoding/json"
	"time"
)

// RefreshState is a state of the refresh cycle state machine.
type RefreshState string

const (
	StateIdle                  RefreshState = "idle"
	StateClearingOldGeneration RefreshState = "clearing_old_generation"
	StateFetchingActive        RefreshState = "fetching_active"
	StateFetchingUnderContract RefreshState = "fetching_under_contract"
	StateWriting               RefreshState = "writing"
	StateRevalidating          RefreshState = "revalidating"
	StateFailed                RefreshState = "failed"
)

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Step names recorded on a RefreshRun
const (
	StepDeactivate = "deactivate"
	StepWrite      = "write"
	StepRevalidate = "revalidate"
	StepArchive    = "archive"
)

// FetchStep names the fetch step for a status bucket.
func FetchStep(status string) string {
	return "fetch:" + status
}

// StepResult records the outcome of one sub-step of a cycle.
type StepResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Partial  bool          `json:"partial,omitempty"`
	Count    int           `json:"count"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RefreshRun is the record of one refresh cycle.
type RefreshRun struct {
	ID         string       `json:"id" db:"id"`
	Trigger    Trigger      `json:"trigger" db:"trigger_type"`
	State      RefreshState `json:"state" db:"state"`
	Success    bool         `json:"success" db:"success"`
	StartedAt  time.Time    `json:"started_at" db:"started_at"`
	FinishedAt *time.Time   `json:"finished_at" db:"finished_at"`
	Fetched    int          `json:"fetched" db:"fetched"`
	Written    int          `json:"written" db:"written"`
	Steps      []StepResult `json:"steps" db:"-"`
	Error      string       `json:"error,omitempty" db:"error_message"`
}

// Step returns the recorded step with the given name, if any.
func (r *RefreshRun) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

func (r *RefreshRun) StepsJSON() json.RawMessage {
	data, _ := json.Marshal(r.Steps)
	return data
}
