package domain

import (
	"encoding/json"
	"strings"
)

// TestItem is one caller-submitted unit of work. IDs are assigned by the
// caller and must be unique within a batch. Items are immutable once a run
// has started.
type TestItem struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"data,omitempty"`
}

// Status is the internal three-state outcome taxonomy, plus the transient
// running state reported while the remote executor is still working.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusError   Status = "error"
)

// Terminal reports whether the status ends a job's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusError:
		return true
	}
	return false
}

// NormalizeStatus maps the status spellings observed from remote executors
// ("RUNNING", "Success", "failure", ...) onto the internal taxonomy. The
// second return value is false for strings outside the known vocabulary.
func NormalizeStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running", "pending":
		return StatusRunning, true
	case "success", "succeeded":
		return StatusSuccess, true
	case "failure", "failed":
		return StatusFailure, true
	case "error":
		return StatusError, true
	}
	return "", false
}

// Outcome is the terminal result for one item. It is immutable once produced
// and delivered downstream exactly once per completed run.
type Outcome struct {
	ItemID string          `json:"id"`
	Status Status          `json:"outcome"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// SubmitReceipt is the remote executor's answer to a submission. Some
// executor variants resolve trivial items inline; in that case Resolved is
// non-nil and no polling is needed.
type SubmitReceipt struct {
	JobID    string
	Resolved *PollResult
}

// PollResult is a single observation of a job's remote state.
type PollResult struct {
	Status Status
	Detail json.RawMessage
}
