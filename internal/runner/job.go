package runner

import (
	"encoding/json"

	"github.com/verdict-labs/verdict-go/internal/domain"
)

type jobState int

const (
	statePending jobState = iota
	stateSubmitted
	statePolling
	stateResolved
	stateFailed
)

// job tracks one item's pipeline. Submission retries, transport retries and
// RUNNING polls each keep their own attempt counter; the counters are
// independent per job and never shared across items.
type job struct {
	item  domain.TestItem
	jobID string
	state jobState

	submitAttempt int
	pollAttempt   int
	errAttempt    int
}

// Failure reasons carried in synthesized outcomes. Per-item failures become
// data delivered through the sink, never run-level errors.
const (
	ReasonRemoteRejected   = "remote_rejected"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonPollExhausted    = "poll_exhausted"
)

type failureDetail struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

func failedOutcome(itemID string, reason string, cause error) domain.Outcome {
	detail := failureDetail{Reason: reason}
	if cause != nil {
		detail.Error = cause.Error()
	}
	raw, _ := json.Marshal(detail)
	return domain.Outcome{ItemID: itemID, Status: domain.StatusError, Detail: raw}
}
