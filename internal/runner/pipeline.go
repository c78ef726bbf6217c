package runner

import (
	"context"

	"github.com/verdict-labs/verdict-go/internal/backoff"
	"github.com/verdict-labs/verdict-go/internal/domain"
)

// runPipeline drives one item from submission to a terminal outcome. The
// returned error is non-nil only when the run context was cancelled; every
// remote-side failure is converted into a terminal outcome instead.
func (c *Coordinator) runPipeline(ctx context.Context, item domain.TestItem) (domain.Outcome, error) {
	j := &job{item: item}

	receipt, outcome, err := c.submitWithRetry(ctx, j)
	if err != nil {
		return domain.Outcome{}, err
	}
	if outcome != nil {
		return *outcome, nil
	}

	j.jobID = receipt.JobID
	if receipt.Resolved != nil {
		// The submit response already carried a terminal state; skip polling.
		j.state = stateResolved
		return domain.Outcome{ItemID: item.ID, Status: receipt.Resolved.Status, Detail: receipt.Resolved.Detail}, nil
	}

	j.state = statePolling
	return c.poll(ctx, j)
}

func (c *Coordinator) submitWithRetry(ctx context.Context, j *job) (domain.SubmitReceipt, *domain.Outcome, error) {
	policy := backoff.Policy{Base: c.cfg.PollBaseDelay, MaxRetries: c.cfg.SubmitMaxRetries}

	for {
		receipt, err := c.exec.Submit(ctx, j.item)
		if err == nil {
			j.state = stateSubmitted
			return receipt, nil, nil
		}
		if ctx.Err() != nil {
			return domain.SubmitReceipt{}, nil, ctx.Err()
		}
		if !domain.Retryable(err) {
			j.state = stateFailed
			out := failedOutcome(j.item.ID, ReasonRemoteRejected, err)
			return domain.SubmitReceipt{}, &out, nil
		}
		if !policy.Eligible(j.submitAttempt) {
			j.state = stateFailed
			c.logger.Warn("submit retries exhausted",
				"component", "coordinator",
				"item_id", j.item.ID,
				"attempts", j.submitAttempt+1,
				"error", err,
			)
			out := failedOutcome(j.item.ID, ReasonRetriesExhausted, err)
			return domain.SubmitReceipt{}, &out, nil
		}
		if serr := backoff.Sleep(ctx, policy.Delay(j.submitAttempt)); serr != nil {
			return domain.SubmitReceipt{}, nil, serr
		}
		j.submitAttempt++
	}
}

// poll implements the per-job state machine: fetch, and on RUNNING back off
// and fetch again until a terminal state or the retry ceiling. RUNNING polls
// and transport failures consume separate attempt budgets.
func (c *Coordinator) poll(ctx context.Context, j *job) (domain.Outcome, error) {
	policy := backoff.Policy{Base: c.cfg.PollBaseDelay, MaxRetries: c.cfg.PollMaxRetries}

	for {
		res, err := c.exec.FetchOutcome(ctx, j.jobID)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Outcome{}, ctx.Err()
			}
			if !domain.Retryable(err) {
				j.state = stateFailed
				return failedOutcome(j.item.ID, ReasonRemoteRejected, err), nil
			}
			if !policy.Eligible(j.errAttempt) {
				j.state = stateFailed
				return failedOutcome(j.item.ID, ReasonRetriesExhausted, err), nil
			}
			if serr := backoff.Sleep(ctx, policy.Delay(j.errAttempt)); serr != nil {
				return domain.Outcome{}, serr
			}
			j.errAttempt++
			continue
		}

		if res.Status == domain.StatusRunning {
			if !policy.Eligible(j.pollAttempt) {
				j.state = stateFailed
				return failedOutcome(j.item.ID, ReasonPollExhausted, nil), nil
			}
			if serr := backoff.Sleep(ctx, policy.Delay(j.pollAttempt)); serr != nil {
				return domain.Outcome{}, serr
			}
			j.pollAttempt++
			continue
		}

		j.state = stateResolved
		return domain.Outcome{ItemID: j.item.ID, Status: res.Status, Detail: res.Detail}, nil
	}
}
