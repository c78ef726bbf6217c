// Package remoteexec wraps the remote execution API behind two primitive
// operations: submit an item, fetch a job's outcome. Retry and backoff
// policy belongs to the caller; this client only classifies failures as
// retryable transport errors or terminal rejections.
package remoteexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/verdict-labs/verdict-go/internal/domain"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type wireEnvelope struct {
	ID      string          `json:"id"`
	Outcome string          `json:"outcome"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

type submitPayload struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Submit sends one item to the remote executor and returns the assigned job
// ID. Executor variants that resolve an item inline answer with a terminal
// outcome string; the receipt then carries the resolved state and no polling
// is needed.
func (c *Client) Submit(ctx context.Context, item domain.TestItem) (domain.SubmitReceipt, error) {
	body, err := json.Marshal(submitPayload{ID: item.ID, Data: item.Payload})
	if err != nil {
		return domain.SubmitReceipt{}, fmt.Errorf("encode submit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/data", bytes.NewReader(body))
	if err != nil {
		return domain.SubmitReceipt{}, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	env, err := c.do(req, "submit")
	if err != nil {
		return domain.SubmitReceipt{}, err
	}
	if strings.TrimSpace(env.ID) == "" {
		return domain.SubmitReceipt{}, &domain.TransportError{Op: "submit", Err: fmt.Errorf("response missing job id")}
	}

	receipt := domain.SubmitReceipt{JobID: env.ID}
	if strings.TrimSpace(env.Outcome) == "" {
		return receipt, nil
	}
	status, ok := domain.NormalizeStatus(env.Outcome)
	if !ok {
		return domain.SubmitReceipt{}, &domain.TransportError{Op: "submit", Err: fmt.Errorf("unknown outcome %q", env.Outcome)}
	}
	if status.Terminal() {
		receipt.Resolved = &domain.PollResult{Status: status, Detail: env.Detail}
	}
	return receipt, nil
}

// FetchOutcome reads the current state of a job. A running job is reported
// as StatusRunning, not as an error; it means "poll again".
func (c *Client) FetchOutcome(ctx context.Context, jobID string) (domain.PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/outcome/"+url.PathEscape(jobID), nil)
	if err != nil {
		return domain.PollResult{}, fmt.Errorf("build fetch request: %w", err)
	}

	env, err := c.do(req, "fetch outcome")
	if err != nil {
		return domain.PollResult{}, err
	}
	status, ok := domain.NormalizeStatus(env.Outcome)
	if !ok {
		return domain.PollResult{}, &domain.TransportError{Op: "fetch outcome", Err: fmt.Errorf("unknown outcome %q", env.Outcome)}
	}
	return domain.PollResult{Status: status, Detail: env.Detail}, nil
}

func (c *Client) do(req *http.Request, op string) (wireEnvelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return wireEnvelope{}, &domain.TransportError{Op: op, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return wireEnvelope{}, fmt.Errorf("%s: %w: status %d", op, domain.ErrRemoteRejected, resp.StatusCode)
	default:
		return wireEnvelope{}, &domain.TransportError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var env wireEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return wireEnvelope{}, &domain.TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return env, nil
}
