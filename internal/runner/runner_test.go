package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/verdict-labs/verdict-go/internal/domain"
)

type fakeExecutor struct {
	mu       sync.Mutex
	submits  []string
	fetches  map[string]int
	submitFn func(item domain.TestItem) (domain.SubmitReceipt, error)
	fetchFn  func(jobID string, attempt int) (domain.PollResult, error)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{fetches: make(map[string]int)}
}

func (f *fakeExecutor) Submit(ctx context.Context, item domain.TestItem) (domain.SubmitReceipt, error) {
	f.mu.Lock()
	f.submits = append(f.submits, item.ID)
	f.mu.Unlock()
	if f.submitFn != nil {
		return f.submitFn(item)
	}
	return domain.SubmitReceipt{JobID: "job-" + item.ID}, nil
}

func (f *fakeExecutor) FetchOutcome(ctx context.Context, jobID string) (domain.PollResult, error) {
	f.mu.Lock()
	f.fetches[jobID]++
	attempt := f.fetches[jobID]
	f.mu.Unlock()
	if f.fetchFn != nil {
		return f.fetchFn(jobID, attempt)
	}
	return domain.PollResult{Status: domain.StatusSuccess}, nil
}

func (f *fakeExecutor) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeExecutor) totalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.fetches {
		n += c
	}
	return n
}

type collectSink struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
	emitErr  error
	emitted  chan domain.Outcome
	runID    string
}

func newCollectSink() *collectSink {
	return &collectSink{emitted: make(chan domain.Outcome, 64)}
}

func (s *collectSink) RunStarted(runID string) {
	s.mu.Lock()
	s.runID = runID
	s.mu.Unlock()
}

func (s *collectSink) Emit(out domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emitErr != nil {
		return s.emitErr
	}
	s.outcomes = append(s.outcomes, out)
	select {
	case s.emitted <- out:
	default:
	}
	return nil
}

func (s *collectSink) Close() error { return nil }

func (s *collectSink) delivered() []domain.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Outcome(nil), s.outcomes...)
}

func testConfig() Config {
	return Config{
		MaxConcurrent:    4,
		PollBaseDelay:    time.Millisecond,
		PollMaxRetries:   5,
		SubmitMaxRetries: 2,
	}
}

func makeItems(n int) []domain.TestItem {
	items := make([]domain.TestItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, domain.TestItem{ID: fmt.Sprintf("item-%d", i)})
	}
	return items
}

func TestRunDeliversEveryItemExactlyOnce(t *testing.T) {
	exec := newFakeExecutor()
	c, err := New(nil, exec, testConfig())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	sink := newCollectSink()
	items := makeItems(9)
	summary, err := c.Run(context.Background(), items, sink)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}

	got := sink.delivered()
	if len(got) != len(items) {
		t.Fatalf("delivered %d outcomes, want %d", len(got), len(items))
	}
	seen := make(map[string]bool)
	for _, out := range got {
		if seen[out.ItemID] {
			t.Fatalf("item %s delivered twice", out.ItemID)
		}
		seen[out.ItemID] = true
	}
	for _, item := range items {
		if !seen[item.ID] {
			t.Fatalf("item %s missing from delivery", item.ID)
		}
	}
	if summary.Delivered != len(items) || summary.Succeeded != len(items) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if sink.runID != summary.RunID || summary.RunID == "" {
		t.Fatalf("sink observed run id %q, summary %q", sink.runID, summary.RunID)
	}
}

func TestRunSingleFlight(t *testing.T) {
	exec := newFakeExecutor()
	release := make(chan struct{})
	exec.fetchFn = func(jobID string, attempt int) (domain.PollResult, error) {
		<-release
		return domain.PollResult{Status: domain.StatusSuccess}, nil
	}

	c, err := New(nil, exec, testConfig())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), makeItems(2), newCollectSink())
		firstDone <- err
	}()

	// Wait until the first run holds the lock.
	deadline := time.After(2 * time.Second)
	for {
		if exec.totalFetches() > 0 || exec.submitCount() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(time.Millisecond):
		}
	}

	_, err = c.Run(context.Background(), makeItems(1), newCollectSink())
	if !errors.Is(err, ErrRunActive) {
		t.Fatalf("overlapping run: want ErrRunActive, got %v", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first run err=%v", err)
	}

	// Lock must be reusable after completion.
	if _, err := c.Run(context.Background(), makeItems(1), newCollectSink()); err != nil {
		t.Fatalf("run after completion err=%v", err)
	}
}

func TestRunBoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	exec := newFakeExecutor()
	exec.submitFn = func(item domain.TestItem) (domain.SubmitReceipt, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		inFlight.Add(-1)
		return domain.SubmitReceipt{
			JobID:    "job-" + item.ID,
			Resolved: &domain.PollResult{Status: domain.StatusSuccess},
		}, nil
	}

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	c, err := New(nil, exec, cfg)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	if _, err := c.Run(context.Background(), makeItems(5), newCollectSink()); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if got := peak.Load(); got > 1 {
		t.Fatalf("max_concurrent=1 but %d submits overlapped", got)
	}
	if exec.submitCount() != 5 {
		t.Fatalf("expected 5 submits, got %d", exec.submitCount())
	}
}

// Scenario from the streaming contract: A succeeds on first poll, B fails
// after two RUNNING polls, C's submit always transport-errors. All three
// must be delivered, C as an error outcome.
func TestRunFailureIsolation(t *testing.T) {
	exec := newFakeExecutor()
	exec.submitFn = func(item domain.TestItem) (domain.SubmitReceipt, error) {
		if item.ID == "C" {
			return domain.SubmitReceipt{}, &domain.TransportError{Op: "submit", Err: errors.New("connection reset")}
		}
		return domain.SubmitReceipt{JobID: "job-" + item.ID}, nil
	}
	exec.fetchFn = func(jobID string, attempt int) (domain.PollResult, error) {
		if jobID == "job-B" && attempt <= 2 {
			return domain.PollResult{Status: domain.StatusRunning}, nil
		}
		if jobID == "job-B" {
			return domain.PollResult{Status: domain.StatusFailure}, nil
		}
		return domain.PollResult{Status: domain.StatusSuccess}, nil
	}

	c, err := New(nil, exec, testConfig())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	sink := newCollectSink()
	items := []domain.TestItem{{ID: "A"}, {ID: "B"}, {ID: "C"}}
	summary, err := c.Run(context.Background(), items, sink)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}

	got := sink.delivered()
	if len(got) != 3 {
		t.Fatalf("delivered %d outcomes, want 3", len(got))
	}
	byID := make(map[string]domain.Outcome)
	for _, out := range got {
		byID[out.ItemID] = out
	}
	if byID["A"].Status != domain.StatusSuccess {
		t.Fatalf("A: %+v", byID["A"])
	}
	if byID["B"].Status != domain.StatusFailure {
		t.Fatalf("B: %+v", byID["B"])
	}
	if byID["C"].Status != domain.StatusError {
		t.Fatalf("C: %+v", byID["C"])
	}
	var detail failureDetail
	if err := json.Unmarshal(byID["C"].Detail, &detail); err != nil {
		t.Fatalf("decode C detail: %v", err)
	}
	if detail.Reason != ReasonRetriesExhausted {
		t.Fatalf("C reason %q, want %q", detail.Reason, ReasonRetriesExhausted)
	}
	if summary.Succeeded != 1 || summary.Failed != 1 || summary.Errored != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRunPollExhaustion(t *testing.T) {
	exec := newFakeExecutor()
	exec.fetchFn = func(jobID string, attempt int) (domain.PollResult, error) {
		return domain.PollResult{Status: domain.StatusRunning}, nil
	}

	cfg := testConfig()
	cfg.PollMaxRetries = 3
	c, err := New(nil, exec, cfg)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	sink := newCollectSink()
	if _, err := c.Run(context.Background(), makeItems(1), sink); err != nil {
		t.Fatalf("Run() err=%v", err)
	}

	got := sink.delivered()
	if len(got) != 1 || got[0].Status != domain.StatusError {
		t.Fatalf("unexpected delivery %+v", got)
	}
	var detail failureDetail
	if err := json.Unmarshal(got[0].Detail, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Reason != ReasonPollExhausted {
		t.Fatalf("reason %q, want %q", detail.Reason, ReasonPollExhausted)
	}
	// PollMaxRetries backoff sleeps means PollMaxRetries+1 fetches total.
	if n := exec.totalFetches(); n != cfg.PollMaxRetries+1 {
		t.Fatalf("fetched %d times, want %d", n, cfg.PollMaxRetries+1)
	}
}

func TestRunImmediateTerminalSubmitSkipsPolling(t *testing.T) {
	exec := newFakeExecutor()
	exec.submitFn = func(item domain.TestItem) (domain.SubmitReceipt, error) {
		return domain.SubmitReceipt{
			JobID:    "job-" + item.ID,
			Resolved: &domain.PollResult{Status: domain.StatusFailure},
		}, nil
	}

	c, err := New(nil, exec, testConfig())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	sink := newCollectSink()
	if _, err := c.Run(context.Background(), makeItems(2), sink); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if n := exec.totalFetches(); n != 0 {
		t.Fatalf("expected no polling, saw %d fetches", n)
	}
	for _, out := range sink.delivered() {
		if out.Status != domain.StatusFailure {
			t.Fatalf("unexpected outcome %+v", out)
		}
	}
}

func TestRunCancellationDeliversOnlyResolved(t *testing.T) {
	exec := newFakeExecutor()
	exec.submitFn = func(item domain.TestItem) (domain.SubmitReceipt, error) {
		if item.ID == "item-0" || item.ID == "item-1" {
			return domain.SubmitReceipt{
				JobID:    "job-" + item.ID,
				Resolved: &domain.PollResult{Status: domain.StatusSuccess},
			}, nil
		}
		return domain.SubmitReceipt{JobID: "job-" + item.ID}, nil
	}
	exec.fetchFn = func(jobID string, attempt int) (domain.PollResult, error) {
		return domain.PollResult{Status: domain.StatusRunning}, nil
	}

	cfg := testConfig()
	cfg.PollBaseDelay = 5 * time.Millisecond
	cfg.PollMaxRetries = 1000
	c, err := New(nil, exec, cfg)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := newCollectSink()

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx, makeItems(4), sink)
		done <- err
	}()

	// Wait for the two instant items to be delivered, then abort.
	for i := 0; i < 2; i++ {
		select {
		case <-sink.emitted:
		case <-time.After(2 * time.Second):
			t.Fatal("instant items never resolved")
		}
	}
	cancel()

	err = <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() err=%v, want context.Canceled", err)
	}
	if got := len(sink.delivered()); got != 2 {
		t.Fatalf("aborted run delivered %d outcomes, want 2", got)
	}

	// Liveness: no orphaned poll loops may keep hitting the executor.
	time.Sleep(20 * time.Millisecond)
	before := exec.totalFetches()
	time.Sleep(50 * time.Millisecond)
	if after := exec.totalFetches(); after != before {
		t.Fatalf("poll loops still running after abort: %d -> %d", before, after)
	}
}

func TestRunSinkFailureAbortsRun(t *testing.T) {
	exec := newFakeExecutor()
	c, err := New(nil, exec, testConfig())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	sink := newCollectSink()
	sink.emitErr = errors.New("client went away")
	_, err = c.Run(context.Background(), makeItems(3), sink)
	if err == nil || !errors.Is(err, sink.emitErr) {
		t.Fatalf("Run() err=%v, want wrapped sink error", err)
	}

	// The lock must be released even after an aborted run.
	sink2 := newCollectSink()
	if _, err := c.Run(context.Background(), makeItems(1), sink2); err != nil {
		t.Fatalf("run after abort err=%v", err)
	}
}

func TestRunChunkingDispatchWindows(t *testing.T) {
	var maxSeen atomic.Int32
	var inFlight atomic.Int32
	exec := newFakeExecutor()
	exec.submitFn = func(item domain.TestItem) (domain.SubmitReceipt, error) {
		n := inFlight.Add(1)
		for {
			p := maxSeen.Load()
			if n <= p || maxSeen.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		inFlight.Add(-1)
		return domain.SubmitReceipt{
			JobID:    "job-" + item.ID,
			Resolved: &domain.PollResult{Status: domain.StatusSuccess},
		}, nil
	}

	cfg := testConfig()
	cfg.MaxConcurrent = 8
	cfg.BatchChunkSize = 2
	c, err := New(nil, exec, cfg)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	sink := newCollectSink()
	if _, err := c.Run(context.Background(), makeItems(6), sink); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if len(sink.delivered()) != 6 {
		t.Fatalf("delivered %d outcomes, want 6", len(sink.delivered()))
	}
	if got := maxSeen.Load(); got > 2 {
		t.Fatalf("chunk size 2 but %d submits overlapped", got)
	}
}

func TestRunRejectsInvalidBatches(t *testing.T) {
	c, err := New(nil, newFakeExecutor(), testConfig())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	if _, err := c.Run(context.Background(), nil, newCollectSink()); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("empty batch: %v", err)
	}
	if _, err := c.Run(context.Background(), []domain.TestItem{{ID: ""}}, newCollectSink()); err == nil {
		t.Fatal("missing id must be rejected")
	}
	if _, err := c.Run(context.Background(), []domain.TestItem{{ID: "a"}, {ID: "a"}}, newCollectSink()); err == nil {
		t.Fatal("duplicate ids must be rejected")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := []Config{
		{MaxConcurrent: 0, PollBaseDelay: time.Second, PollMaxRetries: 1},
		{MaxConcurrent: 1, PollBaseDelay: 0, PollMaxRetries: 1},
		{MaxConcurrent: 1, PollBaseDelay: time.Second, PollMaxRetries: 0},
		{MaxConcurrent: 1, PollBaseDelay: time.Second, PollMaxRetries: 1, SubmitMaxRetries: -1},
		{MaxConcurrent: 1, PollBaseDelay: time.Second, PollMaxRetries: 1, BatchChunkSize: -2},
		{MaxConcurrent: 1, PollBaseDelay: time.Second, PollMaxRetries: 1, MinDispatchInterval: -time.Second},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("bad config %d accepted", i)
		}
	}
}
