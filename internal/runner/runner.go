// Package runner orchestrates one batch of test items against a remote
// executor: bounded fan-out through a limiter, per-item submit/poll state
// machines with exponential backoff, and incremental delivery of terminal
// outcomes to a sink. At most one batch run is active per coordinator.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/verdict-labs/verdict-go/internal/domain"
	"github.com/verdict-labs/verdict-go/internal/limiter"
)

// ErrRunActive is returned when a second batch run is requested while one is
// still in flight. Callers must fail fast rather than queue.
var ErrRunActive = errors.New("batch run already active")

// ErrEmptyBatch is returned for a run with no items.
var ErrEmptyBatch = errors.New("batch has no items")

// Executor is the remote execution API as the coordinator sees it: submit an
// item, fetch a job's state. No retry logic lives behind this interface.
type Executor interface {
	Submit(ctx context.Context, item domain.TestItem) (domain.SubmitReceipt, error)
	FetchOutcome(ctx context.Context, jobID string) (domain.PollResult, error)
}

// Config carries every orchestration knob. All values are explicit; nothing
// here is hardcoded at call sites.
type Config struct {
	MaxConcurrent       int
	MinDispatchInterval time.Duration
	PollBaseDelay       time.Duration
	PollMaxRetries      int
	SubmitMaxRetries    int
	BatchChunkSize      int
}

func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return errors.New("max_concurrent must be >= 1")
	}
	if c.MinDispatchInterval < 0 {
		return errors.New("min_dispatch_interval must be >= 0")
	}
	if c.PollBaseDelay <= 0 {
		return errors.New("poll_base_delay must be positive")
	}
	if c.PollMaxRetries < 1 {
		return errors.New("poll_max_retries must be >= 1")
	}
	if c.SubmitMaxRetries < 0 {
		return errors.New("submit_max_retries must be >= 0")
	}
	if c.BatchChunkSize < 0 {
		return errors.New("batch_chunk_size must be >= 0")
	}
	return nil
}

// Summary describes a finished (or aborted) run.
type Summary struct {
	RunID      string    `json:"run_id"`
	Total      int       `json:"total"`
	Delivered  int       `json:"delivered"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Errored    int       `json:"errored"`
	Aborted    bool      `json:"aborted"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Coordinator owns batch runs. It is safe for concurrent use; overlapping
// Run calls beyond the first fail with ErrRunActive.
type Coordinator struct {
	logger *slog.Logger
	exec   Executor
	cfg    Config

	active atomic.Bool
}

func New(logger *slog.Logger, exec Executor, cfg Config) (*Coordinator, error) {
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger, exec: exec, cfg: cfg}, nil
}

// Run executes the batch to completion and streams each item's terminal
// outcome to sink as it resolves. Per-item failures are delivered as error
// outcomes; Run itself fails only for run-level conditions: the lock is
// busy, the context is cancelled, or a sink write fails. On abort, outcomes
// already emitted remain valid and outstanding pipelines stop promptly.
func (c *Coordinator) Run(ctx context.Context, items []domain.TestItem, sink Sink) (Summary, error) {
	if len(items) == 0 {
		return Summary{}, ErrEmptyBatch
	}
	if err := validateItems(items); err != nil {
		return Summary{}, err
	}

	if !c.active.CompareAndSwap(false, true) {
		return Summary{}, ErrRunActive
	}
	defer c.active.Store(false)

	summary := Summary{
		RunID:     uuid.NewString(),
		Total:     len(items),
		StartedAt: time.Now().UTC(),
	}
	if obs, ok := sink.(StartObserver); ok {
		obs.RunStarted(summary.RunID)
	}
	c.logger.Info("batch run started",
		"component", "coordinator",
		"run_id", summary.RunID,
		"items", len(items),
		"max_concurrent", c.cfg.MaxConcurrent,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lim := limiter.New(c.cfg.MaxConcurrent, c.cfg.MinDispatchInterval)
	var mu sync.Mutex

	var runErr error
	for _, chunk := range chunkItems(items, c.cfg.BatchChunkSize) {
		g, gctx := errgroup.WithContext(runCtx)
		for _, item := range chunk {
			g.Go(func() error {
				if err := lim.Acquire(gctx); err != nil {
					return err
				}
				defer lim.Release()

				outcome, err := c.runPipeline(gctx, item)
				if err != nil {
					return err
				}
				if err := sink.Emit(outcome); err != nil {
					return fmt.Errorf("emit outcome for %s: %w", item.ID, err)
				}

				mu.Lock()
				summary.Delivered++
				switch outcome.Status {
				case domain.StatusSuccess:
					summary.Succeeded++
				case domain.StatusFailure:
					summary.Failed++
				default:
					summary.Errored++
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			runErr = err
			break
		}
	}

	summary.FinishedAt = time.Now().UTC()
	if runErr != nil {
		summary.Aborted = true
		c.logger.Warn("batch run aborted",
			"component", "coordinator",
			"run_id", summary.RunID,
			"delivered", summary.Delivered,
			"error", runErr,
		)
		return summary, runErr
	}

	c.logger.Info("batch run finished",
		"component", "coordinator",
		"run_id", summary.RunID,
		"delivered", summary.Delivered,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"errored", summary.Errored,
		"duration_ms", summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
	)
	return summary, nil
}

func validateItems(items []domain.TestItem) error {
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		if item.ID == "" {
			return fmt.Errorf("items[%d]: id is required", i)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("items[%d]: duplicate id %q", i, item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}

// chunkItems splits the batch into dispatch windows of at most size items.
// size 0 disables chunking.
func chunkItems(items []domain.TestItem, size int) [][]domain.TestItem {
	if size <= 0 || size >= len(items) {
		return [][]domain.TestItem{items}
	}
	chunks := make([][]domain.TestItem, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
