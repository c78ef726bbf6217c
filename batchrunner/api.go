package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/verdict-labs/verdict-go/internal/domain"
	"github.com/verdict-labs/verdict-go/internal/ledger"
	"github.com/verdict-labs/verdict-go/internal/report"
	"github.com/verdict-labs/verdict-go/internal/runner"
)

const (
	maxRequestBytes   = 10 << 20
	heartbeatInterval = 15 * time.Second
	recordTimeout     = 5 * time.Second
)

type batchAPI struct {
	logger      *slog.Logger
	coordinator *runner.Coordinator
	ledger      *ledger.Ledger    // nil when the ledger is disabled
	archiver    *report.Archiver  // nil when archiving is disabled
}

func newBatchAPI(logger *slog.Logger, coordinator *runner.Coordinator, l *ledger.Ledger, a *report.Archiver) *batchAPI {
	return &batchAPI{
		logger:      logger,
		coordinator: coordinator,
		ledger:      l,
		archiver:    a,
	}
}

func (api *batchAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /batches", api.handleRunBatch)
	mux.HandleFunc("GET /batch-runs", api.handleListRuns)
	mux.HandleFunc("GET /batch-runs/{run_id}/outcomes", api.handleListRunOutcomes)
}

type batchItemRequest struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

type runBatchRequest struct {
	Items []batchItemRequest `json:"items"`
}

func (api *batchAPI) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req runBatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.Items) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "items_required")
		return
	}

	items := make([]domain.TestItem, 0, len(req.Items))
	seen := make(map[string]struct{}, len(req.Items))
	for _, item := range req.Items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			api.writeError(w, r, http.StatusBadRequest, "item_id_required")
			return
		}
		if _, dup := seen[id]; dup {
			api.writeError(w, r, http.StatusBadRequest, "duplicate_item_id")
			return
		}
		seen[id] = struct{}{}
		items = append(items, domain.TestItem{ID: id, Payload: item.Data})
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	sink := &sseSink{
		w:         w,
		flusher:   flusher,
		requestID: r.Header.Get("X-Request-Id"),
	}

	// Heartbeats keep idle proxies from closing the stream during long
	// backoff waits. They start only once the sink has committed headers.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				sink.comment("ping")
			}
		}
	}()

	summary, err := api.coordinator.Run(r.Context(), items, sink)

	switch {
	case errors.Is(err, runner.ErrRunActive):
		// Nothing streamed yet; reject before any SSE output.
		api.writeError(w, r, http.StatusConflict, "run_active")
		return
	case err != nil && !sink.startedOnce():
		api.writeError(w, r, http.StatusBadRequest, "invalid_batch")
		return
	case err != nil:
		// Mid-stream abort: client disconnect or a failed stream write.
		// Emitted outcomes stand; tell the client if it is still there.
		sink.fail("run_aborted")
		api.logger.Warn("batch run aborted mid-stream",
			"run_id", summary.RunID,
			"delivered", summary.Delivered,
			"error", err,
		)
	default:
		sink.finish(summary)
	}
	_ = sink.Close()

	api.record(summary, sink.collected())
}

// record persists the run to the ledger and archives the report. Both are
// best-effort after the stream is done; failures are logged, not surfaced.
func (api *batchAPI) record(summary runner.Summary, outcomes []domain.Outcome) {
	if summary.RunID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if api.ledger != nil {
		if err := api.ledger.RecordRun(ctx, summary, outcomes); err != nil {
			api.logger.Warn("ledger record failed", "run_id", summary.RunID, "error", err)
		}
	}
	if api.archiver != nil {
		key, err := api.archiver.Archive(ctx, summary, outcomes)
		if err != nil {
			api.logger.Warn("report archive failed", "run_id", summary.RunID, "error", err)
			return
		}
		api.logger.Info("report archived", "run_id", summary.RunID, "object_key", key)
	}
}

func (api *batchAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if api.ledger == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "ledger_disabled")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = parsed
	}

	runs, err := api.ledger.ListRuns(r.Context(), limit)
	if err != nil {
		api.logger.Error("list runs failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (api *batchAPI) handleListRunOutcomes(w http.ResponseWriter, r *http.Request) {
	if api.ledger == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "ledger_disabled")
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	exists, err := api.ledger.RunExists(r.Context(), runID)
	if err != nil {
		api.logger.Error("run lookup failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if !exists {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}

	outcomes, err := api.ledger.ListOutcomes(r.Context(), runID)
	if err != nil {
		api.logger.Error("list outcomes failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "outcomes": outcomes})
}

func (api *batchAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (api *batchAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

// sseSink streams outcomes to the client as server-sent events. Headers are
// committed only when the coordinator confirms the run started, so run-lock
// rejections can still use a plain error status.
type sseSink struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	requestID string

	mu       sync.Mutex
	started  bool
	runID    string
	seq      int
	outcomes []domain.Outcome
}

func (s *sseSink) RunStarted(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runID = runID

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()

	_ = s.writeEvent("ready", "", map[string]any{
		"run_id":     runID,
		"request_id": s.requestID,
		"server_ts":  time.Now().UTC().Unix(),
	})
}

func (s *sseSink) Emit(out domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("stream not started")
	}
	s.seq++
	if err := s.writeEvent("outcome", strconv.Itoa(s.seq), out); err != nil {
		return err
	}
	s.outcomes = append(s.outcomes, out)
	return nil
}

func (s *sseSink) Close() error { return nil }

func (s *sseSink) finish(summary runner.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	_ = s.writeEvent("end", "", summary)
}

func (s *sseSink) fail(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	_ = s.writeEvent("error", "", map[string]any{"error": code})
}

func (s *sseSink) comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return
	}
	s.flusher.Flush()
}

func (s *sseSink) startedOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *sseSink) collected() []domain.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Outcome(nil), s.outcomes...)
}

// writeEvent assumes s.mu is held.
func (s *sseSink) writeEvent(event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", blob); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
