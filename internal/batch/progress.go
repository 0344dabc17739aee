package batch

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/mapmigrate/transfer-cli/internal/guardrails"
	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/ratelimit"
	"github.com/mapmigrate/transfer-cli/internal/resilience"
)

// ProcessingProgress is the live view of one run, recomputed at batch
// boundaries and once more when the run ends. Rate, remaining time, API
// calls, and error count cover the current run only; a resumed run starts
// its own clock.
type ProcessingProgress struct {
	SessionID              string              `json:"session_id"`
	Status                 model.SessionStatus `json:"status"`
	TotalPlaces            int                 `json:"total_places"`
	ProcessedPlaces        int                 `json:"processed_places"`
	CurrentBatch           int                 `json:"current_batch"`
	TotalBatches           int                 `json:"total_batches"`
	CurrentOperation       string              `json:"current_operation"`
	SuccessfulMatches      int                 `json:"successful_matches"`
	FailedMatches          int                 `json:"failed_matches"`
	APICallsUsed           int                 `json:"api_calls_used"`
	ProcessingRate         float64             `json:"processing_rate"`
	EstimatedTimeRemaining int                 `json:"estimated_time_remaining"`
	ErrorCount             int                 `json:"error_count"`
}

// runState carries everything one Run invocation shares across its batch
// workers. The atomic counters are the only fields written concurrently.
type runState struct {
	sess  *model.TransferPackSession
	guard guardrails.Guardrails
	sched *ratelimit.Scheduler
	retry resilience.RetryConfig

	totalPlaces  int
	initialDone  int
	totalBatches int
	currentBatch int
	start        time.Time

	processed atomic.Int64
	matched   atomic.Int64
	failed    atomic.Int64
	apiCalls  atomic.Int64
}

// snapshot assembles a progress view from the run counters. The moving rate
// uses only places processed by this run, so a resumed session does not
// inherit a stale average.
func (r *runState) snapshot(status model.SessionStatus, operation string) ProcessingProgress {
	processedRun := int(r.processed.Load())
	processedTotal := r.initialDone + processedRun

	var rate float64
	if elapsed := time.Since(r.start).Seconds(); processedRun > 0 && elapsed > 0 {
		rate = float64(processedRun) / elapsed
	}
	var eta int
	if remaining := r.totalPlaces - processedTotal; rate > 0 && remaining > 0 {
		eta = int(math.Ceil(float64(remaining) / rate))
	}

	return ProcessingProgress{
		SessionID:              r.sess.ID,
		Status:                 status,
		TotalPlaces:            r.totalPlaces,
		ProcessedPlaces:        processedTotal,
		CurrentBatch:           r.currentBatch,
		TotalBatches:           r.totalBatches,
		CurrentOperation:       operation,
		SuccessfulMatches:      int(r.matched.Load()),
		FailedMatches:          int(r.failed.Load()),
		APICallsUsed:           int(r.apiCalls.Load()),
		ProcessingRate:         rate,
		EstimatedTimeRemaining: eta,
		ErrorCount:             int(r.failed.Load()),
	}
}

// partition splits places into chunks of at most size, preserving order.
func partition(places []model.Place, size int) [][]model.Place {
	if size < 1 {
		size = 1
	}
	var chunks [][]model.Place
	for start := 0; start < len(places); start += size {
		chunks = append(chunks, places[start:min(start+size, len(places))])
	}
	return chunks
}

// startsPerSecond derives the scheduler pacing from the tier's minute cap.
// The quota limiter still owns the real accounting; pacing only keeps a
// burst from draining the whole window up front.
func startsPerSecond(g guardrails.Guardrails) int {
	rps := g.PerMinuteCap / 60
	if rps < 1 {
		rps = 1
	}
	return rps
}
