// Package batch drives one session's matching run end to end: places are
// partitioned into tier-sized batches, each provider call clears the
// scheduler and the quota limiter before it leaves the process, results are
// scored on the match pool, and every outcome lands as a match record. Runs
// are resumable; a place that already has a record is never reprocessed.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mapmigrate/transfer-cli/internal/guardrails"
	"github.com/mapmigrate/transfer-cli/internal/matching"
	"github.com/mapmigrate/transfer-cli/internal/matchpool"
	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/ratelimit"
	"github.com/mapmigrate/transfer-cli/internal/resilience"
	"github.com/mapmigrate/transfer-cli/internal/session"
	"github.com/mapmigrate/transfer-cli/internal/store"
)

// ErrDailyCapExhausted stops a run whose user has no daily quota left. The
// session is left paused so it can resume after the UTC day rolls over.
var ErrDailyCapExhausted = eris.New("batch: daily quota exhausted")

// ErrPausedOnError stops a run after a place failed all its retries under a
// tier whose guardrails pause on error. The failed place has no record, so
// a resume retries it.
var ErrPausedOnError = eris.New("batch: paused after place failure")

// CandidateSource yields target-provider candidates for one saved place.
// pkg/places adapts the Google Places client to this shape.
type CandidateSource interface {
	Search(ctx context.Context, place model.Place) ([]model.NormalizedCandidate, error)
}

// Config carries the run-independent engine knobs.
type Config struct {
	// MatchOptions is handed to the match pool per place. Zero value means
	// matching.DefaultOptions.
	MatchOptions matching.Options

	// Retry shapes the provider-call backoff. The attempt budget itself is
	// always replaced by the tier's retry guardrail.
	Retry resilience.RetryConfig

	// OnProgress, when set, receives a snapshot at every batch boundary and
	// once more when the run stops.
	OnProgress func(ProcessingProgress)
}

// Engine owns the processing phase of a session. One Engine serves any
// number of sequential runs; per-run state (scheduler, counters) is built
// inside Run.
type Engine struct {
	store    store.Store
	sessions *session.Service
	source   CandidateSource
	pool     *matchpool.Pool
	limiter  *ratelimit.Limiter

	matchOpts  matching.Options
	retry      resilience.RetryConfig
	onProgress func(ProcessingProgress)

	// sleep waits out a minute-cap rejection and pacing derives the
	// scheduler's start rate from the tier; both replaceable in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	pacing func(guardrails.Guardrails) int

	log *zap.Logger
}

// NewEngine wires the processing dependencies together.
func NewEngine(st store.Store, sessions *session.Service, source CandidateSource, pool *matchpool.Pool, limiter *ratelimit.Limiter, cfg Config) *Engine {
	opts := cfg.MatchOptions
	if opts == (matching.Options{}) {
		opts = matching.DefaultOptions()
	}
	return &Engine{
		store:      st,
		sessions:   sessions,
		source:     source,
		pool:       pool,
		limiter:    limiter,
		matchOpts:  opts,
		retry:      cfg.Retry,
		onProgress: cfg.OnProgress,
		sleep:      ctxSleep,
		pacing:     startsPerSecond,
		log:        zap.L().Named("batch"),
	}
}

// Run matches every unrecorded place of the session and leaves the session
// in verifying. It accepts a pending session (first run) or a paused one
// (resume). Any mid-run stop pauses the session and returns the cause, so
// the caller can always Run the same session again.
func (e *Engine) Run(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case model.SessionPending:
		err = e.sessions.Start(ctx, sessionID)
	case model.SessionPaused:
		err = e.sessions.Resume(ctx, sessionID)
	default:
		return eris.Errorf("batch: session %s is %s, runnable from pending or paused", sessionID, sess.Status)
	}
	if err != nil {
		return err
	}

	log := e.log.With(zap.String("session_id", sessionID), zap.String("tier", string(sess.Tier)))

	places, err := e.store.ListPlacesByPack(ctx, sess.PackID)
	if err != nil {
		return e.pauseRun(ctx, nil, sessionID, err)
	}
	existing, err := e.store.ListMatchRecords(ctx, store.RecordFilter{SessionID: sessionID})
	if err != nil {
		return e.pauseRun(ctx, nil, sessionID, err)
	}

	done := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		done[rec.OriginalPlaceID] = struct{}{}
	}
	remaining := make([]model.Place, 0, len(places))
	for _, p := range places {
		if _, ok := done[p.ID]; !ok {
			remaining = append(remaining, p)
		}
	}

	guard := guardrails.ForTier(sess.Tier)
	run := &runState{
		sess:        sess,
		guard:       guard,
		sched:       ratelimit.NewScheduler(guard.MaxConcurrency, e.pacing(guard)),
		retry:       e.retry.WithMaxAttempts(guard.MaxRetryAttempts),
		totalPlaces: len(places),
		initialDone: len(done),
		start:       time.Now(),
	}
	defer run.sched.Drain()

	batches := partition(remaining, guard.MaxBatchSize)
	run.totalBatches = len(batches)

	log.Info("run starting",
		zap.Int("places", len(places)),
		zap.Int("already_matched", run.initialDone),
		zap.Int("batches", len(batches)),
		zap.Int("max_concurrency", guard.MaxConcurrency),
	)

	for i, chunk := range batches {
		// Batch boundary: let cancellation and external pause requests take
		// effect before admitting more work.
		if ctx.Err() != nil {
			return e.pauseRun(ctx, run, sessionID, eris.Wrap(ctx.Err(), "batch: run canceled"))
		}
		cur, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return e.pauseRun(ctx, run, sessionID, err)
		}
		if cur.Status != model.SessionProcessing {
			log.Info("run stopped between batches", zap.String("status", string(cur.Status)))
			e.emit(run.snapshot(cur.Status, "stopped"))
			return nil
		}

		run.currentBatch = i + 1
		e.emit(run.snapshot(model.SessionProcessing, fmt.Sprintf("matching batch %d of %d", i+1, len(batches))))

		if err := e.processBatch(ctx, run, chunk); err != nil {
			return e.pauseRun(ctx, run, sessionID, err)
		}
	}

	if err := e.addProcessingTime(ctx, sessionID, time.Since(run.start).Milliseconds()); err != nil {
		log.Warn("record processing time", zap.Error(err))
	}
	if err := e.sessions.MarkVerifying(ctx, sessionID); err != nil {
		return err
	}
	e.emit(run.snapshot(model.SessionVerifying, "ready for verification"))

	log.Info("run finished",
		zap.Int64("processed", run.processed.Load()),
		zap.Int64("matched", run.matched.Load()),
		zap.Int64("failed", run.failed.Load()),
		zap.Int64("api_calls", run.apiCalls.Load()),
		zap.Int64("elapsed_ms", time.Since(run.start).Milliseconds()),
	)
	return nil
}

// processBatch fans the chunk out across the tier's concurrency. A fresh
// errgroup per batch keeps a failed batch from poisoning the next run.
func (e *Engine) processBatch(ctx context.Context, run *runState, chunk []model.Place) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(run.guard.MaxConcurrency)

	for _, place := range chunk {
		g.Go(func() error {
			return e.processPlace(gctx, run, place)
		})
	}
	return g.Wait()
}

// processPlace takes one place through admission, provider search, scoring,
// and persistence. The scheduler slot is held for the provider call only;
// scoring is local work.
func (e *Engine) processPlace(ctx context.Context, run *runState, place model.Place) error {
	release, err := e.admit(ctx, run)
	if err != nil {
		return err
	}

	attempts := 0
	candidates, searchErr := resilience.DoVal(ctx, run.retry, func(ctx context.Context) ([]model.NormalizedCandidate, error) {
		attempts++
		return e.source.Search(ctx, place)
	})
	release()
	run.apiCalls.Add(int64(attempts))

	if searchErr != nil {
		// A canceled run is not a place failure; a sibling's error or the
		// caller stopping us must not consume this place's error budget.
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "batch: run canceled")
		}
		return e.handlePlaceFailure(ctx, run, place, attempts, searchErr)
	}

	result, err := e.pool.MatchPlaces(ctx, place, candidates, e.matchOpts)
	if err != nil {
		return eris.Wrapf(err, "batch: match place %s", place.ID)
	}
	return e.persistOutcome(ctx, run, place, &result, attempts)
}

// admit clears both gates for one provider call: a scheduler slot, then the
// shared quota. A minute rejection releases the slot, waits the window out,
// and requeues above fresh arrivals so a held-back place is not overtaken
// forever. A daily rejection ends the run; quota rejections never touch the
// retry budget.
func (e *Engine) admit(ctx context.Context, run *runState) (func(), error) {
	priority := 0
	for {
		release, err := run.sched.Acquire(ctx, priority)
		if err != nil {
			return nil, err
		}

		res, err := e.limiter.Check(ctx, run.sess.Tier, run.sess.UserID)
		if err != nil {
			// Fail closed: no confirmed quota, no call.
			release()
			return nil, err
		}
		if res.Allowed {
			return release, nil
		}
		release()

		if res.Reason == ratelimit.ReasonDaily {
			return nil, eris.Wrapf(ErrDailyCapExhausted, "retry after %ds", res.RetryAfterSeconds)
		}

		e.log.Debug("minute cap hit, waiting",
			zap.String("session_id", run.sess.ID),
			zap.Int("retry_after_s", res.RetryAfterSeconds),
		)
		if err := e.sleep(ctx, time.Duration(res.RetryAfterSeconds)*time.Second); err != nil {
			return nil, err
		}
		priority = 1
	}
}

// handlePlaceFailure applies the tier policy after a place's retry budget
// is spent. Pause-on-error tiers park the whole session with the place left
// recordless so a resume retries it; the rest persist an empty record so
// review can resolve the place by hand, and the run moves on.
func (e *Engine) handlePlaceFailure(ctx context.Context, run *runState, place model.Place, attempts int, cause error) error {
	run.failed.Add(1)

	if err := e.store.RecordSessionError(ctx, run.sess.ID, fmt.Sprintf("place %s: %v", place.ID, cause)); err != nil {
		e.log.Warn("record session error", zap.String("session_id", run.sess.ID), zap.Error(err))
	}
	e.log.Warn("place failed",
		zap.String("session_id", run.sess.ID),
		zap.String("place_id", place.ID),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)

	if run.guard.PauseOnError {
		if err := e.store.AdvanceSessionProgress(ctx, run.sess.ID, 0, attempts); err != nil {
			e.log.Warn("advance progress", zap.Error(err))
		}
		return eris.Wrapf(ErrPausedOnError, "place %s: %v", place.ID, cause)
	}

	if _, err := e.store.CreateMatchRecord(ctx, emptyRecord(run.sess.ID, place.ID)); err != nil && !errors.Is(err, store.ErrDuplicateRecord) {
		return eris.Wrapf(err, "batch: persist failed place %s", place.ID)
	}
	run.processed.Add(1)
	if err := e.store.AdvanceSessionProgress(ctx, run.sess.ID, 1, attempts); err != nil {
		return eris.Wrap(err, "batch: advance progress")
	}
	return nil
}

// persistOutcome stores the scored result as the place's match record. No
// usable candidate still yields a record, so the place surfaces in review
// instead of silently vanishing.
func (e *Engine) persistOutcome(ctx context.Context, run *runState, place model.Place, result *model.MatchingResult, attempts int) error {
	rec := emptyRecord(run.sess.ID, place.ID)
	if best := result.BestMatch; best != nil {
		cand := best.Candidate
		rec.TargetPlace = &cand
		rec.ConfidenceScore = best.ConfidenceScore
		rec.ConfidenceLevel = best.ConfidenceLevel
		rec.MatchFactors = best.Factors
	}

	if _, err := e.store.CreateMatchRecord(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateRecord) {
			// Lost a race with an earlier record; count the API use only.
			return e.store.AdvanceSessionProgress(ctx, run.sess.ID, 0, attempts)
		}
		if ctx.Err() != nil {
			// The record was not written, so a resume retries this place.
			return eris.Wrap(ctx.Err(), "batch: run canceled")
		}
		return eris.Wrapf(err, "batch: persist match for place %s", place.ID)
	}

	if result.BestMatch != nil {
		run.matched.Add(1)
	}
	run.processed.Add(1)
	if err := e.store.AdvanceSessionProgress(ctx, run.sess.ID, 1, attempts); err != nil {
		return eris.Wrap(err, "batch: advance progress")
	}
	return nil
}

// pauseRun parks the session so the run can resume later, then hands the
// causing error back. The cause may be the run context itself, so the
// status write gets a detached context.
func (e *Engine) pauseRun(ctx context.Context, run *runState, sessionID string, cause error) error {
	pauseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if run != nil {
		if err := e.addProcessingTime(pauseCtx, sessionID, time.Since(run.start).Milliseconds()); err != nil {
			e.log.Warn("record processing time", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if err := e.sessions.Pause(pauseCtx, sessionID); err != nil {
		e.log.Warn("pause after stop", zap.String("session_id", sessionID), zap.Error(err))
	}
	if run != nil {
		e.emit(run.snapshot(model.SessionPaused, "paused"))
	}
	return cause
}

// addProcessingTime folds this run's wall time into the session counter, so
// the total accumulates across pause and resume cycles.
func (e *Engine) addProcessingTime(ctx context.Context, sessionID string, deltaMs int64) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return e.store.SetSessionCounters(ctx, sessionID, sess.VerifiedPlaces, sess.CompletedPlaces, sess.ProcessingTimeMs+deltaMs)
}

func (e *Engine) emit(p ProcessingProgress) {
	if e.onProgress != nil {
		e.onProgress(p)
	}
}

// emptyRecord is the no-match shape: zero confidence, low band, no factors,
// pending review.
func emptyRecord(sessionID, placeID string) *model.PlaceMatchRecord {
	return &model.PlaceMatchRecord{
		SessionID:          sessionID,
		OriginalPlaceID:    placeID,
		ConfidenceScore:    0,
		ConfidenceLevel:    model.ConfidenceLow,
		VerificationStatus: model.VerificationPending,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "batch: quota wait")
	case <-timer.C:
		return nil
	}
}
