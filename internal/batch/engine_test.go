package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapmigrate/transfer-cli/internal/guardrails"
	"github.com/mapmigrate/transfer-cli/internal/matchpool"
	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/ratelimit"
	"github.com/mapmigrate/transfer-cli/internal/resilience"
	"github.com/mapmigrate/transfer-cli/internal/session"
	"github.com/mapmigrate/transfer-cli/internal/store"
)

// fakeSource scripts provider responses per place and attempt.
type fakeSource struct {
	mu       sync.Mutex
	perPlace map[string]int
	total    int
	fn       func(ctx context.Context, place model.Place, attempt int) ([]model.NormalizedCandidate, error)
	onCall   func(total int)
}

func (f *fakeSource) Search(ctx context.Context, place model.Place) ([]model.NormalizedCandidate, error) {
	f.mu.Lock()
	if f.perPlace == nil {
		f.perPlace = make(map[string]int)
	}
	f.perPlace[place.ID]++
	f.total++
	attempt := f.perPlace[place.ID]
	total := f.total
	onCall := f.onCall
	fn := f.fn
	f.mu.Unlock()

	if onCall != nil {
		onCall(total)
	}
	return fn(ctx, place, attempt)
}

func (f *fakeSource) setOnCall(fn func(total int)) {
	f.mu.Lock()
	f.onCall = fn
	f.mu.Unlock()
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeSource) callsFor(placeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perPlace[placeID]
}

// matchingSource answers every search with a candidate identical to the
// place, which scores far above the acceptance threshold.
func matchingSource() *fakeSource {
	return &fakeSource{fn: func(_ context.Context, place model.Place, _ int) ([]model.NormalizedCandidate, error) {
		return []model.NormalizedCandidate{mirrorCandidate(place)}, nil
	}}
}

func mirrorCandidate(place model.Place) model.NormalizedCandidate {
	return model.NormalizedCandidate{
		ID:        "cand-" + place.ID,
		Name:      place.Name,
		Address:   place.Address,
		Latitude:  place.Latitude,
		Longitude: place.Longitude,
	}
}

// allowAllCounters never trips a cap.
type allowAllCounters struct{}

func (allowAllCounters) Incr(context.Context, string, time.Duration) (int64, error) { return 1, nil }
func (allowAllCounters) Get(context.Context, string) (int64, error)                 { return 0, nil }
func (allowAllCounters) Del(context.Context, ...string) error                       { return nil }

// scriptedCounters fakes particular quota windows: dayValue (when set) is
// returned for every day-key increment, minuteSeq is consumed one value per
// minute-key increment and then falls back to 1. A non-nil err fails every
// call, which the limiter treats as a store outage.
type scriptedCounters struct {
	mu        sync.Mutex
	dayValue  int64
	minuteSeq []int64
	err       error
}

func (s *scriptedCounters) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return 0, s.err
	}
	if strings.Contains(key, ":day:") {
		if s.dayValue > 0 {
			return s.dayValue, nil
		}
		return 1, nil
	}
	if len(s.minuteSeq) > 0 {
		v := s.minuteSeq[0]
		s.minuteSeq = s.minuteSeq[1:]
		return v, nil
	}
	return 1, nil
}

func (s *scriptedCounters) Get(context.Context, string) (int64, error) { return 0, nil }
func (s *scriptedCounters) Del(context.Context, ...string) error       { return nil }

type progressLog struct {
	mu    sync.Mutex
	snaps []ProcessingProgress
}

func (p *progressLog) add(s ProcessingProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, s)
}

func (p *progressLog) last(t *testing.T) ProcessingProgress {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.snaps)
	return p.snaps[len(p.snaps)-1]
}

type engineHarness struct {
	store    store.Store
	sessions *session.Service
	source   *fakeSource
	engine   *Engine
	progress *progressLog
}

func newHarness(t *testing.T, counters ratelimit.CounterStore, src *fakeSource) *engineHarness {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "batch.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	pool := matchpool.New(2)
	t.Cleanup(pool.Close)

	svc := session.NewService(st)
	progress := &progressLog{}
	eng := NewEngine(st, svc, src, pool, ratelimit.NewLimiter(counters), Config{
		Retry:      resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		OnProgress: progress.add,
	})
	// No wall-clock pacing in tests.
	eng.pacing = func(guardrails.Guardrails) int { return 1000 }

	return &engineHarness{store: st, sessions: svc, source: src, engine: eng, progress: progress}
}

func (h *engineHarness) seedPack(t *testing.T, n int) {
	t.Helper()

	places := make([]model.Place, 0, n)
	for i := 1; i <= n; i++ {
		places = append(places, model.Place{
			ID:        fmt.Sprintf("place-%d", i),
			PackID:    "pack-1",
			Name:      fmt.Sprintf("Cafe %d", i),
			Address:   fmt.Sprintf("%d Valencia St", i),
			Latitude:  model.Float64Ptr(37.75),
			Longitude: model.Float64Ptr(-122.42),
		})
	}
	if len(places) == 0 {
		return
	}
	_, err := h.store.UpsertPlaces(context.Background(), places)
	require.NoError(t, err)
}

func (h *engineHarness) newSession(t *testing.T, tier model.Tier, totalPlaces int) string {
	t.Helper()

	sess, err := h.sessions.Create(context.Background(), "pack-1", "alice", tier, totalPlaces)
	require.NoError(t, err)
	return sess.ID
}

func TestRun_MatchesEveryPlace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowAllCounters{}, matchingSource())
	h.seedPack(t, 12)
	sessID := h.newSession(t, model.TierFree, 12)

	require.NoError(t, h.engine.Run(ctx, sessID))

	sess, err := h.store.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionVerifying, sess.Status)
	assert.Equal(t, 12, sess.ProcessedPlaces)
	assert.Equal(t, 12, sess.APICallsUsed)
	assert.Zero(t, sess.ErrorCount)

	records, err := h.store.ListMatchRecords(ctx, store.RecordFilter{SessionID: sessID})
	require.NoError(t, err)
	require.Len(t, records, 12)
	for _, rec := range records {
		assert.Equal(t, model.VerificationPending, rec.VerificationStatus)
		assert.NotNil(t, rec.TargetPlace)
		assert.Positive(t, rec.ConfidenceScore)
	}

	assert.Equal(t, 12, h.source.calls())

	// Free tier batches ten places at a time, so twelve places is two.
	last := h.progress.last(t)
	assert.Equal(t, model.SessionVerifying, last.Status)
	assert.Equal(t, 12, last.ProcessedPlaces)
	assert.Equal(t, 12, last.SuccessfulMatches)
	assert.Equal(t, 12, last.APICallsUsed)
	assert.Equal(t, 2, last.TotalBatches)
	assert.Zero(t, last.FailedMatches)
}

func TestRun_EmptyPackGoesStraightToVerifying(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowAllCounters{}, matchingSource())
	sessID := h.newSession(t, model.TierFree, 0)

	require.NoError(t, h.engine.Run(ctx, sessID))

	sess, err := h.store.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionVerifying, sess.Status)
	assert.Zero(t, h.source.calls())

	last := h.progress.last(t)
	assert.Equal(t, model.SessionVerifying, last.Status)
	assert.Zero(t, last.TotalBatches)
}

func TestRun_RequiresPendingOrPaused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowAllCounters{}, matchingSource())
	h.seedPack(t, 1)
	sessID := h.newSession(t, model.TierFree, 1)
	require.NoError(t, h.store.UpdateSessionStatus(ctx, sessID, model.SessionCompleted))

	err := h.engine.Run(ctx, sessID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runnable from pending or paused")
	assert.Zero(t, h.source.calls())
}

func TestRun_NoMatchStillWritesRecord(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{fn: func(context.Context, model.Place, int) ([]model.NormalizedCandidate, error) {
		return nil, nil
	}}
	h := newHarness(t, allowAllCounters{}, src)
	h.seedPack(t, 1)
	sessID := h.newSession(t, model.TierFree, 1)

	require.NoError(t, h.engine.Run(ctx, sessID))

	records, err := h.store.ListMatchRecords(ctx, store.RecordFilter{SessionID: sessID})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Nil(t, rec.TargetPlace)
	assert.Zero(t, rec.ConfidenceScore)
	assert.Equal(t, model.ConfidenceLow, rec.ConfidenceLevel)
	assert.Equal(t, model.VerificationPending, rec.VerificationStatus)
	assert.Empty(t, rec.MatchFactors)

	// An empty result is a processed place, not an error.
	sess, err := h.store.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionVerifying, sess.Status)
	assert.Equal(t, 1, sess.ProcessedPlaces)
	assert.Zero(t, sess.ErrorCount)

	last := h.progress.last(t)
	assert.Zero(t, last.SuccessfulMatches)
	assert.Zero(t, last.FailedMatches)
}

func TestRun_PauseOnErrorLeavesPlaceRetryable(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{fn: func(_ context.Context, place model.Place, attempt int) ([]model.NormalizedCandidate, error) {
		if attempt == 1 {
			return nil, eris.New("places: unexpected status 400")
		}
		return []model.NormalizedCandidate{mirrorCandidate(place)}, nil
	}}
	h := newHarness(t, allowAllCounters{}, src)
	h.seedPack(t, 1)
	sessID := h.newSession(t, model.TierFree, 1)

	err := h.engine.Run(ctx, sessID)
	require.ErrorIs(t, err, ErrPausedOnError)

	sess, err := h.store.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, sess.Status)
	assert.Equal(t, 1, sess.ErrorCount)
	assert.Zero(t, sess.ProcessedPlaces)
	// Permanent errors burn one attempt, not the whole retry budget.
	assert.Equal(t, 1, sess.APICallsUsed)

	records, err := h.store.ListMatchRecords(ctx, store.RecordFilter{SessionID: sessID})
	require.NoError(t, err)
	assert.Empty(t, records)

	// The failed place has no record, so a resume retries it.
	require.NoError(t, h.engine.Run(ctx, sessID))

	sess, err = h.store.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionVerifying, sess.Status)
	assert.Equal(t, 1, sess.ProcessedPlaces)

	records, err = h.store.ListMatchRecords(ctx, store.RecordFilter{SessionID: sessID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotNil(t, records[0].TargetPlace)
	assert.Equal(t, 2, h.source.calls())
}

func TestRun_PremiumRecordsFailureAndContinues(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{fn: func(_ context.Context, place model.Place, _ int) ([]model.NormalizedCandidate, error) {
		if place.ID == "place-2" {
			return nil, resilience.NewTransientError(eris.New("places: unexpected status 503"), 503)
		}
		return []model.NormalizedCandidate{mirrorCandidate(place)}, nil
	}}
	h := newHarness(t, allowAllCounters{}, src)
	h.seedPack(t, 3)
	sessID := h.newSession(t, model.TierPremium, 3)

	require.NoError(t, h.engine.Run(ctx, sessID))

	sess, err := h.store.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionVerifying, sess.Status)
	assert.Equal(t, 3, sess.ProcessedPlaces)
	assert.Equal(t, 1, sess.ErrorCount)
	// Two clean calls plus the premium retry budget for the bad place.
	assert.Equal(t, 5, sess.APICallsUsed)
	assert.Equal(t, 3, h.source.callsFor("place-2"))

	records, err := h.store.ListMatchRecords(ctx, store.RecordFilter{SessionID: sessID})
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		if rec.OriginalPlaceID == "place-2" {
			assert.Nil(t, rec.TargetPlace)
			assert.Zero(t, rec.ConfidenceScore)
			assert.Equal(t, model.ConfidenceLow, rec.ConfidenceLevel)
			continue
		}
		assert.NotNil(t, rec.TargetPlace)
	}

	last := h.progress.last(t)
	assert.Equal(t, 2, last.SuccessfulMatches)
	assert.Equal(t, 1, last.FailedMatches)
	assert.Equal(t, 1, last.ErrorCount)
}

func TestRun_DailyCapPausesSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedCounters{dayValue: 251}, matchingSource())
	h.seedPack(t, 2)
	sessID := h.newSession(t, model.TierFree, 2)

	err := h.engine.Run(ctx, sessID)
	require.ErrorIs(t, err, ErrDailyCapExhausted)

	sess, err := h.store.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, sess.Status)
	assert.Zero(t, h.source.calls())

	records, err := h.store.ListMatchRecords(ctx, store.RecordFilter{SessionID: sessID})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRun_MinuteCapWaitsWithoutConsumingRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedCounters{minuteSeq: []int64{11}}, matchingSource())
	h.seedPack(t, 1)
	sessID := h.newSession(t, model.TierFree, 1)

	var slept []time.Duration
	h.engine.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	require.NoError(t, h.engine.Run(ctx, sessID))

	require.Len(t, slept, 1)
	assert.Equal(t, time.Minute, slept[0])
	assert.Equal(t, 1, h.source.calls())

	sess, err := h.store.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionVerifying, sess.Status)
	assert.Equal(t, 1, sess.APICallsUsed)
	assert.Zero(t, sess.ErrorCount)
}

func TestRun_CounterOutageFailsClosed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedCounters{err: eris.New("redis: connection refused")}, matchingSource())
	h.seedPack(t, 1)
	sessID := h.newSession(t, model.TierFree, 1)

	err := h.engine.Run(ctx, sessID)
	require.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)

	sess, err := h.store.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, sess.Status)
	assert.Zero(t, h.source.calls())
}

func TestRun_ExternalPauseStopsBetweenBatches(t *testing.T) {
	ctx := context.Background()
	src := matchingSource()
	h := newHarness(t, allowAllCounters{}, src)
	h.seedPack(t, 12)
	sessID := h.newSession(t, model.TierFree, 12)

	var pauseOnce sync.Once
	src.setOnCall(func(total int) {
		if total >= 10 {
			pauseOnce.Do(func() {
				assert.NoError(t, h.sessions.Pause(context.Background(), sessID))
			})
		}
	})

	// The pause lands mid-batch; the batch in flight still completes.
	require.NoError(t, h.engine.Run(ctx, sessID))

	sess, err := h.store.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, sess.Status)

	records, err := h.store.ListMatchRecords(ctx, store.RecordFilter{SessionID: sessID})
	require.NoError(t, err)
	assert.Len(t, records, 10)
	assert.Equal(t, 10, h.source.calls())

	// Resume touches only the places without records.
	src.setOnCall(nil)
	require.NoError(t, h.engine.Run(ctx, sessID))

	sess, err = h.store.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionVerifying, sess.Status)
	assert.Equal(t, 12, sess.ProcessedPlaces)

	records, err = h.store.ListMatchRecords(ctx, store.RecordFilter{SessionID: sessID})
	require.NoError(t, err)
	assert.Len(t, records, 12)
	assert.Equal(t, 12, h.source.calls())
}

func TestRun_CanceledRunPausesWithoutErrorCharge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{fn: func(ctx context.Context, _ model.Place, _ int) ([]model.NormalizedCandidate, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, allowAllCounters{}, src)
	h.seedPack(t, 1)
	sessID := h.newSession(t, model.TierFree, 1)

	err := h.engine.Run(ctx, sessID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	sess, err := h.store.GetSession(context.Background(), sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, sess.Status)
	assert.Zero(t, sess.ErrorCount)

	records, err := h.store.ListMatchRecords(context.Background(), store.RecordFilter{SessionID: sessID})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPartition(t *testing.T) {
	places := make([]model.Place, 5)

	chunks := partition(places, 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[1], 2)
	assert.Len(t, chunks[2], 1)

	assert.Empty(t, partition(nil, 10))
	assert.Len(t, partition(places, 0), 5)
}

func TestStartsPerSecond(t *testing.T) {
	assert.Equal(t, 1, startsPerSecond(guardrails.ForTier(model.TierFree)))
	assert.Equal(t, 1, startsPerSecond(guardrails.ForTier(model.TierPremium)))
	assert.Equal(t, 2, startsPerSecond(guardrails.Guardrails{PerMinuteCap: 150}))
}
