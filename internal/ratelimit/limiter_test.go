package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapmigrate/transfer-cli/internal/guardrails"
	"github.com/mapmigrate/transfer-cli/internal/model"
)

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, eris.New("connection refused")
}
func (failingStore) Get(context.Context, string) (int64, error) {
	return 0, eris.New("connection refused")
}
func (failingStore) Del(context.Context, ...string) error {
	return eris.New("connection refused")
}

func newTestLimiter(at time.Time) *Limiter {
	l := NewLimiter(NewMemoryCounterStore())
	l.now = func() time.Time { return at }
	return l
}

func TestLimiterMinuteCap(t *testing.T) {
	ctx := context.Background()
	perMinute := guardrails.ForTier(model.TierFree).PerMinuteCap
	l := newTestLimiter(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	for i := 0; i < perMinute; i++ {
		res, err := l.Check(ctx, model.TierFree, "user-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d should be allowed", i+1)
		assert.EqualValues(t, perMinute-i-1, res.Remaining.Minute)
	}

	res, err := l.Check(ctx, model.TierFree, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonMinute, res.Reason)
	assert.Equal(t, 60, res.RetryAfterSeconds)
	assert.EqualValues(t, 0, res.Remaining.Minute)
}

func TestLimiterMinuteWindowRollsOver(t *testing.T) {
	ctx := context.Background()
	perMinute := guardrails.ForTier(model.TierFree).PerMinuteCap
	at := time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC)
	l := newTestLimiter(at)

	for i := 0; i < perMinute+1; i++ {
		_, err := l.Check(ctx, model.TierFree, "user-1")
		require.NoError(t, err)
	}

	// Next minute bucket starts fresh.
	l.now = func() time.Time { return at.Add(time.Minute) }
	res, err := l.Check(ctx, model.TierFree, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiterDailyCap(t *testing.T) {
	ctx := context.Background()
	g := guardrails.ForTier(model.TierFree)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(base)

	// Walk the clock forward a minute per burst so only the daily window
	// accumulates.
	calls := 0
	for calls < g.DailyCap {
		minute := calls / g.PerMinuteCap
		l.now = func() time.Time { return base.Add(time.Duration(minute) * time.Minute) }
		res, err := l.Check(ctx, model.TierFree, "user-1")
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d", calls+1)
		calls++
	}

	at := base.Add(time.Duration(g.DailyCap/g.PerMinuteCap) * time.Minute) // 12:25:00
	l.now = func() time.Time { return at }
	res, err := l.Check(ctx, model.TierFree, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonDaily, res.Reason)
	// 11h35m until next UTC midnight.
	assert.Equal(t, 41700, res.RetryAfterSeconds)
	assert.EqualValues(t, 0, res.Remaining.Daily)
}

func TestLimiterIsolation(t *testing.T) {
	ctx := context.Background()
	perMinute := guardrails.ForTier(model.TierFree).PerMinuteCap
	l := newTestLimiter(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	for i := 0; i < perMinute+1; i++ {
		_, err := l.Check(ctx, model.TierFree, "user-1")
		require.NoError(t, err)
	}

	t.Run("another user unaffected", func(t *testing.T) {
		res, err := l.Check(ctx, model.TierFree, "user-2")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("another tier unaffected", func(t *testing.T) {
		res, err := l.Check(ctx, model.TierPremium, "user-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})
}

func TestLimiterFailsClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("store error", func(t *testing.T) {
		l := NewLimiter(failingStore{})
		res, err := l.Check(ctx, model.TierFree, "user-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.False(t, res.Allowed)
	})

	t.Run("nil store", func(t *testing.T) {
		l := NewLimiter(nil)
		res, err := l.Check(ctx, model.TierFree, "user-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.False(t, res.Allowed)
	})
}

func TestLimiterReset(t *testing.T) {
	ctx := context.Background()
	perMinute := guardrails.ForTier(model.TierFree).PerMinuteCap
	l := newTestLimiter(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	for i := 0; i < perMinute+1; i++ {
		_, err := l.Check(ctx, model.TierFree, "user-1")
		require.NoError(t, err)
	}

	require.NoError(t, l.Reset(ctx, model.TierFree, "user-1"))

	res, err := l.Check(ctx, model.TierFree, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, perMinute-1, res.Remaining.Minute)
}

func TestLimiterUsage(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, model.TierFree, "user-1")
		require.NoError(t, err)
	}

	day, minute, err := l.Usage(ctx, model.TierFree, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, day)
	assert.EqualValues(t, 3, minute)

	// Usage must not consume quota.
	day2, _, err := l.Usage(ctx, model.TierFree, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, day2)
}

func TestSecondsToUTCMidnight(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"noon", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), 43200},
		{"just after midnight", time.Date(2026, 3, 10, 0, 0, 1, 0, time.UTC), 86399},
		{"near midnight clamps to a minute", time.Date(2026, 3, 10, 23, 59, 30, 0, time.UTC), 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, secondsToUTCMidnight(tt.now))
		})
	}
}
