package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounterStore(t *testing.T) {
	ctx := context.Background()

	t.Run("incr counts up", func(t *testing.T) {
		s := NewMemoryCounterStore()
		for want := int64(1); want <= 3; want++ {
			got, err := s.Incr(ctx, "k", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.EqualValues(t, 3, v)
	})

	t.Run("get absent key is zero", func(t *testing.T) {
		s := NewMemoryCounterStore()
		v, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, v)
	})

	t.Run("ttl expires the counter", func(t *testing.T) {
		s := NewMemoryCounterStore()
		now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return now }

		_, err := s.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)

		now = now.Add(61 * time.Second)
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Zero(t, v)

		// A fresh increment restarts the window at one.
		got, err := s.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 1, got)
	})

	t.Run("del clears keys", func(t *testing.T) {
		s := NewMemoryCounterStore()
		_, err := s.Incr(ctx, "a", 0)
		require.NoError(t, err)
		_, err = s.Incr(ctx, "b", 0)
		require.NoError(t, err)

		require.NoError(t, s.Del(ctx, "a", "b"))
		v, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Zero(t, v)
	})

	t.Run("concurrent increments stay exact", func(t *testing.T) {
		s := NewMemoryCounterStore()
		done := make(chan struct{})
		for i := 0; i < 10; i++ {
			go func() {
				defer func() { done <- struct{}{} }()
				for j := 0; j < 100; j++ {
					_, _ = s.Incr(ctx, "k", time.Minute)
				}
			}()
		}
		for i := 0; i < 10; i++ {
			<-done
		}
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.EqualValues(t, 1000, v)
	})
}

func TestCounterKeys(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 34, 56, 0, time.UTC)

	assert.Equal(t, "ratelimit:free:user-1:minute:202603101234", minuteKey("free", "user-1", at))
	assert.Equal(t, "ratelimit:free:user-1:day:20260310", dayKey("free", "user-1", at))

	t.Run("non-utc times normalized", func(t *testing.T) {
		est := time.FixedZone("EST", -5*3600)
		local := time.Date(2026, 3, 10, 20, 30, 0, 0, est) // 01:30 next day UTC
		assert.Equal(t, "ratelimit:free:u:day:20260311", dayKey("free", "u", local))
	})
}
