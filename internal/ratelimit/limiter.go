package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapmigrate/transfer-cli/internal/guardrails"
	"github.com/mapmigrate/transfer-cli/internal/model"
)

// ErrStoreUnavailable marks a failed-closed quota check: the shared counter
// store could not be reached, so the call is not allowed. This is distinct
// from a quota rejection and must not be retried against the quota.
var ErrStoreUnavailable = eris.New("ratelimit: counter store unavailable")

// Reason names the window that rejected a call.
type Reason string

const (
	ReasonDaily  Reason = "daily"
	ReasonMinute Reason = "minute"
)

// Remaining is the unconsumed quota per window after a check.
type Remaining struct {
	Daily  int64 `json:"daily"`
	Minute int64 `json:"minute"`
}

// Result is the outcome of one quota check.
type Result struct {
	Allowed           bool      `json:"allowed"`
	Reason            Reason    `json:"reason,omitempty"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	Remaining         Remaining `json:"remaining"`
}

// Limiter enforces per-(tier, user) daily and per-minute caps against a
// shared counter store. Rejections are policy outcomes, not errors.
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

// NewLimiter builds a Limiter over the given store. A nil store fails every
// check closed.
func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Check consumes one unit of quota in both windows for (tier, user) and
// reports whether the call may proceed. Counters are consumed even on a
// rejected call; the window keys roll over on their own.
func (l *Limiter) Check(ctx context.Context, tier model.Tier, userID string) (Result, error) {
	if l.store == nil {
		return Result{}, ErrStoreUnavailable
	}

	g := guardrails.ForTier(tier)
	now := l.now().UTC()

	minuteCount, err := l.store.Incr(ctx, minuteKey(tier, userID, now), minuteWindow)
	if err != nil {
		return Result{}, eris.Wrap(ErrStoreUnavailable, err.Error())
	}
	dayCount, err := l.store.Incr(ctx, dayKey(tier, userID, now), dayWindow)
	if err != nil {
		return Result{}, eris.Wrap(ErrStoreUnavailable, err.Error())
	}

	remaining := Remaining{
		Daily:  max(0, int64(g.DailyCap)-dayCount),
		Minute: max(0, int64(g.PerMinuteCap)-minuteCount),
	}

	if minuteCount > int64(g.PerMinuteCap) {
		zap.L().Debug("ratelimit: minute cap exceeded",
			zap.String("tier", string(tier)),
			zap.String("user_id", userID),
			zap.Int64("count", minuteCount),
		)
		return Result{
			Allowed:           false,
			Reason:            ReasonMinute,
			RetryAfterSeconds: 60,
			Remaining:         remaining,
		}, nil
	}

	if dayCount > int64(g.DailyCap) {
		zap.L().Debug("ratelimit: daily cap exceeded",
			zap.String("tier", string(tier)),
			zap.String("user_id", userID),
			zap.Int64("count", dayCount),
		)
		return Result{
			Allowed:           false,
			Reason:            ReasonDaily,
			RetryAfterSeconds: secondsToUTCMidnight(now),
			Remaining:         remaining,
		}, nil
	}

	return Result{Allowed: true, Remaining: remaining}, nil
}

// Usage reports the quota consumed in the current windows without
// consuming any.
func (l *Limiter) Usage(ctx context.Context, tier model.Tier, userID string) (day, minute int64, err error) {
	if l.store == nil {
		return 0, 0, ErrStoreUnavailable
	}
	now := l.now().UTC()
	if day, err = l.store.Get(ctx, dayKey(tier, userID, now)); err != nil {
		return 0, 0, eris.Wrap(ErrStoreUnavailable, err.Error())
	}
	if minute, err = l.store.Get(ctx, minuteKey(tier, userID, now)); err != nil {
		return 0, 0, eris.Wrap(ErrStoreUnavailable, err.Error())
	}
	return day, minute, nil
}

// Reset clears both window counters for (tier, user). Administrative use
// only; nothing in the batch path calls this.
func (l *Limiter) Reset(ctx context.Context, tier model.Tier, userID string) error {
	if l.store == nil {
		return ErrStoreUnavailable
	}
	now := l.now().UTC()
	err := l.store.Del(ctx, dayKey(tier, userID, now), minuteKey(tier, userID, now))
	if err != nil {
		return eris.Wrap(err, "ratelimit: reset counters")
	}
	return nil
}

// secondsToUTCMidnight returns the wait until the daily window rolls over,
// never less than a minute.
func secondsToUTCMidnight(now time.Time) int {
	next := now.UTC().Truncate(dayWindow).Add(dayWindow)
	secs := int(math.Ceil(next.Sub(now.UTC()).Seconds()))
	if secs < 60 {
		secs = 60
	}
	return secs
}
