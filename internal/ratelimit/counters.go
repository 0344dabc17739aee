// Package ratelimit enforces the per-user provider-call quotas and shapes
// in-process call concurrency. Quota counters live in a shared store so
// concurrent sessions for the same user stay within one budget; the
// scheduler is per batch run and purely in-memory.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/mapmigrate/transfer-cli/internal/model"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// CounterStore is the shared quota counter port. Implementations must make
// Incr atomic under concurrent callers; read-then-write is not acceptable.
type CounterStore interface {
	// Incr adds one to key and returns the new value. The TTL applies only
	// when the increment creates the key, so a window expires on schedule
	// no matter how often it is hit.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the current value of key, zero if absent.
	Get(ctx context.Context, key string) (int64, error)
	// Del removes keys. Administrative resets only.
	Del(ctx context.Context, keys ...string) error
}

// Counter keys embed the window bucket, so a new minute or UTC day starts
// a fresh counter and stale ones age out via TTL.

func minuteKey(tier model.Tier, userID string, at time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:minute:%s", tier, userID, at.UTC().Format("200601021504"))
}

func dayKey(tier model.Tier, userID string, at time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:day:%s", tier, userID, at.UTC().Format("20060102"))
}
