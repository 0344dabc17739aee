// Package guardrails defines the static per-tier automation policy. Both
// the rate limiter (caps) and the batch engine (concurrency, batch size,
// retry policy) read from it; nothing writes to it.
package guardrails

import "github.com/mapmigrate/transfer-cli/internal/model"

// Guardrails caps how aggressively automation may run for one tier.
type Guardrails struct {
	MaxPlacesPerSession int  `json:"max_places_per_session"`
	MaxConcurrency      int  `json:"max_concurrency"`
	MaxBatchSize        int  `json:"max_batch_size"`
	MaxRetryAttempts    int  `json:"max_retry_attempts"`
	PauseOnError        bool `json:"pause_on_error"`
	DailyCap            int  `json:"daily_cap"`
	PerMinuteCap        int  `json:"per_minute_cap"`
}

var profiles = map[model.Tier]Guardrails{
	model.TierFree: {
		MaxPlacesPerSession: 100,
		MaxConcurrency:      2,
		MaxBatchSize:        10,
		MaxRetryAttempts:    2,
		PauseOnError:        true,
		DailyCap:            250,
		PerMinuteCap:        10,
	},
	model.TierPremium: {
		MaxPlacesPerSession: 2500,
		MaxConcurrency:      5,
		MaxBatchSize:        50,
		MaxRetryAttempts:    3,
		PauseOnError:        false,
		DailyCap:            5000,
		PerMinuteCap:        60,
	},
}

// ForTier returns the guardrail profile for a tier. Unknown tiers fall back
// to the free profile.
func ForTier(tier model.Tier) Guardrails {
	if g, ok := profiles[tier]; ok {
		return g
	}
	return profiles[model.TierFree]
}
