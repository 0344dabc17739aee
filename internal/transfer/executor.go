// Package transfer turns verified match records into map-provider deep
// links and optionally opens them in a browser. Only accepted and manual
// records are eligible; a session completes when one full pass finishes
// with zero failures.
package transfer

import (
	"context"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/store"
)

// ExecuteOptions controls one execution pass.
type ExecuteOptions struct {
	TargetService model.TargetService `json:"target_service,omitempty"`
	OpenInBrowser bool                `json:"open_in_browser,omitempty"`
	GenerateOnly  bool                `json:"generate_only,omitempty"`
}

// GeneratedURL is one deep link produced for an eligible record.
type GeneratedURL struct {
	RecordID      string              `json:"record_id"`
	PlaceID       string              `json:"place_id"`
	URL           string              `json:"url"`
	TargetService model.TargetService `json:"target_service"`
	Opened        bool                `json:"opened"`
}

// TransferError is a per-item failure. Data problems never abort the pass.
type TransferError struct {
	PlaceID string `json:"place_id"`
	Error   string `json:"error"`
}

// ExecutionResult summarizes one execution pass.
type ExecutionResult struct {
	Success             bool            `json:"success"`
	SuccessfulTransfers int             `json:"successful_transfers"`
	FailedTransfers     int             `json:"failed_transfers"`
	GeneratedURLs       []GeneratedURL  `json:"generated_urls"`
	Errors              []TransferError `json:"errors,omitempty"`
}

// Opener launches a URL outside the process, normally in the default
// browser.
type Opener func(ctx context.Context, url string) error

// Executor runs execution passes over a session's verified records.
type Executor struct {
	store  store.Store
	opener Opener
	log    *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithOpener replaces the default browser opener.
func WithOpener(o Opener) Option {
	return func(e *Executor) { e.opener = o }
}

func NewExecutor(st store.Store, opts ...Option) *Executor {
	e := &Executor{
		store:  st,
		opener: openInBrowser,
		log:    zap.L().Named("transfer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute generates deep links for every accepted or manual record of the
// session. With zero failures the session moves to completed; any failure
// leaves it in verifying for a follow-up pass.
func (e *Executor) Execute(ctx context.Context, sessionID string, opts ExecuteOptions) (*ExecutionResult, error) {
	if opts.TargetService == "" {
		opts.TargetService = model.TargetGoogleMaps
	}
	if opts.TargetService != model.TargetGoogleMaps && opts.TargetService != model.TargetAppleMaps {
		return nil, eris.Errorf("transfer: unsupported target service %q", opts.TargetService)
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionVerifying && sess.Status != model.SessionCompleted {
		return nil, eris.Errorf("transfer: session %s is %s, execution needs verifying", sessionID, sess.Status)
	}

	records, err := e.store.ListMatchRecords(ctx, store.RecordFilter{SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	result := &ExecutionResult{GeneratedURLs: []GeneratedURL{}}
	eligible := 0

	for _, rec := range records {
		if rec.VerificationStatus != model.VerificationAccepted && rec.VerificationStatus != model.VerificationManual {
			continue
		}
		eligible++

		target := rec.EffectiveTarget()
		if !hasUsableData(target) {
			result.FailedTransfers++
			result.Errors = append(result.Errors, TransferError{
				PlaceID: rec.OriginalPlaceID,
				Error:   "Insufficient place data",
			})
			continue
		}

		link := buildDeepLink(opts.TargetService, target)
		gen := GeneratedURL{
			RecordID:      rec.ID,
			PlaceID:       rec.OriginalPlaceID,
			URL:           link,
			TargetService: opts.TargetService,
		}

		if !opts.GenerateOnly && opts.OpenInBrowser {
			if err := e.opener(ctx, link); err != nil {
				result.FailedTransfers++
				result.Errors = append(result.Errors, TransferError{
					PlaceID: rec.OriginalPlaceID,
					Error:   err.Error(),
				})
				result.GeneratedURLs = append(result.GeneratedURLs, gen)
				continue
			}
			gen.Opened = true
		}

		result.SuccessfulTransfers++
		result.GeneratedURLs = append(result.GeneratedURLs, gen)
	}

	result.Success = result.FailedTransfers == 0

	e.log.Info("execution pass finished",
		zap.String("session_id", sessionID),
		zap.String("target", string(opts.TargetService)),
		zap.Int("eligible", eligible),
		zap.Int("succeeded", result.SuccessfulTransfers),
		zap.Int("failed", result.FailedTransfers),
	)

	if result.Success && eligible > 0 && sess.Status == model.SessionVerifying {
		if err := e.store.UpdateSessionStatus(ctx, sessionID, model.SessionCompleted); err != nil {
			return nil, err
		}
		completed := sess.CompletedPlaces + result.SuccessfulTransfers
		if err := e.store.SetSessionCounters(ctx, sessionID, sess.VerifiedPlaces, completed, sess.ProcessingTimeMs); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// hasUsableData reports whether the candidate carries enough to address a
// place at all: a name, an address, or a coordinate pair.
func hasUsableData(c *model.NormalizedCandidate) bool {
	if c == nil {
		return false
	}
	if strings.TrimSpace(c.Name) != "" || strings.TrimSpace(c.Address) != "" {
		return true
	}
	_, ok := c.Coord()
	return ok
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
