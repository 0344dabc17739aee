// Package session drives the transfer session lifecycle. Status moves only
// along the transition table below; progress counters only grow except
// through the administrative reset.
package session

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapmigrate/transfer-cli/internal/guardrails"
	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/store"
)

// ErrInvalidTransition is returned when a status change is not allowed from
// the session's current status.
var ErrInvalidTransition = eris.New("session: invalid status transition")

// ErrPackTooLarge is returned when a pack holds more places than the tier's
// per-session guardrail allows.
var ErrPackTooLarge = eris.New("session: pack exceeds tier place limit")

type statusTransition struct {
	from model.SessionStatus
	to   model.SessionStatus
}

var allowedTransitions = map[statusTransition]struct{}{
	{model.SessionPending, model.SessionProcessing}:   {},
	{model.SessionProcessing, model.SessionVerifying}: {},
	{model.SessionProcessing, model.SessionPaused}:    {},
	{model.SessionPaused, model.SessionProcessing}:    {},
	{model.SessionVerifying, model.SessionCompleted}:  {},
}

// Service validates lifecycle transitions and exposes the progress view.
type Service struct {
	store store.Store
	log   *zap.Logger
}

func NewService(st store.Store) *Service {
	return &Service{store: st, log: zap.L().Named("session")}
}

// Create registers a new pending session after checking the pack size
// against the tier's per-session guardrail.
func (s *Service) Create(ctx context.Context, packID, userID string, tier model.Tier, totalPlaces int) (*model.TransferPackSession, error) {
	if totalPlaces < 0 {
		return nil, eris.Errorf("session: negative place count %d", totalPlaces)
	}
	g := guardrails.ForTier(tier)
	if totalPlaces > g.MaxPlacesPerSession {
		return nil, eris.Wrapf(ErrPackTooLarge, "%d places, tier %s allows %d", totalPlaces, tier, g.MaxPlacesPerSession)
	}

	sess, err := s.store.CreateSession(ctx, packID, userID, tier, totalPlaces)
	if err != nil {
		return nil, err
	}
	s.log.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("pack_id", packID),
		zap.String("tier", string(tier)),
		zap.Int("total_places", totalPlaces),
	)
	return sess, nil
}

func (s *Service) Get(ctx context.Context, sessionID string) (*model.TransferPackSession, error) {
	return s.store.GetSession(ctx, sessionID)
}

func (s *Service) List(ctx context.Context, filter store.SessionFilter) ([]model.TransferPackSession, error) {
	return s.store.ListSessions(ctx, filter)
}

// Start moves a pending session into processing.
func (s *Service) Start(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, model.SessionProcessing, false)
}

// MarkVerifying moves a processing session into verifying once every place
// has a match record.
func (s *Service) MarkVerifying(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, model.SessionVerifying, false)
}

// Pause stops a processing session. Records already written stay put;
// Resume picks up where processing left off.
func (s *Service) Pause(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, model.SessionPaused, false)
}

// Resume moves a paused session back into processing.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, model.SessionProcessing, true)
}

// Complete closes out a verifying session.
func (s *Service) Complete(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, model.SessionCompleted, false)
}

// Fail moves any non-terminal session to failed and records the reason.
func (s *Service) Fail(ctx context.Context, sessionID, reason string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", sess.Status, model.SessionFailed)
	}
	if reason != "" {
		if err := s.store.RecordSessionError(ctx, sessionID, reason); err != nil {
			return err
		}
	}
	if err := s.store.UpdateSessionStatus(ctx, sessionID, model.SessionFailed); err != nil {
		return err
	}
	s.log.Warn("session failed", zap.String("session_id", sessionID), zap.String("reason", reason))
	return nil
}

// ResetProgress zeroes the session counters. Administrative; the running
// engine never decrements.
func (s *Service) ResetProgress(ctx context.Context, sessionID string) error {
	return s.store.ResetSessionProgress(ctx, sessionID)
}

// Progress assembles the pull-based stats view: session counters joined
// with live record status counts.
func (s *Service) Progress(ctx context.Context, sessionID string) (*model.SessionProgress, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountRecordsByStatus(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return &model.SessionProgress{
		SessionID:        sess.ID,
		Status:           sess.Status,
		TotalPlaces:      sess.TotalPlaces,
		ProcessedPlaces:  sess.ProcessedPlaces,
		VerifiedPlaces:   sess.VerifiedPlaces,
		CompletedPlaces:  sess.CompletedPlaces,
		APICallsUsed:     sess.APICallsUsed,
		ProcessingTimeMs: sess.ProcessingTimeMs,
		ErrorCount:       sess.ErrorCount,
		PendingRecords:   counts[model.VerificationPending],
		AcceptedRecords:  counts[model.VerificationAccepted],
		RejectedRecords:  counts[model.VerificationRejected],
		ManualRecords:    counts[model.VerificationManual],
		TotalRecords:     total,
	}, nil
}

// transition validates a single status move against the table. Resume logs
// at Info so operators can follow pause/resume cycles.
func (s *Service) transition(ctx context.Context, sessionID string, to model.SessionStatus, isResume bool) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, ok := allowedTransitions[statusTransition{from: sess.Status, to: to}]; !ok {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", sess.Status, to)
	}
	if err := s.store.UpdateSessionStatus(ctx, sessionID, to); err != nil {
		return err
	}

	msg := "session status changed"
	if isResume {
		msg = "session resumed"
	}
	s.log.Info(msg,
		zap.String("session_id", sessionID),
		zap.String("from", string(sess.Status)),
		zap.String("to", string(to)),
	)
	return nil
}
