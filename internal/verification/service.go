// Package verification mutates match record verdicts and keeps the owning
// session's verified counter in step. Statuses only move between pending,
// accepted, rejected, and manual, so the per-status counts always sum to
// the record total.
package verification

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/store"
)

// Service applies review verdicts to match records.
type Service struct {
	store store.Store
	log   *zap.Logger
}

func NewService(st store.Store) *Service {
	return &Service{store: st, log: zap.L().Named("verification")}
}

// Accept marks one record accepted.
func (s *Service) Accept(ctx context.Context, recordID, verifiedBy, notes string) error {
	return s.verdict(ctx, recordID, model.VerificationAccepted, verifiedBy, notes)
}

// Reject marks one record rejected.
func (s *Service) Reject(ctx context.Context, recordID, verifiedBy, notes string) error {
	return s.verdict(ctx, recordID, model.VerificationRejected, verifiedBy, notes)
}

func (s *Service) verdict(ctx context.Context, recordID string, status model.VerificationStatus, verifiedBy, notes string) error {
	rec, err := s.store.GetMatchRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateVerification(ctx, recordID, status, verifiedBy, notes); err != nil {
		return err
	}
	s.log.Info("record verified",
		zap.String("record_id", recordID),
		zap.String("status", string(status)),
		zap.String("verified_by", verifiedBy),
	)
	return s.refreshVerified(ctx, rec.SessionID)
}

// BulkAccept accepts many records of one session in a single statement and
// reports how many rows changed.
func (s *Service) BulkAccept(ctx context.Context, sessionID string, recordIDs []string, verifiedBy string) (int, error) {
	return s.bulkVerdict(ctx, sessionID, recordIDs, model.VerificationAccepted, verifiedBy)
}

// BulkReject rejects many records of one session in a single statement.
func (s *Service) BulkReject(ctx context.Context, sessionID string, recordIDs []string, verifiedBy string) (int, error) {
	return s.bulkVerdict(ctx, sessionID, recordIDs, model.VerificationRejected, verifiedBy)
}

func (s *Service) bulkVerdict(ctx context.Context, sessionID string, recordIDs []string, status model.VerificationStatus, verifiedBy string) (int, error) {
	n, err := s.store.BulkUpdateVerification(ctx, sessionID, recordIDs, status, verifiedBy)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("records bulk verified",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Int("updated", n),
		)
		if err := s.refreshVerified(ctx, sessionID); err != nil {
			return n, err
		}
	}
	return n, nil
}

// SetManualSearchData attaches a manually chosen candidate to a record and
// marks it manual, regardless of any earlier verdict.
func (s *Service) SetManualSearchData(ctx context.Context, recordID, query string, candidate *model.NormalizedCandidate, verifiedBy string) error {
	if candidate == nil {
		return eris.New("verification: manual candidate required")
	}
	rec, err := s.store.GetMatchRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if err := s.store.SetManualSearch(ctx, recordID, query, candidate, verifiedBy); err != nil {
		return err
	}
	s.log.Info("manual candidate set",
		zap.String("record_id", recordID),
		zap.String("candidate", candidate.Name),
	)
	return s.refreshVerified(ctx, rec.SessionID)
}

// AcceptAllHighConfidence accepts every still-pending high-confidence
// record of the session in one statement.
func (s *Service) AcceptAllHighConfidence(ctx context.Context, sessionID, verifiedBy string) (int, error) {
	n, err := s.store.AcceptPendingHigh(ctx, sessionID, verifiedBy)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("high-confidence records accepted",
			zap.String("session_id", sessionID),
			zap.Int("accepted", n),
		)
		if err := s.refreshVerified(ctx, sessionID); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ListRecords returns the session's records, optionally filtered by status
// or confidence level, in pack input order.
func (s *Service) ListRecords(ctx context.Context, filter store.RecordFilter) ([]model.PlaceMatchRecord, error) {
	return s.store.ListMatchRecords(ctx, filter)
}

// refreshVerified recomputes the session's verified counter as the number
// of non-pending records.
func (s *Service) refreshVerified(ctx context.Context, sessionID string) error {
	counts, err := s.store.CountRecordsByStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	verified := counts[model.VerificationAccepted] +
		counts[model.VerificationRejected] +
		counts[model.VerificationManual]

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.store.SetSessionCounters(ctx, sessionID, verified, sess.CompletedPlaces, sess.ProcessingTimeMs)
}
