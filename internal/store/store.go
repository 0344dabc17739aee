// Package store persists transfer sessions, match records, and imported
// places. Two backends implement the same interface: SQLite for the
// single-user CLI and Postgres for the hosted service.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/mapmigrate/transfer-cli/internal/model"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrDuplicateRecord is returned when a match record already exists for a
// (session, original place) pair. Resumed sessions rely on it to skip
// places that were already matched.
var ErrDuplicateRecord = eris.New("store: duplicate match record")

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	UserID string              `json:"user_id,omitempty"`
	Status model.SessionStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// RecordFilter specifies criteria for listing match records.
type RecordFilter struct {
	SessionID string                   `json:"session_id,omitempty"`
	Status    model.VerificationStatus `json:"status,omitempty"`
	Level     model.ConfidenceLevel    `json:"level,omitempty"`
	Limit     int                      `json:"limit,omitempty"`
	Offset    int                      `json:"offset,omitempty"`
}

// Store defines the persistence interface for the transfer engine.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, packID, userID string, tier model.Tier, totalPlaces int) (*model.TransferPackSession, error)
	GetSession(ctx context.Context, sessionID string) (*model.TransferPackSession, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error
	// AdvanceSessionProgress atomically adds to the processed-place and
	// API-call counters.
	AdvanceSessionProgress(ctx context.Context, sessionID string, processedDelta, apiCallsDelta int) error
	RecordSessionError(ctx context.Context, sessionID, message string) error
	SetSessionCounters(ctx context.Context, sessionID string, verified, completed int, processingMs int64) error
	// ResetSessionProgress zeroes every progress counter on the session.
	// The only path that decrements; normal processing only adds.
	ResetSessionProgress(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.TransferPackSession, error)

	// Match records
	CreateMatchRecord(ctx context.Context, rec *model.PlaceMatchRecord) (*model.PlaceMatchRecord, error)
	GetMatchRecord(ctx context.Context, recordID string) (*model.PlaceMatchRecord, error)
	ListMatchRecords(ctx context.Context, filter RecordFilter) ([]model.PlaceMatchRecord, error)
	// UpdateVerification sets the verdict on one record. Empty notes leave
	// the existing notes untouched.
	UpdateVerification(ctx context.Context, recordID string, status model.VerificationStatus, verifiedBy, notes string) error
	// BulkUpdateVerification applies one verdict to many records in a
	// single statement and reports how many rows changed.
	BulkUpdateVerification(ctx context.Context, sessionID string, recordIDs []string, status model.VerificationStatus, verifiedBy string) (int, error)
	SetManualSearch(ctx context.Context, recordID, query string, selected *model.NormalizedCandidate, verifiedBy string) error
	// AcceptPendingHigh accepts every pending high-confidence record in the
	// session and reports how many rows changed.
	AcceptPendingHigh(ctx context.Context, sessionID, verifiedBy string) (int, error)
	CountRecordsByStatus(ctx context.Context, sessionID string) (map[model.VerificationStatus]int, error)

	// Places
	UpsertPlaces(ctx context.Context, places []model.Place) (int, error)
	GetPlace(ctx context.Context, placeID string) (*model.Place, error)
	ListPlacesByPack(ctx context.Context, packID string) ([]model.Place, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
