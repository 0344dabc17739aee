package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/mapmigrate/transfer-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS places (
	id         TEXT PRIMARY KEY,
	pack_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	address    TEXT NOT NULL DEFAULT '',
	latitude   REAL,
	longitude  REAL,
	categories TEXT NOT NULL DEFAULT '[]',
	notes      TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	position   INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS transfer_sessions (
	id                 TEXT PRIMARY KEY,
	pack_id            TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	tier               TEXT NOT NULL DEFAULT 'free',
	status             TEXT NOT NULL DEFAULT 'pending',
	total_places       INTEGER NOT NULL DEFAULT 0,
	processed_places   INTEGER NOT NULL DEFAULT 0,
	verified_places    INTEGER NOT NULL DEFAULT 0,
	completed_places   INTEGER NOT NULL DEFAULT 0,
	api_calls_used     INTEGER NOT NULL DEFAULT 0,
	processing_time_ms INTEGER NOT NULL DEFAULT 0,
	error_count        INTEGER NOT NULL DEFAULT 0,
	last_error         TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS match_records (
	id                    TEXT PRIMARY KEY,
	session_id            TEXT NOT NULL REFERENCES transfer_sessions(id),
	original_place_id     TEXT NOT NULL,
	target_place          TEXT,
	confidence_score      INTEGER NOT NULL DEFAULT 0,
	confidence_level      TEXT NOT NULL DEFAULT 'low',
	match_factors         TEXT NOT NULL DEFAULT '[]',
	verification_status   TEXT NOT NULL DEFAULT 'pending',
	verified_by           TEXT NOT NULL DEFAULT '',
	verified_at           DATETIME,
	user_notes            TEXT NOT NULL DEFAULT '',
	manual_search_query   TEXT NOT NULL DEFAULT '',
	manual_selected_place TEXT,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(session_id, original_place_id)
);

CREATE INDEX IF NOT EXISTS idx_places_pack ON places(pack_id, position);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON transfer_sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON transfer_sessions(status);
CREATE INDEX IF NOT EXISTS idx_records_session ON match_records(session_id);
CREATE INDEX IF NOT EXISTS idx_records_session_status ON match_records(session_id, verification_status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Sessions

func (s *SQLiteStore) CreateSession(ctx context.Context, packID, userID string, tier model.Tier, totalPlaces int) (*model.TransferPackSession, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfer_sessions (id, pack_id, user_id, tier, status, total_places, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, packID, userID, string(tier), string(model.SessionPending), totalPlaces, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}

	return &model.TransferPackSession{
		ID:          id,
		PackID:      packID,
		UserID:      userID,
		Tier:        tier,
		Status:      model.SessionPending,
		TotalPlaces: totalPlaces,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const sessionColumns = `id, pack_id, user_id, tier, status, total_places, processed_places,
	verified_places, completed_places, api_calls_used, processing_time_ms, error_count,
	last_error, created_at, updated_at`

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.TransferPackSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM transfer_sessions WHERE id = ?`, sessionID)
	return scanSession(row, sessionID)
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfer_sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session status %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) AdvanceSessionProgress(ctx context.Context, sessionID string, processedDelta, apiCallsDelta int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfer_sessions
		 SET processed_places = processed_places + ?, api_calls_used = api_calls_used + ?, updated_at = ?
		 WHERE id = ?`,
		processedDelta, apiCallsDelta, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: advance session %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) RecordSessionError(ctx context.Context, sessionID, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfer_sessions
		 SET error_count = error_count + 1, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		message, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record session error %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) SetSessionCounters(ctx context.Context, sessionID string, verified, completed int, processingMs int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfer_sessions
		 SET verified_places = ?, completed_places = ?, processing_time_ms = ?, updated_at = ?
		 WHERE id = ?`,
		verified, completed, processingMs, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set session counters %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) ResetSessionProgress(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfer_sessions
		 SET processed_places = 0, verified_places = 0, completed_places = 0,
		     api_calls_used = 0, processing_time_ms = 0, error_count = 0,
		     last_error = '', updated_at = ?
		 WHERE id = ?`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset session progress %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.TransferPackSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM transfer_sessions WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []model.TransferPackSession
	for rows.Next() {
		sess, err := scanSession(rows, "")
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

// Match records

func (s *SQLiteStore) CreateMatchRecord(ctx context.Context, rec *model.PlaceMatchRecord) (*model.PlaceMatchRecord, error) {
	out := *rec
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now
	if out.VerificationStatus == "" {
		out.VerificationStatus = model.VerificationPending
	}

	targetJSON, err := marshalNullable(out.TargetPlace)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal target place")
	}
	manualJSON, err := marshalNullable(out.ManualSelectedPlace)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal manual place")
	}
	factorsJSON, err := json.Marshal(out.MatchFactors)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal match factors")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO match_records
		 (id, session_id, original_place_id, target_place, confidence_score, confidence_level,
		  match_factors, verification_status, verified_by, verified_at, user_notes,
		  manual_search_query, manual_selected_place, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.SessionID, out.OriginalPlaceID, targetJSON, out.ConfidenceScore,
		string(out.ConfidenceLevel), string(factorsJSON), string(out.VerificationStatus),
		out.VerifiedBy, out.VerifiedAt, out.UserNotes, out.ManualSearchQuery, manualJSON,
		now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, eris.Wrapf(ErrDuplicateRecord, "place %s in session %s", out.OriginalPlaceID, out.SessionID)
		}
		return nil, eris.Wrap(err, "sqlite: insert match record")
	}
	return &out, nil
}

const recordColumns = `id, session_id, original_place_id, target_place, confidence_score,
	confidence_level, match_factors, verification_status, verified_by, verified_at,
	user_notes, manual_search_query, manual_selected_place, created_at, updated_at`

func (s *SQLiteStore) GetMatchRecord(ctx context.Context, recordID string) (*model.PlaceMatchRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM match_records WHERE id = ?`, recordID)
	return scanRecord(row, recordID)
}

func (s *SQLiteStore) ListMatchRecords(ctx context.Context, filter RecordFilter) ([]model.PlaceMatchRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM match_records WHERE 1=1`
	var args []any

	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		query += ` AND verification_status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Level != "" {
		query += ` AND confidence_level = ?`
		args = append(args, string(filter.Level))
	}
	// Creation order is the pack's input order.
	query += ` ORDER BY created_at ASC, id ASC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list match records")
	}
	defer rows.Close()

	var records []model.PlaceMatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows, "")
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list match records iterate")
}

func (s *SQLiteStore) UpdateVerification(ctx context.Context, recordID string, status model.VerificationStatus, verifiedBy, notes string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE match_records
		 SET verification_status = ?, verified_by = ?, verified_at = ?,
		     user_notes = CASE WHEN ? = '' THEN user_notes ELSE ? END,
		     updated_at = ?
		 WHERE id = ?`,
		string(status), verifiedBy, now, notes, notes, now, recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update verification %s", recordID)
	}
	return checkRowsAffected(res, "match_record", recordID)
}

func (s *SQLiteStore) BulkUpdateVerification(ctx context.Context, sessionID string, recordIDs []string, status model.VerificationStatus, verifiedBy string) (int, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	placeholders := strings.Repeat("?,", len(recordIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := []any{string(status), verifiedBy, now, now, sessionID}
	for _, id := range recordIDs {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE match_records
		 SET verification_status = ?, verified_by = ?, verified_at = ?, updated_at = ?
		 WHERE session_id = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: bulk update verification for session %s", sessionID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) SetManualSearch(ctx context.Context, recordID, query string, selected *model.NormalizedCandidate, verifiedBy string) error {
	selectedJSON, err := marshalNullable(selected)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal manual place")
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE match_records
		 SET manual_search_query = ?, manual_selected_place = ?, verification_status = ?,
		     verified_by = ?, verified_at = ?, updated_at = ?
		 WHERE id = ?`,
		query, selectedJSON, string(model.VerificationManual), verifiedBy, now, now, recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set manual search %s", recordID)
	}
	return checkRowsAffected(res, "match_record", recordID)
}

func (s *SQLiteStore) AcceptPendingHigh(ctx context.Context, sessionID, verifiedBy string) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE match_records
		 SET verification_status = ?, verified_by = ?, verified_at = ?, updated_at = ?
		 WHERE session_id = ? AND verification_status = ? AND confidence_level = ?`,
		string(model.VerificationAccepted), verifiedBy, now, now,
		sessionID, string(model.VerificationPending), string(model.ConfidenceHigh),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: accept pending high for session %s", sessionID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CountRecordsByStatus(ctx context.Context, sessionID string) (map[model.VerificationStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT verification_status, COUNT(*) FROM match_records WHERE session_id = ? GROUP BY verification_status`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count records for session %s", sessionID)
	}
	defer rows.Close()

	counts := make(map[model.VerificationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record count")
		}
		counts[model.VerificationStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count records iterate")
}

// Places

func (s *SQLiteStore) UpsertPlaces(ctx context.Context, places []model.Place) (int, error) {
	if len(places) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert places")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, p := range places {
		categoriesJSON, err := json.Marshal(p.Categories)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal categories for place %s", p.ID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO places (id, pack_id, name, address, latitude, longitude, categories, notes, source, position, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   pack_id = excluded.pack_id, name = excluded.name, address = excluded.address,
			   latitude = excluded.latitude, longitude = excluded.longitude,
			   categories = excluded.categories, notes = excluded.notes, source = excluded.source,
			   position = excluded.position, updated_at = excluded.updated_at`,
			p.ID, p.PackID, p.Name, p.Address, p.Latitude, p.Longitude,
			string(categoriesJSON), p.Notes, p.Source, i, now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert place %s", p.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert places")
	}
	return len(places), nil
}

const placeColumns = `id, pack_id, name, address, latitude, longitude, categories, notes, source`

func (s *SQLiteStore) GetPlace(ctx context.Context, placeID string) (*model.Place, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+placeColumns+` FROM places WHERE id = ?`, placeID)
	return scanPlace(row, placeID)
}

func (s *SQLiteStore) ListPlacesByPack(ctx context.Context, packID string) ([]model.Place, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+placeColumns+` FROM places WHERE pack_id = ? ORDER BY position ASC, id ASC`,
		packID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list places for pack %s", packID)
	}
	defer rows.Close()

	var places []model.Place
	for rows.Next() {
		p, err := scanPlace(rows, "")
		if err != nil {
			return nil, err
		}
		places = append(places, *p)
	}
	return places, eris.Wrap(rows.Err(), "sqlite: list places iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

// marshalNullable marshals v to JSON, mapping a nil pointer to SQL NULL.
func marshalNullable[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable, id string) (*model.TransferPackSession, error) {
	var sess model.TransferPackSession
	err := row.Scan(
		&sess.ID, &sess.PackID, &sess.UserID, &sess.Tier, &sess.Status,
		&sess.TotalPlaces, &sess.ProcessedPlaces, &sess.VerifiedPlaces, &sess.CompletedPlaces,
		&sess.APICallsUsed, &sess.ProcessingTimeMs, &sess.ErrorCount, &sess.LastError,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}
	return &sess, nil
}

func scanRecord(row scannable, id string) (*model.PlaceMatchRecord, error) {
	var rec model.PlaceMatchRecord
	var targetJSON, manualJSON sql.NullString
	var factorsJSON string
	var verifiedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.OriginalPlaceID, &targetJSON, &rec.ConfidenceScore,
		&rec.ConfidenceLevel, &factorsJSON, &rec.VerificationStatus, &rec.VerifiedBy,
		&verifiedAt, &rec.UserNotes, &rec.ManualSearchQuery, &manualJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "match_record %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan match record")
	}

	if targetJSON.Valid {
		rec.TargetPlace = &model.NormalizedCandidate{}
		if err := json.Unmarshal([]byte(targetJSON.String), rec.TargetPlace); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal target place")
		}
	}
	if manualJSON.Valid {
		rec.ManualSelectedPlace = &model.NormalizedCandidate{}
		if err := json.Unmarshal([]byte(manualJSON.String), rec.ManualSelectedPlace); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal manual place")
		}
	}
	if err := json.Unmarshal([]byte(factorsJSON), &rec.MatchFactors); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal match factors")
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		rec.VerifiedAt = &t
	}
	return &rec, nil
}

func scanPlace(row scannable, id string) (*model.Place, error) {
	var p model.Place
	var lat, lng sql.NullFloat64
	var categoriesJSON string

	err := row.Scan(&p.ID, &p.PackID, &p.Name, &p.Address, &lat, &lng, &categoriesJSON, &p.Notes, &p.Source)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "place %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan place")
	}

	if lat.Valid {
		v := lat.Float64
		p.Latitude = &v
	}
	if lng.Valid {
		v := lng.Float64
		p.Longitude = &v
	}
	if err := json.Unmarshal([]byte(categoriesJSON), &p.Categories); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal categories")
	}
	return &p, nil
}
