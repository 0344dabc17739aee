package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/mapmigrate/transfer-cli/internal/db"
	"github.com/mapmigrate/transfer-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot paths of batch processing and verification.
var preparedStatements = map[string]string{
	"insert_session":   `INSERT INTO transfer_sessions (id, pack_id, user_id, tier, status, total_places, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"get_session":      `SELECT id, pack_id, user_id, tier, status, total_places, processed_places, verified_places, completed_places, api_calls_used, processing_time_ms, error_count, last_error, created_at, updated_at FROM transfer_sessions WHERE id = $1`,
	"advance_session":  `UPDATE transfer_sessions SET processed_places = processed_places + $1, api_calls_used = api_calls_used + $2, updated_at = $3 WHERE id = $4`,
	"insert_record":    `INSERT INTO match_records (id, session_id, original_place_id, target_place, confidence_score, confidence_level, match_factors, verification_status, verified_by, verified_at, user_notes, manual_search_query, manual_selected_place, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
	"get_record":       `SELECT id, session_id, original_place_id, target_place, confidence_score, confidence_level, match_factors, verification_status, verified_by, verified_at, user_notes, manual_search_query, manual_selected_place, created_at, updated_at FROM match_records WHERE id = $1`,
	"count_by_status":  `SELECT verification_status, COUNT(*) FROM match_records WHERE session_id = $1 GROUP BY verification_status`,
	"places_by_pack":   `SELECT id, pack_id, name, address, latitude, longitude, categories, notes, source FROM places WHERE pack_id = $1 ORDER BY position ASC, id ASC`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS places (
	id         TEXT PRIMARY KEY,
	pack_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	address    TEXT NOT NULL DEFAULT '',
	latitude   DOUBLE PRECISION,
	longitude  DOUBLE PRECISION,
	categories JSONB NOT NULL DEFAULT '[]',
	notes      TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	position   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transfer_sessions (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	pack_id            TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	tier               TEXT NOT NULL DEFAULT 'free',
	status             TEXT NOT NULL DEFAULT 'pending',
	total_places       INTEGER NOT NULL DEFAULT 0,
	processed_places   INTEGER NOT NULL DEFAULT 0,
	verified_places    INTEGER NOT NULL DEFAULT 0,
	completed_places   INTEGER NOT NULL DEFAULT 0,
	api_calls_used     INTEGER NOT NULL DEFAULT 0,
	processing_time_ms BIGINT NOT NULL DEFAULT 0,
	error_count        INTEGER NOT NULL DEFAULT 0,
	last_error         TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS match_records (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id            TEXT NOT NULL REFERENCES transfer_sessions(id),
	original_place_id     TEXT NOT NULL,
	target_place          JSONB,
	confidence_score      INTEGER NOT NULL DEFAULT 0,
	confidence_level      TEXT NOT NULL DEFAULT 'low',
	match_factors         JSONB NOT NULL DEFAULT '[]',
	verification_status   TEXT NOT NULL DEFAULT 'pending',
	verified_by           TEXT NOT NULL DEFAULT '',
	verified_at           TIMESTAMPTZ,
	user_notes            TEXT NOT NULL DEFAULT '',
	manual_search_query   TEXT NOT NULL DEFAULT '',
	manual_selected_place JSONB,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(session_id, original_place_id)
);

CREATE INDEX IF NOT EXISTS idx_places_pack ON places(pack_id, position);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON transfer_sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON transfer_sessions(status);
CREATE INDEX IF NOT EXISTS idx_records_session ON match_records(session_id);
CREATE INDEX IF NOT EXISTS idx_records_session_status ON match_records(session_id, verification_status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Sessions

func (s *PostgresStore) CreateSession(ctx context.Context, packID, userID string, tier model.Tier, totalPlaces int) (*model.TransferPackSession, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transfer_sessions (id, pack_id, user_id, tier, status, total_places, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, packID, userID, string(tier), string(model.SessionPending), totalPlaces, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
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

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.TransferPackSession, error) {
	var sess model.TransferPackSession
	err := s.pool.QueryRow(ctx,
		`SELECT id, pack_id, user_id, tier, status, total_places, processed_places,
		        verified_places, completed_places, api_calls_used, processing_time_ms,
		        error_count, last_error, created_at, updated_at
		 FROM transfer_sessions WHERE id = $1`,
		sessionID,
	).Scan(
		&sess.ID, &sess.PackID, &sess.UserID, &sess.Tier, &sess.Status,
		&sess.TotalPlaces, &sess.ProcessedPlaces, &sess.VerifiedPlaces, &sess.CompletedPlaces,
		&sess.APICallsUsed, &sess.ProcessingTimeMs, &sess.ErrorCount, &sess.LastError,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "session %s", sessionID)
		}
		return nil, eris.Wrapf(err, "postgres: get session %s", sessionID)
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transfer_sessions SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session status %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	return nil
}

func (s *PostgresStore) AdvanceSessionProgress(ctx context.Context, sessionID string, processedDelta, apiCallsDelta int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transfer_sessions
		 SET processed_places = processed_places + $1, api_calls_used = api_calls_used + $2, updated_at = $3
		 WHERE id = $4`,
		processedDelta, apiCallsDelta, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: advance session %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	return nil
}

func (s *PostgresStore) RecordSessionError(ctx context.Context, sessionID, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transfer_sessions
		 SET error_count = error_count + 1, last_error = $1, updated_at = $2
		 WHERE id = $3`,
		message, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record session error %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	return nil
}

func (s *PostgresStore) SetSessionCounters(ctx context.Context, sessionID string, verified, completed int, processingMs int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transfer_sessions
		 SET verified_places = $1, completed_places = $2, processing_time_ms = $3, updated_at = $4
		 WHERE id = $5`,
		verified, completed, processingMs, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set session counters %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	return nil
}

func (s *PostgresStore) ResetSessionProgress(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transfer_sessions
		 SET processed_places = 0, verified_places = 0, completed_places = 0,
		     api_calls_used = 0, processing_time_ms = 0, error_count = 0,
		     last_error = '', updated_at = $1
		 WHERE id = $2`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset session progress %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.TransferPackSession, error) {
	query := `SELECT id, pack_id, user_id, tier, status, total_places, processed_places,
	                 verified_places, completed_places, api_calls_used, processing_time_ms,
	                 error_count, last_error, created_at, updated_at
	          FROM transfer_sessions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.TransferPackSession
	for rows.Next() {
		var sess model.TransferPackSession
		if err := rows.Scan(
			&sess.ID, &sess.PackID, &sess.UserID, &sess.Tier, &sess.Status,
			&sess.TotalPlaces, &sess.ProcessedPlaces, &sess.VerifiedPlaces, &sess.CompletedPlaces,
			&sess.APICallsUsed, &sess.ProcessingTimeMs, &sess.ErrorCount, &sess.LastError,
			&sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

// Match records

func (s *PostgresStore) CreateMatchRecord(ctx context.Context, rec *model.PlaceMatchRecord) (*model.PlaceMatchRecord, error) {
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

	targetJSON, err := marshalNullableBytes(out.TargetPlace)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal target place")
	}
	manualJSON, err := marshalNullableBytes(out.ManualSelectedPlace)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal manual place")
	}
	factorsJSON, err := json.Marshal(out.MatchFactors)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal match factors")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO match_records
		 (id, session_id, original_place_id, target_place, confidence_score, confidence_level,
		  match_factors, verification_status, verified_by, verified_at, user_notes,
		  manual_search_query, manual_selected_place, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		out.ID, out.SessionID, out.OriginalPlaceID, targetJSON, out.ConfidenceScore,
		string(out.ConfidenceLevel), factorsJSON, string(out.VerificationStatus),
		out.VerifiedBy, out.VerifiedAt, out.UserNotes, out.ManualSearchQuery, manualJSON,
		now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, eris.Wrapf(ErrDuplicateRecord, "place %s in session %s", out.OriginalPlaceID, out.SessionID)
		}
		return nil, eris.Wrap(err, "postgres: insert match record")
	}
	return &out, nil
}

func (s *PostgresStore) GetMatchRecord(ctx context.Context, recordID string) (*model.PlaceMatchRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, original_place_id, target_place, confidence_score,
		        confidence_level, match_factors, verification_status, verified_by,
		        verified_at, user_notes, manual_search_query, manual_selected_place,
		        created_at, updated_at
		 FROM match_records WHERE id = $1`,
		recordID,
	)
	rec, err := scanPgRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "match_record %s", recordID)
		}
		return nil, eris.Wrapf(err, "postgres: get match record %s", recordID)
	}
	return rec, nil
}

func (s *PostgresStore) ListMatchRecords(ctx context.Context, filter RecordFilter) ([]model.PlaceMatchRecord, error) {
	query := `SELECT id, session_id, original_place_id, target_place, confidence_score,
	                 confidence_level, match_factors, verification_status, verified_by,
	                 verified_at, user_notes, manual_search_query, manual_selected_place,
	                 created_at, updated_at
	          FROM match_records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SessionID != "" {
		query += fmt.Sprintf(` AND session_id = $%d`, argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND verification_status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Level != "" {
		query += fmt.Sprintf(` AND confidence_level = $%d`, argIdx)
		args = append(args, string(filter.Level))
		argIdx++
	}
	// Creation order is the pack's input order.
	query += ` ORDER BY created_at ASC, id ASC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
		if filter.Offset > 0 {
			query += fmt.Sprintf(` OFFSET $%d`, argIdx)
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list match records")
	}
	defer rows.Close()

	var records []model.PlaceMatchRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan match record")
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list match records iterate")
}

func (s *PostgresStore) UpdateVerification(ctx context.Context, recordID string, status model.VerificationStatus, verifiedBy, notes string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE match_records
		 SET verification_status = $1, verified_by = $2, verified_at = $3,
		     user_notes = CASE WHEN $4 = '' THEN user_notes ELSE $4 END,
		     updated_at = $5
		 WHERE id = $6`,
		string(status), verifiedBy, now, notes, now, recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update verification %s", recordID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "match_record %s", recordID)
	}
	return nil
}

func (s *PostgresStore) BulkUpdateVerification(ctx context.Context, sessionID string, recordIDs []string, status model.VerificationStatus, verifiedBy string) (int, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE match_records
		 SET verification_status = $1, verified_by = $2, verified_at = $3, updated_at = $3
		 WHERE session_id = $4 AND id = ANY($5)`,
		string(status), verifiedBy, now, sessionID, recordIDs,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: bulk update verification for session %s", sessionID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SetManualSearch(ctx context.Context, recordID, query string, selected *model.NormalizedCandidate, verifiedBy string) error {
	selectedJSON, err := marshalNullableBytes(selected)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal manual place")
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE match_records
		 SET manual_search_query = $1, manual_selected_place = $2, verification_status = $3,
		     verified_by = $4, verified_at = $5, updated_at = $5
		 WHERE id = $6`,
		query, selectedJSON, string(model.VerificationManual), verifiedBy, now, recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set manual search %s", recordID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "match_record %s", recordID)
	}
	return nil
}

func (s *PostgresStore) AcceptPendingHigh(ctx context.Context, sessionID, verifiedBy string) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE match_records
		 SET verification_status = $1, verified_by = $2, verified_at = $3, updated_at = $3
		 WHERE session_id = $4 AND verification_status = $5 AND confidence_level = $6`,
		string(model.VerificationAccepted), verifiedBy, now,
		sessionID, string(model.VerificationPending), string(model.ConfidenceHigh),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: accept pending high for session %s", sessionID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountRecordsByStatus(ctx context.Context, sessionID string) (map[model.VerificationStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT verification_status, COUNT(*) FROM match_records WHERE session_id = $1 GROUP BY verification_status`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count records for session %s", sessionID)
	}
	defer rows.Close()

	counts := make(map[model.VerificationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record count")
		}
		counts[model.VerificationStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count records iterate")
}

// Places

var placeUpsertColumns = []string{
	"id", "pack_id", "name", "address", "latitude", "longitude",
	"categories", "notes", "source", "position", "created_at", "updated_at",
}

func (s *PostgresStore) UpsertPlaces(ctx context.Context, places []model.Place) (int, error) {
	if len(places) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(places))
	for i, p := range places {
		categoriesJSON, err := json.Marshal(p.Categories)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal categories for place %s", p.ID)
		}
		rows = append(rows, []any{
			p.ID, p.PackID, p.Name, p.Address, p.Latitude, p.Longitude,
			categoriesJSON, p.Notes, p.Source, i, now, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "places",
		Columns:      placeUpsertColumns,
		ConflictKeys: []string{"id"},
		UpdateCols: []string{
			"pack_id", "name", "address", "latitude", "longitude",
			"categories", "notes", "source", "position", "updated_at",
		},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert places")
	}
	return int(n), nil
}

func (s *PostgresStore) GetPlace(ctx context.Context, placeID string) (*model.Place, error) {
	var p model.Place
	var categoriesJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, pack_id, name, address, latitude, longitude, categories, notes, source
		 FROM places WHERE id = $1`,
		placeID,
	).Scan(&p.ID, &p.PackID, &p.Name, &p.Address, &p.Latitude, &p.Longitude, &categoriesJSON, &p.Notes, &p.Source)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "place %s", placeID)
		}
		return nil, eris.Wrapf(err, "postgres: get place %s", placeID)
	}

	if err := json.Unmarshal(categoriesJSON, &p.Categories); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal categories")
	}
	return &p, nil
}

func (s *PostgresStore) ListPlacesByPack(ctx context.Context, packID string) ([]model.Place, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pack_id, name, address, latitude, longitude, categories, notes, source
		 FROM places WHERE pack_id = $1 ORDER BY position ASC, id ASC`,
		packID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list places for pack %s", packID)
	}
	defer rows.Close()

	var places []model.Place
	for rows.Next() {
		var p model.Place
		var categoriesJSON []byte
		if err := rows.Scan(&p.ID, &p.PackID, &p.Name, &p.Address, &p.Latitude, &p.Longitude, &categoriesJSON, &p.Notes, &p.Source); err != nil {
			return nil, eris.Wrap(err, "postgres: scan place")
		}
		if err := json.Unmarshal(categoriesJSON, &p.Categories); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal categories")
		}
		places = append(places, p)
	}
	return places, eris.Wrap(rows.Err(), "postgres: list places iterate")
}

// helpers

// marshalNullableBytes marshals v to JSON bytes, mapping nil to SQL NULL.
func marshalNullableBytes[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func scanPgRecord(row pgx.Row) (*model.PlaceMatchRecord, error) {
	var rec model.PlaceMatchRecord
	var targetJSON, manualJSON []byte
	var factorsJSON []byte
	var verifiedAt *time.Time

	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.OriginalPlaceID, &targetJSON, &rec.ConfidenceScore,
		&rec.ConfidenceLevel, &factorsJSON, &rec.VerificationStatus, &rec.VerifiedBy,
		&verifiedAt, &rec.UserNotes, &rec.ManualSearchQuery, &manualJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(targetJSON) > 0 {
		rec.TargetPlace = &model.NormalizedCandidate{}
		if err := json.Unmarshal(targetJSON, rec.TargetPlace); err != nil {
			return nil, eris.Wrap(err, "unmarshal target place")
		}
	}
	if len(manualJSON) > 0 {
		rec.ManualSelectedPlace = &model.NormalizedCandidate{}
		if err := json.Unmarshal(manualJSON, rec.ManualSelectedPlace); err != nil {
			return nil, eris.Wrap(err, "unmarshal manual place")
		}
	}
	if len(factorsJSON) > 0 {
		if err := json.Unmarshal(factorsJSON, &rec.MatchFactors); err != nil {
			return nil, eris.Wrap(err, "unmarshal match factors")
		}
	}
	rec.VerifiedAt = verifiedAt
	return &rec, nil
}
