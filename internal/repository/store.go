package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/bulkload/internal/core"
)

// DefaultListLimit applies when ListLoads is called with a non-positive limit.
const DefaultListLimit = 50

const upsertRecordSQL = `
INSERT INTO entity_records (id, data_source, entity_type, record_id, fields, source_line)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (data_source, record_id) WHERE record_id IS NOT NULL
DO UPDATE SET
    entity_type = EXCLUDED.entity_type,
    fields      = EXCLUDED.fields,
    source_line = EXCLUDED.source_line,
    updated_at  = now()`

const insertLoadSQL = `
INSERT INTO bulk_loads (
    id, file_name, media_type, format, status,
    record_count, loaded_record_count, failed_record_count, incomplete_record_count,
    duration_ms, error, client_ip, user_agent, result, started_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO NOTHING`

const listLoadsSQL = `
SELECT id, file_name, media_type, format, status,
    record_count, loaded_record_count, failed_record_count, incomplete_record_count,
    duration_ms, error, client_ip, user_agent, started_at
FROM bulk_loads
ORDER BY started_at DESC
LIMIT $1`

// Store writes entity records and keeps the load history. It implements
// core.RecordWriter and core.LoadHistory and is safe for concurrent use.
type Store struct {
	db DBTX
}

// NewStore creates a store over db, usually a *pgxpool.Pool.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// WriteRecord upserts one record. Records sharing a data source and record
// ID replace each other. Connection-level failures are returned as
// *core.EngineUnavailableError so the load stops.
func (s *Store) WriteRecord(ctx context.Context, rec core.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	_, err = s.db.Exec(ctx, upsertRecordSQL,
		newPgUUID(),
		rec.DataSource,
		rec.EntityType,
		codeToPgText(rec.RecordID),
		fields,
		toPgLine(rec.Line),
	)
	return classify(err)
}

// SaveLoad stores a finished load. Saving the same ID twice is a no-op.
func (s *Store) SaveLoad(ctx context.Context, rec core.LoadRecord) error {
	id := toPgUUID(rec.ID)
	if !id.Valid {
		return fmt.Errorf("save load: invalid load id %q", rec.ID)
	}

	var result []byte
	if rec.Result != nil {
		var err error
		if result, err = json.Marshal(rec.Result); err != nil {
			return fmt.Errorf("encode load result: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, insertLoadSQL,
		id,
		rec.FileName,
		toPgText(rec.MediaType),
		toPgText(string(rec.Format)),
		string(rec.Status),
		toPgInt4(rec.RecordCount),
		toPgInt4(rec.LoadedRecordCount),
		toPgInt4(rec.FailedRecordCount),
		toPgInt4(rec.IncompleteRecordCount),
		rec.DurationMs,
		toPgText(rec.Error),
		toPgText(rec.ClientIP),
		toPgText(rec.UserAgent),
		result,
		toPgTimestamptz(rec.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("save load: %w", err)
	}
	return nil
}

// ListLoads returns the most recent loads, newest first.
func (s *Store) ListLoads(ctx context.Context, limit int) ([]core.LoadRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.Query(ctx, listLoadsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list loads: %w", err)
	}
	defer rows.Close()

	loads := make([]core.LoadRecord, 0)
	for rows.Next() {
		rec, err := scanLoadRow(rows)
		if err != nil {
			return nil, fmt.Errorf("list loads: %w", err)
		}
		loads = append(loads, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list loads: %w", err)
	}
	return loads, nil
}

// GetLoadResult returns the stored result of a finished load. It wraps
// core.ErrLoadNotFound when the load is unknown or ended without a result.
func (s *Store) GetLoadResult(ctx context.Context, id string) (*core.BulkLoadResult, error) {
	pgID := toPgUUID(id)
	if !pgID.Valid {
		return nil, fmt.Errorf("%w: %s", core.ErrLoadNotFound, id)
	}

	var raw []byte
	err := s.db.QueryRow(ctx, "SELECT result FROM bulk_loads WHERE id = $1", pgID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && raw == nil) {
		return nil, fmt.Errorf("%w: %s", core.ErrLoadNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get load result: %w", err)
	}

	var res core.BulkLoadResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode load result: %w", err)
	}
	return &res, nil
}

// scanLoadRow scans a single row from bulk_loads into a LoadRecord.
func scanLoadRow(rows pgx.Rows) (core.LoadRecord, error) {
	var (
		id                    pgtype.UUID
		fileName              string
		mediaType             pgtype.Text
		format                pgtype.Text
		status                string
		recordCount           int32
		loadedRecordCount     int32
		failedRecordCount     int32
		incompleteRecordCount int32
		durationMs            int64
		loadErr               pgtype.Text
		clientIP              pgtype.Text
		userAgent             pgtype.Text
		startedAt             pgtype.Timestamptz
	)

	err := rows.Scan(
		&id, &fileName, &mediaType, &format, &status,
		&recordCount, &loadedRecordCount, &failedRecordCount, &incompleteRecordCount,
		&durationMs, &loadErr, &clientIP, &userAgent, &startedAt,
	)
	if err != nil {
		return core.LoadRecord{}, err
	}

	return core.LoadRecord{
		ID:                    pgUUIDToString(id),
		FileName:              fileName,
		MediaType:             pgTextToString(mediaType),
		Format:                core.Format(pgTextToString(format)),
		Status:                core.LoadStatus(status),
		RecordCount:           int(recordCount),
		LoadedRecordCount:     int(loadedRecordCount),
		FailedRecordCount:     int(failedRecordCount),
		IncompleteRecordCount: int(incompleteRecordCount),
		DurationMs:            durationMs,
		Error:                 pgTextToString(loadErr),
		ClientIP:              pgTextToString(clientIP),
		UserAgent:             pgTextToString(userAgent),
		StartedAt:             startedAt.Time,
	}, nil
}
