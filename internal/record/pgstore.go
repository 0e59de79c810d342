package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nasieku/sigil/model"
)

// pgQuerier is the slice of pgxpool.Pool this store uses.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
//
// Schema:
//
//	CREATE TABLE envelope_records (
//	    deal_id    TEXT PRIMARY KEY,
//	    record     JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
type PgStore struct {
	db     pgQuerier
	logger *zap.Logger
}

// NewPgStore creates a PostgreSQL record store.
func NewPgStore(pool *pgxpool.Pool, logger *zap.Logger) *PgStore {
	return &PgStore{db: pool, logger: logger}
}

// Get retrieves the deal's record, or (nil, nil) when absent. An unparseable
// row is logged at warn and treated as no record, same as the CRM store; the
// provider remains the source of truth and the record is rebuilt from it.
func (s *PgStore) Get(ctx context.Context, dealID string) (*model.EnvelopeRecord, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT record FROM envelope_records WHERE deal_id = $1`,
		dealID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query envelope record: %w", err)
	}

	var rec model.EnvelopeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("record: unparseable envelope record row",
			zap.String("deal_id", dealID),
			zap.Error(err),
		)
		return nil, nil
	}
	return &rec, nil
}

// Set upserts the deal's record.
func (s *PgStore) Set(ctx context.Context, dealID string, record *model.EnvelopeRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal envelope record: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO envelope_records (deal_id, record, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (deal_id) DO UPDATE SET
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at`,
		dealID, raw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert envelope record: %w", err)
	}
	return nil
}

// Clear removes the deal's record. Clearing an absent record is not an error.
func (s *PgStore) Clear(ctx context.Context, dealID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM envelope_records WHERE deal_id = $1`,
		dealID,
	)
	if err != nil {
		return fmt.Errorf("delete envelope record: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.db.Ping(ctx)
}
