package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/models"
	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS url_records (
	id         TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS venues (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	sort_order INTEGER NOT NULL DEFAULT 0,
	data       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS venues_entity_idx ON venues (entity_id, sort_order, id);
`

// PostgresStore implements RecordStore and VenueStore on PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// NewPostgresStore connects to dsn and ensures the schema exists
func NewPostgresStore(ctx context.Context, dsn string, logger *logrus.Entry) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %w", utils.ErrDatabase, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", utils.ErrDatabase, err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: apply schema: %w", utils.ErrDatabase, err)
	}
	logger.Info("Postgres record store ready")
	return &PostgresStore{pool: pool, log: logger}, nil
}

// GetRecord implements RecordStore
func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*models.URLRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM url_records WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select record '%s': %w", utils.ErrDatabase, id, err)
	}
	return decodeRecord(id, data)
}

// CreateRecord implements RecordStore with INSERT .. ON CONFLICT DO NOTHING
func (s *PostgresStore) CreateRecord(ctx context.Context, rec *models.URLRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode record '%s' JSON: %w", utils.ErrParsing, rec.ID, err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO url_records (id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO NOTHING`, rec.ID, data, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert record '%s': %w", utils.ErrDatabase, rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordExists
	}
	return nil
}

// UpdateRecord implements RecordStore using a row lock for the read-modify-write
func (s *PostgresStore) UpdateRecord(ctx context.Context, id string, mutate func(*models.URLRecord) error) (*models.URLRecord, error) {
	var updated *models.URLRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, `SELECT data FROM url_records WHERE id = $1 FOR UPDATE`, id).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: lock record '%s': %w", utils.ErrDatabase, id, err)
		}
		rec, err := decodeRecord(id, data)
		if err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: encode record '%s' JSON: %w", utils.ErrParsing, id, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE url_records SET data = $2, updated_at = $3 WHERE id = $1`,
			id, out, rec.UpdatedAt); err != nil {
			return fmt.Errorf("%w: update record '%s': %w", utils.ErrDatabase, id, err)
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListRecords implements RecordStore
func (s *PostgresStore) ListRecords(ctx context.Context, fn func(*models.URLRecord) error) error {
	rows, err := s.pool.Query(ctx, `SELECT id, data FROM url_records ORDER BY id`)
	if err != nil {
		return fmt.Errorf("%w: list records: %w", utils.ErrDatabase, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return fmt.Errorf("%w: scan record: %w", utils.ErrDatabase, err)
		}
		rec, err := decodeRecord(id, data)
		if err != nil {
			s.log.Warnf("Skipping undecodable record '%s': %v", id, err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PutVenue implements VenueStore
func (s *PostgresStore) PutVenue(ctx context.Context, venue models.Venue) error {
	if venue.ID == "" || venue.EntityID == "" {
		return fmt.Errorf("%w: venue needs id and entity_id", utils.ErrInvalidInput)
	}
	data, err := json.Marshal(venue)
	if err != nil {
		return fmt.Errorf("%w: encode venue JSON: %w", utils.ErrParsing, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO venues (id, entity_id, sort_order, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			entity_id = EXCLUDED.entity_id,
			sort_order = EXCLUDED.sort_order,
			data = EXCLUDED.data`,
		venue.ID, venue.EntityID, venue.SortOrder, data)
	if err != nil {
		return fmt.Errorf("%w: upsert venue '%s': %w", utils.ErrDatabase, venue.ID, err)
	}
	return nil
}

// ListVenues implements VenueStore
func (s *PostgresStore) ListVenues(ctx context.Context, entityID string) ([]models.Venue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM venues WHERE entity_id = $1 ORDER BY sort_order, id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("%w: list venues: %w", utils.ErrDatabase, err)
	}
	defer rows.Close()

	var venues []models.Venue
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("%w: scan venue: %w", utils.ErrDatabase, err)
		}
		var v models.Venue
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: decode venue JSON: %w", utils.ErrParsing, err)
		}
		venues = append(venues, v)
	}
	return venues, rows.Err()
}

// RunGC implements StoreAdmin. Postgres reclaims space on its own, so this only waits for ctx.
func (s *PostgresStore) RunGC(ctx context.Context, _ time.Duration) {
	<-ctx.Done()
}

// Close implements StoreAdmin
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func decodeRecord(id string, data []byte) (*models.URLRecord, error) {
	var rec models.URLRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode record '%s' JSON: %w", utils.ErrParsing, id, err)
	}
	return &rec, nil
}
