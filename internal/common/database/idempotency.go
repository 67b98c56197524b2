package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// IdempotencyStore persists replayable HTTP responses in idempotency_keys.
type IdempotencyStore struct {
	db *DB
}

// NewIdempotencyStore creates a store on db.
func NewIdempotencyStore(db *DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// Get returns the stored response for key unless it has expired.
func (s *IdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var response []byte
	err := s.db.QueryRow(ctx,
		`SELECT response FROM idempotency_keys WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&response)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get idempotency key: %w", err)
	}
	return response, true, nil
}

// Set stores response under key for ttl, replacing an expired entry.
func (s *IdempotencyStore) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_keys (key, response, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET response = EXCLUDED.response, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= now()
	`, key, response, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("set idempotency key: %w", err)
	}
	return nil
}
