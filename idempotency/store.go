// Package idempotency implements the idempotency-key store used to dedupe
// client actions (close requests) and broker fill reports: plain
// database/sql statements, no ORM, with an in-memory cache fallback for
// when the database is unavailable.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/web3guy0/ordercore/types"
)

// ErrNotFound is returned when a key has no cached response.
var ErrNotFound = errors.New("idempotency: key not found")

// Store persists and retrieves idempotency records.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]types.IdempotencyKey // degraded-mode fallback
}

// New constructs a Store backed by db with the given default TTL.
func New(db *sql.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl, cache: make(map[string]types.IdempotencyKey)}
}

// Reserve atomically inserts a new key if absent, returning (true, nil) when
// this caller won the race and should proceed, or (false, nil) when an
// existing record already claims the key — the caller must replay the
// cached response rather than repeat the side effect.
func (s *Store) Reserve(ctx context.Context, key, resourceType, resourceID string) (bool, error) {
	expires := time.Now().Add(s.ttl)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, resource_type, resource_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, key, resourceType, resourceID, expires)
	if err != nil {
		s.reserveLocal(key, resourceType, resourceID, expires)
		return true, nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) reserveLocal(key, resourceType, resourceID string, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = types.IdempotencyKey{
		Key: key, ResourceType: resourceType, ResourceID: resourceID, ExpiresAt: expires,
	}
}

// Complete stores the response payload against a previously reserved key.
func (s *Store) Complete(ctx context.Context, key string, response []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET response_data = $2 WHERE key = $1
	`, key, response)
	if err != nil {
		s.mu.Lock()
		if rec, ok := s.cache[key]; ok {
			rec.ResponseData = response
			s.cache[key] = rec
		}
		s.mu.Unlock()
	}
	return nil
}

// Get returns the cached response for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (types.IdempotencyKey, error) {
	var rec types.IdempotencyKey
	var response []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT key, resource_type, resource_id, response_data, expires_at
		FROM idempotency_keys WHERE key = $1
	`, key).Scan(&rec.Key, &rec.ResourceType, &rec.ResourceID, &response, &rec.ExpiresAt)
	if err != nil {
		s.mu.Lock()
		cached, ok := s.cache[key]
		s.mu.Unlock()
		if ok {
			return cached, nil
		}
		if err == sql.ErrNoRows {
			return types.IdempotencyKey{}, ErrNotFound
		}
		return types.IdempotencyKey{}, err
	}
	rec.ResponseData = response
	return rec, nil
}

// GetJSON is a convenience wrapper unmarshalling the cached response.
func (s *Store) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	rec, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(rec.ResponseData) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(rec.ResponseData, out)
}

// Sweep deletes expired keys. Intended to be called periodically by a cron
// job alongside the outbox cleaner.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SeenFill reports whether a fill_id has already been recorded, inserting it
// if not. Broker fill delivery can redeliver the same fill after a
// reconnect; this is the dedup boundary for that case.
func SeenFill(ctx context.Context, db *sql.DB, fillID, brokerOrderID string, qty, price string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO fill_ledger (fill_id, broker_order_id, qty, price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fill_id) DO NOTHING
	`, fillID, brokerOrderID, qty, price)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil // n == 0 means the row already existed: already seen
}
