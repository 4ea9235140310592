package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/web3guy0/ordercore/types"
)

// WALBuffer buffers writes while the database is unreachable, draining them
// in creation order once connectivity returns. Capped by count, total bytes
// and age; exceeding any cap is the caller's signal to force a halt
// transition rather than keep buffering unboundedly.
type WALBuffer struct {
	maxEntries int
	maxBytes   int64
	maxAge     time.Duration

	entries []types.WALEntry
	bytes   int64
}

// NewWALBuffer constructs an in-process buffer with the given caps. The
// buffer holds entries in memory only; it does not write them to the
// wal_entries table (DB.PersistEntry is a separate call), so entries do not
// survive a restart.
func NewWALBuffer(maxEntries int, maxBytes int64, maxAge time.Duration) *WALBuffer {
	return &WALBuffer{maxEntries: maxEntries, maxBytes: maxBytes, maxAge: maxAge}
}

// Append adds an entry, deduplicating by IdempotentKey. Returns an error if
// any cap would be exceeded; the caller must treat that as a forced halt.
func (w *WALBuffer) Append(e types.WALEntry) error {
	for _, existing := range w.entries {
		if existing.IdempotentKey == e.IdempotentKey {
			return nil
		}
	}

	size := int64(len(e.OldState) + len(e.NewState))
	if len(w.entries)+1 > w.maxEntries {
		return fmt.Errorf("wal buffer at capacity: %d entries", w.maxEntries)
	}
	if w.bytes+size > w.maxBytes {
		return fmt.Errorf("wal buffer at capacity: %d bytes", w.maxBytes)
	}
	if oldest := w.oldestAge(); oldest > w.maxAge {
		return fmt.Errorf("wal buffer oldest entry exceeds max age %s", w.maxAge)
	}

	e.CreatedAt = time.Now()
	w.entries = append(w.entries, e)
	w.bytes += size
	return nil
}

func (w *WALBuffer) oldestAge() time.Duration {
	if len(w.entries) == 0 {
		return 0
	}
	return time.Since(w.entries[0].CreatedAt)
}

// Len reports the number of buffered, unreplayed entries.
func (w *WALBuffer) Len() int { return len(w.entries) }

// Drain replays every buffered entry through apply, in FIFO creation order,
// stopping at the first failure so ordering is never violated. Successfully
// applied entries are removed from the buffer.
func (w *WALBuffer) Drain(ctx context.Context, apply func(context.Context, types.WALEntry) error) error {
	i := 0
	for ; i < len(w.entries); i++ {
		if err := apply(ctx, w.entries[i]); err != nil {
			w.entries = w.entries[i:]
			return fmt.Errorf("drain stopped at entry %d: %w", i, err)
		}
		w.bytes -= int64(len(w.entries[i].OldState) + len(w.entries[i].NewState))
	}
	w.entries = nil
	w.bytes = 0
	return nil
}

// PersistEntry best-effort persists a WAL entry to the database, used once
// connectivity returns so a replay crash can resume from disk.
func (d *DB) PersistEntry(ctx context.Context, e types.WALEntry) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO wal_entries (idempotent_key, resource_type, resource_id, old_state, new_state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotent_key) DO NOTHING
	`, e.IdempotentKey, e.ResourceType, e.ResourceID, e.OldState, e.NewState)
	return err
}

// MarkReplayed records that a persisted WAL row has been drained.
func (d *DB) MarkReplayed(ctx context.Context, key string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE wal_entries SET replayed_at = NOW() WHERE idempotent_key = $1
	`, key)
	return err
}
