package storage

import "context"

// TryAdvisoryLock attempts a session-level Postgres advisory lock, used to
// guarantee only one process runs the reconciliation tick at a time across
// replicas. Returns false (never blocks) when the lock is already held.
func (d *DB) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := d.conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok)
	return ok, err
}

// AdvisoryUnlock releases a session-level advisory lock taken on the same
// connection. Since database/sql connections are pooled, callers that need
// release-on-the-same-session semantics should instead let the lock expire
// with the connection's return to the pool, or wrap the section in an
// explicit *sql.Conn. Reconcile uses the latter.
func (d *DB) AdvisoryUnlock(ctx context.Context, key int64) error {
	_, err := d.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key)
	return err
}
