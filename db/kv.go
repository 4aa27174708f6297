package db

import (
	"context"
	"database/sql"
)

// SweepCompletedKey is the kv key holding the RFC3339 completion time of the
// last credential keep-alive sweep.
const SweepCompletedKey = "refresh_sweep_completed_at"

// SetKV stores an operational key/value pair, overwriting any previous value.
func SetKV(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		key, value)
	return err
}

// GetKV returns the stored value for key; ok is false when the key is absent.
func GetKV(ctx context.Context, db *sql.DB, key string) (string, bool, error) {
	var v sql.NullString
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, true, nil
}
