package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const seedKeyPrefix = "seed:"

// SetMetadata upserts a key-value pair in app_metadata.
func (c conn) SetMetadata(ctx context.Context, key, value string) error {
	_, err := c.exec(ctx,
		`INSERT INTO app_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns the value for key, or "" when it is unset.
func (c conn) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := c.queryRow(ctx, `SELECT value FROM app_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, nil
}

// SeedHash returns the content hash recorded when the named seed file was
// imported, or "" if it never was.
func (c conn) SeedHash(ctx context.Context, file string) (string, error) {
	return c.GetMetadata(ctx, seedKeyPrefix+file)
}

// RecordSeed marks the named seed file as imported with the given hash.
func (c conn) RecordSeed(ctx context.Context, file, hash string) error {
	return c.SetMetadata(ctx, seedKeyPrefix+file, hash)
}
