// Package cache provides a persistent, namespaced, TTL-expiring key/value
// store backed by SQLite. It is the shared cache layer under the credential
// cache (C1) and the risk counter cache (C5) — each uses its own namespace
// over one physical table.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Repository provides namespaced cache operations over the cache_entries
// table. All values are stored as JSON blobs with an expiration timestamp.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new cache repository over db.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Store saves data under (namespace, key) with expiration = now + ttl.
func (r *Repository) Store(namespace, key string, data interface{}, ttl time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	expiresAt := time.Now().Add(ttl).Unix()

	_, err = r.db.Exec(
		"INSERT OR REPLACE INTO cache_entries (namespace, key, data, expires_at) VALUES (?, ?, ?, ?)",
		namespace, key, string(jsonData), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s/%s: %w", namespace, key, err)
	}
	return nil
}

// GetIfFresh returns data only if expires_at > now, nil otherwise.
func (r *Repository) GetIfFresh(namespace, key string) (json.RawMessage, error) {
	now := time.Now().Unix()

	var data string
	err := r.db.QueryRow(
		"SELECT data FROM cache_entries WHERE namespace = ? AND key = ? AND expires_at > ?",
		namespace, key, now,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s/%s: %w", namespace, key, err)
	}
	return json.RawMessage(data), nil
}

// Delete removes a specific cache entry. Idempotent.
func (r *Repository) Delete(namespace, key string) error {
	_, err := r.db.Exec("DELETE FROM cache_entries WHERE namespace = ? AND key = ?", namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes every entry in namespace. Used when a user's
// credentials or risk counters must be invalidated in bulk.
func (r *Repository) DeleteNamespace(namespace string) error {
	_, err := r.db.Exec("DELETE FROM cache_entries WHERE namespace = ?", namespace)
	if err != nil {
		return fmt.Errorf("failed to delete cache namespace %s: %w", namespace, err)
	}
	return nil
}

// DeleteExpired removes every expired row across all namespaces and returns
// the number of rows deleted.
func (r *Repository) DeleteExpired() (int64, error) {
	now := time.Now().Unix()
	result, err := r.db.Exec("DELETE FROM cache_entries WHERE expires_at < ?", now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return result.RowsAffected()
}
