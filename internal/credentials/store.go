// Package credentials resolves per-(user, venue, environment) broker
// credentials out of the gateway datastore, fronted by a short-lived cache so
// the webhook hot path does not hit SQLite on every signal.
package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/sentinel/internal/cache"
	"github.com/aristath/sentinel/internal/domain"
)

// Store resolves venue credentials for a user, caching results for
// cache.TTLCredential before re-reading the underlying table.
type Store struct {
	db    *sql.DB
	cache *cache.Repository
}

func New(db *sql.DB, cacheRepo *cache.Repository) *Store {
	return &Store{db: db, cache: cacheRepo}
}

func cacheKey(userID string, venue domain.Venue, env domain.Environment) string {
	return fmt.Sprintf("%s:%s:%s", userID, venue, env)
}

// Get resolves the credential for (userID, venue, env), preferring the cache
// and falling back to the venue_credentials table on a miss or stale entry.
func (s *Store) Get(ctx context.Context, userID string, venue domain.Venue, env domain.Environment) (*domain.VenueCredential, error) {
	key := cacheKey(userID, venue, env)

	if raw, err := s.cache.GetIfFresh(string(cache.NamespaceCredential), key); err == nil {
		var cred domain.VenueCredential
		if jsonErr := json.Unmarshal(raw, &cred); jsonErr == nil {
			return &cred, nil
		}
	}

	cred, err := s.loadFromDB(ctx, userID, venue, env)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Store(string(cache.NamespaceCredential), key, cred, cache.TTLCredential); err != nil {
		// A cache write failure must not fail credential resolution; the next
		// lookup simply falls through to the datastore again.
		_ = err
	}

	return cred, nil
}

func (s *Store) loadFromDB(ctx context.Context, userID string, venue domain.Venue, env domain.Environment) (*domain.VenueCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT label, fields_json FROM venue_credentials
		WHERE user_id = ? AND venue = ? AND environment = ?
	`, userID, string(venue), string(env))

	var label string
	var fieldsJSON string
	if err := row.Scan(&label, &fieldsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.ErrCredentialsMiss, "no credential on file",
				"userId", userID, "venue", string(venue), "environment", string(env))
		}
		return nil, fmt.Errorf("query venue_credentials: %w", err)
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("decode credential fields: %w", err)
	}

	return &domain.VenueCredential{
		UserID:      userID,
		Venue:       venue,
		Environment: env,
		Label:       label,
		Fields:      fields,
	}, nil
}

// Put upserts a credential and invalidates the cached copy, if any, so the
// next Get reflects the new fields immediately.
func (s *Store) Put(ctx context.Context, cred domain.VenueCredential) error {
	fieldsJSON, err := json.Marshal(cred.Fields)
	if err != nil {
		return fmt.Errorf("encode credential fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO venue_credentials (user_id, venue, environment, label, fields_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, venue, environment) DO UPDATE SET
			label = excluded.label,
			fields_json = excluded.fields_json,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, cred.UserID, string(cred.Venue), string(cred.Environment), cred.Label, string(fieldsJSON))
	if err != nil {
		return fmt.Errorf("insert venue_credentials: %w", err)
	}

	return s.Invalidate(cred.UserID, cred.Venue, cred.Environment)
}

// Invalidate drops the cached credential for (userID, venue, env) so the
// next Get is forced to re-read the datastore.
func (s *Store) Invalidate(userID string, venue domain.Venue, env domain.Environment) error {
	return s.cache.Delete(string(cache.NamespaceCredential), cacheKey(userID, venue, env))
}
