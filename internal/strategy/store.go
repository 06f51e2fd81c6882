// Package strategy resolves the server-side ML-gating configuration for a
// strategy_id referenced by a signal, fronted by a short-lived cache so the
// webhook hot path does not hit SQLite on every signal.
package strategy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/sentinel/internal/cache"
	"github.com/aristath/sentinel/internal/domain"
)

// Store resolves a strategy's gating config, caching results for
// cache.TTLStrategyConfig before re-reading the strategies table.
type Store struct {
	db    *sql.DB
	cache *cache.Repository
}

func New(db *sql.DB, cacheRepo *cache.Repository) *Store {
	return &Store{db: db, cache: cacheRepo}
}

// Get resolves the config for strategyID, preferring the cache and falling
// back to the strategies table on a miss or stale entry. It returns (nil,
// nil) when the strategy is unknown: an unregistered strategy is not
// ML-assisted, it is simply absent, which is not an error condition for the
// dispatcher's gate check.
func (s *Store) Get(ctx context.Context, strategyID string) (*domain.StrategyConfig, error) {
	if raw, err := s.cache.GetIfFresh(string(cache.NamespaceStrategy), strategyID); err == nil {
		var cfg domain.StrategyConfig
		if jsonErr := json.Unmarshal(raw, &cfg); jsonErr == nil {
			return &cfg, nil
		}
	}

	cfg, err := s.loadFromDB(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}

	if err := s.cache.Store(string(cache.NamespaceStrategy), strategyID, cfg, cache.TTLStrategyConfig); err != nil {
		// A cache write failure must not fail strategy resolution; the next
		// lookup simply falls through to the datastore again.
		_ = err
	}

	return cfg, nil
}

func (s *Store) loadFromDB(ctx context.Context, strategyID string) (*domain.StrategyConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, ml_assisted, ml_threshold FROM strategies WHERE id = ?
	`, strategyID)

	var cfg domain.StrategyConfig
	cfg.ID = strategyID
	if err := row.Scan(&cfg.UserID, &cfg.MLAssisted, &cfg.MLThreshold); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query strategies: %w", err)
	}

	return &cfg, nil
}

// Put upserts a strategy's gating config and invalidates the cached copy, if
// any, so the next Get reflects the new fields immediately.
func (s *Store) Put(ctx context.Context, cfg domain.StrategyConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, user_id, ml_assisted, ml_threshold)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id      = excluded.user_id,
			ml_assisted  = excluded.ml_assisted,
			ml_threshold = excluded.ml_threshold
	`, cfg.ID, cfg.UserID, cfg.MLAssisted, cfg.MLThreshold)
	if err != nil {
		return fmt.Errorf("insert strategies: %w", err)
	}

	return s.Invalidate(cfg.ID)
}

// Invalidate drops the cached config for strategyID so the next Get is
// forced to re-read the datastore.
func (s *Store) Invalidate(strategyID string) error {
	return s.cache.Delete(string(cache.NamespaceStrategy), strategyID)
}
