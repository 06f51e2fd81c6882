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

type cachedUserLookup struct {
	Found bool        `json:"found"`
	User  domain.User `json:"user"`
}

// LookupUserBySecret resolves the tenant owning secret, fronted by a short
// TTL cache. A miss (including an inactive user, which the dispatcher must
// treat identically to an unknown secret) is cached briefly as a negative
// result to blunt probing traffic.
func (s *Store) LookupUserBySecret(ctx context.Context, secret string) (*domain.User, error) {
	if raw, err := s.cache.GetIfFresh(string(cache.NamespaceUserSecret), secret); err == nil {
		var cached cachedUserLookup
		if json.Unmarshal(raw, &cached) == nil {
			if !cached.Found {
				return nil, nil
			}
			return &cached.User, nil
		}
	}

	user, err := s.loadUserBySecret(ctx, secret)
	if err != nil {
		return nil, err
	}

	if user == nil {
		_ = s.cache.Store(string(cache.NamespaceUserSecret), secret, cachedUserLookup{Found: false}, cache.TTLUserSecretNegative)
		return nil, nil
	}

	_ = s.cache.Store(string(cache.NamespaceUserSecret), secret, cachedUserLookup{Found: true, User: *user}, cache.TTLUserSecret)
	return user, nil
}

// LookupUserByID resolves a user by primary key, used by the copy-trading
// fan-out where a follower's identity is already known and no secret is in
// hand. It deliberately bypasses the secret cache; callers are expected to be
// infrequent relative to webhook traffic.
func (s *Store) LookupUserByID(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, webhook_secret, plan, monthly_quota, active FROM users WHERE id = ?
	`, userID)

	var u domain.User
	var active int
	if err := row.Scan(&u.ID, &u.WebhookSecret, &u.Plan, &u.MonthlyQuota, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query users: %w", err)
	}
	u.Active = active != 0
	if !u.Active {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) loadUserBySecret(ctx context.Context, secret string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan, monthly_quota, active FROM users WHERE webhook_secret = ?
	`, secret)

	var u domain.User
	var active int
	if err := row.Scan(&u.ID, &u.Plan, &u.MonthlyQuota, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query users: %w", err)
	}
	u.WebhookSecret = secret
	u.Active = active != 0

	if !u.Active {
		return nil, nil
	}
	return &u, nil
}
