package cache

import "time"

// TTL constants for the cache namespaces used across the gateway. These are
// added to time.Now() when storing to calculate expires_at.
const (
	// TTLCredential bounds how long a resolved venue credential is served
	// from the cache_entries table before it is re-read from venue_credentials.
	TTLCredential = 5 * time.Minute

	// TTLAdapter bounds how long a constructed venue.Adapter is reused for a
	// given (user, venue) pair before the factory rebuilds it.
	TTLAdapter = 5 * time.Minute

	// TTLRiskCounter bounds how long a derived weekly risk tally is trusted
	// before being recomputed from completed_trades.
	TTLRiskCounter = 30 * time.Second

	// TTLUserSecret bounds how long a resolved webhook-secret → user lookup
	// is trusted before being re-read from the users table.
	TTLUserSecret = 30 * time.Second

	// TTLUserSecretNegative bounds how long an unknown-secret lookup is
	// cached, short enough that a newly-provisioned user is usable almost
	// immediately but long enough to blunt probing traffic.
	TTLUserSecretNegative = 5 * time.Second

	// TTLStrategyConfig bounds how long a resolved strategy's ML-gating
	// config is trusted before being re-read from the strategies table.
	TTLStrategyConfig = 5 * time.Minute
)

// Namespace identifies which logical cache a key belongs to within the
// shared cache_entries table.
type Namespace string

const (
	NamespaceCredential  Namespace = "credential"
	NamespaceRiskCounter Namespace = "risk_counter"
	NamespaceUserSecret  Namespace = "user_secret"
	NamespaceStrategy    Namespace = "strategy"
)
