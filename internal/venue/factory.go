package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/rs/zerolog"
)

// CredentialResolver is the subset of internal/credentials.Store the factory
// depends on; kept narrow so this package does not import credentials (which
// would create a cycle once credentials grows venue-aware helpers).
type CredentialResolver interface {
	Get(ctx context.Context, userID string, venue domain.Venue, env domain.Environment) (*domain.VenueCredential, error)
}

type constructor func(domain.VenueCredential, zerolog.Logger) (Adapter, error)

var constructors = map[domain.Venue]constructor{
	domain.VenuePerpDexA: func(c domain.VenueCredential, l zerolog.Logger) (Adapter, error) { return newPerpDexAAdapter(c, l) },
	domain.VenuePerpDexB: func(c domain.VenueCredential, l zerolog.Logger) (Adapter, error) { return newPerpDexBAdapter(c, l) },
	domain.VenuePerpDexC: func(c domain.VenueCredential, l zerolog.Logger) (Adapter, error) { return newPerpDexCAdapter(c, l) },
	domain.VenueForex:         func(c domain.VenueCredential, l zerolog.Logger) (Adapter, error) { return newForexAdapter(c, l) },
	domain.VenueEquitiesCash:  func(c domain.VenueCredential, l zerolog.Logger) (Adapter, error) { return newEquitiesCashAdapter(c, l) },
	domain.VenueEquitiesMulti: func(c domain.VenueCredential, l zerolog.Logger) (Adapter, error) { return newEquitiesMultiAdapter(c, l) },
	domain.VenueOptions:       func(c domain.VenueCredential, l zerolog.Logger) (Adapter, error) { return newOptionsAdapter(c, l) },
	domain.VenuePrediction:    func(c domain.VenueCredential, l zerolog.Logger) (Adapter, error) { return newPredictionAdapter(c, l) },
}

type cachedAdapter struct {
	adapter   Adapter
	expiresAt time.Time
}

// Factory builds an Adapter for a given (user, venue, environment), caching
// live instances for a short TTL so the dispatcher does not re-parse
// credentials and rebuild an HTTP client on every signal.
type Factory struct {
	creds CredentialResolver
	log   zerolog.Logger
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cachedAdapter
}

func NewFactory(creds CredentialResolver, log zerolog.Logger, ttl time.Duration) *Factory {
	return &Factory{
		creds: creds,
		log:   log,
		ttl:   ttl,
		cache: make(map[string]cachedAdapter),
	}
}

func instanceKey(userID string, venue domain.Venue, env domain.Environment) string {
	return fmt.Sprintf("%s:%s:%s", userID, venue, env)
}

// Get returns a live Adapter for (userID, venue, env), constructing and
// caching one if none is cached or the cached one has expired.
func (f *Factory) Get(ctx context.Context, userID string, venue domain.Venue, env domain.Environment) (Adapter, error) {
	ctor, ok := constructors[venue]
	if !ok {
		return nil, domain.NewError(domain.ErrAdapterUnsupported, "no adapter registered for venue", "venue", string(venue))
	}

	key := instanceKey(userID, venue, env)

	f.mu.Lock()
	if cached, ok := f.cache[key]; ok && time.Now().Before(cached.expiresAt) {
		f.mu.Unlock()
		return cached.adapter, nil
	}
	f.mu.Unlock()

	cred, err := f.creds.Get(ctx, userID, venue, env)
	if err != nil {
		return nil, err
	}

	adapter, err := ctor(*cred, f.log)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[key] = cachedAdapter{adapter: adapter, expiresAt: time.Now().Add(f.ttl)}
	f.mu.Unlock()

	return adapter, nil
}

// Invalidate drops a cached adapter instance, forcing the next Get to
// rebuild it from fresh credentials. No caller in the gateway invokes it, so
// after a credential is rotated a cached adapter is reused until its TTL ends.
func (f *Factory) Invalidate(userID string, venue domain.Venue, env domain.Environment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, instanceKey(userID, venue, env))
}
