package venue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/domain"
)

type stubResolver struct {
	cred *domain.VenueCredential
	err  error
	hits int
}

func (s *stubResolver) Get(ctx context.Context, userID string, v domain.Venue, env domain.Environment) (*domain.VenueCredential, error) {
	s.hits++
	if s.err != nil {
		return nil, s.err
	}
	return s.cred, nil
}

func TestFactory_Get_ConstructsAndCachesAdapter(t *testing.T) {
	resolver := &stubResolver{
		cred: &domain.VenueCredential{
			Fields: map[string]string{"api_key": "k", "api_secret": "s"},
		},
	}
	f := NewFactory(resolver, zerolog.Nop(), time.Minute)

	a1, err := f.Get(context.Background(), "user-1", domain.VenuePerpDexA, domain.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, domain.VenuePerpDexA, a1.Venue())

	a2, err := f.Get(context.Background(), "user-1", domain.VenuePerpDexA, domain.EnvProduction)
	require.NoError(t, err)
	assert.Same(t, a1, a2, "a second Get within the TTL must reuse the cached adapter")
	assert.Equal(t, 1, resolver.hits, "caching must avoid re-resolving credentials")
}

func TestFactory_Get_UnknownVenueReturnsAdapterUnsupported(t *testing.T) {
	resolver := &stubResolver{}
	f := NewFactory(resolver, zerolog.Nop(), time.Minute)

	_, err := f.Get(context.Background(), "user-1", domain.Venue("not_a_real_venue"), domain.EnvProduction)
	require.Error(t, err)
	assert.Equal(t, domain.ErrAdapterUnsupported, domain.KindOf(err))
}

func TestFactory_Get_MissingCredentialFieldsReturnsCredentialsMissing(t *testing.T) {
	resolver := &stubResolver{
		cred: &domain.VenueCredential{Fields: map[string]string{}},
	}
	f := NewFactory(resolver, zerolog.Nop(), time.Minute)

	_, err := f.Get(context.Background(), "user-1", domain.VenuePerpDexA, domain.EnvProduction)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCredentialsMiss, domain.KindOf(err))
}

func TestFactory_Get_ExpiredCacheRebuildsAdapter(t *testing.T) {
	resolver := &stubResolver{
		cred: &domain.VenueCredential{
			Fields: map[string]string{"api_key": "k", "api_secret": "s"},
		},
	}
	f := NewFactory(resolver, zerolog.Nop(), time.Millisecond)

	_, err := f.Get(context.Background(), "user-1", domain.VenuePerpDexA, domain.EnvProduction)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = f.Get(context.Background(), "user-1", domain.VenuePerpDexA, domain.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.hits, "an expired cache entry must be rebuilt from a fresh credential lookup")
}

func TestFactory_Invalidate_ForcesRebuildOnNextGet(t *testing.T) {
	resolver := &stubResolver{
		cred: &domain.VenueCredential{
			Fields: map[string]string{"api_key": "k", "api_secret": "s"},
		},
	}
	f := NewFactory(resolver, zerolog.Nop(), time.Minute)

	_, err := f.Get(context.Background(), "user-1", domain.VenuePerpDexA, domain.EnvProduction)
	require.NoError(t, err)

	f.Invalidate("user-1", domain.VenuePerpDexA, domain.EnvProduction)

	_, err = f.Get(context.Background(), "user-1", domain.VenuePerpDexA, domain.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.hits)
}

func TestFactory_Get_CredentialResolverErrorPropagates(t *testing.T) {
	resolver := &stubResolver{err: domain.NewError(domain.ErrNotFound, "no credential on file")}
	f := NewFactory(resolver, zerolog.Nop(), time.Minute)

	_, err := f.Get(context.Background(), "user-1", domain.VenuePerpDexA, domain.EnvProduction)
	require.Error(t, err)
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))
}
