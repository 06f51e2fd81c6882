package strategy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/cache"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/strategy"
	testingpkg "github.com/aristath/sentinel/internal/testing"
)

func newStrategyStore(t *testing.T) (*strategy.Store, *database.DB) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "gateway")
	t.Cleanup(cleanup)
	repo := cache.NewRepository(db.Conn())
	return strategy.New(db.Conn(), repo), db
}

func seedUser(t *testing.T, db *database.DB, userID string) {
	t.Helper()
	_, err := db.Conn().Exec(`INSERT INTO users (id, webhook_secret) VALUES (?, ?)`, userID, userID+"-secret")
	require.NoError(t, err)
}

func TestStore_Get_ReturnsNilNilWhenStrategyUnknown(t *testing.T) {
	store, _ := newStrategyStore(t)

	cfg, err := store.Get(context.Background(), "missing-strategy")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestStore_Put_ThenGet_RoundTripsMLFields(t *testing.T) {
	store, db := newStrategyStore(t)
	seedUser(t, db, "u1")

	require.NoError(t, store.Put(context.Background(), domain.StrategyConfig{
		ID: "st1", UserID: "u1", MLAssisted: true, MLThreshold: 80,
	}))

	got, err := store.Get(context.Background(), "st1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.MLAssisted)
	assert.Equal(t, 80.0, got.MLThreshold)
}

func TestStore_Put_UpsertsOnConflict(t *testing.T) {
	store, db := newStrategyStore(t)
	seedUser(t, db, "u1")

	require.NoError(t, store.Put(context.Background(), domain.StrategyConfig{
		ID: "st1", UserID: "u1", MLAssisted: false, MLThreshold: 0,
	}))
	require.NoError(t, store.Put(context.Background(), domain.StrategyConfig{
		ID: "st1", UserID: "u1", MLAssisted: true, MLThreshold: 65,
	}))

	got, err := store.Get(context.Background(), "st1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.MLAssisted)
	assert.Equal(t, 65.0, got.MLThreshold)
}

func TestStore_Put_CachedReadReflectsLatestWrite(t *testing.T) {
	store, db := newStrategyStore(t)
	seedUser(t, db, "u1")

	require.NoError(t, store.Put(context.Background(), domain.StrategyConfig{ID: "st1", UserID: "u1", MLAssisted: true, MLThreshold: 50}))
	first, err := store.Get(context.Background(), "st1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, first.MLThreshold)

	require.NoError(t, store.Put(context.Background(), domain.StrategyConfig{ID: "st1", UserID: "u1", MLAssisted: true, MLThreshold: 90}))
	second, err := store.Get(context.Background(), "st1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, second.MLThreshold, "Put must invalidate the stale cached copy")
}

func TestStore_Invalidate_ForcesReReadFromDatastore(t *testing.T) {
	store, db := newStrategyStore(t)
	seedUser(t, db, "u1")

	require.NoError(t, store.Put(context.Background(), domain.StrategyConfig{ID: "st1", UserID: "u1", MLAssisted: true, MLThreshold: 70}))
	_, err := store.Get(context.Background(), "st1")
	require.NoError(t, err)

	require.NoError(t, store.Invalidate("st1"))

	got, err := store.Get(context.Background(), "st1")
	require.NoError(t, err)
	assert.Equal(t, 70.0, got.MLThreshold)
}
