package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	db, err := New(Config{
		Path:    ":memory:",
		Profile: ProfileStandard,
		Name:    "test",
	})
	require.NoError(t, err)

	_, err = db.Conn().Exec(`
		CREATE TABLE IF NOT EXISTS test_table (
			id INTEGER PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	require.NoError(t, err)

	return db
}

func TestNew_OpensAndPingsConnection(t *testing.T) {
	db, err := New(Config{Path: ":memory:", Name: "test"})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, ProfileStandard, db.Profile(), "empty profile defaults to standard")
	assert.Equal(t, "test", db.Name())
}

func TestNew_CreatesParentDirectoryForFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "gateway.db")
	db, err := New(Config{Path: path, Name: "gateway"})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, path, db.Path())
	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMigrate_GatewaySchemaCreatesExpectedTables(t *testing.T) {
	db, err := New(Config{Path: ":memory:", Name: "gateway"})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())

	for _, table := range []string{"users", "positions", "completed_trades", "notifications", "copy_relationships", "copied_trades", "cache_entries", "webhook_events", "venue_credentials", "archive_checkpoints", "strategies"} {
		var name string
		err := db.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s should exist after migration", table)
		assert.Equal(t, table, name)
	}
}

func TestMigrate_UnknownDatabaseNameIsNoOp(t *testing.T) {
	db, err := New(Config{Path: ":memory:", Name: "not-a-real-db"})
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.Migrate())
}

func TestMigrate_SecondCallDoesNotFailOnAlreadyAppliedSchema(t *testing.T) {
	db, err := New(Config{Path: ":memory:", Name: "gateway"})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())
	assert.NoError(t, db.Migrate(), "re-running migration against an already-migrated database must not error")
}

func TestWithTransaction_Success(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	var result int
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO test_table (value) VALUES (?)", "v"); err != nil {
			return err
		}
		return tx.QueryRow("SELECT COUNT(*) FROM test_table WHERE value = ?", "v").Scan(&result)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM test_table WHERE value = ?", "v").Scan(&count))
	assert.Equal(t, 1, count, "row should persist after commit")
}

func TestWithTransaction_RollbackOnError(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	testErr := errors.New("boom")
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO test_table (value) VALUES (?)", "v"); err != nil {
			return err
		}
		return testErr
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, testErr)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM test_table").Scan(&count))
	assert.Equal(t, 0, count, "row should not exist after rollback")
}

func TestWithTransaction_RollbackOnPanic(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		tx.Exec("INSERT INTO test_table (value) VALUES (?)", "v")
		panic("boom")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM test_table").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithTransaction_NilDB(t *testing.T) {
	err := WithTransaction(nil, func(tx *sql.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil")
}

func TestWithTransaction_MultipleOperations(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		for i := 0; i < 5; i++ {
			if _, err := tx.Exec("INSERT INTO test_table (value) VALUES (?)", fmt.Sprintf("v-%d", i)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM test_table").Scan(&count))
	assert.Equal(t, 5, count)
}

func TestHealthCheck_PassesOnHealthyDatabase(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	assert.NoError(t, db.HealthCheck(context.Background()))
}

func TestQuickCheck_PassesOnOpenConnection(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	assert.NoError(t, db.QuickCheck(context.Background()))
}

func TestWALCheckpoint_DefaultsToTruncateMode(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	assert.NoError(t, db.WALCheckpoint(""))
}

func TestGetStats_ReturnsPageCountAndSize(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageSize, int64(0))
	assert.GreaterOrEqual(t, stats.PageCount, int64(0))
}

func TestBuildConnectionString_IncludesProfileSpecificPragmas(t *testing.T) {
	assert.Contains(t, buildConnectionString("/tmp/x.db", ProfileLedger), "synchronous(FULL)")
	assert.Contains(t, buildConnectionString("/tmp/x.db", ProfileCache), "synchronous(OFF)")
	assert.Contains(t, buildConnectionString("/tmp/x.db", ProfileStandard), "synchronous(NORMAL)")
}
