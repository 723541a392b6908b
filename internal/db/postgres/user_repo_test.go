package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postdispatch/internal/core/users"
)

// setupUserTestDB creates a test database connection and runs migrations.
// Skips the test if TEST_DATABASE_URL is not configured, since these are
// integration tests against a real Postgres instance.
func setupUserTestDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres integration test")
	}

	database, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "failed to connect to test database")

	require.NoError(t, goose.Up(database, "../migrations"), "failed to run migrations")

	return database
}

func cleanupUser(t *testing.T, database *sql.DB, did string) {
	_, err := database.Exec("DELETE FROM users WHERE did = $1", did)
	require.NoError(t, err)
}

func TestUserRepo_UpsertByDID_CreatesThenUpdatesHandle(t *testing.T) {
	database := setupUserTestDB(t)
	defer database.Close()

	did := fmt.Sprintf("did:plc:test-%d", os.Getpid())
	defer cleanupUser(t, database, did)

	repo := NewUserRepository(database)

	created, err := repo.UpsertByDID(context.Background(), did, "alice.example.com")
	require.NoError(t, err)
	assert.Equal(t, did, created.DID)
	assert.Equal(t, "alice.example.com", created.Handle)
	assert.True(t, created.IsActive)

	updated, err := repo.UpsertByDID(context.Background(), did, "alice-renamed.example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "alice-renamed.example.com", updated.Handle)
}

func TestUserRepo_GetByDID_NotFound(t *testing.T) {
	database := setupUserTestDB(t)
	defer database.Close()

	repo := NewUserRepository(database)

	_, err := repo.GetByDID(context.Background(), "did:plc:does-not-exist")
	assert.ErrorIs(t, err, users.ErrUserNotFound)
}
