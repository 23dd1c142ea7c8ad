// Package testpg opens the Postgres database used by integration tests.
package testpg

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"courier/internal/infrastructure/database"
)

// DSNEnv names a postgres:// URL. Integration tests are skipped when it is unset.
const DSNEnv = "COURIER_TEST_DSN"

// Open migrates the database behind COURIER_TEST_DSN and empties the
// outbox, inbox and referral tables.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skipf("%s is not set", DSNEnv)
	}

	require.NoError(t, database.RunMigrations(dsn, zap.NewNop()))
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`TRUNCATE outbox_message, outbox_state, inbox_state, referrals`)
	require.NoError(t, err)
	return db
}
