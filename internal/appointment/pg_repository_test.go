package appointment

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/db"
)

// TEST_POSTGRES_DSN points at a disposable database; its tables are
// truncated before every case.
func openPgRepository(t *testing.T) contractStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	m, err := db.NewMigrator(pool, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Close())

	_, err = pool.Exec(ctx, `TRUNCATE event_logs, appointments, availabilities, users`)
	require.NoError(t, err)

	return NewPgRepository(pool)
}

func TestPgRepositoryContract(t *testing.T) {
	runStoreContract(t, openPgRepository)
}
