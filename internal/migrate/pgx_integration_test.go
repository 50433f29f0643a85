//go:build integration

package migrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Policy scripts for the hosted platform are Postgres, so they are exercised
// against a real server here.
func TestPgxExecutorAppliesPolicyScript(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("marketplace"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := OpenPgx(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	script := `
-- commission proofs are private to their provider
CREATE TABLE objects (bucket_id text, name text, owner text);
CREATE OR REPLACE FUNCTION first_folder(p text) RETURNS text AS $$
BEGIN
  RETURN split_part(p, '/', 1); -- provider id
END;
$$ LANGUAGE plpgsql;
INSERT INTO objects VALUES ('commission-proofs', '4/9/a.png', '4');
SELECT nope FROM objects;
INSERT INTO objects VALUES ('shop-photos', '4/b.png', '4');
`
	rep := NewRunner(NewPgxExecutor(pool), nil).Run(ctx, "policies.sql", SplitDialect(script, Postgres))
	assert.Equal(t, 5, rep.Total)
	assert.Equal(t, 4, rep.Succeeded)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, 4, rep.Failed[0].Index)

	var folder string
	require.NoError(t, pool.QueryRow(ctx, "SELECT first_folder(name) FROM objects WHERE bucket_id = 'commission-proofs'").Scan(&folder))
	assert.Equal(t, "4", folder)

	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM objects").Scan(&n))
	assert.Equal(t, 2, n)
}
