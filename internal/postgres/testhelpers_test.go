package postgres_test

import (
	"context"
	"encoding/base64"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/gcbio/ccdaemon/internal/domain"
	"github.com/gcbio/ccdaemon/internal/postgres"
)

// testStore returns an AnalysisStore connected to the test database.
// It skips the test if DATABASE_URL is not set, so the unit suite stays fast.
// It runs migrations, cleans all tables, and syncs the lookup tables.
func testStore(t *testing.T) (*postgres.AnalysisStore, *pgxpool.Pool) {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool))
	cleanTables(t, pool)

	store := postgres.NewAnalysisStore(pool)
	require.NoError(t, store.SyncStatuses(ctx))
	require.NoError(t, store.SyncErrorTypes(ctx))
	return store, pool
}

// cleanTables truncates all tables in FK order.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()
	tables := []string{
		"analysis_qc_stat", "analysis_output",
		"analysis", "analysis_type",
		"analysis_status", "analysis_error",
	}
	for _, table := range tables {
		_, err := pool.Exec(ctx, "TRUNCATE "+table+" RESTART IDENTITY CASCADE")
		require.NoError(t, err, "truncate %s", table)
	}
}

// seedAnalysis inserts one analysis type and one analysis row in the given
// status, returning the analysis id.
func seedAnalysis(t *testing.T, pool *pgxpool.Pool, name string, status domain.Status) int64 {
	t.Helper()
	ctx := context.Background()

	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	var typeID int64
	err := pool.QueryRow(ctx, `
		INSERT INTO analysis_type (name, cpus, mem_gb, disk_gb, max_run_time,
		                           graph_config, resource_kit, platform_config)
		VALUES ($1, 4, 16, 100, 24, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET cpus = EXCLUDED.cpus
		RETURNING id`,
		"wgs-"+name, b64("graph"), b64("kit"), b64("platform")).Scan(&typeID)
	require.NoError(t, err)

	var id int64
	err = pool.QueryRow(ctx, `
		INSERT INTO analysis (name, type_id, status_id, sample_sheet, final_output_dir)
		VALUES ($1, $2, (SELECT id FROM analysis_status WHERE value = $3), $4, $5)
		RETURNING id`,
		name, typeID, string(status), b64(`{"samples":[]}`), "gs://out/"+name).Scan(&id)
	require.NoError(t, err)
	return id
}
