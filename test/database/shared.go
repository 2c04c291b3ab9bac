package database

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/test/util"
)

// SharedTestDB creates a single PostgreSQL schema that can be shared by
// multiple test clients. Each client gets its own connection pool via
// NewClient, but all pools point to the same schema — enabling tests that
// exercise cross-worker claim semantics (FOR UPDATE SKIP LOCKED).
type SharedTestDB struct {
	connStrWithSchema string
	baseConnStr       string
	schemaName        string
}

// NewSharedTestDB creates a shared test schema, runs migrations once, and
// registers t.Cleanup to drop the schema.
// Call NewClient to create independent database clients for each worker.
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()
	ctx := context.Background()

	baseConnStr := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)

	// Create the schema.
	admin, err := pgxpool.New(ctx, baseConnStr)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	t.Logf("SharedTestDB: created schema %s", schemaName)
	admin.Close()

	// Run migrations once inside the shared schema.
	connStrWithSchema := util.AddSearchPathToConnString(baseConnStr, schemaName)
	err = postgres.RunMigrations(connStrWithSchema, "test")
	require.NoError(t, err)

	s := &SharedTestDB{
		connStrWithSchema: connStrWithSchema,
		baseConnStr:       baseConnStr,
		schemaName:        schemaName,
	}

	// Drop the schema after all clients have shut down (LIFO order
	// guarantees per-client cleanups run before this one).
	t.Cleanup(func() {
		cleanDB, err := pgxpool.New(context.Background(), baseConnStr)
		if err != nil {
			t.Logf("SharedTestDB: warning: could not connect to drop schema %s: %v", schemaName, err)
			return
		}
		defer cleanDB.Close()
		_, err = cleanDB.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("SharedTestDB: warning: failed to drop schema %s: %v", schemaName, err)
		}
	})

	return s
}

// NewClient creates an independent *postgres.Client backed by a fresh
// connection pool to the shared schema. Each client has its own pool so
// workers can be shut down independently without races.
// The client's connections are closed via t.Cleanup.
func (s *SharedTestDB) NewClient(t *testing.T) *postgres.Client {
	t.Helper()

	pool, err := pgxpool.New(context.Background(), s.connStrWithSchema)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
	})

	return postgres.NewClientFromPool(pool)
}
