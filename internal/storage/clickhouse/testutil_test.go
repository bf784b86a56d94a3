package clickhouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a ClickHouse container and returns a connection.
// Returns a cleanup function that must be called when done.
func setupTestDB(t *testing.T) (*Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	// Start ClickHouse container
	req := testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.1-alpine",
		ExposedPorts: []string{"9000/tcp", "8123/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Application: Ready for connections").
				WithStartupTimeout(60 * time.Second),
			wait.ForListeningPort("9000/tcp"),
		),
		Env: map[string]string{
			"CLICKHOUSE_DB":       "test",
			"CLICKHOUSE_USER":     "default",
			"CLICKHOUSE_PASSWORD": "",
		},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	// Get native port (9000)
	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	dsn := fmt.Sprintf("clickhouse://%s:%s/test", host, port.Port())

	// Connect to ClickHouse
	conn, err := NewConn(ctx, dsn)
	require.NoError(t, err)

	// Run migrations
	runMigrations(t, conn)

	cleanup := func() {
		conn.Close()
		_ = container.Terminate(ctx)
	}

	return conn, cleanup
}

// runMigrations creates the audit schema. The migrations package imports this
// one, so the DDL is inlined here and kept in sync with the clickhouse/*.sql files.
func runMigrations(t *testing.T, conn *Conn) {
	t.Helper()
	ctx := context.Background()

	err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS submission_audit (
			id                      String,
			wallet_address          String,
			fingerprint             FixedString(64),
			description_normalized  String,
			submitted_at            DateTime64(3, 'UTC'),
			outcome                 LowCardinality(String),
			amount                  Decimal(38, 18),
			tx_ref                  String,
			reason                  LowCardinality(String),
			detail                  String
		) ENGINE = MergeTree()
		ORDER BY (wallet_address, submitted_at, id)
	`)
	require.NoError(t, err)

	err = conn.Exec(ctx, `
		CREATE MATERIALIZED VIEW IF NOT EXISTS submission_outcome_daily
		ENGINE = SummingMergeTree()
		ORDER BY (day, outcome, reason)
		AS SELECT
			toDate(submitted_at) AS day,
			outcome,
			reason,
			count() AS submissions,
			sum(amount) AS tokens
		FROM submission_audit
		GROUP BY day, outcome, reason
	`)
	require.NoError(t, err)
}
