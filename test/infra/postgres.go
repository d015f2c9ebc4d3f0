// Package infra provisions the PostgreSQL database used by the stress test.
package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"rentflow/migrations"
)

// ApplicationName tags stress connections in pg_stat_activity.
const ApplicationName = "rentflow-stress"

// Options selects where the stress database comes from. DSN (or the
// STRESS_TEST_PG_DSN environment variable) reuses a running server and
// isolates the run in its own schema. Without one, a Postgres 16 container is
// started when docker answers, else a fresh database is created on a local
// server.
type Options struct {
	DSN      string
	Database string
	MaxConns int32
}

func (o Options) withDefaults() Options {
	if o.DSN == "" {
		o.DSN = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if o.Database == "" {
		o.Database = "rentflow_stress"
	}
	if o.MaxConns <= 0 {
		o.MaxConns = 64
	}
	return o
}

// Harness owns the stress database, its migrated schema and the pgx pool.
type Harness struct {
	pool    *pgxpool.Pool
	dsn     string
	release []func(context.Context) error
}

// NewHarness provisions a database according to opts and applies the
// embedded migrations.
func NewHarness(ctx context.Context, opts Options) (*Harness, error) {
	opts = opts.withDefaults()
	h := &Harness{dsn: opts.DSN}

	var schema string
	switch {
	case h.dsn != "":
		schema = fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
	case dockerAvailable(ctx):
		c, dsn, err := startContainer(ctx, opts.Database)
		if err != nil {
			return nil, err
		}
		h.dsn = dsn
		h.release = append(h.release, func(ctx context.Context) error { return c.Terminate(ctx) })
	default:
		dsn, err := createLocalDatabase(ctx, opts.Database)
		if err != nil {
			return nil, err
		}
		h.dsn = dsn
	}

	if schema != "" {
		drop, err := createSchema(ctx, h.dsn, schema)
		if err != nil {
			h.Close(ctx)
			return nil, err
		}
		h.release = append(h.release, drop)
	}

	pool, err := openPool(ctx, h.dsn, schema, opts.MaxConns)
	if err != nil {
		h.Close(ctx)
		return nil, err
	}
	h.pool = pool

	if _, err := migrations.Apply(ctx, pool); err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close releases the pool, then the schema and container in reverse order of
// acquisition. The first release error is returned.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
		h.pool = nil
	}
	var first error
	for i := len(h.release) - 1; i >= 0; i-- {
		if err := h.release[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	h.release = nil
	return first
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	const q = `TRUNCATE TABLE ledger_entries, outbox, agent_ratings, agent_profiles, principals`
	if _, err := h.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func startContainer(ctx context.Context, database string) (*postgres.PostgresContainer, string, error) {
	c, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(database),
		postgres.WithUsername("rentflow"),
		postgres.WithPassword("rentflow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("start postgres container: %w", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("container dsn: %w", err)
	}
	return c, dsn, nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run() == nil
}
