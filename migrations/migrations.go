// Package migrations embeds the PostgreSQL schema used by the ledger store,
// the outbox, principal accounts and the agent registry.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed sql/*.sql
var files embed.FS

// Execer is satisfied by pgxpool.Pool, pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Migration is one embedded SQL file.
type Migration struct {
	Name string
	SQL  string
}

// All returns the embedded migrations in apply order.
func All() ([]Migration, error) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: read embedded dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	out := make([]Migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(files, "sql/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("migrations: read %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Name: e.Name(), SQL: string(data)})
	}
	return out, nil
}

// Apply executes every migration in order. Statements are idempotent, so
// re-running against an existing schema is a no-op.
func Apply(ctx context.Context, db Execer) ([]string, error) {
	all, err := All()
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(all))
	for _, m := range all {
		if _, err := db.Exec(ctx, m.SQL); err != nil {
			return applied, fmt.Errorf("migrations: apply %s: %w", m.Name, err)
		}
		applied = append(applied, m.Name)
	}
	return applied, nil
}
