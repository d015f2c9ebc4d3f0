package infra

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5"
)

// ErrNoDatabase reports that neither docker nor a local server could provide
// a database.
var ErrNoDatabase = errors.New("infra: no postgres available")

const (
	localHost     = "127.0.0.1:5432"
	localRole     = "rentflow"
	localPassword = "rentflow"
)

// createLocalDatabase recreates database on a server listening on
// localHost, owned by a dedicated login role, and returns its DSN.
func createLocalDatabase(ctx context.Context, database string) (string, error) {
	admin, err := connectLocalSuperuser(ctx)
	if err != nil {
		return "", err
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{localRole}.Sanitize()
	db := pgx.Identifier{database}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$`, role, localPassword),
		fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, database),
		"DROP DATABASE IF EXISTS " + db,
		fmt.Sprintf("CREATE DATABASE %s OWNER %s", db, role),
	}
	for _, stmt := range stmts {
		if _, err := admin.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("prepare local database: %w", err)
		}
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(localRole, localPassword),
		Host:     localHost,
		Path:     "/" + database,
		RawQuery: "sslmode=disable",
	}
	return u.String(), nil
}

// connectLocalSuperuser tries the usual passwordless and default-password
// superuser logins of a developer machine.
func connectLocalSuperuser(ctx context.Context) (*pgx.Conn, error) {
	users := []*url.Userinfo{
		url.User("postgres"),
		url.UserPassword("postgres", "postgres"),
	}
	if me := os.Getenv("USER"); me != "" {
		users = append(users, url.User(me), url.UserPassword(me, "postgres"))
	}

	var errs []error
	for _, user := range users {
		u := url.URL{Scheme: "postgres", User: user, Host: localHost, Path: "/postgres", RawQuery: "sslmode=disable"}
		conn, err := pgx.Connect(ctx, u.String())
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: no local superuser login: %w", ErrNoDatabase, errors.Join(errs...))
}
