package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tracelens/tracelens/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresStore opens a postgres-backed record store and applies pending
// migrations.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}

	return &SQLStore{
		db:      db,
		dialect: dialect{name: "postgres", rebind: rebindDollar},
	}, nil
}
