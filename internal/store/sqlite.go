package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tracelens/tracelens/migrations"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// NewSQLiteStore opens (creating if needed) a sqlite-backed record store at
// the given path and applies pending migrations.
func NewSQLiteStore(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return &SQLStore{
		db:              db,
		dialect:         dialect{name: "sqlite", rebind: rebindIdentity},
		serializeWrites: true,
	}, nil
}

func configureSQLite(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

// retrySQLiteBusy retries transient lock contention so concurrent record
// writes are not surfaced to callers as failures.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
