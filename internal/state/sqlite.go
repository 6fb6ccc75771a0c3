package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/strata-io/strata/internal/ir"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps snapshots and locks in a single SQLite database.
// Serial checks run inside transactions, so the compare-and-swap is
// real even with several processes sharing the file.
type SQLiteStore struct {
	db         *sql.DB
	staleAfter time.Duration
}

// NewSQLiteStore opens (or creates) the database at path and runs the
// schema migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &SQLiteStore{db: db, staleAfter: staleLockAfter}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, environment string) (*ir.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE environment = ?`, environment,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("environment %q: %w", environment, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot for %q: %w", environment, err)
	}
	return openSnapshot(payload)
}

func (s *SQLiteStore) Write(ctx context.Context, environment string, snap *ir.Snapshot, expectedPriorSerial uint64) error {
	payload, err := sealSnapshot(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current uint64
	err = tx.QueryRowContext(ctx,
		`SELECT serial FROM snapshots WHERE environment = ?`, environment,
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if expectedPriorSerial != 0 {
			return &ConflictError{Environment: environment, Expected: expectedPriorSerial, Actual: 0}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (environment, serial, payload, updated_at) VALUES (?, ?, ?, ?)`,
			environment, snap.Serial, payload, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting snapshot for %q: %w", environment, err)
		}
	case err != nil:
		return fmt.Errorf("reading serial for %q: %w", environment, err)
	default:
		if current != expectedPriorSerial {
			return &ConflictError{Environment: environment, Expected: expectedPriorSerial, Actual: current}
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE snapshots SET serial = ?, payload = ?, updated_at = ? WHERE environment = ? AND serial = ?`,
			snap.Serial, payload, time.Now().UTC().Format(time.RFC3339), environment, expectedPriorSerial,
		)
		if err != nil {
			return fmt.Errorf("updating snapshot for %q: %w", environment, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if rows == 0 {
			return &ConflictError{Environment: environment, Expected: expectedPriorSerial, Actual: current}
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, environment, holder string, timeout time.Duration) (*Lock, error) {
	return pollLock(ctx, timeout, func(ctx context.Context) (*Lock, error) {
		return s.tryLock(ctx, environment, holder)
	})
}

func (s *SQLiteStore) tryLock(ctx context.Context, environment, holder string) (*Lock, error) {
	lock := &Lock{
		ID:          uuid.NewString(),
		Environment: environment,
		Holder:      holder,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (environment, id, holder, created_at) VALUES (?, ?, ?, ?)`,
		environment, lock.ID, lock.Holder, lock.CreatedAt.Format(time.RFC3339),
	)
	if err == nil {
		return lock, nil
	}

	var id, curHolder, createdAt string
	qerr := s.db.QueryRowContext(ctx,
		`SELECT id, holder, created_at FROM locks WHERE environment = ?`, environment,
	).Scan(&id, &curHolder, &createdAt)
	if qerr == sql.ErrNoRows {
		// Lost a race against a release; the next poll retries.
		return nil, &LockHeldError{Environment: environment, Holder: "unknown"}
	}
	if qerr != nil {
		return nil, fmt.Errorf("reading lock holder for %q: %w", environment, qerr)
	}

	since, _ := time.Parse(time.RFC3339, createdAt)
	if !since.IsZero() && time.Since(since) > s.staleAfter {
		s.db.ExecContext(ctx, `DELETE FROM locks WHERE environment = ? AND id = ?`, environment, id)
	}
	return nil, &LockHeldError{Environment: environment, Holder: curHolder, Since: since}
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, lock *Lock) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE environment = ? AND id = ?`, lock.Environment, lock.ID,
	)
	if err != nil {
		return fmt.Errorf("releasing lock for %q: %w", lock.Environment, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("lock for environment %q is not held by this run", lock.Environment)
	}
	return nil
}

func (s *SQLiteStore) Environments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT environment FROM snapshots ORDER BY environment`)
	if err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	defer rows.Close()

	var envs []string
	for rows.Next() {
		var env string
		if err := rows.Scan(&env); err != nil {
			return nil, fmt.Errorf("scanning environment: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
