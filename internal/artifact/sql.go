package artifact

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect struct {
	driver string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

var (
	dialectSQLite   = dialect{driver: "sqlite"}
	dialectPostgres = dialect{driver: "postgres", numbered: true}
)

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SQLStore keeps artifacts in a relational table. It backs both the SQLite
// and the Postgres configuration.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens dataDir/artifacts.db, creating dataDir if needed, with WAL
// enabled and migrations applied.
func OpenSQLite(dataDir string) (*SQLStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("artifact store: data_dir is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	dbPath := filepath.Join(dataDir, "artifacts.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("artifact store: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("artifact store: WAL: %w", err)
	}
	return newSQLStore(db, dialectSQLite)
}

// OpenPostgres connects with dsn and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("artifact store: postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("artifact store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("artifact store: ping postgres: %w", err)
	}
	return newSQLStore(db, dialectPostgres)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO artifacts (name, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		key, string(value))
	if err != nil {
		return fmt.Errorf("artifact %s: put: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT value FROM artifacts WHERE name = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact %s: get: %w", key, err)
	}
	return []byte(value), nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM artifacts WHERE name = ?`), key); err != nil {
		return fmt.Errorf("artifact %s: delete: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) runMigrations() error {
	if _, err := s.db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL PRIMARY KEY)"); err != nil {
		return fmt.Errorf("migrations: create schema_version: %w", err)
	}
	current, err := s.currentVersion()
	if err != nil {
		return err
	}
	names, err := migrationNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		n, err := migrationNumber(name)
		if err != nil || n <= current {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if err := s.apply(name, n, string(body)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) apply(name string, version int, body string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %s: begin: %w", name, err)
	}
	if _, err := tx.Exec(body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %s: %w", name, err)
	}
	if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %s: clear version: %w", name, err)
	}
	if _, err := tx.Exec(s.dialect.rebind("INSERT INTO schema_version (version) VALUES (?)"), version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %s: set version: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %s: commit: %w", name, err)
	}
	return nil
}

func (s *SQLStore) currentVersion() (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !v.Valid) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("migrations: read version: %w", err)
	}
	return int(v.Int64), nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func migrationNumber(name string) (int, error) {
	prefix, _, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
	if !ok {
		return 0, fmt.Errorf("invalid migration name %q", name)
	}
	return strconv.Atoi(prefix)
}
