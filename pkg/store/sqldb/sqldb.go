// Package sqldb implements store.Store on database/sql for SQLite (modernc)
// and PostgreSQL (pgx). Queries are written with $N placeholders and rebound
// per dialect.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jxucoder/forgeline/pkg/store"
)

// Driver identifies the SQL dialect in use.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

var placeholderRe = regexp.MustCompile(`\$\d+`)

// DB is the SQL-backed store.
type DB struct {
	db     *sql.DB
	driver Driver
	now    func() time.Time
}

var _ store.Store = (*DB)(nil)

// Open picks the dialect from the DSN: postgres:// and postgresql:// URLs use
// pgx, anything else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(ctx, dsn)
}

// OpenSQLite opens (or creates) a SQLite database at the given path.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// WAL allows concurrent reads but a single writer.
	db.SetMaxOpenConns(1)
	return newDB(ctx, db, DriverSQLite)
}

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, url string) (*DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return newDB(ctx, db, DriverPostgres)
}

func newDB(ctx context.Context, db *sql.DB, driver Driver) (*DB, error) {
	s := &DB{db: db, driver: driver, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Driver returns the active dialect.
func (s *DB) Driver() Driver { return s.driver }

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) rebind(query string) string {
	if s.driver == DriverPostgres {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?")
}

func (s *DB) migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	schema := strings.ReplaceAll(schemaV1, "{{serial}}", serial)
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %s", err, firstLine(stmt))
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS projects (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	head_version_id TEXT NOT NULL DEFAULT '',
	head_number     BIGINT NOT NULL DEFAULT 0,
	created_at      BIGINT NOT NULL DEFAULT 0,
	updated_at      BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS versions (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL REFERENCES projects(id),
	version_number    BIGINT NOT NULL,
	parent_version_id TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	files_json        TEXT NOT NULL DEFAULT '{}',
	operation_kind    TEXT NOT NULL,
	status            TEXT NOT NULL,
	metadata_json     TEXT NOT NULL DEFAULT '{}',
	request_id        TEXT NOT NULL DEFAULT '',
	created_at        BIGINT NOT NULL DEFAULT 0,
	UNIQUE (project_id, version_number)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_request ON versions(request_id) WHERE request_id <> '';

CREATE TABLE IF NOT EXISTS requests (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	status         TEXT NOT NULL,
	operation_kind TEXT NOT NULL DEFAULT '',
	version_id     TEXT NOT NULL DEFAULT '',
	failed_step    TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	created_at     BIGINT NOT NULL DEFAULT 0,
	updated_at     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status, created_at);

CREATE TABLE IF NOT EXISTS messages (
	id         {{serial}},
	project_id TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	request_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	step       TEXT NOT NULL,
	state_json TEXT NOT NULL DEFAULT '{}',
	updated_at BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sandboxes (
	project_id      TEXT PRIMARY KEY,
	sandbox_id      TEXT NOT NULL,
	handle          TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	framework       TEXT NOT NULL DEFAULT '',
	package_manager TEXT NOT NULL DEFAULT '',
	install_command TEXT NOT NULL DEFAULT '',
	start_command   TEXT NOT NULL DEFAULT '',
	port            BIGINT NOT NULL DEFAULT 0,
	last_heartbeat  BIGINT NOT NULL DEFAULT 0,
	created_at      BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sandboxes_sandbox_id ON sandboxes(sandbox_id);

CREATE TABLE IF NOT EXISTS classifications (
	prompt_hash    TEXT PRIMARY KEY,
	operation_kind TEXT NOT NULL,
	created_at     BIGINT NOT NULL DEFAULT 0
)
`

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
