package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// CurrentSchemaVersion is bumped whenever pendingMigrations grows.
// v1: initial tables
// v2: artefacts.file_size, processing_log.run_id
const CurrentSchemaVersion = 2

var SQLiteSchema = `CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS campaigns (
    campaign_id INTEGER PRIMARY KEY,
    campaign_name TEXT NOT NULL UNIQUE,
    campaign_date TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tests (
    test_id INTEGER PRIMARY KEY,
    campaign_id INTEGER NOT NULL,
    test_name TEXT NOT NULL,
    test_path TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'unknown' CHECK(status IN ('passed', 'failed', 'unknown')),
    start_time TEXT,
    start_timestamp INTEGER,
    docstring TEXT,
    analyzer_html_path TEXT,
    created_at TEXT NOT NULL,
    UNIQUE(campaign_id, test_name, test_path),

    FOREIGN KEY(campaign_id) REFERENCES campaigns(campaign_id)
    ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS test_params (
    param_id INTEGER PRIMARY KEY,
    test_id INTEGER NOT NULL,
    param_name TEXT NOT NULL,
    param_value TEXT,
    UNIQUE(test_id, param_name),

    FOREIGN KEY(test_id) REFERENCES tests(test_id)
    ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS test_results (
    result_id INTEGER PRIMARY KEY,
    test_id INTEGER NOT NULL,
    row_index INTEGER NOT NULL,
    timestamp INTEGER,
    pass INTEGER,
    command_method TEXT,
    command_str TEXT,
    raw_response TEXT,
    peak_frequency REAL,
    peak_amplitude REAL,
    failure_message TEXT,
    row_data TEXT NOT NULL,
    UNIQUE(test_id, row_index),

    FOREIGN KEY(test_id) REFERENCES tests(test_id)
    ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS test_logs (
    log_id INTEGER PRIMARY KEY,
    test_id INTEGER NOT NULL,
    row_index INTEGER NOT NULL,
    timestamp INTEGER,
    level TEXT,
    message TEXT,
    log_type TEXT,
    line_number INTEGER,
    row_data TEXT NOT NULL,
    UNIQUE(test_id, row_index),

    FOREIGN KEY(test_id) REFERENCES tests(test_id)
    ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS failure_messages (
    failure_id INTEGER PRIMARY KEY,
    test_id INTEGER NOT NULL,
    message TEXT NOT NULL,
    UNIQUE(test_id, message),

    FOREIGN KEY(test_id) REFERENCES tests(test_id)
    ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS artefacts (
    artefact_id INTEGER PRIMARY KEY,
    test_id INTEGER,
    artefact_type TEXT NOT NULL CHECK(artefact_type IN ('csv', 'analyzer_html', 'log', 'json', 'screenshot')),
    file_path TEXT NOT NULL UNIQUE,
    file_hash TEXT NOT NULL,
    file_size INTEGER NOT NULL DEFAULT 0,
    processed INTEGER NOT NULL DEFAULT 0,
    processed_at TEXT,

    FOREIGN KEY(test_id) REFERENCES tests(test_id)
    ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS processing_log (
    log_id INTEGER PRIMARY KEY,
    run_id TEXT,
    artefact_id INTEGER,
    file_path TEXT NOT NULL,
    outcome TEXT NOT NULL CHECK(outcome IN ('processed', 'skipped', 'registered', 'failed')),
    error_message TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,

    FOREIGN KEY(artefact_id) REFERENCES artefacts(artefact_id)
    ON DELETE SET NULL
);`

// Indexes may reference migrated columns, so they are created last.
var SQLiteIndexes = `CREATE INDEX IF NOT EXISTS idx_tests_campaign ON tests(campaign_id);
CREATE INDEX IF NOT EXISTS idx_test_results_test ON test_results(test_id);
CREATE INDEX IF NOT EXISTS idx_test_logs_test ON test_logs(test_id);
CREATE INDEX IF NOT EXISTS idx_failure_messages_message ON failure_messages(message);
CREATE INDEX IF NOT EXISTS idx_artefacts_test ON artefacts(test_id);
CREATE INDEX IF NOT EXISTS idx_processing_log_run ON processing_log(run_id);`

// Migration adds a column missing from a store created by an older release.
type Migration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []Migration{
	{"artefacts", "file_size", "INTEGER NOT NULL DEFAULT 0"},
	{"processing_log", "run_id", "TEXT"},
}

// Sqlite3 does not provide bool type
// In Sqlite3 true is int 1 and false is int 0
func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

type SQLite struct {
	*DB
}

// NewSQLite opens the store at dbFile, creating the file, its directory and
// the schema when missing, and upgrades older schemas in place.
func NewSQLite(dbFile string, opts ...Option) (*SQLite, error) {
	d := &DB{
		logger: zap.NewNop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("inventory")

	if dir := filepath.Dir(dbFile); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("Can't create inventory directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_busy_timeout=5000", dbFile)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// One connection serializes transactions and keeps the connection pragmas in force.
	db.SetMaxOpenConns(1)
	d.db = db

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("Can't open inventory %s: %w", dbFile, err)
	}

	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{d}, nil
}

func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("Could not create inventory schema: %w", err)
	}

	var version int
	err := d.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("Can't read schema version: %w", err)
	}

	applied := 0
	for _, m := range pendingMigrations {
		exists, err := d.columnExists(ctx, m.Table, m.Column)
		if err != nil {
			return err
		}

		if exists {
			continue
		}

		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := d.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("Can't migrate %s.%s: %w", m.Table, m.Column, err)
		}

		d.logger.Info("Migration applied", zap.String("table", m.Table), zap.String("column", m.Column))
		applied++
	}

	if _, err := d.db.ExecContext(ctx, SQLiteIndexes); err != nil {
		return fmt.Errorf("Could not create inventory indexes: %w", err)
	}

	if version < CurrentSchemaVersion {
		_, err := d.db.ExecContext(ctx, "INSERT INTO schema_version(version, applied_at) VALUES(?, ?)",
			CurrentSchemaVersion, formatTime(d.now()))
		if err != nil {
			return fmt.Errorf("Can't record schema version: %w", err)
		}

		d.logger.Info("Schema upgraded",
			zap.Int("from", version),
			zap.Int("to", CurrentSchemaVersion),
			zap.Int("migrations", applied))
	}

	return nil
}

func (d *DB) columnExists(ctx context.Context, table, column string) (bool, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("Can't inspect table %s: %w", table, err)
	}

	defer rows.Close()

	found := false
	for rows.Next() {
		var cid, notNull, pk int
		var name, ctype string
		var dflt sql.NullString

		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}

		if name == column {
			found = true
		}
	}

	return found, closeRows(rows)
}

// SchemaVersion returns the highest recorded schema version.
func (s *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
