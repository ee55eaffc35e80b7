// Package sqlstore persists runner records for the wake subsystem and
// offline admin-snapshot merging (spec §4.8, §4.9 "persisted offline
// record"). It dispatches on the DSN scheme to one of three drivers, the
// way the original gateway's audit logger opened whichever backing store
// its deployment was configured for (audit/sqlite.rs), adapted here to
// jmoiron/sqlx across sqlite/postgres/mysql.
package sqlstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/runnergateway/gateway/internal/gwtypes"
)

// Store is the persisted-runner table backed by one of sqlite/postgres/mysql,
// selected by the DSN's scheme prefix.
type Store struct {
	db     *sqlx.DB
	driver string
}

const schemaSQLiteRunners = `
CREATE TABLE IF NOT EXISTS runners (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	mac TEXT,
	machine_type TEXT,
	last_seen_at TEXT NOT NULL,
	available_models TEXT
);`

const schemaSQLiteAudit = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	runner_id TEXT NOT NULL,
	model TEXT NOT NULL,
	outcome TEXT NOT NULL,
	err_message TEXT,
	occurred_at TEXT NOT NULL
);`

const schemaPostgresRunners = `
CREATE TABLE IF NOT EXISTS runners (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	mac TEXT,
	machine_type TEXT,
	last_seen_at TIMESTAMPTZ NOT NULL,
	available_models TEXT
);`

const schemaPostgresAudit = `
CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	runner_id TEXT NOT NULL,
	model TEXT NOT NULL,
	outcome TEXT NOT NULL,
	err_message TEXT,
	occurred_at TIMESTAMPTZ NOT NULL
);`

const schemaMySQLRunners = `
CREATE TABLE IF NOT EXISTS runners (
	id VARCHAR(191) PRIMARY KEY,
	name TEXT NOT NULL,
	mac TEXT,
	machine_type TEXT,
	last_seen_at DATETIME NOT NULL,
	available_models TEXT
);`

const schemaMySQLAudit = `
CREATE TABLE IF NOT EXISTS audit_log (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	runner_id VARCHAR(191) NOT NULL,
	model VARCHAR(191) NOT NULL,
	outcome VARCHAR(32) NOT NULL,
	err_message TEXT,
	occurred_at DATETIME NOT NULL
);`

// Open parses dsn's scheme (sqlite://, postgres://, mysql://) and opens the
// matching driver, creating the runners table if it does not exist.
func Open(dsn string) (*Store, error) {
	driver, source, schemas, err := resolveDSN(dsn)
	if err != nil {
		return nil, err
	}

	if driver == "sqlite3" && source != ":memory:" {
		if dir := filepath.Dir(source); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlstore: mkdir: %w", err)
			}
		}
	}

	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driver, err)
	}
	for _, stmt := range schemas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlstore: create schema: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// resolveDSN maps a DSN's scheme to its driver name, connection source, and
// the ordered DDL statements to apply (run individually rather than as one
// multi-statement Exec, since go-sql-driver/mysql rejects multi-statement
// queries unless the DSN opts in).
func resolveDSN(dsn string) (driver, source string, schemas []string, err error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite://"), []string{schemaSQLiteRunners, schemaSQLiteAudit}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn, []string{schemaPostgresRunners, schemaPostgresAudit}, nil
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://"), []string{schemaMySQLRunners, schemaMySQLAudit}, nil
	default:
		return "", "", nil, fmt.Errorf("sqlstore: unrecognized DSN scheme in %q", dsn)
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type runnerRow struct {
	ID               string `db:"id"`
	Name             string `db:"name"`
	MAC              string `db:"mac"`
	MachineType      string `db:"machine_type"`
	LastSeenAt       string `db:"last_seen_at"`
	AvailableModels  string `db:"available_models"`
}

// Upsert records or refreshes a runner's persisted entry (original:
// AuditLogger::upsert_runner). The gateway itself does not call it: the
// control-channel handler does not write registering runners here, so Get
// and ListPersisted only see rows written through Upsert by other callers.
func (s *Store) Upsert(ctx context.Context, r gwtypes.PersistedRunner) error {
	models := strings.Join(r.AvailableModels, ",")
	query := s.db.Rebind(`
		INSERT INTO runners (id, name, mac, machine_type, last_seen_at, available_models)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			mac = excluded.mac,
			machine_type = excluded.machine_type,
			last_seen_at = excluded.last_seen_at,
			available_models = excluded.available_models
	`)
	if s.driver == "mysql" {
		query = s.db.Rebind(`
			INSERT INTO runners (id, name, mac, machine_type, last_seen_at, available_models)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				name = VALUES(name), mac = VALUES(mac), machine_type = VALUES(machine_type),
				last_seen_at = VALUES(last_seen_at), available_models = VALUES(available_models)
		`)
	}

	_, err := s.db.ExecContext(ctx, query, r.ID, r.Name, r.MAC, r.MachineType, r.LastSeenAt.Format(time.RFC3339), models)
	return err
}

// Get returns the persisted record for id, if any.
func (s *Store) Get(ctx context.Context, id string) (gwtypes.PersistedRunner, bool, error) {
	var row runnerRow
	query := s.db.Rebind(`SELECT id, name, mac, machine_type, last_seen_at, available_models FROM runners WHERE id = ?`)
	err := s.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return gwtypes.PersistedRunner{}, false, nil
		}
		return gwtypes.PersistedRunner{}, false, err
	}
	return rowToPersisted(row), true, nil
}

// ListPersisted returns every known runner record, satisfying
// adminstream.PersistedLister.
func (s *Store) ListPersisted(ctx context.Context) ([]gwtypes.PersistedRunner, error) {
	var rows []runnerRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, mac, machine_type, last_seen_at, available_models FROM runners`); err != nil {
		return nil, err
	}
	out := make([]gwtypes.PersistedRunner, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToPersisted(row))
	}
	return out, nil
}

// RecordExchange appends one proxied call outcome to the audit log,
// satisfying router.AuditLog and dispatcher.AuditLog.
func (s *Store) RecordExchange(ctx context.Context, rec gwtypes.AuditRecord) error {
	query := s.db.Rebind(`
		INSERT INTO audit_log (runner_id, model, outcome, err_message, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, rec.RunnerID, rec.Model, rec.Outcome, rec.ErrMessage, rec.OccurredAt.Format(time.RFC3339))
	return err
}

func rowToPersisted(row runnerRow) gwtypes.PersistedRunner {
	seenAt, _ := time.Parse(time.RFC3339, row.LastSeenAt)
	var models []string
	if row.AvailableModels != "" {
		models = strings.Split(row.AvailableModels, ",")
	}
	return gwtypes.PersistedRunner{
		ID:              row.ID,
		Name:            row.Name,
		MAC:             row.MAC,
		MachineType:     row.MachineType,
		LastSeenAt:      seenAt,
		AvailableModels: models,
	}
}
