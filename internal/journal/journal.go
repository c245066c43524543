// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

// Package journal keeps a history of sync attempts in a SQL database.
// SQLite, PostgreSQL and MySQL are supported through bun.
package journal // import "github.com/toeirei/gatekeeper/internal/journal"

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/toeirei/gatekeeper/internal/logging"
	"github.com/toeirei/gatekeeper/internal/syncer"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	// SQL drivers for the remaining backends.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// sqlOpenFunc allows tests to override database opening behavior.
var sqlOpenFunc = sql.Open

// Entry is one recorded sync attempt.
type Entry struct {
	bun.BaseModel `bun:"table:sync_journal"`

	ID            int64     `bun:"id,pk,autoincrement"`
	SyncID        string    `bun:"sync_id,notnull"`
	Source        string    `bun:"source,notnull"`
	State         string    `bun:"state,notnull"`
	Committed     bool      `bun:"committed,notnull"`
	LocalVersion  string    `bun:"local_version"`
	RemoteVersion string    `bun:"remote_version"`
	Version       string    `bun:"version"`
	BytesExpected int64     `bun:"bytes_expected"`
	BytesReceived int64     `bun:"bytes_received"`
	Records       int       `bun:"records"`
	Malformed     int       `bun:"malformed"`
	Error         string    `bun:"error"`
	StartedAt     time.Time `bun:"started_at,notnull"`
	DurationMS    int64     `bun:"duration_ms"`
}

// Journal is a bun-backed sync history.
type Journal struct {
	db *bun.DB
}

// Open connects to the journal database and makes sure its table exists.
// dbType is one of "sqlite", "postgres" or "mysql".
func Open(ctx context.Context, dbType, dsn string) (*Journal, error) {
	driverName := dbType
	switch dbType {
	case "sqlite":
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
	case "postgres":
		// The pgx stdlib registers driver name "pgx".
		driverName = "pgx"
	case "mysql":
	default:
		return nil, fmt.Errorf("unsupported journal database type '%s'", dbType)
	}

	start := time.Now()
	sqlDB, err := sqlOpenFunc(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	maxOpen := envInt("GATEKEEPER_JOURNAL_MAX_OPEN_CONNS", 4)
	// Every connection to an in-memory SQLite database sees its own database.
	if dbType == "sqlite" && isMemory(dsn) {
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Duration(envInt("GATEKEEPER_JOURNAL_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second)

	j := &Journal{db: createBunDB(sqlDB, dbType)}
	if err := j.migrate(ctx); err != nil {
		_ = j.Close()
		return nil, err
	}
	logging.Debugf("journal: opened %s database in %s", dbType, time.Since(start))
	return j, nil
}

// createBunDB wraps sqlDB with the bun dialect for dbType.
func createBunDB(sqlDB *sql.DB, dbType string) *bun.DB {
	switch dbType {
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

func (j *Journal) migrate(ctx context.Context) error {
	_, err := j.db.NewCreateTable().Model((*Entry)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}
	return nil
}

// Record stores o. It satisfies syncer.Recorder.
func (j *Journal) Record(ctx context.Context, o syncer.Outcome) error {
	e := &Entry{
		SyncID:        o.ID,
		Source:        o.Source,
		State:         o.State.String(),
		Committed:     o.Committed,
		LocalVersion:  o.LocalVersion,
		RemoteVersion: o.RemoteVersion,
		Version:       o.Version,
		BytesExpected: o.BytesExpected,
		BytesReceived: o.BytesReceived,
		Records:       o.Records,
		Malformed:     o.Malformed,
		StartedAt:     o.Started.UTC(),
		DurationMS:    o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	if _, err := j.db.NewInsert().Model(e).Exec(ctx); err != nil {
		return fmt.Errorf("failed to record sync %s: %w", o.ID, err)
	}
	return nil
}

// List returns up to limit entries, newest first. A limit of zero or less
// returns everything.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	q := j.db.NewSelect().Model(&entries).OrderExpr("started_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	return entries, nil
}

// Prune deletes all but the newest keep entries and reports how many rows
// went away.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	var ids []int64
	err := j.db.NewSelect().Model((*Entry)(nil)).Column("id").
		OrderExpr("started_at DESC, id DESC").Scan(ctx, &ids)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	if keep < 0 {
		keep = 0
	}
	if len(ids) <= keep {
		return 0, nil
	}
	res, err := j.db.NewDelete().Model((*Entry)(nil)).Where("id IN (?)", bun.In(ids[keep:])).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory") || strings.HasPrefix(dsn, "file::memory:")
}

// ensureDir creates the parent directory of a file-backed SQLite database.
func ensureDir(dsn string) error {
	if isMemory(dsn) {
		return nil
	}
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	dir := filepath.Dir(p)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	return nil
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
