// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog implements the single schema-authoritative record
// of committed artifacts, backed by SQLite in WAL mode. Only the
// daemon opens the catalog writable; producers never touch it, and
// readers (CLI, export engine, health tooling) open it read-only.
// Schema migrations are applied exclusively by the daemon at startup,
// which is what insulates producers and readers from catalog schema
// evolution.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/artifactbus/lib/hash"
	"github.com/bureau-foundation/artifactbus/lib/identity"
)

// schemaVersion is the current catalog schema version, stored in
// PRAGMA user_version. Migrate upgrades older catalogs in order and
// refuses catalogs from a newer daemon.
const schemaVersion = 1

// Config holds the parameters for opening a catalog.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist. The file is created on first writable open.
	Path string

	// PoolSize is the number of connections. Defaults to 4. Writes
	// are serialized by SQLite regardless; extra connections only help
	// concurrent readers.
	PoolSize int

	// ReadOnly opens the catalog without write access and skips
	// migration. Everything except the daemon opens it this way.
	ReadOnly bool

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger
}

// Catalog is a handle on the catalog database. Safe for concurrent
// use; individual connections are not shared across goroutines.
type Catalog struct {
	pool     *sqlitex.Pool
	path     string
	readOnly bool
	logger   *slog.Logger
}

// Open opens (and for writable handles, creates) the catalog
// database. Writable callers must run Migrate before any other
// operation.
func Open(cfg Config) (*Catalog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("catalog: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	flags := sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenWAL | sqlite.OpenURI
	if cfg.ReadOnly {
		flags = sqlite.OpenReadOnly | sqlite.OpenWAL | sqlite.OpenURI
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		Flags:    flags,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.ReadOnly)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", cfg.Path, err)
	}

	logger.Info("catalog opened",
		"path", cfg.Path,
		"read_only", cfg.ReadOnly,
	)

	return &Catalog{
		pool:     pool,
		path:     cfg.Path,
		readOnly: cfg.ReadOnly,
		logger:   logger,
	}, nil
}

// prepareConnection applies per-connection pragmas. Read-only handles
// skip the journal mode pragma — switching journal modes is a write.
func prepareConnection(conn *sqlite.Conn, readOnly bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
		)
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("catalog: %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the connection pool. Blocks until all borrowed
// connections are returned.
func (c *Catalog) Close() error {
	if err := c.pool.Close(); err != nil {
		return fmt.Errorf("catalog: closing %s: %w", c.path, err)
	}
	return nil
}

// Migrate brings the catalog schema to the current version. Creating
// missing tables never drops or rewrites existing rows. Only the
// daemon calls this, once, at startup.
func (c *Catalog) Migrate(ctx context.Context) error {
	if c.readOnly {
		return fmt.Errorf("catalog: migrate on read-only handle")
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	defer c.pool.Put(conn)

	var version int64
	err = sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("catalog: reading schema version: %w", err)
	}

	if version > schemaVersion {
		return fmt.Errorf("catalog: database schema version %d is newer than this daemon's %d", version, schemaVersion)
	}
	if version == schemaVersion {
		return nil
	}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("catalog: begin migration: %w", err)
	}
	defer endTransaction(&err)

	if version < 1 {
		if err = sqlitex.ExecuteScript(conn, schemaV1, nil); err != nil {
			return fmt.Errorf("catalog: applying schema v1: %w", err)
		}
	}

	if err = sqlitex.ExecuteTransient(conn,
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion), nil); err != nil {
		return fmt.Errorf("catalog: recording schema version: %w", err)
	}

	c.logger.Info("catalog schema migrated",
		"from", version,
		"to", schemaVersion,
	)
	return nil
}

// schemaV1 is the initial catalog schema. runs_d holds one row per
// (run_id, producer, kind); schema_d is the registry of known schema
// hints.
const schemaV1 = `
	CREATE TABLE IF NOT EXISTS runs_d (
		run_id         TEXT NOT NULL,
		producer       TEXT NOT NULL,
		kind           TEXT NOT NULL,
		artifact_id    TEXT NOT NULL,
		canonical_path TEXT NOT NULL,
		content_hash   TEXT NOT NULL,
		schema_hint    TEXT,
		rows           INTEGER NOT NULL,
		meta           TEXT,
		created_at     TEXT NOT NULL,
		last_seen_at   TEXT NOT NULL,
		PRIMARY KEY (run_id, producer, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_d_target ON runs_d(producer, kind, last_seen_at);

	CREATE TABLE IF NOT EXISTS schema_d (
		name          TEXT PRIMARY KEY,
		registered_at TEXT NOT NULL
	);
`

// RegisterSchemas adds schema hints to the known set. Already
// registered hints are left untouched (their registration time is
// preserved).
func (c *Catalog) RegisterSchemas(ctx context.Context, hints []string, now time.Time) error {
	if len(hints) == 0 {
		return nil
	}
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("catalog: register schemas: %w", err)
	}
	defer c.pool.Put(conn)

	for _, hint := range hints {
		err := sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO schema_d (name, registered_at) VALUES (?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{hint, formatTime(now)},
			})
		if err != nil {
			return fmt.Errorf("catalog: registering schema %q: %w", hint, err)
		}
	}
	return nil
}

// KnownSchema reports whether a schema hint is registered. The empty
// hint is always known: it means untyped.
func (c *Catalog) KnownSchema(ctx context.Context, hint string) (bool, error) {
	if hint == "" {
		return true, nil
	}
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("catalog: known schema: %w", err)
	}
	defer c.pool.Put(conn)

	known := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM schema_d WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{hint},
			ResultFunc: func(*sqlite.Stmt) error {
				known = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("catalog: checking schema %q: %w", hint, err)
	}
	return known, nil
}

// Entry is one catalog row.
type Entry struct {
	Identity      identity.Identity
	CanonicalPath string
	ContentHash   hash.Hash
	SchemaHint    string
	Rows          int64
	Meta          map[string]any
	CreatedAt     time.Time
	LastSeenAt    time.Time
}

// Upsert records a committed artifact. A row already present for the
// (run, producer, kind) key is updated in place — last_seen_at moves
// forward, created_at is preserved. Idempotent: replaying the same
// upsert after a crash is harmless.
func (c *Catalog) Upsert(ctx context.Context, entry *Entry) error {
	var metaJSON any
	if len(entry.Meta) > 0 {
		data, err := json.Marshal(entry.Meta)
		if err != nil {
			return fmt.Errorf("catalog: marshal meta for %s: %w", entry.Identity, err)
		}
		metaJSON = string(data)
	}

	var schemaHint any
	if entry.SchemaHint != "" {
		schemaHint = entry.SchemaHint
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("catalog: upsert: %w", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO runs_d
			(run_id, producer, kind, artifact_id, canonical_path,
			 content_hash, schema_hint, rows, meta, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, producer, kind) DO UPDATE SET
			artifact_id    = excluded.artifact_id,
			canonical_path = excluded.canonical_path,
			content_hash   = excluded.content_hash,
			schema_hint    = excluded.schema_hint,
			rows           = excluded.rows,
			meta           = excluded.meta,
			last_seen_at   = excluded.last_seen_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				entry.Identity.RunID,
				entry.Identity.Producer,
				entry.Identity.Kind,
				entry.Identity.ArtifactID,
				entry.CanonicalPath,
				hash.Format(entry.ContentHash),
				schemaHint,
				entry.Rows,
				metaJSON,
				formatTime(entry.CreatedAt),
				formatTime(entry.LastSeenAt),
			},
		})
	if err != nil {
		return fmt.Errorf("catalog: upserting %s: %w", entry.Identity, err)
	}
	return nil
}

// Get returns the entry for an exact (run, producer, kind) key, or
// nil when absent.
func (c *Catalog) Get(ctx context.Context, runID, producer, kind string) (*Entry, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: get: %w", err)
	}
	defer c.pool.Put(conn)

	var result *Entry
	err = sqlitex.Execute(conn,
		selectColumns+` FROM runs_d WHERE run_id = ? AND producer = ? AND kind = ?`,
		&sqlitex.ExecOptions{
			Args: []any{runID, producer, kind},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				result = entry
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s/%s/%s: %w", runID, producer, kind, err)
	}
	return result, nil
}

// LatestArtifacts returns the most recently committed entry per
// (producer, kind). Empty producer or kind matches everything. The
// result is ordered by producer then kind; ties on last_seen_at break
// toward the most recently inserted row.
func (c *Catalog) LatestArtifacts(ctx context.Context, producer, kind string) ([]Entry, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: latest artifacts: %w", err)
	}
	defer c.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn,
		selectColumns+` FROM runs_d AS r
		WHERE r.rowid IN (
			SELECT q.rowid FROM runs_d AS q
			WHERE q.producer = r.producer AND q.kind = r.kind
			ORDER BY q.last_seen_at DESC, q.rowid DESC
			LIMIT 1
		)
		AND (?1 = '' OR r.producer = ?1)
		AND (?2 = '' OR r.kind = ?2)
		ORDER BY r.producer, r.kind`,
		&sqlitex.ExecOptions{
			Args: []any{producer, kind},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				entries = append(entries, *entry)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: querying latest artifacts: %w", err)
	}
	return entries, nil
}

// ProducerKind identifies one export target.
type ProducerKind struct {
	Producer string
	Kind     string
}

// Targets returns the distinct (producer, kind) pairs present in the
// catalog.
func (c *Catalog) Targets(ctx context.Context) ([]ProducerKind, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: targets: %w", err)
	}
	defer c.pool.Put(conn)

	var targets []ProducerKind
	err = sqlitex.Execute(conn,
		`SELECT DISTINCT producer, kind FROM runs_d ORDER BY producer, kind`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				targets = append(targets, ProducerKind{
					Producer: stmt.ColumnText(0),
					Kind:     stmt.ColumnText(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: listing targets: %w", err)
	}
	return targets, nil
}

// AllEntries returns every catalog row. Used by startup recovery to
// reconcile the catalog against the store.
func (c *Catalog) AllEntries(ctx context.Context) ([]Entry, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: all entries: %w", err)
	}
	defer c.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn,
		selectColumns+` FROM runs_d ORDER BY producer, kind, run_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				entries = append(entries, *entry)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: listing entries: %w", err)
	}
	return entries, nil
}

// selectColumns is the shared column list; scanEntry depends on this
// exact order.
const selectColumns = `SELECT run_id, producer, kind, artifact_id, canonical_path,
	content_hash, schema_hint, rows, meta, created_at, last_seen_at`

// scanEntry decodes one runs_d row.
func scanEntry(stmt *sqlite.Stmt) (*Entry, error) {
	entry := &Entry{
		Identity: identity.Identity{
			RunID:      stmt.ColumnText(0),
			Producer:   stmt.ColumnText(1),
			Kind:       stmt.ColumnText(2),
			ArtifactID: stmt.ColumnText(3),
		},
		CanonicalPath: stmt.ColumnText(4),
		SchemaHint:    stmt.ColumnText(6),
		Rows:          stmt.ColumnInt64(7),
	}

	contentHash, err := hash.Parse(stmt.ColumnText(5))
	if err != nil {
		return nil, fmt.Errorf("catalog: row %s has a corrupt content hash: %w", entry.Identity, err)
	}
	entry.ContentHash = contentHash

	if metaJSON := stmt.ColumnText(8); metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &entry.Meta); err != nil {
			return nil, fmt.Errorf("catalog: row %s has corrupt meta: %w", entry.Identity, err)
		}
	}

	entry.CreatedAt, err = parseTime(stmt.ColumnText(9))
	if err != nil {
		return nil, fmt.Errorf("catalog: row %s has a corrupt created_at: %w", entry.Identity, err)
	}
	entry.LastSeenAt, err = parseTime(stmt.ColumnText(10))
	if err != nil {
		return nil, fmt.Errorf("catalog: row %s has a corrupt last_seen_at: %w", entry.Identity, err)
	}
	return entry, nil
}

// timeLayout is RFC 3339 in UTC with the fractional second padded to a
// fixed nine digits. RFC3339Nano would trim trailing zeros, and a
// variable-width fraction is not lexicographically ordered ("…00.5Z"
// sorts after "…00.52Z"); the latest-per-target query orders the text
// column directly, so the stored form must sort like the timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp for storage: fixed-width UTC text,
// sortable and readable by external tooling.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
