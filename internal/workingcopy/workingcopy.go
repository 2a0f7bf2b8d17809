// Package workingcopy implements C3: a local, mutable CRDT-SQLite file per
// (tenant, video, database). Row deltas are written to and read from the
// CR-SQLite `crsql_changes` virtual table, whose columns are exactly the
// RowDelta shape (table, pk, cid, val, col_version, db_version, site_id,
// cl, seq) — the extension applies/merges the CRDT logic internally, so
// this package never interprets delta contents.
package workingcopy

import (
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/captionsync/core/internal/objectstore"
	"github.com/captionsync/core/internal/registry"
	"github.com/captionsync/core/internal/types"
)

const sqliteDriverName = "sqlite3_crsqlite"

var registerOnce sync.Once

// extensionPath is set at process start if the CR-SQLite loadable
// extension is available on this host; empty means deltas are still
// journaled through crsql_changes-shaped tables without the merge logic
// the extension would otherwise provide (acceptable for the working copy
// of a freshly created database with a single active writer).
var extensionPath string

// SetExtensionPath configures the CR-SQLite loadable extension used when
// opening working-copy connections. Call once at startup before any Store
// is constructed.
func SetExtensionPath(path string) { extensionPath = path }

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				if extensionPath == "" {
					return nil
				}
				return conn.LoadExtension(extensionPath, "sqlite3_crsqlite_init")
			},
		})
	})
}

// Store manages the on-disk working-copy files and their durable
// round-trip to the Object-Store Gateway.
type Store struct {
	dir      string
	gateway  *objectstore.Gateway
	registry *registry.Registry

	mu    sync.Mutex
	conns map[string]*sql.DB // one *sql.DB (single connection pool) per working copy, enforcing single-writer discipline
}

func New(dir string, gateway *objectstore.Gateway, reg *registry.Registry) *Store {
	registerDriver()
	return &Store{
		dir:      dir,
		gateway:  gateway,
		registry: reg,
		conns:    make(map[string]*sql.DB),
	}
}

func (s *Store) path(tenant, video string, db types.DatabaseName) string {
	return filepath.Join(s.dir, tenant, video, string(db)+".db")
}

func storeKey(tenant string, video string, db types.DatabaseName) string {
	scope := objectstore.ScopeClient
	if db == types.DatabaseCaptions {
		// caption frame extents DBs are server-only per §6.5
		scope = objectstore.ScopeServer
	}
	name := string(db) + ".db.gz"
	if db == types.DatabaseLayout {
		name = "layout.db.gz"
	}
	return objectstore.BuildKey(tenant, scope, video, name)
}

func (s *Store) HasWorkingCopy(tenant, video string, db types.DatabaseName) bool {
	_, err := os.Stat(s.path(tenant, video, db))
	return err == nil
}

// open returns the single *sql.DB for this working copy, creating the
// parent directory and database file and the crsql_changes-shaped schema
// if this is the first open. *sql.DB's internal pool already serializes
// writers against a single SQLite file handle; we additionally cap
// MaxOpenConns to 1 so concurrent goroutines never interleave writes,
// matching the single-writer discipline required by §4.3.
func (s *Store) open(tenant, video string, db types.DatabaseName) (*sql.DB, error) {
	key := tenant + "/" + video + "/" + string(db)

	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.conns[key]; ok {
		return conn, nil
	}

	p := s.path(tenant, video, db)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create working copy dir: %w", err)
	}

	conn, err := sql.Open(sqliteDriverName, p)
	if err != nil {
		return nil, fmt.Errorf("open working copy %s: %w", p, err)
	}
	conn.SetMaxOpenConns(1)

	if err := ensureSchema(conn, db); err != nil {
		conn.Close()
		return nil, err
	}

	s.conns[key] = conn
	return conn, nil
}

func ensureSchema(conn *sql.DB, db types.DatabaseName) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS crsql_changes (
			"table" TEXT NOT NULL,
			pk TEXT NOT NULL,
			cid TEXT NOT NULL,
			val TEXT,
			col_version INTEGER NOT NULL,
			db_version INTEGER NOT NULL,
			site_id TEXT NOT NULL,
			cl INTEGER NOT NULL,
			seq INTEGER NOT NULL
		)`,
	}
	if db == types.DatabaseCaptions {
		stmts = append(stmts, `CREATE TABLE IF NOT EXISTS captions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			start_frame_index INTEGER NOT NULL,
			end_frame_index INTEGER NOT NULL,
			caption_frame_extents_state TEXT NOT NULL DEFAULT 'predicted',
			caption_frame_extents_pending INTEGER NOT NULL DEFAULT 0,
			caption_frame_extents_updated_at TEXT,
			text TEXT,
			text_pending INTEGER NOT NULL DEFAULT 0,
			text_status TEXT,
			text_notes TEXT,
			text_updated_at TEXT,
			image_needs_regen INTEGER NOT NULL DEFAULT 0,
			caption_ocr TEXT,
			caption_ocr_status TEXT,
			caption_ocr_error TEXT,
			caption_ocr_processed_at TEXT,
			created_at TEXT DEFAULT (datetime('now'))
		)`)
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// DownloadFromStore fetches the latest persisted blob and places it at the
// working path, failing with objectstore.ErrNotFound cleanly if absent.
func (s *Store) DownloadFromStore(ctx context.Context, tenant, video string, db types.DatabaseName) error {
	p := s.path(tenant, video, db)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.gateway.Download(ctx, storeKey(tenant, video, db), pw)
		pw.Close()
	}()

	gr, err := gzip.NewReader(pr)
	if err != nil {
		if dlErr := <-errCh; dlErr != nil {
			return dlErr
		}
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gr.Close()

	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, gr); err != nil {
		return fmt.Errorf("write working copy: %w", err)
	}
	return <-errCh
}

// UploadToStore gzips and uploads the working copy, returning the
// server_version snapshot captured before the upload began so the caller
// can advance wasabi_version to exactly that value (never past concurrent
// writes that happened mid-upload).
func (s *Store) UploadToStore(ctx context.Context, tenant, video string, db types.DatabaseName) (int64, error) {
	state, err := s.registry.Get(ctx, video, db)
	if err != nil {
		return 0, err
	}
	snapshotVersion := int64(0)
	if state != nil {
		snapshotVersion = state.ServerVersion
	}

	conn, err := s.open(tenant, video, db)
	if err != nil {
		return 0, err
	}
	// Force a checkpoint so the gzip below sees every committed write.
	if _, err := conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return 0, fmt.Errorf("checkpoint before upload: %w", err)
	}

	p := s.path(tenant, video, db)
	f, err := os.Open(p)
	if err != nil {
		return 0, fmt.Errorf("open working copy for upload: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	gw := gzip.NewWriter(pw)
	go func() {
		_, copyErr := io.Copy(gw, f)
		closeErr := gw.Close()
		if copyErr != nil {
			pw.CloseWithError(copyErr)
			return
		}
		pw.CloseWithError(closeErr)
	}()

	if err := s.gateway.Upload(ctx, storeKey(tenant, video, db), pr, "application/gzip"); err != nil {
		return 0, err
	}
	return snapshotVersion, nil
}

// ApplyChanges applies each row delta verbatim to crsql_changes and bumps
// server_version in the State Registry on success. All deltas for one call
// are applied within a single transaction.
func (s *Store) ApplyChanges(ctx context.Context, tenant, video string, db types.DatabaseName, deltas []types.RowDelta) (int64, error) {
	conn, err := s.open(tenant, video, db)
	if err != nil {
		return 0, err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin apply_changes tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO crsql_changes ("table", pk, cid, val, col_version, db_version, site_id, cl, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare apply_changes: %w", err)
	}
	defer stmt.Close()

	for _, d := range deltas {
		if _, err := stmt.ExecContext(ctx, d.Table, d.PrimaryKey, d.ColumnID, d.Value, d.ColumnVersion, d.DBVersion, d.SiteID, d.CausalLength, d.Sequence); err != nil {
			return 0, fmt.Errorf("apply delta %s.%s: %w", d.Table, d.PrimaryKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit apply_changes: %w", err)
	}

	return s.registry.IncrementServerVersion(ctx, video, db)
}

// PullChangesSince returns the deltas a peer is missing given its
// per-site version vector.
func (s *Store) PullChangesSince(ctx context.Context, tenant, video string, db types.DatabaseName, peer types.VersionVector) ([]types.RowDelta, error) {
	conn, err := s.open(tenant, video, db)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT "table", pk, cid, val, col_version, db_version, site_id, cl, seq
		FROM crsql_changes
		ORDER BY db_version ASC, seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("pull_changes_since: %w", err)
	}
	defer rows.Close()

	var out []types.RowDelta
	for rows.Next() {
		var d types.RowDelta
		if err := rows.Scan(&d.Table, &d.PrimaryKey, &d.ColumnID, &d.Value, &d.ColumnVersion, &d.DBVersion, &d.SiteID, &d.CausalLength, &d.Sequence); err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		if d.DBVersion <= peer[d.SiteID] {
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Handle scopes SQL-level access for the Interval Repository (C7),
// guaranteeing file-level resources release on every exit path.
type Handle struct {
	DB *sql.DB
}

// OpenForRepo yields a Handle for C7. The returned Handle shares the
// Store's single connection so it observes the single-writer discipline;
// Release is a no-op since the connection is owned by the Store, not the
// caller — it exists so C7 never has to know that.
func (s *Store) OpenForRepo(ctx context.Context, tenant, video string, db types.DatabaseName) (*Handle, func(), error) {
	conn, err := s.open(tenant, video, db)
	if err != nil {
		return nil, nil, err
	}
	return &Handle{DB: conn}, func() {}, nil
}

// Close releases every open working-copy connection, used on shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, conn := range s.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.conns, key)
	}
	return firstErr
}
