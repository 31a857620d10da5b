// Package sqlite implements store.Store on an embedded SQLite database
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/store"
)

// Config controls how the database file is opened.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store is the SQLite-backed archive store.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at cfg.Path. Times are stored
// as unix milliseconds so they sort numerically and scan back as time.Time.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_time_integer_format=unix_milli&_inttotime=1&_txlock=immediate",
		cfg.Path, busy.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway and a single
	// connection avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an existing handle (primarily for testing).
func NewWithDB(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range store.Schema(store.SQLite) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// PutBlob inserts data under hash if absent.
func (s *Store) PutBlob(ctx context.Context, hash string, data []byte) (bool, error) {
	return putBlob(ctx, s.db, hash, data, s.now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putBlob(ctx context.Context, db execer, hash string, data []byte, at time.Time) (bool, error) {
	if hash == "" {
		return false, fmt.Errorf("content hash is required")
	}
	if data == nil {
		data = []byte{}
	}
	res, err := db.ExecContext(ctx, store.InsertBlob, hash, data, len(data), at)
	if err != nil {
		return false, fmt.Errorf("insert blob: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("blob rows affected: %w", err)
	}
	return n == 1, nil
}

// GetBlob returns the content stored under hash.
func (s *Store) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, store.SelectBlob, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select blob: %w", err)
	}
	return data, nil
}

// PutAssetWithBlob writes blob then asset in one transaction.
func (s *Store) PutAssetWithBlob(ctx context.Context, rec crawler.AssetRecord, data []byte) (bool, error) {
	var inserted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if inserted, err = putBlob(ctx, tx, rec.ContentHash, data, s.now()); err != nil {
			return err
		}
		return insertAsset(ctx, tx, rec)
	})
	return inserted, err
}

// RecordAsset inserts an asset whose blob already exists.
func (s *Store) RecordAsset(ctx context.Context, rec crawler.AssetRecord) error {
	return insertAsset(ctx, s.db, rec)
}

func insertAsset(ctx context.Context, db execer, rec crawler.AssetRecord) error {
	if rec.URI == "" {
		return fmt.Errorf("asset uri is required")
	}
	_, err := db.ExecContext(ctx, store.InsertAsset,
		rec.URI, string(rec.Class), rec.ContentHash, rec.Size, rec.MIME, rec.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// AssetExists reports whether uri has an asset row.
func (s *Store) AssetExists(ctx context.Context, uri string) (bool, error) {
	return s.exists(ctx, store.AssetExistsQuery, uri)
}

// RecordPage writes the body blob then the page row in one transaction.
func (s *Store) RecordPage(ctx context.Context, rec crawler.PageRecord, body []byte) (bool, error) {
	if rec.URI == "" {
		return false, fmt.Errorf("page uri is required")
	}
	var inserted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if inserted, err = putBlob(ctx, tx, rec.ContentHash, body, s.now()); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, store.InsertPage,
			rec.URI, rec.ContentHash, rec.Title, rec.Depth, rec.StatusCode,
			rec.ContentType, rec.Size, rec.FetchedAt.UTC(), rec.SessionID)
		if err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
		return nil
	})
	return inserted, err
}

// PageExists reports whether uri has a page row.
func (s *Store) PageExists(ctx context.Context, uri string) (bool, error) {
	return s.exists(ctx, store.PageExistsQuery, uri)
}

// RecordLink appends an edge; duplicates are ignored.
func (s *Store) RecordLink(ctx context.Context, rec crawler.LinkRecord) error {
	if _, err := s.db.ExecContext(ctx, store.InsertLink, rec.From, rec.To, rec.Type); err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// RecordRedirect stores the first observed redirect for a source URL.
func (s *Store) RecordRedirect(ctx context.Context, rec crawler.RedirectRecord) error {
	if _, err := s.db.ExecContext(ctx, store.InsertRedirect, rec.From, rec.To, rec.StatusCode, rec.At.UTC()); err != nil {
		return fmt.Errorf("insert redirect: %w", err)
	}
	return nil
}

// AppendCDX appends one index entry.
func (s *Store) AppendCDX(ctx context.Context, e crawler.CDXEntry) error {
	_, err := s.db.ExecContext(ctx, store.InsertCDX,
		e.Timestamp.UTC().Format(store.CDXTimeFormat), e.URI, e.StatusCode, e.MIME,
		e.PayloadDigest, e.RecordRef, e.Length)
	if err != nil {
		return fmt.Errorf("insert cdx: %w", err)
	}
	return nil
}

// LookupCDX finds the newest capture of uri at or before at.
func (s *Store) LookupCDX(ctx context.Context, uri string, at time.Time) (crawler.CDXEntry, error) {
	var (
		e  crawler.CDXEntry
		ts string
	)
	err := s.db.QueryRowContext(ctx, store.LookupCDXQuery, uri, at.UTC().Format(store.CDXTimeFormat)).
		Scan(&ts, &e.URI, &e.StatusCode, &e.MIME, &e.PayloadDigest, &e.RecordRef, &e.Length)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.CDXEntry{}, store.ErrNotFound
	}
	if err != nil {
		return crawler.CDXEntry{}, fmt.Errorf("lookup cdx: %w", err)
	}
	if e.Timestamp, err = time.Parse(store.CDXTimeFormat, ts); err != nil {
		return crawler.CDXEntry{}, fmt.Errorf("parse cdx timestamp %q: %w", ts, err)
	}
	return e, nil
}

// LogError appends to the error log.
func (s *Store) LogError(ctx context.Context, rec crawler.ErrorRecord) error {
	at := rec.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, store.InsertError, rec.URL, string(rec.Kind), rec.Message, rec.Attempts, at.UTC())
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// Errors returns the error log in insertion order.
func (s *Store) Errors(ctx context.Context) ([]crawler.ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, store.SelectErrors)
	if err != nil {
		return nil, fmt.Errorf("select errors: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []crawler.ErrorRecord
	for rows.Next() {
		var (
			rec  crawler.ErrorRecord
			kind string
		)
		if err := rows.Scan(&rec.URL, &kind, &rec.Message, &rec.Attempts, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		rec.Kind = crawler.ErrorKind(kind)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate errors: %w", err)
	}
	return out, nil
}

// SaveCheckpoint upserts the session's checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp crawler.Checkpoint) error {
	if cp.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := s.db.ExecContext(ctx, store.UpsertCheckpoint,
		cp.SessionID, cp.URLsProcessed, cp.LastCheckpoint.UTC(), string(cp.Status))
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads one session's checkpoint.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID string) (crawler.Checkpoint, error) {
	return s.checkpoint(ctx, store.SelectCheckpoint, sessionID)
}

// LatestCheckpoint reads the most recent checkpoint of any session.
func (s *Store) LatestCheckpoint(ctx context.Context) (crawler.Checkpoint, error) {
	return s.checkpoint(ctx, store.SelectLatestCheckpoint)
}

func (s *Store) checkpoint(ctx context.Context, query string, args ...any) (crawler.Checkpoint, error) {
	var (
		cp     crawler.Checkpoint
		status string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&cp.SessionID, &cp.URLsProcessed, &cp.LastCheckpoint, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Checkpoint{}, store.ErrNotFound
	}
	if err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("select checkpoint: %w", err)
	}
	cp.Status = crawler.RunStatus(status)
	return cp, nil
}

// SetMetadata upserts a metadata entry.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, store.UpsertMetadata, key, value); err != nil {
		return fmt.Errorf("upsert metadata %s: %w", key, err)
	}
	return nil
}

// Metadata returns every metadata entry.
func (s *Store) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, store.SelectMetadata)
	if err != nil {
		return nil, fmt.Errorf("select metadata: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metadata: %w", err)
	}
	return out, nil
}

// VisitedURLs lists URLs settled by earlier runs.
func (s *Store) VisitedURLs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, store.SelectVisited)
	if err != nil {
		return nil, fmt.Errorf("select visited: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, fmt.Errorf("scan visited: %w", err)
		}
		out = append(out, uri)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visited: %w", err)
	}
	return out, nil
}

// PendingLinks lists unsettled link targets.
func (s *Store) PendingLinks(ctx context.Context) ([]store.PendingURL, error) {
	rows, err := s.db.QueryContext(ctx, store.SelectPending)
	if err != nil {
		return nil, fmt.Errorf("select pending links: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []store.PendingURL
	for rows.Next() {
		var p store.PendingURL
		if err := rows.Scan(&p.URL, &p.Depth); err != nil {
			return nil, fmt.Errorf("scan pending link: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending links: %w", err)
	}
	return out, nil
}

// Captures lists stored pages and assets ordered by URI.
func (s *Store) Captures(ctx context.Context) ([]store.Capture, error) {
	rows, err := s.db.QueryContext(ctx, store.SelectCaptures)
	if err != nil {
		return nil, fmt.Errorf("select captures: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []store.Capture
	for rows.Next() {
		var (
			c    store.Capture
			page int
		)
		if err := rows.Scan(&c.URI, &c.ContentHash, &c.MIME, &page); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		c.Page = page == 1
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate captures: %w", err)
	}
	return out, nil
}

// Stats returns aggregate counts.
func (s *Store) Stats(ctx context.Context) (crawler.Stats, error) {
	var st crawler.Stats
	err := s.db.QueryRowContext(ctx, store.SelectStats).Scan(
		&st.Pages, &st.Assets, &st.DistinctBlobs, &st.AssetHashes, &st.TotalBytes, &st.ErrorsRecorded)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("select stats: %w", err)
	}
	return st, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, query, uri string) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, uri).Scan(&ok); err != nil {
		return false, fmt.Errorf("exists query: %w", err)
	}
	return ok, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
