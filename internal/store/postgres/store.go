// Package postgres implements store.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

type pool interface {
	execer
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store is the Postgres-backed archive store.
type Store struct {
	pool   pool
	now    func() time.Time
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, now: func() time.Time { return time.Now().UTC() }, logger: logger}, nil
}

var (
	insertBlob       = store.Rebind(store.InsertBlob)
	selectBlob       = store.Rebind(store.SelectBlob)
	insertAsset      = store.Rebind(store.InsertAsset)
	assetExists      = store.Rebind(store.AssetExistsQuery)
	insertPage       = store.Rebind(store.InsertPage)
	pageExists       = store.Rebind(store.PageExistsQuery)
	insertLink       = store.Rebind(store.InsertLink)
	insertRedirect   = store.Rebind(store.InsertRedirect)
	insertCDX        = store.Rebind(store.InsertCDX)
	lookupCDX        = store.Rebind(store.LookupCDXQuery)
	insertError      = store.Rebind(store.InsertError)
	upsertCheckpoint = store.Rebind(store.UpsertCheckpoint)
	selectCheckpoint = store.Rebind(store.SelectCheckpoint)
	upsertMetadata   = store.Rebind(store.UpsertMetadata)
)

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range store.Schema(store.Postgres) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// PutBlob inserts data under hash if absent.
func (s *Store) PutBlob(ctx context.Context, hash string, data []byte) (bool, error) {
	return putBlob(ctx, s.pool, hash, data, s.now())
}

func putBlob(ctx context.Context, db execer, hash string, data []byte, at time.Time) (bool, error) {
	if hash == "" {
		return false, fmt.Errorf("content hash is required")
	}
	if data == nil {
		data = []byte{}
	}
	tag, err := db.Exec(ctx, insertBlob, hash, data, int64(len(data)), at)
	if err != nil {
		return false, fmt.Errorf("insert blob: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetBlob returns the content stored under hash.
func (s *Store) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, selectBlob, hash).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if inserted, err = putBlob(ctx, tx, rec.ContentHash, data, s.now()); err != nil {
			return err
		}
		return recordAsset(ctx, tx, rec)
	})
	return inserted, err
}

// RecordAsset inserts an asset whose blob already exists.
func (s *Store) RecordAsset(ctx context.Context, rec crawler.AssetRecord) error {
	return recordAsset(ctx, s.pool, rec)
}

func recordAsset(ctx context.Context, db execer, rec crawler.AssetRecord) error {
	if rec.URI == "" {
		return fmt.Errorf("asset uri is required")
	}
	if _, err := db.Exec(ctx, insertAsset,
		rec.URI, string(rec.Class), rec.ContentHash, rec.Size, rec.MIME, rec.FetchedAt.UTC()); err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// AssetExists reports whether uri has an asset row.
func (s *Store) AssetExists(ctx context.Context, uri string) (bool, error) {
	return s.exists(ctx, assetExists, uri)
}

// RecordPage writes the body blob then the page row in one transaction.
func (s *Store) RecordPage(ctx context.Context, rec crawler.PageRecord, body []byte) (bool, error) {
	if rec.URI == "" {
		return false, fmt.Errorf("page uri is required")
	}
	var inserted bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if inserted, err = putBlob(ctx, tx, rec.ContentHash, body, s.now()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertPage,
			rec.URI, rec.ContentHash, rec.Title, rec.Depth, rec.StatusCode,
			rec.ContentType, rec.Size, rec.FetchedAt.UTC(), rec.SessionID); err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
		return nil
	})
	return inserted, err
}

// PageExists reports whether uri has a page row.
func (s *Store) PageExists(ctx context.Context, uri string) (bool, error) {
	return s.exists(ctx, pageExists, uri)
}

// RecordLink appends an edge; duplicates are ignored.
func (s *Store) RecordLink(ctx context.Context, rec crawler.LinkRecord) error {
	if _, err := s.pool.Exec(ctx, insertLink, rec.From, rec.To, rec.Type); err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// RecordRedirect stores the first observed redirect for a source URL.
func (s *Store) RecordRedirect(ctx context.Context, rec crawler.RedirectRecord) error {
	if _, err := s.pool.Exec(ctx, insertRedirect, rec.From, rec.To, rec.StatusCode, rec.At.UTC()); err != nil {
		return fmt.Errorf("insert redirect: %w", err)
	}
	return nil
}

// AppendCDX appends one index entry.
func (s *Store) AppendCDX(ctx context.Context, e crawler.CDXEntry) error {
	if _, err := s.pool.Exec(ctx, insertCDX,
		e.Timestamp.UTC().Format(store.CDXTimeFormat), e.URI, e.StatusCode, e.MIME,
		e.PayloadDigest, e.RecordRef, e.Length); err != nil {
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
	err := s.pool.QueryRow(ctx, lookupCDX, uri, at.UTC().Format(store.CDXTimeFormat)).
		Scan(&ts, &e.URI, &e.StatusCode, &e.MIME, &e.PayloadDigest, &e.RecordRef, &e.Length)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if _, err := s.pool.Exec(ctx, insertError, rec.URL, string(rec.Kind), rec.Message, rec.Attempts, at.UTC()); err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// Errors returns the error log in insertion order.
func (s *Store) Errors(ctx context.Context) ([]crawler.ErrorRecord, error) {
	return collect(ctx, s.pool, store.SelectErrors, "errors", func(rows pgx.Rows) (crawler.ErrorRecord, error) {
		var (
			rec  crawler.ErrorRecord
			kind string
		)
		err := rows.Scan(&rec.URL, &kind, &rec.Message, &rec.Attempts, &rec.Timestamp)
		rec.Kind = crawler.ErrorKind(kind)
		return rec, err
	})
}

// SaveCheckpoint upserts the session's checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp crawler.Checkpoint) error {
	if cp.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if _, err := s.pool.Exec(ctx, upsertCheckpoint,
		cp.SessionID, cp.URLsProcessed, cp.LastCheckpoint.UTC(), string(cp.Status)); err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads one session's checkpoint.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID string) (crawler.Checkpoint, error) {
	return s.checkpoint(ctx, selectCheckpoint, sessionID)
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
	err := s.pool.QueryRow(ctx, query, args...).Scan(&cp.SessionID, &cp.URLsProcessed, &cp.LastCheckpoint, &status)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if _, err := s.pool.Exec(ctx, upsertMetadata, key, value); err != nil {
		return fmt.Errorf("upsert metadata %s: %w", key, err)
	}
	return nil
}

// Metadata returns every metadata entry.
func (s *Store) Metadata(ctx context.Context) (map[string]string, error) {
	type kv struct{ k, v string }
	pairs, err := collect(ctx, s.pool, store.SelectMetadata, "metadata", func(rows pgx.Rows) (kv, error) {
		var p kv
		err := rows.Scan(&p.k, &p.v)
		return p, err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.k] = p.v
	}
	return out, nil
}

// VisitedURLs lists URLs settled by earlier runs.
func (s *Store) VisitedURLs(ctx context.Context) ([]string, error) {
	return collect(ctx, s.pool, store.SelectVisited, "visited", func(rows pgx.Rows) (string, error) {
		var uri string
		err := rows.Scan(&uri)
		return uri, err
	})
}

// PendingLinks lists unsettled link targets.
func (s *Store) PendingLinks(ctx context.Context) ([]store.PendingURL, error) {
	return collect(ctx, s.pool, store.SelectPending, "pending links", func(rows pgx.Rows) (store.PendingURL, error) {
		var p store.PendingURL
		err := rows.Scan(&p.URL, &p.Depth)
		return p, err
	})
}

// Captures lists stored pages and assets ordered by URI.
func (s *Store) Captures(ctx context.Context) ([]store.Capture, error) {
	return collect(ctx, s.pool, store.SelectCaptures, "captures", func(rows pgx.Rows) (store.Capture, error) {
		var (
			c    store.Capture
			page int
		)
		err := rows.Scan(&c.URI, &c.ContentHash, &c.MIME, &page)
		c.Page = page == 1
		return c, err
	})
}

// Stats returns aggregate counts.
func (s *Store) Stats(ctx context.Context) (crawler.Stats, error) {
	var st crawler.Stats
	err := s.pool.QueryRow(ctx, store.SelectStats).Scan(
		&st.Pages, &st.Assets, &st.DistinctBlobs, &st.AssetHashes, &st.TotalBytes, &st.ErrorsRecorded)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("select stats: %w", err)
	}
	return st, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) exists(ctx context.Context, query, uri string) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, query, uri).Scan(&ok); err != nil {
		return false, fmt.Errorf("exists query: %w", err)
	}
	return ok, nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func collect[T any](ctx context.Context, p pool, query, what string, scan func(pgx.Rows) (T, error)) ([]T, error) {
	rows, err := p.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", what, err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}
