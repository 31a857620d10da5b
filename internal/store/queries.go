package store

import (
	"strconv"
	"strings"
)

// Statements shared by the backends, written with ? placeholders. Postgres
// callers pass them through Rebind.
const (
	InsertBlob = `INSERT INTO asset_blobs (content_hash, content, size, created_at)
VALUES (?, ?, ?, ?) ON CONFLICT (content_hash) DO NOTHING`
	SelectBlob = `SELECT content FROM asset_blobs WHERE content_hash = ?`

	InsertAsset = `INSERT INTO assets (uri, asset_class, content_hash, byte_size, mime_type, fetched_at)
VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (uri) DO NOTHING`
	AssetExistsQuery = `SELECT EXISTS (SELECT 1 FROM assets WHERE uri = ?)`

	InsertPage = `INSERT INTO pages (uri, content_hash, title, depth, status_code, content_type, size, fetched_at, session_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (uri) DO NOTHING`
	PageExistsQuery = `SELECT EXISTS (SELECT 1 FROM pages WHERE uri = ?)`

	InsertLink = `INSERT INTO links (from_uri, to_uri, link_type)
VALUES (?, ?, ?) ON CONFLICT (from_uri, to_uri, link_type) DO NOTHING`
	InsertRedirect = `INSERT INTO redirects (from_uri, to_uri, status_code, discovered_at)
VALUES (?, ?, ?, ?) ON CONFLICT (from_uri) DO NOTHING`

	InsertCDX = `INSERT INTO cdx_index (timestamp, uri, status_code, mime_type, payload_digest, record_ref, length)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	LookupCDXQuery = `SELECT timestamp, uri, status_code, mime_type, payload_digest, record_ref, length
FROM cdx_index WHERE uri = ? AND timestamp <= ?
ORDER BY timestamp DESC, id DESC LIMIT 1`

	InsertError = `INSERT INTO error_log (url, error_kind, message, attempt_count, timestamp)
VALUES (?, ?, ?, ?, ?)`
	SelectErrors = `SELECT url, error_kind, message, attempt_count, timestamp FROM error_log ORDER BY id`

	UpsertCheckpoint = `INSERT INTO crawl_state (session_id, urls_processed, last_checkpoint_time, status)
VALUES (?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
	urls_processed = excluded.urls_processed,
	last_checkpoint_time = excluded.last_checkpoint_time,
	status = excluded.status`
	SelectCheckpoint = `SELECT session_id, urls_processed, last_checkpoint_time, status
FROM crawl_state WHERE session_id = ?`
	SelectLatestCheckpoint = `SELECT session_id, urls_processed, last_checkpoint_time, status
FROM crawl_state ORDER BY last_checkpoint_time DESC LIMIT 1`

	UpsertMetadata = `INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	SelectMetadata = `SELECT key, value FROM metadata ORDER BY key`

	SelectVisited = `SELECT uri FROM pages
UNION SELECT from_uri FROM redirects
UNION SELECT url FROM error_log`
	SelectPending = `SELECT l.to_uri, MIN(p.depth) + 1
FROM links l
JOIN pages p ON p.uri = l.from_uri
WHERE l.link_type = 'page'
	AND NOT EXISTS (SELECT 1 FROM pages q WHERE q.uri = l.to_uri)
	AND NOT EXISTS (SELECT 1 FROM redirects r WHERE r.from_uri = l.to_uri)
	AND NOT EXISTS (SELECT 1 FROM error_log e WHERE e.url = l.to_uri)
GROUP BY l.to_uri
ORDER BY MIN(l.id)`
	SelectCaptures = `SELECT p.uri, p.content_hash, p.content_type, 1 FROM pages p
JOIN asset_blobs b ON b.content_hash = p.content_hash
UNION ALL
SELECT a.uri, a.content_hash, a.mime_type, 0 FROM assets a
JOIN asset_blobs b ON b.content_hash = a.content_hash
ORDER BY 1`

	SelectStats = `SELECT
	(SELECT COUNT(*) FROM pages),
	(SELECT COUNT(*) FROM assets),
	(SELECT COUNT(*) FROM asset_blobs),
	(SELECT COUNT(DISTINCT content_hash) FROM assets),
	(SELECT CAST(COALESCE(SUM(size), 0) AS BIGINT) FROM asset_blobs),
	(SELECT COUNT(*) FROM error_log)`
)

// LinkTypePage marks anchor edges between pages.
const LinkTypePage = "page"

// CDXTimeFormat is the 14-digit UTC timestamp used in the CDX index.
const CDXTimeFormat = "20060102150405"

// Rebind rewrites ? placeholders as $1, $2, ... for Postgres. Question marks
// inside single-quoted literals are left alone.
func Rebind(query string) string {
	var (
		b       strings.Builder
		n       int
		literal bool
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		switch {
		case r == '\'':
			literal = !literal
			b.WriteRune(r)
		case r == '?' && !literal:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
