package store

import "fmt"

// Dialect selects DDL types and placeholder style.
type Dialect int

// Supported SQL dialects.
const (
	SQLite Dialect = iota
	Postgres
)

// Schema returns the DDL statements for d in creation order.
func Schema(d Dialect) []string {
	blob, serial, ts := "BLOB", "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if d == Postgres {
		blob, serial, ts = "BYTEA", "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS asset_blobs (
	content_hash TEXT PRIMARY KEY,
	content %s,
	size BIGINT NOT NULL,
	created_at %s NOT NULL
)`, blob, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pages (
	uri TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL REFERENCES asset_blobs(content_hash),
	title TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL,
	status_code INTEGER NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size BIGINT NOT NULL,
	fetched_at %s NOT NULL,
	session_id TEXT NOT NULL DEFAULT ''
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS assets (
	uri TEXT PRIMARY KEY,
	asset_class TEXT NOT NULL,
	content_hash TEXT NOT NULL REFERENCES asset_blobs(content_hash),
	byte_size BIGINT NOT NULL,
	mime_type TEXT NOT NULL,
	fetched_at %s NOT NULL
)`, ts),
		`CREATE INDEX IF NOT EXISTS idx_assets_hash ON assets(content_hash)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS links (
	id %s,
	from_uri TEXT NOT NULL,
	to_uri TEXT NOT NULL,
	link_type TEXT NOT NULL,
	UNIQUE (from_uri, to_uri, link_type)
)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS redirects (
	from_uri TEXT PRIMARY KEY,
	to_uri TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	discovered_at %s NOT NULL
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cdx_index (
	id %s,
	timestamp TEXT NOT NULL,
	uri TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	mime_type TEXT NOT NULL,
	payload_digest TEXT NOT NULL,
	record_ref TEXT NOT NULL,
	length BIGINT NOT NULL
)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_cdx_uri_ts ON cdx_index(uri, timestamp)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS error_log (
	id %s,
	url TEXT NOT NULL,
	error_kind TEXT NOT NULL,
	message TEXT NOT NULL,
	attempt_count INTEGER NOT NULL,
	timestamp %s NOT NULL
)`, serial, ts),
		`CREATE INDEX IF NOT EXISTS idx_error_log_url ON error_log(url)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS crawl_state (
	session_id TEXT PRIMARY KEY,
	urls_processed INTEGER NOT NULL,
	last_checkpoint_time %s NOT NULL,
	status TEXT NOT NULL
)`, ts),
		`CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`,
	}
}
