// Package progress fans crawl events out to sinks in batches so workers never
// block on logging, metrics or the live status endpoint.
package progress
