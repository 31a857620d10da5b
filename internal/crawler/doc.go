// Package crawler defines the domain types shared by the archiver: fetch
// results, archive records, the error taxonomy, URL canonicalization and the
// small interfaces the orchestrator depends on.
package crawler
