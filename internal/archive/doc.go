// Package archive appends WARC-style response records to write-once files and
// indexes each one in the CDX table so a capture can be found again by URL and
// time.
//
// A record reference has the form "file:offset:length". With gzip enabled every
// record is its own gzip member, so offset and length address the compressed
// bytes and a reader can decompress one record without touching its neighbours.
package archive
