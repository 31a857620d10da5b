// Package store defines the archive's persistence contract, its schema and
// the SQL shared by the backends. Implementations live in sub-packages; this
// package must not import database drivers or concrete clients.
package store
