// Package store defines interfaces for persistence dependencies (task
// history repositories and blob stores). Implementations live in the storage
// packages; this package must not import database drivers or concrete clients.
package store
