// Package snapshotstore persists the opaque bytes vm.Dump produces
// under a name, so a suspended Program can be resumed in a later
// process (spec.md §6's Suspension.dump()/load() paired with a durable
// place to keep the result). Two backends are provided: sqlitestore for
// single-process/embedded use and mysqlstore for shared deployments,
// mirroring the teacher's own split between its `pkg/pdo` SQLite driver
// and `runtime` MySQL connection pool.
package snapshotstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no snapshot is stored under name.
var ErrNotFound = errors.New("snapshotstore: not found")

// Store is the persistence seam Dump/Load bytes flow through. Backends
// are free to add their own indexing (timestamps, program hash) but
// must satisfy this minimal contract.
type Store interface {
	// Put stores data under name, replacing any existing entry.
	Put(ctx context.Context, name string, data []byte) error
	// Get retrieves the bytes stored under name, or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	// Delete removes name, if present. Deleting an absent name is not
	// an error.
	Delete(ctx context.Context, name string) error
	// List returns every stored snapshot name.
	List(ctx context.Context) ([]string, error)
	// Close releases the backend's underlying connection(s).
	Close() error
}
