package repository

import "context"

// Repository stores archives. Every call blocks until the underlying
// operation has finished or ctx is done.
type Repository interface {
	// List returns the names of all archives, possibly including names that
	// are not in the feather format.
	List(ctx context.Context) ([]string, error)

	// Create archives path under the given archive name.
	Create(ctx context.Context, path, name string) error

	// Delete removes the named archive.
	Delete(ctx context.Context, name string) error
}
