package asset

import "context"

// Store is the backend contract. Implementations never mutate bytes for
// a stored id, and Put of an already-present id is idempotent.
type Store interface {
	// Put stores data under its computed id and returns the id. When the
	// caller already knows the id (a peer blob), it should verify with
	// CheckID first; Put recomputes regardless.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the stored bytes or ErrMissing.
	Get(ctx context.Context, id string) ([]byte, error)
	// Exists reports local presence without fetching.
	Exists(ctx context.Context, id string) (bool, error)
	// Unreferenced lists ids eligible for eviction given the set of ids
	// referenced by loaded realms.
	Unreferenced(ctx context.Context, referenced map[string]bool) ([]string, error)
}
