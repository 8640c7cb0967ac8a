// Package store provides the persistence layer for the platform.
//
// All platform state — agent records, flow definitions, executions — is
// kept in Redis under a small set of namespaced keys (see keys.go). The
// Store interface exposes exactly the primitives the higher layers need:
// hashes for records, sets for membership, and ordered lists for
// execution history. Every operation is atomic at single-key granularity;
// the platform never relies on multi-key transactions.
package store

import "context"

// Store is the abstract persistence interface used by the registry and
// the flow store. The production implementation is Redis (see redis.go);
// tests run against miniredis through the same implementation.
type Store interface {
	// HSet writes all fields of a hash in one call.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HSetField writes a single field of a hash.
	HSetField(ctx context.Context, key, field, value string) error

	// HSetNX writes a hash field only if it does not already exist.
	// Returns true if the field was written. Used as the atomic
	// insert-if-absent guard for agent registration.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)

	// HGetAll returns all fields of a hash. A missing key yields an
	// empty map, not an error.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of a set.
	SMembers(ctx context.Context, key string) ([]string, error)

	// LPush prepends values to a list.
	LPush(ctx context.Context, key string, values ...string) error

	// RPush appends values to a list.
	RPush(ctx context.Context, key string, values ...string) error

	// LTrim trims a list to the inclusive range [start, stop].
	LTrim(ctx context.Context, key string, start, stop int64) error

	// LRange returns the list elements in the inclusive range [start, stop].
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Del removes the given keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// Ping verifies the connection to the backing store.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
