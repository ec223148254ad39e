// Package kv defines the key-value store client used by the job store.
//
// The contract covers named records made of string fields
// (hashes), string sets, a pattern key scan and an optimistic transaction
// primitive (watch + multi/exec). Implementations live in subpackages.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrTxAborted reports that a watched key changed before the transaction committed.
	ErrTxAborted = errors.New("kv transaction aborted")
	// ErrNotConnected reports an operation attempted on a disconnected client.
	ErrNotConnected = errors.New("kv client not connected")
)

// Write is one hash mutation applied inside a transaction.
// Set fields are written, Del fields are removed. DeleteKey removes the whole record.
type Write struct {
	Key       string
	Set       map[string]string
	Del       []string
	DeleteKey bool
}

// Tx is a watched view of the store. Reads observe the current state; Exec
// commits the queued writes only if no watched key changed since the watch began.
type Tx interface {
	HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error)
	Exec(ctx context.Context, writes ...Write) error
}

// Client is the store client consumed by the job store backends.
//
// HMGet and HMGetMulti return only the fields that are present; a missing map
// entry means the field is absent in the store.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Ping(ctx context.Context) error

	HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error)
	HMGetMulti(ctx context.Context, keys []string, fields ...string) ([]map[string]string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Apply(ctx context.Context, writes ...Write) error
	Del(ctx context.Context, keys ...string) error

	SAdd(ctx context.Context, set string, members ...string) error
	SRem(ctx context.Context, set string, members ...string) error
	SMembers(ctx context.Context, set string) ([]string, error)
	SIsMember(ctx context.Context, set, member string) (bool, error)
	SRandMember(ctx context.Context, set string) (string, bool, error)

	// Scan returns every key matching a glob pattern. It walks the whole key space.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Watch runs fn with the given keys watched. It returns ErrTxAborted when
	// the transaction queued by fn was discarded because a watched key changed.
	Watch(ctx context.Context, fn func(tx Tx) error, keys ...string) error

	Close() error
}
