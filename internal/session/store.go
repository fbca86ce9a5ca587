package session

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when a session id resolves to no document.
var ErrSessionNotFound = errors.New("session not found")

// ErrSnapshotNotFound is returned when a requested historical snapshot is no
// longer cached.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Document is the typed handle to one session's state, as exposed by the
// external durable layer. Get returns a private copy; Set replaces the state
// wholesale (never merged). The key/value slots back per-session durable
// storage exposed to mental processes.
type Document interface {
	Get(ctx context.Context) (*State, error)
	Set(ctx context.Context, state *State) error

	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	SetValue(ctx context.Context, key string, value []byte) error
	DeleteValue(ctx context.Context, key string) error

	// Subscribe registers fn for every committed state replacement. The
	// returned function unsubscribes.
	Subscribe(fn func(State)) (unsubscribe func())
}

// Store resolves session documents and historical snapshots.
type Store interface {
	// Open returns the document for id, creating it from seed when absent.
	// A nil seed opens existing sessions only.
	Open(ctx context.Context, id string, seed *State) (Document, error)

	// Snapshot returns the state as it was at the given invocation count,
	// when still cached. Used by session revert.
	Snapshot(ctx context.Context, id string, invocation int) (*State, error)
}
