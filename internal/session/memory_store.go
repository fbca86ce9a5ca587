package session

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const snapshotCacheSize = 256

// MemoryStore is the in-memory reference implementation of Store. It backs
// tests and single-node deployments; replicated persistence is an external
// collaborator behind the same interface.
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string]*memoryDocument
	snapshots *lru.Cache[string, *State]
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	cache, _ := lru.New[string, *State](snapshotCacheSize)
	return &MemoryStore{
		docs:      map[string]*memoryDocument{},
		snapshots: cache,
	}
}

// Open implements Store.
func (s *MemoryStore) Open(_ context.Context, id string, seed *State) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[id]; ok {
		return doc, nil
	}
	if seed == nil {
		return nil, fmt.Errorf("open session %s: %w", id, ErrSessionNotFound)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	doc := &memoryDocument{
		store:  s,
		state:  seed.Clone(),
		values: map[string][]byte{},
		subs:   map[int]func(State){},
	}
	s.docs[id] = doc
	s.cacheSnapshot(seed)
	return doc, nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(_ context.Context, id string, invocation int) (*State, error) {
	if st, ok := s.snapshots.Get(snapshotKey(id, invocation)); ok {
		return st.Clone(), nil
	}
	return nil, fmt.Errorf("session %s invocation %d: %w", id, invocation, ErrSnapshotNotFound)
}

func (s *MemoryStore) cacheSnapshot(st *State) {
	s.snapshots.Add(snapshotKey(st.ID, st.GlobalInvocationCount), st.Clone())
}

func snapshotKey(id string, invocation int) string {
	return fmt.Sprintf("%s#%d", id, invocation)
}

type memoryDocument struct {
	store *MemoryStore

	mu     sync.RWMutex
	state  *State
	values map[string][]byte
	subs   map[int]func(State)
	nextID int
}

func (d *memoryDocument) Get(context.Context) (*State, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Clone(), nil
}

func (d *memoryDocument) Set(_ context.Context, state *State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.state = state.Clone()
	notify := d.snapshotSubsLocked()
	current := *d.state.Clone()
	d.mu.Unlock()

	d.store.cacheSnapshot(&current)
	for _, fn := range notify {
		fn(current)
	}
	return nil
}

func (d *memoryDocument) GetValue(_ context.Context, key string) ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (d *memoryDocument) SetValue(_ context.Context, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	d.values[key] = stored
	return nil
}

func (d *memoryDocument) DeleteValue(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.values, key)
	return nil
}

func (d *memoryDocument) Subscribe(fn func(State)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

func (d *memoryDocument) snapshotSubsLocked() []func(State) {
	out := make([]func(State), 0, len(d.subs))
	for _, fn := range d.subs {
		out = append(out, fn)
	}
	return out
}
