package session

import (
	"sync"

	"github.com/diggerhq/opensandbox/internal/jail"
)

// Store is the in-memory session registry: id -> Session, with a
// reader-writer discipline — many concurrent Gets, exclusive Create/Delete.
type Store struct {
	builder *jail.Builder

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore returns a Store whose sessions build their jails under
// builder's root.
func NewStore(builder *jail.Builder) *Store {
	return &Store{
		builder:  builder,
		sessions: make(map[string]*Session),
	}
}

// Create allocates a fresh session id, builds its jail, seeds its
// environment, and inserts it into the registry. On jail build failure the
// session is not inserted and the *jail.BuildError propagates unchanged.
func (st *Store) Create(envSeed map[string]string) (*Session, error) {
	id := NewID()

	j, err := st.builder.Build(id)
	if err != nil {
		return nil, err
	}

	s := newSession(id, j, envSeed)

	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()

	return s, nil
}

// Get returns the session for id. It does not touch last_touched — a
// lookup alone is not activity.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return s, nil
}

// List returns a read-only snapshot of every session's Summary.
func (st *Store) List() []Summary {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Summary, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.Info().Summary)
	}
	return out
}

// Delete removes a session from the registry and destroys its jail. Jail
// removal errors are returned but the session is removed from the
// registry regardless — a session whose jail failed to clean up should
// never remain reachable via Get.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	if !ok {
		return &NotFoundError{ID: id}
	}
	return st.builder.Destroy(s.Jail())
}

// Snapshot returns every session currently in the registry, used by the
// Reaper to scan for idle eviction without holding the store lock for the
// duration of the sweep.
func (st *Store) Snapshot() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}
