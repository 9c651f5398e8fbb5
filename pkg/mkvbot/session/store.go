package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Errors.
var (
	// ErrNoSession is returned when a key has no session.
	ErrNoSession = errors.New("no session")

	// ErrSessionExists is returned by Create when the key already has a session.
	ErrSessionExists = errors.New("session already exists")
)

// entry guards one session. The store lock only protects the map; each
// session has its own lock so users never wait on each other.
type entry struct {
	mu      sync.Mutex
	sess    *Session
	removed bool
}

// Store maps user keys to sessions.
type Store struct {
	entries map[string]*entry
	logger  *slog.Logger
	mu      sync.RWMutex
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "sessions"),
		now:     time.Now,
	}
}

func (st *Store) lookup(key string) *entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.entries[key]
}

// Get returns a snapshot of the session for key.
func (st *Store) Get(key string) (*Session, bool) {
	e := st.lookup(key)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false
	}
	return e.sess.Clone(), true
}

// Create starts a new session in StateIdle for u.
func (st *Store) Create(u User) (*Session, error) {
	key := u.Key()
	now := st.now()
	sess := &Session{
		User:      u,
		State:     StateIdle,
		Params:    NewParams(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.entries[key]; exists {
		return nil, ErrSessionExists
	}
	st.entries[key] = &entry{sess: sess}

	st.logger.Debug("session created", "user", key)
	return sess.Clone(), nil
}

// Update applies fn to the session for key under the session lock. fn works
// on a copy that replaces the stored session only when fn returns nil, so a
// failed mutation leaves no partial change. The committed snapshot is returned.
func (st *Store) Update(key string, fn func(*Session) error) (*Session, error) {
	e := st.lookup(key)
	if e == nil {
		return nil, ErrNoSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, ErrNoSession
	}

	next := e.sess.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = st.now()
	e.sess = next
	return next.Clone(), nil
}

// Clear removes the session for key and returns its last state.
func (st *Store) Clear(key string) (*Session, bool) {
	st.mu.Lock()
	e, ok := st.entries[key]
	delete(st.entries, key)
	st.mu.Unlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true

	st.logger.Debug("session cleared", "user", key, "state", e.sess.State)
	return e.sess.Clone(), true
}

// Len returns the number of sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

// Keys returns the session keys in sorted order.
func (st *Store) Keys() []string {
	st.mu.RLock()
	keys := make([]string, 0, len(st.entries))
	for k := range st.entries {
		keys = append(keys, k)
	}
	st.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Workspaces returns the workspace directories in use, keyed by user.
func (st *Store) Workspaces() map[string]string {
	out := make(map[string]string)
	for _, key := range st.Keys() {
		if s, ok := st.Get(key); ok && s.Workspace != "" {
			out[key] = s.Workspace
		}
	}
	return out
}
