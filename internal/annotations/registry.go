package annotations

import (
	"sync"
	"time"
)

type session struct {
	store    *Store
	lastUsed time.Time
}

// SessionRegistry hands out the per-document editing store. Exactly one store
// exists per open document; a second request for the same id receives the
// same store, matching the single-writer editing model. Sessions that go
// untouched are reclaimed by PruneIdle so abandoned editors do not pin
// memory for the process lifetime.
type SessionRegistry struct {
	mu         sync.Mutex
	idProvider IDProvider
	sessions   map[string]*session
	clock      func() time.Time
}

// NewSessionRegistry constructs a registry issuing stores backed by the
// provided IDProvider.
func NewSessionRegistry(provider IDProvider) (*SessionRegistry, error) {
	if provider == nil {
		return nil, errMissingIDProvider
	}
	return &SessionRegistry{
		idProvider: provider,
		sessions:   make(map[string]*session),
		clock:      time.Now,
	}, nil
}

// Open returns the store for the document, creating and seeding it on first
// use. The seed is only applied when the session did not already exist.
func (r *SessionRegistry) Open(documentID string, seed []Annotation) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[documentID]; ok {
		existing.lastUsed = r.clock()
		return existing.store, nil
	}
	store, err := NewStore(r.idProvider)
	if err != nil {
		return nil, err
	}
	if len(seed) > 0 {
		store.Seed(seed)
	}
	r.sessions[documentID] = &session{store: store, lastUsed: r.clock()}
	return store, nil
}

// Lookup returns the store for a document that is already open, refreshing
// its idle timer.
func (r *SessionRegistry) Lookup(documentID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.sessions[documentID]
	if !ok {
		return nil, false
	}
	existing.lastUsed = r.clock()
	return existing.store, true
}

// Close discards the editing session for a document, dropping any
// not-yet-persisted state.
func (r *SessionRegistry) Close(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, documentID)
}

// PruneIdle drops every session untouched for longer than maxIdle and
// returns how many were reclaimed. Draft state lives in the database, so an
// evicted session reseeds from the persisted draft on the next open.
func (r *SessionRegistry) PruneIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock().Add(-maxIdle)
	pruned := 0
	for documentID, existing := range r.sessions {
		if existing.lastUsed.Before(cutoff) {
			delete(r.sessions, documentID)
			pruned++
		}
	}
	return pruned
}
