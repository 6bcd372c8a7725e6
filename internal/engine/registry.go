package engine

import (
	"context"
	"sync"

	"catharsis/api/internal/textmodel"
)

// Registry keeps one engine per open entry, so every request for an entry
// works on the same span store and the same save slot.
type Registry struct {
	mu      sync.Mutex
	persist Persistence
	opts    Options
	engines map[string]*Engine
}

func NewRegistry(p Persistence, opts Options) *Registry {
	return &Registry{persist: p, opts: opts, engines: map[string]*Engine{}}
}

// Open returns the entry's engine, loading it on first use. Loading happens
// outside the registry lock; when two callers load the same entry at once the
// first one registered wins.
func (r *Registry) Open(ctx context.Context, entryID string) (*Engine, error) {
	if e, ok := r.cached(entryID); ok {
		return e, nil
	}
	loaded, err := Open(ctx, r.persist, entryID, r.opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[entryID]; ok {
		return e, nil
	}
	r.engines[entryID] = loaded
	return loaded, nil
}

func (r *Registry) cached(entryID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[entryID]
	return e, ok
}

// Create registers an engine for a brand new entry.
func (r *Registry) Create(entryID string, doc textmodel.Document) (*Engine, error) {
	e, err := New(entryID, doc, r.persist, r.opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.engines[entryID] = e
	r.mu.Unlock()
	return e, nil
}

// Forget drops the cached engine, as when its entry is deleted.
func (r *Registry) Forget(entryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, entryID)
}

// Loaded lists the ids of entries with an engine in memory.
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}
