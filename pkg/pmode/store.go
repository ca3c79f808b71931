package pmode

import (
	"context"
	"fmt"
	"sync"
)

// Store is the persistence contract for processing modes. Implementations
// must be safe for concurrent use.
type Store interface {
	// Create stores a new PMode. It returns ErrDuplicateID when the id is
	// already taken and ErrInvalidPMode when validation fails.
	Create(ctx context.Context, pm *ProcessingMode) error
	// Update replaces an existing PMode. It returns ErrNotFound for an
	// unknown id.
	Update(ctx context.Context, pm *ProcessingMode) error
	// Delete removes a PMode by id. Deleting an unknown id returns
	// ErrNotFound.
	Delete(ctx context.Context, id string) error
	// Get returns the PMode with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*ProcessingMode, error)
	// List returns all stored PModes in unspecified order.
	List(ctx context.Context) ([]*ProcessingMode, error)
	// Find returns the first PMode whose first leg matches the given
	// service and action exactly, or ErrNotFound.
	Find(ctx context.Context, service, action string) (*ProcessingMode, error)
	// GetOrCreate returns the PMode with the given id if present,
	// otherwise stores and returns the result of build(). Concurrent
	// callers observe a single winner.
	GetOrCreate(ctx context.Context, id string, build func() *ProcessingMode) (*ProcessingMode, error)
}

// Registry is an in-memory Store backed by a map.
type Registry struct {
	mu     sync.RWMutex
	pmodes map[string]*ProcessingMode
}

// NewRegistry creates an empty in-memory PMode store.
func NewRegistry() *Registry {
	return &Registry{pmodes: make(map[string]*ProcessingMode)}
}

func (r *Registry) Create(_ context.Context, pm *ProcessingMode) error {
	if err := pm.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pmodes[pm.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, pm.ID)
	}
	r.pmodes[pm.ID] = pm
	return nil
}

func (r *Registry) Update(_ context.Context, pm *ProcessingMode) error {
	if err := pm.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pmodes[pm.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pm.ID)
	}
	r.pmodes[pm.ID] = pm
	return nil
}

func (r *Registry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pmodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.pmodes, id)
	return nil
}

func (r *Registry) Get(_ context.Context, id string) (*ProcessingMode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pm, ok := r.pmodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return pm, nil
}

func (r *Registry) List(_ context.Context) ([]*ProcessingMode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ProcessingMode, 0, len(r.pmodes))
	for _, pm := range r.pmodes {
		out = append(out, pm)
	}
	return out, nil
}

func (r *Registry) Find(_ context.Context, service, action string) (*ProcessingMode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pm := range r.pmodes {
		leg := pm.Leg1()
		if leg == nil {
			continue
		}
		if leg.BusinessInfo.Service == service && leg.BusinessInfo.Action == action {
			return pm, nil
		}
	}
	return nil, fmt.Errorf("%w: service=%s action=%s", ErrNotFound, service, action)
}

func (r *Registry) GetOrCreate(_ context.Context, id string, build func() *ProcessingMode) (*ProcessingMode, error) {
	r.mu.RLock()
	pm, ok := r.pmodes[id]
	r.mu.RUnlock()
	if ok {
		return pm, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock so a concurrent creator wins.
	if pm, ok := r.pmodes[id]; ok {
		return pm, nil
	}
	pm = build()
	if pm == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := pm.Validate(); err != nil {
		return nil, err
	}
	r.pmodes[pm.ID] = pm
	return pm, nil
}
