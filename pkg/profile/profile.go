// Package profile defines named AS4 usage profiles. A profile bundles the
// security and reliability conventions of an industry network and can both
// validate a processing mode against those conventions and stamp out a
// default PMode template.
package profile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/phax/phase4-sub011/pkg/pmode"
)

// ErrUnknownProfile is returned when looking up an unregistered profile id.
var ErrUnknownProfile = errors.New("unknown profile")

// Profile is a named AS4 usage profile.
type Profile interface {
	// ID returns the stable profile identifier, e.g. "cef".
	ID() string
	// Validate reports the conventions of the profile that pm violates.
	// An empty slice means pm conforms.
	Validate(pm *pmode.ProcessingMode) []error
	// Template builds the profile's default PMode for a party pair.
	Template(initiator, responder pmode.Party, address string) *pmode.ProcessingMode
}

// Registry holds registered profiles and an optional default. It implements
// pmode.TemplateProvider.
type Registry struct {
	mu        sync.RWMutex
	profiles  map[string]Profile
	defaultID string
}

// NewRegistry creates an empty profile registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]Profile)}
}

// Register adds a profile. The first registered profile becomes the default
// unless SetDefault overrides it.
func (r *Registry) Register(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID()] = p
	if r.defaultID == "" {
		r.defaultID = p.ID()
	}
}

// SetDefault marks the profile with the given id as default.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}
	r.defaultID = id
	return nil
}

// Get returns the profile with the given id.
func (r *Registry) Get(id string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}
	return p, nil
}

// Default returns the default profile, or false when none is registered.
func (r *Registry) Default() (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultID == "" {
		return nil, false
	}
	p, ok := r.profiles[r.defaultID]
	return p, ok
}

// DefaultTemplate builds the default profile's PMode template for a party
// pair. It satisfies pmode.TemplateProvider.
func (r *Registry) DefaultTemplate(initiator, responder pmode.Party, address string) (*pmode.ProcessingMode, bool) {
	p, ok := r.Default()
	if !ok {
		return nil, false
	}
	return p.Template(initiator, responder, address), true
}
