package webrequest

import (
	"fmt"
	"sync"

	"github.com/jingkaihe/reqgate/pkg/api"
)

// Store associates at most one Registry with each owning context object.
// Owners are compared by identity, so any comparable value (typically a
// pointer to the object whose lifetime bounds the registry) works as a key.
type Store struct {
	mu   sync.Mutex
	regs map[any]*Registry
}

func NewStore() *Store {
	return &Store{regs: make(map[any]*Registry)}
}

// GetOrCreate returns the owner's registry, creating one on first access.
func (s *Store) GetOrCreate(owner any) *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regs[owner]; ok {
		return r
	}
	r := NewRegistry()
	s.regs[owner] = r
	return r
}

// CreateExclusive creates the owner's registry, failing with
// api.ErrRegistryExists if one is already associated. Used by callers that
// must be the first creator and cannot silently share another owner's state.
func (s *Store) CreateExclusive(owner any) (*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[owner]; ok {
		return nil, fmt.Errorf("%w: %v", api.ErrRegistryExists, owner)
	}
	r := NewRegistry()
	s.regs[owner] = r
	return r, nil
}

// Get returns the owner's registry or api.ErrRegistryNotFound.
func (s *Store) Get(owner any) (*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regs[owner]; ok {
		return r, nil
	}
	return nil, api.ErrRegistryNotFound
}

// OnOwnerDestroyed removes the association and synchronously resolves every
// pending decision of the owner's registry to proceed. Safe to call for
// owners that never had a registry.
func (s *Store) OnOwnerDestroyed(owner any) {
	s.mu.Lock()
	r, ok := s.regs[owner]
	delete(s.regs, owner)
	s.mu.Unlock()
	if ok {
		r.destroy()
	}
}
