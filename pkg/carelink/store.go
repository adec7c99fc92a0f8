package carelink

import (
	"context"
	"sync"
)

// CredentialStore persists the Credential. Implementations must make Save
// atomic from the caller's point of view: a crash mid-write leaves either
// the old or the new record, never a truncated one.
//
// Load returns ErrCredentialNotFound when nothing is stored and
// ErrCredentialCorrupt when the stored record cannot be decoded.
type CredentialStore interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, cred *Credential) error
}

// MemoryStore is an in-process CredentialStore, used in tests and for
// callers that persist credentials themselves.
type MemoryStore struct {
	mu    sync.Mutex
	cred  *Credential
	saves int
}

// NewMemoryStore returns a store holding a copy of initial, which may be nil.
func NewMemoryStore(initial *Credential) *MemoryStore {
	return &MemoryStore{cred: initial.clone()}
}

func (s *MemoryStore) Load(_ context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		return nil, ErrCredentialNotFound
	}
	return s.cred.clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = cred.clone()
	s.saves++
	return nil
}

// Saves reports how many times Save has been called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
