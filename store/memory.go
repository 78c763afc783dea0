package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps users in a map. Records vanish with the process.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
	now   func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]User),
		now:   time.Now,
	}
}

// Upsert creates or refreshes the record for p.SubjectID.
func (s *MemoryStore) Upsert(_ context.Context, p Profile) (*User, error) {
	if p.SubjectID == "" {
		return nil, errors.New("upsert user: subject id required")
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[p.SubjectID]
	if !ok {
		u = *newUser(p, now)
	} else {
		u.Provider = p.Provider
		u.Email = p.Email
		u.DisplayName = p.DisplayName
		u.PictureURL = p.PictureURL
		u.EmailVerified = p.EmailVerified
		u.UpdatedAt = now
		u.LastLoginAt = now
	}
	s.users[p.SubjectID] = u

	out := u
	return &out, nil
}

// FindBySubject returns a copy of the stored record.
func (s *MemoryStore) FindBySubject(_ context.Context, subjectID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[subjectID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
