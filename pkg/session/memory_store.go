package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store backend.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    *lockTable
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		locks:    newLockTable(),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, userID string) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return copySession(sess), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(sess), nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	turn.Sequence = len(sess.Turns) + 1
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	sess.Turns = append(sess.Turns, turn)
	sess.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AddReferencedTables(ctx context.Context, id string, tables []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	seen := make(map[string]bool, len(sess.ReferencedTables))
	for _, t := range sess.ReferencedTables {
		seen[t] = true
	}
	for _, t := range tables {
		if !seen[t] {
			sess.ReferencedTables = append(sess.ReferencedTables, t)
			seen[t] = true
		}
	}
	sess.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetPendingClarification(ctx context.Context, id string, question string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.PendingClarification = question
	sess.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) TryAcquire(id string) error {
	s.mu.RLock()
	_, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	return s.locks.tryAcquire(id)
}

func (s *MemoryStore) Release(id string) {
	s.locks.release(id)
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, maxIdle time.Duration) (int, error) {
	cutoff := s.now().Add(-maxIdle)
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copySession(sess *Session) *Session {
	out := *sess
	out.Turns = make([]Turn, len(sess.Turns))
	copy(out.Turns, sess.Turns)
	out.ReferencedTables = make([]string, len(sess.ReferencedTables))
	copy(out.ReferencedTables, sess.ReferencedTables)
	return &out
}
