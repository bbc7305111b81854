package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
)

// MemoryStore is the in-process Store used when no database is
// configured, and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, callerID, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.CallerID != callerID || !sess.ExpiresAt.After(s.now()) {
		return nil, oerr.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, callerID string, limit, offset int) ([]model.SessionSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*model.Session
	for _, sess := range s.sessions {
		if sess.CallerID == callerID && sess.ExpiresAt.After(s.now()) {
			all = append(all, sess)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]model.SessionSummary, len(all))
	for i, sess := range all {
		out[i] = model.SessionSummary{
			SessionID: sess.SessionID,
			Question:  sess.Question,
			Status:    sess.Status,
			CreatedAt: sess.CreatedAt,
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sess.SessionID]
	if !ok || existing.CallerID != sess.CallerID {
		return oerr.ErrNotFound
	}
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, callerID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.CallerID != callerID {
		return oerr.ErrNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	now := s.now()
	for id, sess := range s.sessions {
		if deleted >= limit {
			break
		}
		if !sess.ExpiresAt.After(now) {
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}
