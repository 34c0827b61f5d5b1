package store

import (
	"context"
	"sync"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/talkincode/whatsdash/internal/domain"
	"go.uber.org/zap"
)

// Bus topics published by SessionStore. Handlers receive a SessionEvent.
const (
	TopicSessionCreated = "session:created"
	TopicSessionStatus  = "session:status"
	TopicSessionRemoved = "session:removed"
)

// SessionEvent describes one change of a stored session.
type SessionEvent struct {
	OwnerID string
	Session domain.WaSession
	// Previous is the status before a TopicSessionStatus change
	Previous domain.SessionStatus
}

// SessionStore is the in-memory view of one operator's sessions, kept in
// sync with the repository. The cached slice is never modified in place:
// every change swaps in a new slice, so a reader holding an older snapshot
// never sees entries with mixed stale and fresh fields.
type SessionStore struct {
	ownerID  string
	repo     SessionRepository
	bus      EventBus.Bus
	defaults domain.GatewayConfig

	mu       sync.RWMutex
	sessions []domain.WaSession
}

// NewSessionStore creates an empty store for ownerID. bus may be nil.
// defaults fill the gaps of the owner's gateway configuration row.
func NewSessionStore(ownerID string, repo SessionRepository, bus EventBus.Bus, defaults domain.GatewayConfig) *SessionStore {
	return &SessionStore{
		ownerID:  ownerID,
		repo:     repo,
		bus:      bus,
		defaults: defaults,
	}
}

func (s *SessionStore) OwnerID() string {
	return s.ownerID
}

// Load fetches the owner's sessions newest-first and replaces the cache.
func (s *SessionStore) Load(ctx context.Context) ([]domain.WaSession, error) {
	sessions, err := s.repo.ListByOwner(ctx, s.ownerID)
	if err != nil {
		zap.L().Error("store: load sessions failed", zap.String("owner", s.ownerID), zap.Error(err))
		return nil, &StoreError{Reason: ReasonLoadFailed, Err: err}
	}
	s.Replace(sessions)
	return s.Sessions(), nil
}

// Sessions returns a copy of the cached list.
func (s *SessionStore) Sessions() []domain.WaSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.WaSession, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// Find returns the cached session called name.
func (s *SessionStore) Find(name string) (domain.WaSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Name == name {
			return sess, true
		}
	}
	return domain.WaSession{}, false
}

// FindByID returns the cached session with id.
func (s *SessionStore) FindByID(id int64) (domain.WaSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess, true
		}
	}
	return domain.WaSession{}, false
}

// Insert persists a new session for the owner and puts it first in the cache.
func (s *SessionStore) Insert(ctx context.Context, session domain.WaSession) (domain.WaSession, error) {
	session.OwnerID = s.ownerID
	if err := s.repo.Create(ctx, &session); err != nil {
		zap.L().Error("store: insert session failed", zap.String("owner", s.ownerID), zap.String("session", session.Name), zap.Error(err))
		return domain.WaSession{}, &StoreError{Reason: ReasonInsertFailed, Err: err}
	}

	s.mu.Lock()
	next := make([]domain.WaSession, 0, len(s.sessions)+1)
	next = append(next, session)
	next = append(next, s.sessions...)
	s.sessions = next
	s.mu.Unlock()

	s.publish(TopicSessionCreated, SessionEvent{OwnerID: s.ownerID, Session: session})
	return session, nil
}

// UpdateStatus persists status for the session with id and returns the
// cached session. The write is always issued; repeating the current status
// changes nothing observable.
func (s *SessionStore) UpdateStatus(ctx context.Context, id int64, status domain.SessionStatus) (domain.WaSession, error) {
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		zap.L().Error("store: update session status failed", zap.Int64("id", id), zap.String("status", string(status)), zap.Error(err))
		return domain.WaSession{}, &StoreError{Reason: ReasonUpdateFailed, Err: err}
	}

	s.mu.Lock()
	idx := -1
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return domain.WaSession{}, nil
	}
	current := s.sessions[idx]
	if current.Status == status {
		s.mu.Unlock()
		return current, nil
	}
	previous := current.Status
	current.Status = status
	current.UpdatedAt = time.Now()
	next := make([]domain.WaSession, len(s.sessions))
	copy(next, s.sessions)
	next[idx] = current
	s.sessions = next
	s.mu.Unlock()

	s.publish(TopicSessionStatus, SessionEvent{OwnerID: s.ownerID, Session: current, Previous: previous})
	return current, nil
}

// Remove deletes the session with id.
func (s *SessionStore) Remove(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, s.ownerID, id); err != nil {
		zap.L().Error("store: delete session failed", zap.String("owner", s.ownerID), zap.Int64("id", id), zap.Error(err))
		return &StoreError{Reason: ReasonDeleteFailed, Err: err}
	}

	s.mu.Lock()
	var removed domain.WaSession
	next := make([]domain.WaSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.ID == id {
			removed = sess
			continue
		}
		next = append(next, sess)
	}
	s.sessions = next
	s.mu.Unlock()

	if removed.ID != 0 {
		s.publish(TopicSessionRemoved, SessionEvent{OwnerID: s.ownerID, Session: removed})
	}
	return nil
}

// Replace swaps the whole cached list for sessions.
func (s *SessionStore) Replace(sessions []domain.WaSession) {
	next := make([]domain.WaSession, len(sessions))
	copy(next, sessions)
	s.mu.Lock()
	s.sessions = next
	s.mu.Unlock()
}

// GatewayConfig returns the owner's gateway configuration merged with the
// application defaults.
func (s *SessionStore) GatewayConfig(ctx context.Context) (domain.GatewayConfig, error) {
	row, err := s.repo.GetGatewayConfig(ctx, s.ownerID)
	if err != nil {
		return domain.GatewayConfig{}, &StoreError{Reason: ReasonConfigFailed, Err: err}
	}
	cfg := domain.GatewayConfig{OwnerID: s.ownerID}
	if row != nil {
		cfg = *row
	}
	return cfg.Merge(s.defaults), nil
}

func (s *SessionStore) publish(topic string, evt SessionEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, evt)
}
