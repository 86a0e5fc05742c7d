package storage

import (
	"errors"
	"sort"
	"sync"
	"time"

	"audio-framer/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrFrameNotFound   = errors.New("frame not found")
)

// SessionStore is the registry of capture sessions.
type SessionStore interface {
	StoreSession(info *models.SessionInfo) error
	GetSession(id string) (*models.SessionInfo, error)
	ListSessions() ([]*models.SessionInfo, error)
	UpdateSessionStatus(id string, status models.SessionStatus) error
	UpdateFrameDuration(id string, frameDurationMs, frameSizeSamples int) error
	DeleteSession(id string) error
}

type memoryStore struct {
	sessions map[string]*models.SessionInfo
	mu       sync.RWMutex
}

func NewMemoryStore() SessionStore {
	return &memoryStore{
		sessions: make(map[string]*models.SessionInfo),
	}
}

func (s *memoryStore) StoreSession(info *models.SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *info
	s.sessions[info.ID] = &cp
	return nil
}

// GetSession returns a copy; callers may not mutate the stored record.
func (s *memoryStore) GetSession(id string) (*models.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, exists := s.sessions[id]
	if !exists {
		return nil, ErrSessionNotFound
	}
	cp := *info
	return &cp, nil
}

// ListSessions returns copies ordered by creation time.
func (s *memoryStore) ListSessions() ([]*models.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*models.SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		cp := *info
		sessions = append(sessions, &cp)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *memoryStore) UpdateSessionStatus(id string, status models.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, exists := s.sessions[id]
	if !exists {
		return ErrSessionNotFound
	}
	info.Status = status
	if status == models.StatusClosed && info.ClosedAt.IsZero() {
		info.ClosedAt = time.Now()
	}
	return nil
}

func (s *memoryStore) UpdateFrameDuration(id string, frameDurationMs, frameSizeSamples int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, exists := s.sessions[id]
	if !exists {
		return ErrSessionNotFound
	}
	info.FrameDurationMs = frameDurationMs
	info.FrameSizeSamples = frameSizeSamples
	return nil
}

func (s *memoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}
