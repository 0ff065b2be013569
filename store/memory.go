package store

import (
	"context"
	"sync"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
)

type memoryEntry struct {
	session models.UploadSession
	chunks  []models.ChunkRecord
}

// MemorySessionStore keeps sessions in process. Used by tests and the "memory"
// backend for local development.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*memoryEntry
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*memoryEntry),
	}
}

func (s *MemorySessionStore) IsReady(context.Context) error {
	return nil
}

func (s *MemorySessionStore) Name() string {
	return "UploadsStore[memory]"
}

func (s *MemorySessionStore) CreateSession(ctx context.Context, session models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.UploadId]; ok {
		return apperror.ErrSessionExists
	}
	s.sessions[session.UploadId] = &memoryEntry{
		session: session,
		chunks:  []models.ChunkRecord{},
	}
	return nil
}

func (s *MemorySessionStore) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, []models.ChunkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[uploadID]
	if !ok {
		return nil, nil, apperror.ErrSessionNotFound
	}
	session := e.session
	return &session, cloneChunks(e.chunks), nil
}

func (s *MemorySessionStore) CompareAndUpdate(ctx context.Context, uploadID string, expectedVersion int64, mutate Mutator) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[uploadID]
	if !ok {
		return 0, apperror.ErrSessionNotFound
	}
	if e.session.Version != expectedVersion {
		return 0, apperror.ErrVersionConflict
	}

	next, chunks, _, err := applyMutation(e.session, e.chunks, mutate)
	if err != nil {
		return 0, err
	}

	e.session = next
	e.chunks = chunks
	return next.Version, nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[uploadID]; !ok {
		return apperror.ErrSessionNotFound
	}
	delete(s.sessions, uploadID)
	return nil
}

func (s *MemorySessionStore) ListByUser(ctx context.Context, userID string) ([]models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.UploadSession{}
	for _, e := range s.sessions {
		if e.session.UserId == userID {
			out = append(out, e.session)
		}
	}
	return sortSessionsNewestFirst(out), nil
}
