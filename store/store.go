package store

import (
	"context"
	"sort"

	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/models"
)

// Mutation describes the result of a Mutator. Session replaces the stored session,
// PutChunks are inserted or replaced by index, DeleteChunks removes single indices
// and DeleteAllChunks clears the whole ledger.
type Mutation struct {
	Session         models.UploadSession
	PutChunks       []models.ChunkRecord
	DeleteChunks    []int
	DeleteAllChunks bool
}

// Mutator receives the current session and its chunks sorted by index. Returning
// an error aborts the update and the error is passed through unchanged.
type Mutator func(session models.UploadSession, chunks []models.ChunkRecord) (Mutation, error)

// SessionStore is the only shared mutable state of the service. Every mutation goes
// through CompareAndUpdate, which applies the mutator result atomically only if the
// stored version still equals expectedVersion, and returns the new version.
type SessionStore interface {
	CreateSession(ctx context.Context, session models.UploadSession) error
	GetSession(ctx context.Context, uploadID string) (*models.UploadSession, []models.ChunkRecord, error)
	CompareAndUpdate(ctx context.Context, uploadID string, expectedVersion int64, mutate Mutator) (int64, error)
	Delete(ctx context.Context, uploadID string) error
	ListByUser(ctx context.Context, userID string) ([]models.UploadSession, error)

	health.ReadinessCheck
}

// applyMutation runs mutate against the current state and returns the next session
// (identity fields pinned, version bumped), the merged chunk ledger and the raw mutation.
func applyMutation(
	current models.UploadSession,
	chunks []models.ChunkRecord,
	mutate Mutator,
) (models.UploadSession, []models.ChunkRecord, Mutation, error) {
	m, err := mutate(current, cloneChunks(chunks))
	if err != nil {
		return models.UploadSession{}, nil, Mutation{}, err
	}

	next := m.Session
	next.UploadId = current.UploadId
	next.StorageKey = current.StorageKey
	next.RemoteMultipartId = current.RemoteMultipartId
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}

	return next, mergeChunks(chunks, m), m, nil
}

func mergeChunks(chunks []models.ChunkRecord, m Mutation) []models.ChunkRecord {
	if m.DeleteAllChunks {
		return sortChunks(cloneChunks(m.PutChunks))
	}

	byIndex := make(map[int]models.ChunkRecord, len(chunks)+len(m.PutChunks))
	for _, c := range chunks {
		byIndex[c.ChunkIndex] = c
	}
	for _, idx := range m.DeleteChunks {
		delete(byIndex, idx)
	}
	for _, c := range m.PutChunks {
		byIndex[c.ChunkIndex] = c
	}

	out := make([]models.ChunkRecord, 0, len(byIndex))
	for _, c := range byIndex {
		out = append(out, c)
	}
	return sortChunks(out)
}

func sortChunks(chunks []models.ChunkRecord) []models.ChunkRecord {
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
	return chunks
}

func cloneChunks(chunks []models.ChunkRecord) []models.ChunkRecord {
	if chunks == nil {
		return []models.ChunkRecord{}
	}
	out := make([]models.ChunkRecord, len(chunks))
	copy(out, chunks)
	return out
}

func sortSessionsNewestFirst(sessions []models.UploadSession) []models.UploadSession {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions
}
