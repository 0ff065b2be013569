package store

import (
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/stretchr/testify/require"
)

func TestWriteLanded(t *testing.T) {
	s := newSession("u-1", "user-1", baseTime)
	s.Status = models.StatusInProgress
	s.Version = 3
	s.UpdatedAt = baseTime.Add(time.Minute)
	chunks := []models.ChunkRecord{
		{ChunkIndex: 0, ChunkSize: 5, ETag: `"e0"`, Checksum: "c0", UploadedAt: s.UpdatedAt},
	}
	want := toSessionItem(s, chunks)

	ours, err := attributevalue.MarshalMap(want)
	require.NoError(t, err)
	require.True(t, writeLanded(ours, want), "own write must be recognised")

	require.False(t, writeLanded(nil, want))

	other := toSessionItem(s, []models.ChunkRecord{
		{ChunkIndex: 1, ChunkSize: 5, ETag: `"e1"`, Checksum: "c1", UploadedAt: s.UpdatedAt},
	})
	theirs, err := attributevalue.MarshalMap(other)
	require.NoError(t, err)
	require.False(t, writeLanded(theirs, want), "same version, different chunks")

	stale := s
	stale.Version = 2
	prev, err := attributevalue.MarshalMap(toSessionItem(stale, chunks))
	require.NoError(t, err)
	require.False(t, writeLanded(prev, want), "older version")

	cancelled := s
	cancelled.Status = models.StatusCancelled
	cancel, err := attributevalue.MarshalMap(toSessionItem(cancelled, nil))
	require.NoError(t, err)
	require.False(t, writeLanded(cancel, want), "concurrent cancel")
}
