package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newSession(id, user string, createdAt time.Time) models.UploadSession {
	return models.UploadSession{
		UploadId:          id,
		FileName:          "report.pdf",
		TotalSize:         10,
		ContentType:       "application/pdf",
		UserId:            user,
		UserRole:          models.RoleCreator,
		StorageKey:        "creator/" + user + "/20250314/other/report-abcdef12.pdf",
		RemoteMultipartId: "remote-" + id,
		Status:            models.StatusInitiated,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
}

func addChunk(idx int, size int64) Mutator {
	return func(s models.UploadSession, chunks []models.ChunkRecord) (Mutation, error) {
		s.Status = models.StatusInProgress
		return Mutation{
			Session: s,
			PutChunks: []models.ChunkRecord{{
				ChunkIndex: idx,
				ChunkSize:  size,
				ETag:       "etag",
				Checksum:   "sum",
				UploadedAt: baseTime,
			}},
		}, nil
	}
}

func newRedisStore(t *testing.T) *RedisSessionStoreImpl {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStoreImpl(client)
}

func storeFactories() map[string]func(t *testing.T) SessionStore {
	return map[string]func(t *testing.T) SessionStore{
		"memory": func(t *testing.T) SessionStore { return NewMemorySessionStore() },
		"redis":  func(t *testing.T) SessionStore { return newRedisStore(t) },
	}
}

func TestSessionStore_Contract(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				require.NoError(t, s.IsReady(ctx))
				require.NoError(t, s.CreateSession(ctx, newSession("u1", "alice", baseTime)))

				got, chunks, err := s.GetSession(ctx, "u1")
				require.NoError(t, err)
				require.Equal(t, "u1", got.UploadId)
				require.Equal(t, models.StatusInitiated, got.Status)
				require.Equal(t, int64(0), got.Version)
				require.NotNil(t, chunks)
				require.Empty(t, chunks)
			})

			t.Run("duplicate create", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				require.NoError(t, s.CreateSession(ctx, newSession("u1", "alice", baseTime)))
				err := s.CreateSession(ctx, newSession("u1", "alice", baseTime))
				require.ErrorIs(t, err, apperror.ErrSessionExists)
			})

			t.Run("missing session", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()

				_, _, err := s.GetSession(ctx, "nope")
				require.ErrorIs(t, err, apperror.ErrSessionNotFound)

				_, err = s.CompareAndUpdate(ctx, "nope", 0, addChunk(0, 1))
				require.ErrorIs(t, err, apperror.ErrSessionNotFound)

				require.ErrorIs(t, s.Delete(ctx, "nope"), apperror.ErrSessionNotFound)
			})

			t.Run("compare and update bumps version", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				require.NoError(t, s.CreateSession(ctx, newSession("u1", "alice", baseTime)))

				v, err := s.CompareAndUpdate(ctx, "u1", 0, addChunk(2, 4))
				require.NoError(t, err)
				require.Equal(t, int64(1), v)

				v, err = s.CompareAndUpdate(ctx, "u1", 1, addChunk(0, 4))
				require.NoError(t, err)
				require.Equal(t, int64(2), v)

				got, chunks, err := s.GetSession(ctx, "u1")
				require.NoError(t, err)
				require.Equal(t, int64(2), got.Version)
				require.Equal(t, models.StatusInProgress, got.Status)
				require.Len(t, chunks, 2)
				require.Equal(t, 0, chunks[0].ChunkIndex)
				require.Equal(t, 2, chunks[1].ChunkIndex)
			})

			t.Run("stale version conflicts", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				require.NoError(t, s.CreateSession(ctx, newSession("u1", "alice", baseTime)))

				_, err := s.CompareAndUpdate(ctx, "u1", 0, addChunk(0, 4))
				require.NoError(t, err)

				_, err = s.CompareAndUpdate(ctx, "u1", 0, addChunk(1, 4))
				require.ErrorIs(t, err, apperror.ErrVersionConflict)

				_, chunks, err := s.GetSession(ctx, "u1")
				require.NoError(t, err)
				require.Len(t, chunks, 1)
			})

			t.Run("mutator error aborts update", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				require.NoError(t, s.CreateSession(ctx, newSession("u1", "alice", baseTime)))

				boom := errors.New("boom")
				_, err := s.CompareAndUpdate(ctx, "u1", 0, func(models.UploadSession, []models.ChunkRecord) (Mutation, error) {
					return Mutation{}, boom
				})
				require.ErrorIs(t, err, boom)

				got, _, err := s.GetSession(ctx, "u1")
				require.NoError(t, err)
				require.Equal(t, int64(0), got.Version)
			})

			t.Run("identity fields are pinned", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				require.NoError(t, s.CreateSession(ctx, newSession("u1", "alice", baseTime)))

				_, err := s.CompareAndUpdate(ctx, "u1", 0, func(sess models.UploadSession, _ []models.ChunkRecord) (Mutation, error) {
					sess.StorageKey = "elsewhere"
					sess.RemoteMultipartId = "other"
					sess.Version = 42
					return Mutation{Session: sess}, nil
				})
				require.NoError(t, err)

				got, _, err := s.GetSession(ctx, "u1")
				require.NoError(t, err)
				require.Equal(t, "remote-u1", got.RemoteMultipartId)
				require.Equal(t, int64(1), got.Version)
				require.NotEqual(t, "elsewhere", got.StorageKey)
			})

			t.Run("delete all chunks", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				require.NoError(t, s.CreateSession(ctx, newSession("u1", "alice", baseTime)))
				_, err := s.CompareAndUpdate(ctx, "u1", 0, addChunk(0, 4))
				require.NoError(t, err)

				_, err = s.CompareAndUpdate(ctx, "u1", 1, func(sess models.UploadSession, _ []models.ChunkRecord) (Mutation, error) {
					sess.Status = models.StatusCancelled
					return Mutation{Session: sess, DeleteAllChunks: true}, nil
				})
				require.NoError(t, err)

				got, chunks, err := s.GetSession(ctx, "u1")
				require.NoError(t, err)
				require.Equal(t, models.StatusCancelled, got.Status)
				require.Empty(t, chunks)
			})

			t.Run("list by user newest first", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				require.NoError(t, s.CreateSession(ctx, newSession("a", "alice", baseTime)))
				require.NoError(t, s.CreateSession(ctx, newSession("b", "alice", baseTime.Add(time.Minute))))
				require.NoError(t, s.CreateSession(ctx, newSession("c", "bob", baseTime)))

				list, err := s.ListByUser(ctx, "alice")
				require.NoError(t, err)
				require.Len(t, list, 2)
				require.Equal(t, "b", list[0].UploadId)
				require.Equal(t, "a", list[1].UploadId)

				require.NoError(t, s.Delete(ctx, "b"))
				list, err = s.ListByUser(ctx, "alice")
				require.NoError(t, err)
				require.Len(t, list, 1)

				list, err = s.ListByUser(ctx, "nobody")
				require.NoError(t, err)
				require.Empty(t, list)
			})

			t.Run("concurrent writers never lose updates", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				require.NoError(t, s.CreateSession(ctx, newSession("u1", "alice", baseTime)))

				const writers = 8
				var wg sync.WaitGroup
				for i := 0; i < writers; i++ {
					wg.Add(1)
					go func(idx int) {
						defer wg.Done()
						for {
							cur, _, err := s.GetSession(ctx, "u1")
							if err != nil {
								return
							}
							_, err = s.CompareAndUpdate(ctx, "u1", cur.Version, addChunk(idx, 1))
							if errors.Is(err, apperror.ErrVersionConflict) {
								continue
							}
							return
						}
					}(i)
				}
				wg.Wait()

				got, chunks, err := s.GetSession(ctx, "u1")
				require.NoError(t, err)
				require.Len(t, chunks, writers)
				require.Equal(t, int64(writers), got.Version)
			})
		})
	}
}

func TestApplyMutation_UpdatedAtNeverMovesBack(t *testing.T) {
	cur := newSession("u1", "alice", baseTime)
	cur.UpdatedAt = baseTime.Add(time.Hour)

	next, _, _, err := applyMutation(cur, nil, func(s models.UploadSession, _ []models.ChunkRecord) (Mutation, error) {
		s.UpdatedAt = baseTime
		return Mutation{Session: s}, nil
	})
	require.NoError(t, err)
	require.Equal(t, baseTime.Add(time.Hour), next.UpdatedAt)
}

func TestMergeChunks_ReplacesByIndex(t *testing.T) {
	chunks := []models.ChunkRecord{
		{ChunkIndex: 0, ETag: "a"},
		{ChunkIndex: 1, ETag: "b"},
		{ChunkIndex: 2, ETag: "c"},
	}
	out := mergeChunks(chunks, Mutation{
		PutChunks:    []models.ChunkRecord{{ChunkIndex: 1, ETag: "b2"}},
		DeleteChunks: []int{2},
	})

	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].ETag)
	require.Equal(t, "b2", out[1].ETag)
}
