package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "uploads:session:"
	redisUserPrefix    = "uploads:user:"
)

type redisRecord struct {
	Session models.UploadSession `json:"session"`
	Chunks  []models.ChunkRecord `json:"chunks"`
}

// RedisSessionStoreImpl stores each session as one JSON value and relies on
// WATCH/MULTI/EXEC for compare-and-swap. A sorted set per user indexes sessions
// by creation time.
type RedisSessionStoreImpl struct {
	client *redis.Client
}

func NewRedisSessionStoreImpl(client *redis.Client) *RedisSessionStoreImpl {
	return &RedisSessionStoreImpl{
		client: client,
	}
}

func sessionKey(uploadID string) string {
	return redisSessionPrefix + uploadID
}

func userKey(userID string) string {
	return redisUserPrefix + userID
}

func (s *RedisSessionStoreImpl) IsReady(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSessionStoreImpl) Name() string {
	return "UploadsStore[redis]"
}

func (s *RedisSessionStoreImpl) CreateSession(ctx context.Context, session models.UploadSession) error {
	data, err := json.Marshal(redisRecord{Session: session, Chunks: []models.ChunkRecord{}})
	if err != nil {
		return err
	}

	key := sessionKey(session.UploadId)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return apperror.ErrSessionExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, userKey(session.UserId), redis.Z{
				Score:  float64(session.CreatedAt.UnixNano()),
				Member: session.UploadId,
			})
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return apperror.ErrSessionExists
	}
	return err
}

func (s *RedisSessionStoreImpl) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, []models.ChunkRecord, error) {
	raw, err := s.client.Get(ctx, sessionKey(uploadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, apperror.ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, nil, err
	}
	return &rec.Session, rec.Chunks, nil
}

func (s *RedisSessionStoreImpl) CompareAndUpdate(ctx context.Context, uploadID string, expectedVersion int64, mutate Mutator) (int64, error) {
	key := sessionKey(uploadID)
	var newVersion int64

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return apperror.ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if rec.Session.Version != expectedVersion {
			return apperror.ErrVersionConflict
		}

		next, chunks, _, err := applyMutation(rec.Session, rec.Chunks, mutate)
		if err != nil {
			return err
		}

		data, err := json.Marshal(redisRecord{Session: next, Chunks: chunks})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}

		newVersion = next.Version
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return 0, apperror.ErrVersionConflict
	}
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *RedisSessionStoreImpl) Delete(ctx context.Context, uploadID string) error {
	key := sessionKey(uploadID)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return apperror.ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, userKey(rec.Session.UserId), uploadID)
			return nil
		})
		return err
	}, key)
}

func (s *RedisSessionStoreImpl) ListByUser(ctx context.Context, userID string) ([]models.UploadSession, error) {
	ids, err := s.client.ZRevRange(ctx, userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	sessions := []models.UploadSession{}
	if len(ids) == 0 {
		return sessions, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// deleted between ZREVRANGE and MGET
			continue
		}
		rec, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, rec.Session)
	}

	return sortSessionsNewestFirst(sessions), nil
}

func decodeRecord(raw []byte) (redisRecord, error) {
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return redisRecord{}, fmt.Errorf("decode session record: %w", err)
	}
	if rec.Chunks == nil {
		rec.Chunks = []models.ChunkRecord{}
	}
	return rec, nil
}
