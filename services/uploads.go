package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/caching"
	"github.com/Yulian302/lfusys-services-uploads/keys"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/metrics"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/Yulian302/lfusys-services-uploads/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	opInit     = "init"
	opChunk    = "chunk"
	opComplete = "complete"
	opStatus   = "status"
	opCancel   = "cancel"
	opList     = "list"
)

// UploadConfig is fixed at construction; the coordinator never reads ambient config.
type UploadConfig struct {
	MaxFileSize     int64
	ChunkSize       int64 // advisory, reported back to clients
	MaxChunkIndex   int
	ConflictRetries int
	ListingCacheTTL time.Duration
}

func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		MaxFileSize:     10 << 30,
		ChunkSize:       150 << 20,
		MaxChunkIndex:   9999,
		ConflictRetries: 5,
		ListingCacheTTL: 5 * time.Minute,
	}
}

type InitRequest struct {
	FileName    string `json:"file_name"`
	TotalSize   int64  `json:"total_size"`
	ContentType string `json:"content_type"`
	UserID      string `json:"user_id"`
	UserRole    string `json:"user_role"`
}

type InitResult struct {
	UploadId   string              `json:"upload_id"`
	StorageKey string              `json:"storage_key"`
	ChunkSize  int64               `json:"chunk_size"`
	Status     models.UploadStatus `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
}

type ChunkResult struct {
	UploadId   string              `json:"upload_id"`
	ChunkIndex int                 `json:"chunk_index"`
	PartNumber int32               `json:"part_number"`
	ETag       string              `json:"etag"`
	Status     models.UploadStatus `json:"status"`
	Duplicate  bool                `json:"duplicate"`
}

type CompleteResult struct {
	UploadId   string              `json:"upload_id"`
	StorageKey string              `json:"storage_key"`
	TotalSize  int64               `json:"total_size"`
	Parts      int                 `json:"parts"`
	Status     models.UploadStatus `json:"status"`
}

type CancelResult struct {
	UploadId string              `json:"upload_id"`
	Status   models.UploadStatus `json:"status"`
}

type UploadService interface {
	Init(ctx context.Context, req InitRequest) (*InitResult, error)
	UploadChunk(ctx context.Context, uploadID string, chunkIndex int, data []byte) (*ChunkResult, error)
	Complete(ctx context.Context, uploadID string, clientParts []models.CompletedPart) (*CompleteResult, error)
	Status(ctx context.Context, uploadID string) (*models.SessionView, error)
	Cancel(ctx context.Context, uploadID string) (*CancelResult, error)
	ListUploads(ctx context.Context, userID string, status *models.UploadStatus) ([]models.UploadSummary, error)
}

// EventDispatcher accepts lifecycle events without blocking the caller.
type EventDispatcher interface {
	Dispatch(evt models.UploadEvent)
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(models.UploadEvent) {}

type Option func(*UploadServiceImpl)

func WithClock(now func() time.Time) Option {
	return func(svc *UploadServiceImpl) {
		svc.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(svc *UploadServiceImpl) {
		svc.newID = newID
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(svc *UploadServiceImpl) {
		svc.tracer = tracer
	}
}

// UploadServiceImpl is the upload session coordinator. It holds no per-session
// state and takes no locks; every mutation goes through the store's
// version-checked CompareAndUpdate, and a remote call always precedes the write
// that records its effect.
type UploadServiceImpl struct {
	sessions   store.SessionStore
	storage    store.MultipartStorage
	cachingSvc caching.CachingService
	events     EventDispatcher
	observer   metrics.Observer
	cfg        UploadConfig

	now    func() time.Time
	newID  func() string
	tracer trace.Tracer

	logger logging.Logger
}

func NewUploadServiceImpl(
	sessions store.SessionStore,
	storage store.MultipartStorage,
	cachingSvc caching.CachingService,
	events EventDispatcher,
	observer metrics.Observer,
	cfg UploadConfig,
	l logging.Logger,
	opts ...Option,
) *UploadServiceImpl {
	if cachingSvc == nil {
		cachingSvc = caching.NewNullCachingService()
	}
	if events == nil {
		events = nopDispatcher{}
	}
	if observer == nil {
		observer = metrics.NopObserver{}
	}
	if cfg.ConflictRetries < 1 {
		cfg.ConflictRetries = 1
	}

	svc := &UploadServiceImpl{
		sessions:   sessions,
		storage:    storage,
		cachingSvc: cachingSvc,
		events:     events,
		observer:   observer,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
		tracer:     otel.Tracer(tracing.TracerName),
		logger:     l,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (svc *UploadServiceImpl) Init(ctx context.Context, req InitRequest) (res *InitResult, err error) {
	ctx, span := svc.tracer.Start(ctx, "UploadService.Init", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.Int64("upload.total_size", req.TotalSize),
	))
	defer svc.finish(span, opInit, time.Now(), &err)

	role, err := svc.validateInit(req)
	if err != nil {
		return nil, err
	}

	uploadID := svc.newID()
	now := svc.now().UTC()
	span.SetAttributes(attribute.String("upload.id", uploadID))

	storageKey := keys.Derive(keys.Input{
		Role:        role.String(),
		UserID:      req.UserID,
		At:          now,
		ContentType: req.ContentType,
		FileName:    req.FileName,
		UploadID:    uploadID,
	})

	ref, err := svc.storage.OpenMultipart(ctx, storageKey, req.ContentType)
	if err != nil {
		svc.logger.Error("failed to open multipart upload", "upload_id", uploadID, "storage_key", storageKey, "error", err)
		return nil, apperror.StorageError("failed to open remote multipart upload", err)
	}

	session := models.UploadSession{
		UploadId:          uploadID,
		FileName:          req.FileName,
		TotalSize:         req.TotalSize,
		ContentType:       req.ContentType,
		UserId:            req.UserID,
		UserRole:          role,
		StorageKey:        storageKey,
		RemoteMultipartId: ref.UploadID,
		Status:            models.StatusInitiated,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           0,
	}

	if err := svc.sessions.CreateSession(ctx, session); err != nil {
		// the remote upload is left to the bucket's incomplete-multipart expiry
		svc.logger.Error("failed to persist upload session, remote multipart upload orphaned",
			"upload_id", uploadID,
			"storage_key", storageKey,
			"error", err,
		)
		return nil, apperror.PersistenceError("failed to persist upload session", err)
	}

	svc.invalidateListing(ctx, session.UserId)
	svc.events.Dispatch(models.NewUploadEvent(models.EventUploadInitiated, session, now))
	svc.logger.Info("upload initiated",
		"upload_id", uploadID,
		"user_id", session.UserId,
		"storage_key", storageKey,
		"total_size", session.TotalSize,
	)

	return &InitResult{
		UploadId:   uploadID,
		StorageKey: storageKey,
		ChunkSize:  svc.cfg.ChunkSize,
		Status:     session.Status,
		CreatedAt:  now,
	}, nil
}

func (svc *UploadServiceImpl) validateInit(req InitRequest) (models.UserRole, error) {
	if strings.TrimSpace(req.FileName) == "" {
		return "", apperror.MissingField("file_name")
	}
	if strings.TrimSpace(req.ContentType) == "" {
		return "", apperror.MissingField("content_type")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return "", apperror.MissingField("user_id")
	}
	if strings.TrimSpace(req.UserRole) == "" {
		return "", apperror.MissingField("user_role")
	}
	if req.TotalSize <= 0 {
		return "", apperror.InvalidField("total_size", "must be a positive integer")
	}
	if req.TotalSize > svc.cfg.MaxFileSize {
		return "", apperror.FileTooLarge(req.TotalSize, svc.cfg.MaxFileSize)
	}
	role, err := models.ParseUserRole(req.UserRole)
	if err != nil {
		return "", apperror.InvalidField("user_role", "must be one of creator, member, subscriber")
	}
	return role, nil
}

func (svc *UploadServiceImpl) UploadChunk(ctx context.Context, uploadID string, chunkIndex int, data []byte) (res *ChunkResult, err error) {
	ctx, span := svc.tracer.Start(ctx, "UploadService.UploadChunk", trace.WithAttributes(
		attribute.String("upload.id", uploadID),
		attribute.Int("chunk.index", chunkIndex),
		attribute.Int("chunk.size", len(data)),
	))
	defer svc.finish(span, opChunk, time.Now(), &err)

	if uploadID == "" {
		return nil, apperror.MissingField("upload_id")
	}
	if chunkIndex < 0 {
		return nil, apperror.InvalidField("chunk_index", "must be a non-negative integer")
	}
	if chunkIndex > svc.cfg.MaxChunkIndex {
		return nil, apperror.InvalidField("chunk_index", fmt.Sprintf("must not exceed %d", svc.cfg.MaxChunkIndex))
	}
	if len(data) == 0 {
		return nil, apperror.InvalidField("chunk", "chunk body is empty")
	}

	size := int64(len(data))
	checksum := checksumOf(data)
	partNumber := int32(chunkIndex + 1)

	var (
		etag     string
		uploaded bool
	)

	for attempt := 0; attempt < svc.cfg.ConflictRetries; attempt++ {
		session, chunks, err := svc.load(ctx, uploadID)
		if err != nil {
			return nil, err
		}
		if err := terminalError(*session); err != nil {
			return nil, err
		}

		if existing, ok := findChunk(chunks, chunkIndex); ok {
			if existing.ChunkSize != size {
				return nil, chunkSizeMismatch(existing, size)
			}
			if existing.Checksum == checksum {
				svc.logger.Debug("duplicate chunk ignored", "upload_id", uploadID, "chunk_index", chunkIndex)
				return &ChunkResult{
					UploadId:   uploadID,
					ChunkIndex: chunkIndex,
					PartNumber: existing.PartNumber(),
					ETag:       existing.ETag,
					Status:     session.Status,
					Duplicate:  true,
				}, nil
			}
		}

		if !uploaded {
			ref := store.MultipartRef{Key: session.StorageKey, UploadID: session.RemoteMultipartId}
			etag, err = svc.storage.PutPart(ctx, ref, partNumber, data)
			if err != nil {
				svc.logger.Error("failed to upload part", "upload_id", uploadID, "chunk_index", chunkIndex, "error", err)
				return nil, svc.remoteError(ctx, uploadID, "failed to upload chunk to remote storage", err)
			}
			uploaded = true
			svc.observer.RecordChunkBytes(size)
		}

		record := models.ChunkRecord{
			ChunkIndex: chunkIndex,
			ChunkSize:  size,
			ETag:       etag,
			Checksum:   checksum,
			UploadedAt: svc.now().UTC(),
		}

		var (
			next          models.UploadSession
			statusChanged bool
		)
		_, err = svc.sessions.CompareAndUpdate(ctx, uploadID, session.Version, func(cur models.UploadSession, curChunks []models.ChunkRecord) (store.Mutation, error) {
			if err := terminalError(cur); err != nil {
				return store.Mutation{}, err
			}
			if existing, ok := findChunk(curChunks, chunkIndex); ok && existing.ChunkSize != size {
				return store.Mutation{}, chunkSizeMismatch(existing, size)
			}
			if cur.Status == models.StatusInitiated {
				cur.Status = models.StatusInProgress
				statusChanged = true
			}
			cur.UpdatedAt = record.UploadedAt
			next = cur
			return store.Mutation{
				Session:   cur,
				PutChunks: []models.ChunkRecord{record},
			}, nil
		})
		if errors.Is(err, apperror.ErrVersionConflict) {
			svc.observer.RecordConflict(opChunk)
			svc.logger.Debug("version conflict, retrying chunk", "upload_id", uploadID, "chunk_index", chunkIndex, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, svc.storeError(uploadID, err)
		}

		if statusChanged {
			svc.invalidateListing(ctx, next.UserId)
		}
		svc.logger.Info("chunk accepted",
			"upload_id", uploadID,
			"chunk_index", chunkIndex,
			"chunk_size", size,
			"status", next.Status,
		)

		return &ChunkResult{
			UploadId:   uploadID,
			ChunkIndex: chunkIndex,
			PartNumber: partNumber,
			ETag:       etag,
			Status:     next.Status,
		}, nil
	}

	return nil, svc.conflictsExhausted(uploadID, opChunk)
}

func (svc *UploadServiceImpl) Complete(ctx context.Context, uploadID string, clientParts []models.CompletedPart) (res *CompleteResult, err error) {
	ctx, span := svc.tracer.Start(ctx, "UploadService.Complete", trace.WithAttributes(
		attribute.String("upload.id", uploadID),
	))
	defer svc.finish(span, opComplete, time.Now(), &err)

	if uploadID == "" {
		return nil, apperror.MissingField("upload_id")
	}

	var (
		parts     []models.CompletedPart
		finalized bool
	)

	for attempt := 0; attempt < svc.cfg.ConflictRetries; attempt++ {
		session, chunks, err := svc.load(ctx, uploadID)
		if err != nil {
			return nil, err
		}
		if err := terminalError(*session); err != nil {
			return nil, err
		}

		if !finalized {
			parts, err = assembleParts(*session, chunks, clientParts)
			if err != nil {
				return nil, err
			}

			ref := store.MultipartRef{Key: session.StorageKey, UploadID: session.RemoteMultipartId}
			if err := svc.storage.FinalizeMultipart(ctx, ref, parts); err != nil {
				svc.logger.Error("failed to finalize multipart upload", "upload_id", uploadID, "parts", len(parts), "error", err)
				return nil, svc.remoteError(ctx, uploadID, "failed to finalize remote multipart upload", err)
			}
			finalized = true
		}

		now := svc.now().UTC()
		var next models.UploadSession
		_, err = svc.sessions.CompareAndUpdate(ctx, uploadID, session.Version, func(cur models.UploadSession, _ []models.ChunkRecord) (store.Mutation, error) {
			if err := terminalError(cur); err != nil {
				return store.Mutation{}, err
			}
			cur.Status = models.StatusCompleted
			cur.UpdatedAt = now
			next = cur
			return store.Mutation{
				Session:         cur,
				DeleteAllChunks: true,
			}, nil
		})
		if errors.Is(err, apperror.ErrVersionConflict) {
			svc.observer.RecordConflict(opComplete)
			continue
		}
		if err != nil {
			if finalized {
				svc.logger.Error("remote object finalized but session update failed", "upload_id", uploadID, "error", err)
			}
			return nil, svc.storeError(uploadID, err)
		}

		svc.invalidateListing(ctx, next.UserId)
		svc.events.Dispatch(models.NewUploadEvent(models.EventUploadCompleted, next, now))
		svc.logger.Info("upload completed",
			"upload_id", uploadID,
			"storage_key", next.StorageKey,
			"parts", len(parts),
		)

		return &CompleteResult{
			UploadId:   uploadID,
			StorageKey: next.StorageKey,
			TotalSize:  next.TotalSize,
			Parts:      len(parts),
			Status:     next.Status,
		}, nil
	}

	return nil, svc.conflictsExhausted(uploadID, opComplete)
}

// assembleParts rebuilds the ordered part list from the chunk ledger and checks
// it against the declared size and the optional client list.
func assembleParts(session models.UploadSession, chunks []models.ChunkRecord, clientParts []models.CompletedPart) ([]models.CompletedPart, error) {
	if len(chunks) == 0 {
		return nil, apperror.InvalidField("chunks", "no uploaded chunks to finalize")
	}

	sorted := make([]models.ChunkRecord, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ChunkIndex < sorted[j].ChunkIndex
	})

	var total int64
	parts := make([]models.CompletedPart, len(sorted))
	for i, c := range sorted {
		if c.ChunkIndex != i {
			return nil, apperror.InvalidField("chunks", fmt.Sprintf("incomplete upload: chunk %d is missing", i))
		}
		total += c.ChunkSize
		parts[i] = models.CompletedPart{PartNumber: c.PartNumber(), ETag: c.ETag}
	}

	if total != session.TotalSize {
		return nil, apperror.InvalidField("total_size", fmt.Sprintf("uploaded %d bytes, expected %d", total, session.TotalSize))
	}

	if clientParts != nil && !sameParts(parts, clientParts) {
		return nil, apperror.InvalidField("parts", "parts list does not match uploaded chunks")
	}

	return parts, nil
}

func sameParts(server, client []models.CompletedPart) bool {
	if len(server) != len(client) {
		return false
	}

	sorted := make([]models.CompletedPart, len(client))
	copy(sorted, client)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PartNumber < sorted[j].PartNumber
	})

	for i := range server {
		if server[i].PartNumber != sorted[i].PartNumber {
			return false
		}
		if strings.Trim(server[i].ETag, `"`) != strings.Trim(sorted[i].ETag, `"`) {
			return false
		}
	}
	return true
}

func (svc *UploadServiceImpl) Status(ctx context.Context, uploadID string) (view *models.SessionView, err error) {
	ctx, span := svc.tracer.Start(ctx, "UploadService.Status", trace.WithAttributes(
		attribute.String("upload.id", uploadID),
	))
	defer svc.finish(span, opStatus, time.Now(), &err)

	if uploadID == "" {
		return nil, apperror.MissingField("upload_id")
	}

	session, chunks, err := svc.load(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(chunks))
	var uploaded int64
	for _, c := range chunks {
		indices = append(indices, c.ChunkIndex)
		uploaded += c.ChunkSize
	}
	sort.Ints(indices)

	if session.Status == models.StatusCompleted {
		uploaded = session.TotalSize
	}

	return &models.SessionView{
		UploadId:      session.UploadId,
		FileName:      session.FileName,
		TotalSize:     session.TotalSize,
		ContentType:   session.ContentType,
		UserId:        session.UserId,
		UserRole:      session.UserRole,
		StorageKey:    session.StorageKey,
		Status:        session.Status,
		Chunks:        indices,
		UploadedBytes: uploaded,
		ChunkSize:     svc.cfg.ChunkSize,
		CreatedAt:     session.CreatedAt,
		UpdatedAt:     session.UpdatedAt,
	}, nil
}

func (svc *UploadServiceImpl) Cancel(ctx context.Context, uploadID string) (res *CancelResult, err error) {
	ctx, span := svc.tracer.Start(ctx, "UploadService.Cancel", trace.WithAttributes(
		attribute.String("upload.id", uploadID),
	))
	defer svc.finish(span, opCancel, time.Now(), &err)

	if uploadID == "" {
		return nil, apperror.MissingField("upload_id")
	}

	aborted := false
	for attempt := 0; attempt < svc.cfg.ConflictRetries; attempt++ {
		session, _, err := svc.load(ctx, uploadID)
		if err != nil {
			return nil, err
		}
		if err := terminalError(*session); err != nil {
			return nil, err
		}

		if !aborted {
			ref := store.MultipartRef{Key: session.StorageKey, UploadID: session.RemoteMultipartId}
			if err := svc.storage.AbortMultipart(ctx, ref); err != nil {
				svc.logger.Error("failed to abort multipart upload", "upload_id", uploadID, "error", err)
				return nil, svc.remoteError(ctx, uploadID, "failed to abort remote multipart upload", err)
			}
			aborted = true
		}

		now := svc.now().UTC()
		var next models.UploadSession
		_, err = svc.sessions.CompareAndUpdate(ctx, uploadID, session.Version, func(cur models.UploadSession, _ []models.ChunkRecord) (store.Mutation, error) {
			if err := terminalError(cur); err != nil {
				return store.Mutation{}, err
			}
			cur.Status = models.StatusCancelled
			cur.UpdatedAt = now
			next = cur
			return store.Mutation{
				Session:         cur,
				DeleteAllChunks: true,
			}, nil
		})
		if errors.Is(err, apperror.ErrVersionConflict) {
			svc.observer.RecordConflict(opCancel)
			continue
		}
		if err != nil {
			return nil, svc.storeError(uploadID, err)
		}

		svc.invalidateListing(ctx, next.UserId)
		svc.events.Dispatch(models.NewUploadEvent(models.EventUploadCancelled, next, now))
		svc.logger.Info("upload cancelled", "upload_id", uploadID)

		return &CancelResult{
			UploadId: uploadID,
			Status:   next.Status,
		}, nil
	}

	return nil, svc.conflictsExhausted(uploadID, opCancel)
}

func (svc *UploadServiceImpl) ListUploads(ctx context.Context, userID string, status *models.UploadStatus) (out []models.UploadSummary, err error) {
	ctx, span := svc.tracer.Start(ctx, "UploadService.ListUploads", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer svc.finish(span, opList, time.Now(), &err)

	if strings.TrimSpace(userID) == "" {
		return nil, apperror.MissingField("user_id")
	}

	summaries, err := svc.userUploads(ctx, userID)
	if err != nil {
		return nil, err
	}

	if status == nil {
		return summaries, nil
	}

	filtered := make([]models.UploadSummary, 0, len(summaries))
	for _, s := range summaries {
		if s.Status == *status {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

func (svc *UploadServiceImpl) userUploads(ctx context.Context, userID string) ([]models.UploadSummary, error) {
	cacheKey := caching.UserUploadsKey(userID)

	cached, err := svc.cachingSvc.Get(ctx, cacheKey)
	if err == nil {
		var summaries []models.UploadSummary
		if err := json.Unmarshal(cached, &summaries); err == nil {
			return summaries, nil
		}
		svc.logger.Warn("discarding malformed cached uploads", "user_id", userID)
	} else if !errors.Is(err, caching.ErrCacheMiss) {
		svc.logger.Warn("uploads cache read failed", "user_id", userID, "error", err)
	}

	sessions, err := svc.sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperror.PersistenceError("failed to list uploads", err)
	}

	summaries := make([]models.UploadSummary, len(sessions))
	for i, s := range sessions {
		summaries[i] = s.Summary()
	}

	if data, err := json.Marshal(summaries); err == nil {
		if err := svc.cachingSvc.Set(ctx, cacheKey, data, svc.cfg.ListingCacheTTL); err != nil {
			svc.logger.Warn("uploads cache write failed", "user_id", userID, "error", err)
		}
	}

	return summaries, nil
}

func (svc *UploadServiceImpl) load(ctx context.Context, uploadID string) (*models.UploadSession, []models.ChunkRecord, error) {
	session, chunks, err := svc.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return nil, nil, svc.storeError(uploadID, err)
	}
	return session, chunks, nil
}

func (svc *UploadServiceImpl) storeError(uploadID string, err error) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, apperror.ErrSessionNotFound) {
		return apperror.UploadNotFound(uploadID)
	}
	svc.logger.Error("session store failure", "upload_id", uploadID, "error", err)
	return apperror.PersistenceError("session store failure", err)
}

// remoteError reports a failed remote call. A session that reached a terminal
// state while the call was in flight reports that state instead.
func (svc *UploadServiceImpl) remoteError(ctx context.Context, uploadID, msg string, err error) error {
	if session, _, lerr := svc.load(ctx, uploadID); lerr == nil {
		if terr := terminalError(*session); terr != nil {
			return terr
		}
	}
	return apperror.StorageError(msg, err)
}

func (svc *UploadServiceImpl) conflictsExhausted(uploadID, op string) error {
	svc.logger.Warn("version conflict retries exhausted",
		"upload_id", uploadID,
		"operation", op,
		"attempts", svc.cfg.ConflictRetries,
	)
	return apperror.PersistenceError(
		fmt.Sprintf("upload %s is being modified concurrently, retry later", uploadID),
		apperror.ErrVersionConflict,
	)
}

func (svc *UploadServiceImpl) invalidateListing(ctx context.Context, userID string) {
	if err := svc.cachingSvc.Delete(ctx, caching.UserUploadsKey(userID)); err != nil {
		svc.logger.Warn("cached uploads invalidation failed", "user_id", userID, "error", err)
	}
}

func (svc *UploadServiceImpl) finish(span trace.Span, op string, start time.Time, errp *error) {
	err := *errp
	svc.observer.RecordOperation(op, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperror.CodeOf(err)))
	}
	span.End()
}

func terminalError(s models.UploadSession) error {
	switch s.Status {
	case models.StatusCompleted:
		return apperror.UploadCompleted(s.UploadId).WithDetail("storage_key", s.StorageKey)
	case models.StatusCancelled:
		return apperror.UploadCancelled(s.UploadId)
	}
	return nil
}

func findChunk(chunks []models.ChunkRecord, idx int) (models.ChunkRecord, bool) {
	for _, c := range chunks {
		if c.ChunkIndex == idx {
			return c, true
		}
	}
	return models.ChunkRecord{}, false
}

func chunkSizeMismatch(existing models.ChunkRecord, size int64) error {
	return apperror.InvalidField(
		"chunk_index",
		fmt.Sprintf("chunk %d already uploaded with %d bytes, got %d", existing.ChunkIndex, existing.ChunkSize, size),
	)
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
