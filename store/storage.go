package store

import (
	"context"

	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/models"
)

// MultipartRef identifies one remote multipart upload.
type MultipartRef struct {
	Key      string
	UploadID string
}

// MultipartStorage wraps the remote multipart protocol. Implementations never
// retry; errors are returned as-is and the caller decides.
type MultipartStorage interface {
	OpenMultipart(ctx context.Context, key string, contentType string) (MultipartRef, error)
	PutPart(ctx context.Context, ref MultipartRef, partNumber int32, data []byte) (string, error)
	FinalizeMultipart(ctx context.Context, ref MultipartRef, parts []models.CompletedPart) error
	// AbortMultipart succeeds when the upload is already gone remotely.
	AbortMultipart(ctx context.Context, ref MultipartRef) error

	health.ReadinessCheck
}
