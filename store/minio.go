package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioMultipartStorageImpl talks to any S3 compatible endpoint through the
// low-level minio Core API, which exposes the multipart calls directly.
type MinioMultipartStorageImpl struct {
	core   *minio.Core
	bucket string

	logger logging.Logger
}

func NewMinioCore(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Core, error) {
	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return core, nil
}

func NewMinioMultipartStorageImpl(core *minio.Core, bucket string, l logging.Logger) *MinioMultipartStorageImpl {
	return &MinioMultipartStorageImpl{
		core:   core,
		bucket: bucket,
		logger: l,
	}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinioMultipartStorageImpl) EnsureBucket(ctx context.Context) error {
	exists, err := m.core.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.core.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	m.logger.Info("created bucket", "bucket", m.bucket)
	return nil
}

func (m *MinioMultipartStorageImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	exists, err := m.core.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", m.bucket)
	}
	return nil
}

func (m *MinioMultipartStorageImpl) Name() string {
	return "MultipartStorage[minio:" + m.bucket + "]"
}

func (m *MinioMultipartStorageImpl) OpenMultipart(ctx context.Context, key string, contentType string) (MultipartRef, error) {
	uploadID, err := m.core.NewMultipartUpload(ctx, m.bucket, key, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		m.logger.Error("failed to create multipart upload", "key", key, "error", err)
		return MultipartRef{}, fmt.Errorf("new multipart upload: %w", err)
	}
	return MultipartRef{Key: key, UploadID: uploadID}, nil
}

func (m *MinioMultipartStorageImpl) PutPart(ctx context.Context, ref MultipartRef, partNumber int32, data []byte) (string, error) {
	part, err := m.core.PutObjectPart(
		ctx,
		m.bucket,
		ref.Key,
		ref.UploadID,
		int(partNumber),
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectPartOptions{},
	)
	if err != nil {
		m.logger.Error("failed to put object part", "key", ref.Key, "part_number", partNumber, "error", err)
		return "", fmt.Errorf("put object part %d: %w", partNumber, err)
	}
	return part.ETag, nil
}

func (m *MinioMultipartStorageImpl) FinalizeMultipart(ctx context.Context, ref MultipartRef, parts []models.CompletedPart) error {
	completed := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		completed[i] = minio.CompletePart{
			PartNumber: int(p.PartNumber),
			ETag:       p.ETag,
		}
	}

	info, err := m.core.CompleteMultipartUpload(ctx, m.bucket, ref.Key, ref.UploadID, completed, minio.PutObjectOptions{})
	if err != nil {
		m.logger.Error("failed to complete multipart upload", "key", ref.Key, "error", err)
		return fmt.Errorf("complete multipart upload: %w", err)
	}

	m.logger.Info("completed multipart upload", "key", ref.Key, "size", info.Size, "parts", len(parts))
	return nil
}

func (m *MinioMultipartStorageImpl) AbortMultipart(ctx context.Context, ref MultipartRef) error {
	err := m.core.AbortMultipartUpload(ctx, m.bucket, ref.Key, ref.UploadID)
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
		return nil
	}

	m.logger.Error("failed to abort multipart upload", "key", ref.Key, "error", err)
	return fmt.Errorf("abort multipart upload: %w", err)
}
