package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of *s3.Client used by S3MultipartStorageImpl.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type S3MultipartStorageImpl struct {
	client     S3API
	bucketName string

	logger logging.Logger
}

func NewS3MultipartStorageImpl(client S3API, bucketName string, l logging.Logger) *S3MultipartStorageImpl {
	return &S3MultipartStorageImpl{
		client:     client,
		bucketName: bucketName,
		logger:     l,
	}
}

func (s *S3MultipartStorageImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	return err
}

func (s *S3MultipartStorageImpl) Name() string {
	return "MultipartStorage[s3:" + s.bucketName + "]"
}

func (s *S3MultipartStorageImpl) OpenMultipart(ctx context.Context, key string, contentType string) (MultipartRef, error) {
	if key == "" {
		return MultipartRef{}, fmt.Errorf("key cannot be empty")
	}

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		s.logger.Error("failed to create multipart upload", "key", key, "error", err)
		return MultipartRef{}, fmt.Errorf("failed to create multipart upload: %w", err)
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return MultipartRef{}, fmt.Errorf("s3 returned empty upload id for %s", key)
	}

	s.logger.Debug("created multipart upload", "key", key, "remote_upload_id", *out.UploadId)
	return MultipartRef{Key: key, UploadID: *out.UploadId}, nil
}

func (s *S3MultipartStorageImpl) PutPart(ctx context.Context, ref MultipartRef, partNumber int32, data []byte) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(ref.Key),
		UploadId:      aws.String(ref.UploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		s.logger.Error("failed to upload part", "key", ref.Key, "part_number", partNumber, "error", err)
		return "", fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}

	etag := aws.ToString(out.ETag)
	if etag == "" {
		return "", fmt.Errorf("s3 returned empty etag for part %d", partNumber)
	}
	return etag, nil
}

func (s *S3MultipartStorageImpl) FinalizeMultipart(ctx context.Context, ref MultipartRef, parts []models.CompletedPart) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		}
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(ref.Key),
		UploadId: aws.String(ref.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		s.logger.Error("failed to complete multipart upload", "key", ref.Key, "parts", len(parts), "error", err)
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.logger.Info("successfully completed multipart upload", "key", ref.Key, "parts", len(parts))
	return nil
}

func (s *S3MultipartStorageImpl) AbortMultipart(ctx context.Context, ref MultipartRef) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(ref.Key),
		UploadId: aws.String(ref.UploadID),
	})
	if err == nil {
		return nil
	}

	if isNoSuchUpload(err) {
		s.logger.Debug("multipart upload already gone", "key", ref.Key)
		return nil
	}

	s.logger.Error("failed to abort multipart upload", "key", ref.Key, "error", err)
	return fmt.Errorf("failed to abort multipart upload: %w", err)
}

func isNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}
