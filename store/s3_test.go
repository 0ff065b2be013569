package store

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	CreateMultipartUploadFunc   func(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPartFunc              func(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUploadFunc func(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUploadFunc    func(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadBucketFunc              func(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if m.CreateMultipartUploadFunc != nil {
		return m.CreateMultipartUploadFunc(ctx, params, optFns...)
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mpu-1")}, nil
}

func (m *mockS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if m.UploadPartFunc != nil {
		return m.UploadPartFunc(ctx, params, optFns...)
	}
	return &s3.UploadPartOutput{ETag: aws.String(`"etag"`)}, nil
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if m.CompleteMultipartUploadFunc != nil {
		return m.CompleteMultipartUploadFunc(ctx, params, optFns...)
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if m.AbortMultipartUploadFunc != nil {
		return m.AbortMultipartUploadFunc(ctx, params, optFns...)
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.HeadBucketFunc != nil {
		return m.HeadBucketFunc(ctx, params, optFns...)
	}
	return &s3.HeadBucketOutput{}, nil
}

func TestS3MultipartStorage_OpenMultipart(t *testing.T) {
	mock := &mockS3Client{
		CreateMultipartUploadFunc: func(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
			assert.Equal(t, "uploads", aws.ToString(in.Bucket))
			assert.Equal(t, "creator/u/20250101/image/a.png", aws.ToString(in.Key))
			assert.Equal(t, "image/png", aws.ToString(in.ContentType))
			return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mpu-42")}, nil
		},
	}
	s := NewS3MultipartStorageImpl(mock, "uploads", logging.NewNopLogger())

	ref, err := s.OpenMultipart(context.Background(), "creator/u/20250101/image/a.png", "image/png")
	require.NoError(t, err)
	require.Equal(t, "mpu-42", ref.UploadID)
	require.Equal(t, "creator/u/20250101/image/a.png", ref.Key)
}

func TestS3MultipartStorage_OpenMultipartEmptyUploadId(t *testing.T) {
	mock := &mockS3Client{
		CreateMultipartUploadFunc: func(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
			return &s3.CreateMultipartUploadOutput{}, nil
		},
	}
	s := NewS3MultipartStorageImpl(mock, "uploads", logging.NewNopLogger())

	_, err := s.OpenMultipart(context.Background(), "k", "image/png")
	require.Error(t, err)
}

func TestS3MultipartStorage_PutPart(t *testing.T) {
	mock := &mockS3Client{
		UploadPartFunc: func(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			assert.Equal(t, int32(3), aws.ToInt32(in.PartNumber))
			assert.Equal(t, "mpu-1", aws.ToString(in.UploadId))
			assert.Equal(t, int64(5), aws.ToInt64(in.ContentLength))
			body, err := io.ReadAll(in.Body)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(body))
			return &s3.UploadPartOutput{ETag: aws.String(`"abc"`)}, nil
		},
	}
	s := NewS3MultipartStorageImpl(mock, "uploads", logging.NewNopLogger())

	etag, err := s.PutPart(context.Background(), MultipartRef{Key: "k", UploadID: "mpu-1"}, 3, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, `"abc"`, etag)
}

func TestS3MultipartStorage_PutPartError(t *testing.T) {
	boom := errors.New("connection reset")
	mock := &mockS3Client{
		UploadPartFunc: func(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			return nil, boom
		},
	}
	s := NewS3MultipartStorageImpl(mock, "uploads", logging.NewNopLogger())

	_, err := s.PutPart(context.Background(), MultipartRef{Key: "k", UploadID: "mpu-1"}, 1, []byte("x"))
	require.ErrorIs(t, err, boom)
}

func TestS3MultipartStorage_FinalizeKeepsOrder(t *testing.T) {
	mock := &mockS3Client{
		CompleteMultipartUploadFunc: func(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
			require.Len(t, in.MultipartUpload.Parts, 2)
			assert.Equal(t, int32(1), aws.ToInt32(in.MultipartUpload.Parts[0].PartNumber))
			assert.Equal(t, "e1", aws.ToString(in.MultipartUpload.Parts[0].ETag))
			assert.Equal(t, int32(2), aws.ToInt32(in.MultipartUpload.Parts[1].PartNumber))
			return &s3.CompleteMultipartUploadOutput{}, nil
		},
	}
	s := NewS3MultipartStorageImpl(mock, "uploads", logging.NewNopLogger())

	err := s.FinalizeMultipart(context.Background(), MultipartRef{Key: "k", UploadID: "mpu-1"}, []models.CompletedPart{
		{PartNumber: 1, ETag: "e1"},
		{PartNumber: 2, ETag: "e2"},
	})
	require.NoError(t, err)
}

func TestS3MultipartStorage_AbortMissingUploadSucceeds(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "typed no such upload", err: &types.NoSuchUpload{}},
		{name: "generic api error", err: &smithy.GenericAPIError{Code: "NoSuchUpload"}},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockS3Client{
				AbortMultipartUploadFunc: func(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
					return nil, tt.err
				},
			}
			s := NewS3MultipartStorageImpl(mock, "uploads", logging.NewNopLogger())

			err := s.AbortMultipart(context.Background(), MultipartRef{Key: "k", UploadID: "mpu-1"})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestS3MultipartStorage_IsReady(t *testing.T) {
	mock := &mockS3Client{
		HeadBucketFunc: func(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
			return nil, errors.New("no bucket")
		},
	}
	s := NewS3MultipartStorageImpl(mock, "uploads", logging.NewNopLogger())
	require.Error(t, s.IsReady(context.Background()))
	require.Equal(t, "MultipartStorage[s3:uploads]", s.Name())
}

func TestMemoryMultipartStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMultipartStorage()

	ref, err := m.OpenMultipart(ctx, "key", "text/plain")
	require.NoError(t, err)

	e2, err := m.PutPart(ctx, ref, 2, []byte("world"))
	require.NoError(t, err)
	e1, err := m.PutPart(ctx, ref, 1, []byte("hello "))
	require.NoError(t, err)

	require.NoError(t, m.FinalizeMultipart(ctx, ref, []models.CompletedPart{
		{PartNumber: 1, ETag: e1},
		{PartNumber: 2, ETag: e2},
	}))

	obj, ok := m.Object("key")
	require.True(t, ok)
	require.Equal(t, "hello world", string(obj))
	require.Equal(t, 0, m.OpenUploads())
}

func TestMemoryMultipartStorage_FailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMultipartStorage()
	boom := errors.New("boom")

	m.SetFailure(OpOpen, boom)
	_, err := m.OpenMultipart(ctx, "key", "text/plain")
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, m.Calls(OpOpen))

	m.SetFailure(OpOpen, nil)
	ref, err := m.OpenMultipart(ctx, "key", "text/plain")
	require.NoError(t, err)

	_, err = m.PutPart(ctx, ref, 1, []byte("x"))
	require.NoError(t, err)

	err = m.FinalizeMultipart(ctx, ref, []models.CompletedPart{{PartNumber: 1, ETag: "wrong"}})
	require.Error(t, err)

	require.NoError(t, m.AbortMultipart(ctx, ref))
	require.NoError(t, m.AbortMultipart(ctx, ref))
	require.Equal(t, 0, m.OpenUploads())
}
