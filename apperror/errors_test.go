package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", UploadCompleted("abc"))

	assert.True(t, errors.Is(err, UploadCompleted("")))
	assert.False(t, errors.Is(err, UploadCancelled("")))
	assert.Equal(t, CodeUploadCompleted, CodeOf(err))
}

func TestCodeOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := StorageError("failed to upload part", cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "STORAGE_ERROR")
	assert.Contains(t, err.Error(), "dial tcp")
}

func TestWithDetail(t *testing.T) {
	err := UploadCompleted("abc").WithDetail("storage_key", "creator/u1/20240101/document/a.txt")

	assert.Equal(t, "creator/u1/20240101/document/a.txt", err.Details["storage_key"])
}
