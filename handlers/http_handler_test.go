package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/services"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type errorEnvelope struct {
	Error struct {
		Code      string            `json:"code"`
		Message   string            `json:"message"`
		Field     string            `json:"field"`
		Details   map[string]string `json:"details"`
		Timestamp string            `json:"timestamp"`
	} `json:"error"`
}

func newTestRouter(t *testing.T, maxChunk int64) (*gin.Engine, *store.MemoryMultipartStorage) {
	t.Helper()
	return newTestRouterWithConfig(t, services.DefaultUploadConfig(), maxChunk)
}

func newTestRouterWithConfig(t *testing.T, cfg services.UploadConfig, maxChunk int64) (*gin.Engine, *store.MemoryMultipartStorage) {
	t.Helper()
	storage := store.NewMemoryMultipartStorage()
	svc := services.NewUploadServiceImpl(
		store.NewMemorySessionStore(),
		storage,
		nil, nil, nil,
		cfg,
		logging.NewNopLogger(),
	)
	h := NewHttpHandler(svc, maxChunk, logging.NewNopLogger())
	return NewRouter(h, []string{"*"}, nil, logging.NewNopLogger()), storage
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func putChunk(t *testing.T, r http.Handler, uploadID, index string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/api/upload/chunk", bytes.NewReader(data))
	if uploadID != "" {
		req.Header.Set(HeaderUploadID, uploadID)
	}
	if index != "" {
		req.Header.Set(HeaderChunkIndex, index)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NotEmpty(t, env.Error.Timestamp)
	return env
}

func initUpload(t *testing.T, r http.Handler) services.InitResult {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/upload/init", map[string]any{
		"file_name":    "a.txt",
		"total_size":   13,
		"content_type": "text/plain",
		"user_id":      "u1",
		"user_role":    "creator",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res services.InitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestHttp_FullFlow(t *testing.T) {
	r, storage := newTestRouter(t, 0)
	res := initUpload(t, r)
	require.Equal(t, models.StatusInitiated, res.Status)

	w := putChunk(t, r, res.UploadId, "0", []byte("Hello, World!"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var chunk services.ChunkResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chunk))
	require.Equal(t, models.StatusInProgress, chunk.Status)

	w = doJSON(t, r, http.MethodGet, "/api/upload/"+res.UploadId+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view models.SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Equal(t, []int{0}, view.Chunks)

	w = doJSON(t, r, http.MethodPost, "/api/upload/complete", map[string]any{"upload_id": res.UploadId})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	obj, ok := storage.Object(res.StorageKey)
	require.True(t, ok)
	require.Equal(t, "Hello, World!", string(obj))

	w = doJSON(t, r, http.MethodPost, "/api/upload/complete", map[string]any{"upload_id": res.UploadId})
	require.Equal(t, http.StatusConflict, w.Code)
	env := decodeError(t, w)
	require.Equal(t, string(apperror.CodeUploadCompleted), env.Error.Code)
	require.Equal(t, res.StorageKey, env.Error.Details["storage_key"])

	w = doJSON(t, r, http.MethodGet, "/api/uploads?user_id=u1&status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Uploads []models.UploadSummary `json:"uploads"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Uploads, 1)
}

func TestHttp_InitValidation(t *testing.T) {
	r, _ := newTestRouter(t, 0)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   apperror.Code
		field  string
	}{
		{
			name:   "default content type is rejected",
			body:   map[string]any{"file_name": "a.bin", "total_size": 10, "user_id": "u1", "user_role": "creator"},
			status: http.StatusBadRequest,
			code:   apperror.CodeInvalidField,
			field:  "content_type",
		},
		{
			name:   "unsupported content type",
			body:   map[string]any{"file_name": "a.exe", "total_size": 10, "content_type": "application/x-msdownload", "user_id": "u1", "user_role": "creator"},
			status: http.StatusBadRequest,
			code:   apperror.CodeInvalidField,
			field:  "content_type",
		},
		{
			name:   "too large",
			body:   map[string]any{"file_name": "a.mp4", "total_size": int64(11) << 30, "content_type": "video/mp4", "user_id": "u1", "user_role": "creator"},
			status: http.StatusRequestEntityTooLarge,
			code:   apperror.CodeFileTooLarge,
			field:  "total_size",
		},
		{
			name:   "missing user",
			body:   map[string]any{"file_name": "a.txt", "total_size": 10, "content_type": "text/plain", "user_role": "creator"},
			status: http.StatusBadRequest,
			code:   apperror.CodeMissingField,
			field:  "user_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/upload/init", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())

			env := decodeError(t, w)
			require.Equal(t, string(tt.code), env.Error.Code)
			require.Equal(t, tt.field, env.Error.Field)
		})
	}
}

func TestHttp_ContentTypeIsCaseInsensitive(t *testing.T) {
	r, _ := newTestRouter(t, 0)

	for _, ct := range []string{"Image/PNG", " TEXT/plain; charset=UTF-8"} {
		w := doJSON(t, r, http.MethodPost, "/api/upload/init", map[string]any{
			"file_name":    "a.png",
			"total_size":   10,
			"content_type": ct,
			"user_id":      "u1",
			"user_role":    "creator",
		})
		require.Equal(t, http.StatusOK, w.Code, "%q: %s", ct, w.Body.String())
	}

	require.True(t, contentTypeAllowed("APPLICATION/PDF"))
	require.False(t, contentTypeAllowed("Application/X-Msdownload"))
}

func TestHttp_ChunkAboveSizeHintIsAccepted(t *testing.T) {
	cfg := services.DefaultUploadConfig()
	cfg.ChunkSize = 4
	r, _ := newTestRouterWithConfig(t, cfg, int64(5)<<30)
	res := initUpload(t, r)

	w := putChunk(t, r, res.UploadId, "0", []byte("Hello, World!"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/api/upload/complete", map[string]any{"upload_id": res.UploadId})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHttp_MalformedJSON(t *testing.T) {
	r, _ := newTestRouter(t, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, string(apperror.CodeInvalidField), decodeError(t, w).Error.Code)
}

func TestHttp_ChunkHeaders(t *testing.T) {
	r, _ := newTestRouter(t, 8)
	res := initUpload(t, r)

	w := putChunk(t, r, "", "0", []byte("x"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, HeaderUploadID, decodeError(t, w).Error.Field)

	w = putChunk(t, r, res.UploadId, "", []byte("x"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, string(apperror.CodeMissingField), decodeError(t, w).Error.Code)

	w = putChunk(t, r, res.UploadId, "abc", []byte("x"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, string(apperror.CodeInvalidField), decodeError(t, w).Error.Code)

	w = putChunk(t, r, res.UploadId, "-1", []byte("x"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = putChunk(t, r, res.UploadId, "0", []byte("0123456789"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "chunk", decodeError(t, w).Error.Field)

	w = putChunk(t, r, "missing", "0", []byte("x"))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, string(apperror.CodeUploadNotFound), decodeError(t, w).Error.Code)
}

func TestHttp_StorageFailureMapsTo502(t *testing.T) {
	r, storage := newTestRouter(t, 0)
	res := initUpload(t, r)

	storage.SetFailure(store.OpPutPart, errors.New("boom"))
	w := putChunk(t, r, res.UploadId, "0", []byte("Hello, World!"))
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, string(apperror.CodeStorageError), decodeError(t, w).Error.Code)
}

func TestHttp_CancelThenChunk(t *testing.T) {
	r, _ := newTestRouter(t, 0)
	res := initUpload(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/upload/cancel", map[string]any{"upload_id": res.UploadId})
	require.Equal(t, http.StatusOK, w.Code)

	w = putChunk(t, r, res.UploadId, "0", []byte("x"))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, string(apperror.CodeUploadCancelled), decodeError(t, w).Error.Code)
}

func TestHttp_ListUploadsValidation(t *testing.T) {
	r, _ := newTestRouter(t, 0)

	w := doJSON(t, r, http.MethodGet, "/api/uploads", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "user_id", decodeError(t, w).Error.Field)

	w = doJSON(t, r, http.MethodGet, "/api/uploads?user_id=u1&status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "status", decodeError(t, w).Error.Field)
}

type panickingService struct {
	services.UploadService
}

func (panickingService) Status(context.Context, string) (*models.SessionView, error) {
	panic("unexpected")
}

func (panickingService) Cancel(context.Context, string) (*services.CancelResult, error) {
	return nil, errors.New("raw failure with secrets")
}

func TestHttp_InternalErrors(t *testing.T) {
	h := NewHttpHandler(panickingService{}, 0, logging.NewNopLogger())
	r := NewRouter(h, nil, nil, logging.NewNopLogger())

	w := doJSON(t, r, http.MethodGet, "/api/upload/x/status", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, string(apperror.CodeInternal), decodeError(t, w).Error.Code)

	w = doJSON(t, r, http.MethodPost, "/api/upload/cancel", map[string]any{"upload_id": "x"})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	env := decodeError(t, w)
	require.Equal(t, "internal server error", env.Error.Message)
}

func TestHttp_RequestIDAndHealth(t *testing.T) {
	r, _ := newTestRouter(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "req-123", w.Header().Get(HeaderRequestID))

	w = doJSON(t, r, http.MethodGet, "/health", nil)
	require.NotEmpty(t, w.Header().Get(HeaderRequestID))

	w = doJSON(t, r, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, statusFor(apperror.CodeMissingField))
	require.Equal(t, http.StatusServiceUnavailable, statusFor(apperror.CodePersistenceError))
	require.Equal(t, http.StatusInternalServerError, statusFor(apperror.Code("OTHER")))
}
