package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/services"
	"github.com/gin-gonic/gin"
)

const defaultContentType = "application/octet-stream"

var allowedContentTypes = []string{
	"image/",
	"video/",
	"audio/",
	"text/",
	"application/json",
	"application/pdf",
	"application/zip",
}

type initRequest struct {
	FileName    string `json:"file_name"`
	TotalSize   int64  `json:"total_size"`
	ContentType string `json:"content_type"`
	UserID      string `json:"user_id"`
	UserRole    string `json:"user_role"`
}

type completeRequest struct {
	UploadID string                 `json:"upload_id"`
	Parts    []models.CompletedPart `json:"parts"`
}

type cancelRequest struct {
	UploadID string `json:"upload_id"`
}

type errorBody struct {
	Code      apperror.Code     `json:"code"`
	Message   string            `json:"message"`
	Field     string            `json:"field,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp string            `json:"timestamp"`
}

type HttpHandler struct {
	uploads       services.UploadService
	maxChunkBytes int64

	logger logging.Logger
}

// NewHttpHandler serves the upload API. Chunk bodies larger than maxChunkBytes
// are rejected; zero disables the limit.
func NewHttpHandler(uploads services.UploadService, maxChunkBytes int64, l logging.Logger) *HttpHandler {
	return &HttpHandler{
		uploads:       uploads,
		maxChunkBytes: maxChunkBytes,
		logger:        l,
	}
}

func (h *HttpHandler) Register(r gin.IRouter) {
	api := r.Group("/api")
	{
		api.POST("/upload/init", h.Init)
		api.PUT("/upload/chunk", h.UploadChunk)
		api.POST("/upload/complete", h.Complete)
		api.POST("/upload/cancel", h.Cancel)
		api.GET("/upload/:id/status", h.Status)
		api.GET("/uploads", h.ListUploads)
	}
}

// NewRouter builds the engine with request id, logging, recovery and CORS
// middleware. metrics may be nil.
func NewRouter(h *HttpHandler, allowedOrigins []string, metrics http.Handler, l logging.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(RequestID())
	engine.Use(RequestLogger(l))
	engine.Use(Recovery(l))
	engine.Use(Cors(allowedOrigins))

	engine.GET("/health", Health)
	if metrics != nil {
		engine.GET("/metrics", gin.WrapH(metrics))
	}
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"code":      "NOT_FOUND",
			"message":   "route not found",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}})
	})

	h.Register(engine)
	return engine
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "lfusys-uploads",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HttpHandler) Init(c *gin.Context) {
	var req initRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperror.InvalidField("body", "invalid JSON in request body"))
		return
	}

	if req.ContentType == "" {
		req.ContentType = defaultContentType
	}
	if !contentTypeAllowed(req.ContentType) {
		writeError(c, apperror.InvalidField("content_type", "unsupported file type"))
		return
	}

	res, err := h.uploads.Init(c.Request.Context(), services.InitRequest{
		FileName:    req.FileName,
		TotalSize:   req.TotalSize,
		ContentType: req.ContentType,
		UserID:      req.UserID,
		UserRole:    req.UserRole,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *HttpHandler) UploadChunk(c *gin.Context) {
	uploadID := strings.TrimSpace(c.GetHeader(HeaderUploadID))
	if uploadID == "" {
		writeError(c, apperror.MissingField(HeaderUploadID))
		return
	}

	rawIndex := strings.TrimSpace(c.GetHeader(HeaderChunkIndex))
	if rawIndex == "" {
		writeError(c, apperror.MissingField(HeaderChunkIndex))
		return
	}
	chunkIndex, err := strconv.Atoi(rawIndex)
	if err != nil {
		writeError(c, apperror.InvalidField(HeaderChunkIndex, "must be a non-negative integer"))
		return
	}

	body := c.Request.Body
	if h.maxChunkBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxChunkBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, apperror.InvalidField("chunk", "chunk body exceeds the maximum chunk size"))
			return
		}
		writeError(c, apperror.InvalidField("chunk", "failed to read chunk body"))
		return
	}

	res, err := h.uploads.UploadChunk(c.Request.Context(), uploadID, chunkIndex, data)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *HttpHandler) Complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperror.InvalidField("body", "invalid JSON in request body"))
		return
	}

	res, err := h.uploads.Complete(c.Request.Context(), req.UploadID, req.Parts)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *HttpHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperror.InvalidField("body", "invalid JSON in request body"))
		return
	}

	res, err := h.uploads.Cancel(c.Request.Context(), req.UploadID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *HttpHandler) Status(c *gin.Context) {
	view, err := h.uploads.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *HttpHandler) ListUploads(c *gin.Context) {
	var status *models.UploadStatus
	if raw := c.Query("status"); raw != "" {
		s, err := models.ParseUploadStatus(raw)
		if err != nil {
			writeError(c, apperror.InvalidField("status", "must be one of initiated, in_progress, completed, cancelled"))
			return
		}
		status = &s
	}

	uploads, err := h.uploads.ListUploads(c.Request.Context(), c.Query("user_id"), status)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"uploads": uploads})
}

// contentTypeAllowed matches media types case-insensitively.
func contentTypeAllowed(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

func statusFor(code apperror.Code) int {
	switch code {
	case apperror.CodeMissingField, apperror.CodeInvalidField:
		return http.StatusBadRequest
	case apperror.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperror.CodeUploadNotFound:
		return http.StatusNotFound
	case apperror.CodeUploadCompleted, apperror.CodeUploadCancelled:
		return http.StatusConflict
	case apperror.CodeStorageError:
		return http.StatusBadGateway
	case apperror.CodePersistenceError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		appErr = apperror.Internal("internal server error", err)
	}

	// wrapped causes stay in the logs
	message := appErr.Message
	if appErr.Code == apperror.CodeInternal {
		message = "internal server error"
	}

	c.JSON(statusFor(appErr.Code), gin.H{"error": errorBody{
		Code:      appErr.Code,
		Message:   message,
		Field:     appErr.Field,
		Details:   appErr.Details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}})
}
