package models

import (
	"fmt"
	"strings"
	"time"
)

type UploadStatus string

const (
	StatusInitiated  UploadStatus = "initiated"
	StatusInProgress UploadStatus = "in_progress"
	StatusCompleted  UploadStatus = "completed"
	StatusCancelled  UploadStatus = "cancelled"
)

func (s UploadStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s UploadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func ParseUploadStatus(s string) (UploadStatus, error) {
	switch UploadStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusInitiated:
		return StatusInitiated, nil
	case StatusInProgress:
		return StatusInProgress, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusCancelled:
		return StatusCancelled, nil
	}
	return "", fmt.Errorf("unknown upload status %q", s)
}

type UserRole string

const (
	RoleCreator    UserRole = "creator"
	RoleMember     UserRole = "member"
	RoleSubscriber UserRole = "subscriber"
)

func (r UserRole) String() string {
	return string(r)
}

func ParseUserRole(s string) (UserRole, error) {
	switch UserRole(strings.ToLower(strings.TrimSpace(s))) {
	case RoleCreator:
		return RoleCreator, nil
	case RoleMember:
		return RoleMember, nil
	case RoleSubscriber:
		return RoleSubscriber, nil
	}
	return "", fmt.Errorf("invalid user role %q", s)
}

// UploadSession represents a multipart upload session
type UploadSession struct {
	UploadId          string       `json:"upload_id"`           // Unique identifier for upload session
	FileName          string       `json:"file_name"`           // Client supplied file name
	TotalSize         int64        `json:"total_size"`          // Total file size in bytes
	ContentType       string       `json:"content_type"`        // Declared MIME type
	UserId            string       `json:"user_id"`             // Owner of this upload
	UserRole          UserRole     `json:"user_role"`           // Owner role, first segment of the storage key
	StorageKey        string       `json:"storage_key"`         // Object key in the remote store
	RemoteMultipartId string       `json:"remote_multipart_id"` // Handle returned by the remote store on open
	Status            UploadStatus `json:"status"`              // Current upload status
	CreatedAt         time.Time    `json:"created_at"`          // Session creation timestamp
	UpdatedAt         time.Time    `json:"updated_at"`          // Last mutation timestamp
	Version           int64        `json:"version"`             // Optimistic concurrency counter
}

// ChunkRecord is one accepted chunk of an upload session.
type ChunkRecord struct {
	ChunkIndex int       `json:"chunk_index"`
	ChunkSize  int64     `json:"chunk_size"`
	ETag       string    `json:"etag"`
	Checksum   string    `json:"checksum"` // hex sha256 of the chunk bytes
	UploadedAt time.Time `json:"uploaded_at"`
}

// PartNumber is the 1-based position of the chunk in the remote multipart upload.
func (c ChunkRecord) PartNumber() int32 {
	return int32(c.ChunkIndex + 1)
}

// CompletedPart is a (part number, etag) pair passed to the remote store on finalize.
type CompletedPart struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
}

// SessionView is the read model returned by status queries.
type SessionView struct {
	UploadId      string       `json:"upload_id"`
	FileName      string       `json:"file_name"`
	TotalSize     int64        `json:"total_size"`
	ContentType   string       `json:"content_type"`
	UserId        string       `json:"user_id"`
	UserRole      UserRole     `json:"user_role"`
	StorageKey    string       `json:"storage_key"`
	Status        UploadStatus `json:"status"`
	Chunks        []int        `json:"chunks"`
	UploadedBytes int64        `json:"uploaded_bytes"`
	ChunkSize     int64        `json:"chunk_size"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// UploadSummary is one entry of a user's upload listing.
type UploadSummary struct {
	UploadId    string       `json:"upload_id"`
	FileName    string       `json:"file_name"`
	TotalSize   int64        `json:"total_size"`
	ContentType string       `json:"content_type"`
	StorageKey  string       `json:"storage_key"`
	Status      UploadStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (s UploadSession) Summary() UploadSummary {
	return UploadSummary{
		UploadId:    s.UploadId,
		FileName:    s.FileName,
		TotalSize:   s.TotalSize,
		ContentType: s.ContentType,
		StorageKey:  s.StorageKey,
		Status:      s.Status,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
