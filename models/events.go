package models

import "time"

type UploadEventType string

const (
	EventUploadInitiated UploadEventType = "upload.initiated"
	EventUploadCompleted UploadEventType = "upload.completed"
	EventUploadCancelled UploadEventType = "upload.cancelled"
)

// UploadEvent is published whenever a session is created or reaches a terminal state.
type UploadEvent struct {
	Type       UploadEventType `json:"type"`
	UploadId   string          `json:"upload_id"`
	UserId     string          `json:"user_id"`
	StorageKey string          `json:"storage_key"`
	TotalSize  int64           `json:"total_size"`
	Status     UploadStatus    `json:"status"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func NewUploadEvent(t UploadEventType, s UploadSession, at time.Time) UploadEvent {
	return UploadEvent{
		Type:       t,
		UploadId:   s.UploadId,
		UserId:     s.UserId,
		StorageKey: s.StorageKey,
		TotalSize:  s.TotalSize,
		Status:     s.Status,
		OccurredAt: at,
	}
}
