// Package apperror defines the error taxonomy shared by the uploads service.
// Every error surfaced to callers carries a stable machine-readable Code.
package apperror

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeMissingField     Code = "MISSING_FIELD"
	CodeInvalidField     Code = "INVALID_FIELD"
	CodeFileTooLarge     Code = "FILE_TOO_LARGE"
	CodeUploadNotFound   Code = "UPLOAD_NOT_FOUND"
	CodeUploadCompleted  Code = "UPLOAD_COMPLETED"
	CodeUploadCancelled  Code = "UPLOAD_CANCELLED"
	CodeStorageError     Code = "STORAGE_ERROR"
	CodePersistenceError Code = "PERSISTENCE_ERROR"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Store level sentinels. The coordinator translates them into coded errors.
var (
	ErrSessionNotFound = errors.New("upload session not found")
	ErrSessionExists   = errors.New("upload session already exists")
	ErrVersionConflict = errors.New("upload session version conflict")
)

type Error struct {
	Code    Code
	Message string
	Field   string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, apperror.UploadNotFound("")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func MissingField(field string) *Error {
	return &Error{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Field:   field,
	}
}

func InvalidField(field, reason string) *Error {
	return &Error{
		Code:    CodeInvalidField,
		Message: fmt.Sprintf("invalid field '%s': %s", field, reason),
		Field:   field,
	}
}

func FileTooLarge(size, max int64) *Error {
	return &Error{
		Code:    CodeFileTooLarge,
		Message: fmt.Sprintf("file size %d exceeds maximum allowed %d", size, max),
		Field:   "total_size",
	}
}

func UploadNotFound(uploadID string) *Error {
	return &Error{
		Code:    CodeUploadNotFound,
		Message: fmt.Sprintf("upload not found: %s", uploadID),
	}
}

func UploadCompleted(uploadID string) *Error {
	return &Error{
		Code:    CodeUploadCompleted,
		Message: fmt.Sprintf("upload already completed: %s", uploadID),
	}
}

func UploadCancelled(uploadID string) *Error {
	return &Error{
		Code:    CodeUploadCancelled,
		Message: fmt.Sprintf("upload cancelled: %s", uploadID),
	}
}

func StorageError(message string, err error) *Error {
	return &Error{
		Code:    CodeStorageError,
		Message: message,
		Err:     err,
	}
}

func PersistenceError(message string, err error) *Error {
	return &Error{
		Code:    CodePersistenceError,
		Message: message,
		Err:     err,
	}
}

func Internal(message string, err error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}
