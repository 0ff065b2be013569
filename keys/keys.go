// Package keys derives object storage keys for upload sessions.
//
// A key has the shape {role}/{user_id}/{YYYYMMDD}/{category}/{file_name} where the
// file name is sanitized and carries a short suffix derived from the upload id, so
// two concurrent uploads of the same file never share a key.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"time"
	"unicode"
)

const (
	CategoryImage    = "image"
	CategoryVideo    = "video"
	CategoryAudio    = "audio"
	CategoryDocument = "document"
	CategoryOther    = "other"

	maxComponentLen = 50
	maxStemLen      = 200
	maxExtLen       = 16
	suffixLen       = 8

	unknownName = "unknown"
)

type Input struct {
	Role        string
	UserID      string
	At          time.Time
	ContentType string
	FileName    string
	UploadID    string
}

func Derive(in Input) string {
	return strings.Join([]string{
		SanitizeComponent(in.Role),
		SanitizeComponent(in.UserID),
		in.At.UTC().Format("20060102"),
		Category(in.ContentType),
		UniqueFileName(in.FileName, in.UploadID),
	}, "/")
}

// Category maps a MIME type to the storage category segment.
func Category(contentType string) string {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}

	primary, _, _ := strings.Cut(mediaType, "/")
	switch {
	case primary == "image":
		return CategoryImage
	case primary == "video":
		return CategoryVideo
	case primary == "audio":
		return CategoryAudio
	case primary == "text", mediaType == "application/json":
		return CategoryDocument
	default:
		return CategoryOther
	}
}

// SanitizeComponent keeps letters, digits, '-' and '_', lowercased and bounded.
func SanitizeComponent(s string) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n == maxComponentLen {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(unicode.ToLower(r))
			n++
		}
	}
	if b.Len() == 0 {
		return unknownName
	}
	return b.String()
}

// SanitizeFileName strips directories, traversal sequences, control characters and
// characters reserved by common filesystems.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", "")
	}

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`:*?"<>|`, r) {
			return -1
		}
		return r
	}, name)

	name = strings.TrimLeft(strings.TrimSpace(name), ".")
	if name == "" {
		return unknownName
	}
	return name
}

// UniqueFileName sanitizes name and inserts a suffix derived from uploadID before
// the extension: "report.pdf" -> "report-1a2b3c4d.pdf".
func UniqueFileName(name, uploadID string) string {
	name = SanitizeFileName(name)

	ext := path.Ext(name)
	if len(ext) <= 1 || len(ext) > maxExtLen {
		ext = ""
	}
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem = unknownName
	}
	if r := []rune(stem); len(r) > maxStemLen {
		stem = string(r[:maxStemLen])
	}

	return stem + "-" + uniqueSuffix(uploadID) + ext
}

func uniqueSuffix(uploadID string) string {
	sum := sha256.Sum256([]byte(uploadID))
	return hex.EncodeToString(sum[:])[:suffixLen]
}
