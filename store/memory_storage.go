package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/google/uuid"
)

type StorageOp string

const (
	OpOpen     StorageOp = "open"
	OpPutPart  StorageOp = "put_part"
	OpFinalize StorageOp = "finalize"
	OpAbort    StorageOp = "abort"
)

type memoryMultipart struct {
	key         string
	contentType string
	parts       map[int32][]byte
	etags       map[int32]string
}

// MemoryMultipartStorage is an in-process multipart store. It records every call
// and lets tests inject a failure per operation.
type MemoryMultipartStorage struct {
	mu       sync.Mutex
	uploads  map[string]*memoryMultipart
	objects  map[string][]byte
	failures map[StorageOp]error
	calls    map[StorageOp]int
}

func NewMemoryMultipartStorage() *MemoryMultipartStorage {
	return &MemoryMultipartStorage{
		uploads:  make(map[string]*memoryMultipart),
		objects:  make(map[string][]byte),
		failures: make(map[StorageOp]error),
		calls:    make(map[StorageOp]int),
	}
}

func (m *MemoryMultipartStorage) IsReady(context.Context) error {
	return nil
}

func (m *MemoryMultipartStorage) Name() string {
	return "MultipartStorage[memory]"
}

// SetFailure makes every following call of op fail with err. A nil err clears it.
func (m *MemoryMultipartStorage) SetFailure(op StorageOp, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MemoryMultipartStorage) Calls(op StorageOp) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Object returns the assembled object stored under key, if finalized.
func (m *MemoryMultipartStorage) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// OpenUploads returns the number of multipart uploads neither finalized nor aborted.
func (m *MemoryMultipartStorage) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

func (m *MemoryMultipartStorage) record(op StorageOp) error {
	m.calls[op]++
	return m.failures[op]
}

func (m *MemoryMultipartStorage) OpenMultipart(ctx context.Context, key string, contentType string) (MultipartRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpOpen); err != nil {
		return MultipartRef{}, err
	}

	id := uuid.NewString()
	m.uploads[id] = &memoryMultipart{
		key:         key,
		contentType: contentType,
		parts:       make(map[int32][]byte),
		etags:       make(map[int32]string),
	}
	return MultipartRef{Key: key, UploadID: id}, nil
}

func (m *MemoryMultipartStorage) PutPart(ctx context.Context, ref MultipartRef, partNumber int32, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpPutPart); err != nil {
		return "", err
	}

	up, ok := m.uploads[ref.UploadID]
	if !ok || up.key != ref.Key {
		return "", fmt.Errorf("no such upload %s", ref.UploadID)
	}
	if partNumber < 1 || partNumber > 10000 {
		return "", fmt.Errorf("invalid part number %d", partNumber)
	}

	sum := md5.Sum(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	up.parts[partNumber] = bytes.Clone(data)
	up.etags[partNumber] = etag
	return etag, nil
}

func (m *MemoryMultipartStorage) FinalizeMultipart(ctx context.Context, ref MultipartRef, parts []models.CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpFinalize); err != nil {
		return err
	}

	up, ok := m.uploads[ref.UploadID]
	if !ok || up.key != ref.Key {
		return fmt.Errorf("no such upload %s", ref.UploadID)
	}
	if len(parts) == 0 {
		return fmt.Errorf("no parts to complete")
	}

	ordered := sort.SliceIsSorted(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
	if !ordered {
		return fmt.Errorf("parts are not in ascending order")
	}

	var buf bytes.Buffer
	for _, p := range parts {
		etag, ok := up.etags[p.PartNumber]
		if !ok || etag != p.ETag {
			return fmt.Errorf("invalid part %d", p.PartNumber)
		}
		buf.Write(up.parts[p.PartNumber])
	}

	m.objects[ref.Key] = buf.Bytes()
	delete(m.uploads, ref.UploadID)
	return nil
}

func (m *MemoryMultipartStorage) AbortMultipart(ctx context.Context, ref MultipartRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpAbort); err != nil {
		return err
	}
	delete(m.uploads, ref.UploadID)
	return nil
}
