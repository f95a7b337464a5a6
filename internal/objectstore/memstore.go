package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-memory Store used by this repo's unit tests. It
// enforces the part-count limit and, at Complete, the minimum and
// maximum size of every part but the last, so reconciler and
// orchestrator tests exercise real constraints rather than a permissive
// stub. It does not check that the non-final parts are of equal size.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]*memObject
	uploads map[string]*memUpload
}

type memObject struct {
	data []byte
	meta ObjectMeta
}

type memUpload struct {
	key   string
	parts map[int][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]*memObject),
		uploads: make(map[string]*memUpload),
	}
}

func (m *Memory) Head(_ context.Context, key string) (*ObjectMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}
	meta := obj.meta
	return &meta, nil
}

func (m *Memory) Get(_ context.Context, key string) (*ObjectBody, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}

	return &ObjectBody{
		ObjectMeta: obj.meta,
		Body:       io.NopCloser(bytes.NewReader(obj.data)),
	}, nil
}

func (m *Memory) Put(_ context.Context, key string, r io.Reader, size int64, opts PutOptions) error {
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return fmt.Errorf("memstore put %s: %w", key, err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("memstore put %s: short write, wanted %d got %d", key, size, len(data))
	}

	sum := sha256.Sum256(data)
	digest := "sha256:" + hex.EncodeToString(sum[:])
	if opts.SHA256 != "" && opts.SHA256 != digest {
		return fmt.Errorf("memstore put %s: digest mismatch: expected %s got %s", key, opts.SHA256, digest)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &memObject{
		data: data,
		meta: ObjectMeta{
			Size:        size,
			SHA256:      digest,
			ContentType: opts.ContentType,
			CustomMeta:  opts.CustomMeta,
		},
	}
	return nil
}

func (m *Memory) List(_ context.Context, prefix, cursor, startAfter string, limit int) (*ListResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if startAfter != "" {
		for i, k := range keys {
			if k > startAfter {
				start = i
				break
			}
		}
	}
	if cursor != "" {
		for i, k := range keys {
			if k >= cursor {
				start = i
				break
			}
		}
	}
	keys = keys[start:]

	next := ""
	if limit > 0 && len(keys) > limit {
		next = keys[limit]
		keys = keys[:limit]
	}

	return &ListResult{Keys: keys, NextCursor: next}, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) CreateMultipart(_ context.Context, key string) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[id] = &memUpload{key: key, parts: make(map[int][]byte)}
	return id, nil
}

func (m *Memory) ResumeMultipart(_ context.Context, key, storeUploadID string) (MultipartUpload, error) {
	m.mu.RLock()
	up, ok := m.uploads[storeUploadID]
	m.mu.RUnlock()
	if !ok || up.key != key {
		return nil, fmt.Errorf("memstore: no such multipart upload %s", storeUploadID)
	}
	return &memMultipart{store: m, id: storeUploadID, up: up}, nil
}

type memMultipart struct {
	store *Memory
	id    string
	up    *memUpload
}

func (u *memMultipart) UploadPart(_ context.Context, partNumber int, r io.Reader, size int64) (Part, error) {
	if partNumber < 1 || partNumber > MaxParts {
		return Part{}, fmt.Errorf("memstore: part number %d out of range", partNumber)
	}
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return Part{}, fmt.Errorf("memstore: upload part %d: %w", partNumber, err)
	}
	if int64(len(data)) != size {
		return Part{}, fmt.Errorf("memstore: upload part %d: short write, wanted %d got %d", partNumber, size, len(data))
	}

	sum := sha256.Sum256(data)
	etag := hex.EncodeToString(sum[:])

	u.store.mu.Lock()
	u.up.parts[partNumber] = data
	u.store.mu.Unlock()

	return Part{PartNumber: partNumber, ETag: etag}, nil
}

func (u *memMultipart) Complete(_ context.Context, parts []Part) error {
	if len(parts) == 0 {
		return fmt.Errorf("memstore: complete with no parts")
	}
	if len(parts) > MaxParts {
		return fmt.Errorf("memstore: complete with %d parts exceeds max %d", len(parts), MaxParts)
	}

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	var buf bytes.Buffer
	for i, p := range parts {
		data, ok := u.up.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("memstore: complete: missing part %d", p.PartNumber)
		}
		last := i == len(parts)-1
		if !last && (len(data) < MinPartSize || len(data) > MaxPartSize) {
			return fmt.Errorf("memstore: complete: part %d size %d violates store part-size rule", p.PartNumber, len(data))
		}
		buf.Write(data)
	}

	sum := sha256.Sum256(buf.Bytes())
	digest := "sha256:" + hex.EncodeToString(sum[:])

	u.store.objects[u.up.key] = &memObject{
		data: buf.Bytes(),
		meta: ObjectMeta{
			Size:   int64(buf.Len()),
			SHA256: digest,
		},
	}
	delete(u.store.uploads, u.id)
	return nil
}

func (u *memMultipart) Abort(_ context.Context) error {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	delete(u.store.uploads, u.id)
	return nil
}
