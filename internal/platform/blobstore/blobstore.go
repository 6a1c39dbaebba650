// Package blobstore stores key image bytes and archived final reports. It
// defines the Store interface with an in-memory implementation for tests and
// development and an S3 implementation for deployments.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrTooLarge    = errors.New("object exceeds maximum allowed size")
	ErrInvalidKey  = errors.New("object key is invalid")
	ErrEmptyObject = errors.New("object is empty")
)

// MaxObjectSize bounds any single object (100 MB).
const MaxObjectSize = 100 << 20

// Object describes a stored blob.
type Object struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	SHA256      string            `json:"sha256,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type Store interface {
	Put(ctx context.Context, key, contentType string, content io.Reader, metadata map[string]string) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
}

// readAll buffers content up to MaxObjectSize and returns it with its hash.
func readAll(content io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxObjectSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if len(data) > MaxObjectSize {
		return nil, "", ErrTooLarge
	}
	if len(data) == 0 {
		return nil, "", ErrEmptyObject
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

func validKey(key string) bool {
	return key != "" && !strings.HasPrefix(key, "/") && !strings.Contains(key, "..")
}

type storedObject struct {
	meta Object
	data []byte
}

// MemoryStore is a thread-safe, in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, content io.Reader, metadata map[string]string) (*Object, error) {
	if !validKey(key) {
		return nil, ErrInvalidKey
	}
	data, hash, err := readAll(content)
	if err != nil {
		return nil, err
	}

	meta := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      hash,
		Metadata:    copyMap(metadata),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.objects[key] = &storedObject{meta: meta, data: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	meta := obj.meta
	return io.NopCloser(bytes.NewReader(obj.data)), &meta, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

// List returns objects under prefix ordered by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Object
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, obj.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
