// Package storage holds original and protected image bytes in an
// S3-compatible object store, with an in-memory variant for dev mode and
// tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("storage: object not found")

// ObjectStore is the blob boundary used by the gateway and the worker.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// PresignGet returns a time-limited download URL for key.
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// PublicURL joins a public CDN base with an object key.
func PublicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

type memObject struct {
	data        []byte
	contentType string
}

// MemStore is an in-memory ObjectStore for dev mode and tests.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject)}
}

func (m *MemStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: cp, contentType: contentType}
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

// Delete is idempotent, matching S3 semantics.
func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) PresignGet(_ context.Context, key string, expires time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, int64(expires.Seconds())), nil
}

// Len reports how many objects the store holds.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
