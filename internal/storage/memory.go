package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound indicates the requested object key holds no bytes.
var ErrNotFound = errors.New("storage: object not found")

type memoryObject struct {
	data        []byte
	contentType string
	revision    int
}

// Memory is an in-process object store used by tests and local development.
// Each overwrite bumps the object revision so the returned location changes
// the way a real store's version id would.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]*memoryObject)}
}

// Put stores a copy of the bytes and returns a revisioned reference.
func (m *Memory) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		obj = &memoryObject{}
		m.objects[key] = obj
	}
	obj.data = append([]byte(nil), data...)
	obj.contentType = contentType
	obj.revision++
	return fmt.Sprintf("memory://%s?rev=%d", key, obj.revision), nil
}

// Get returns a copy of the stored bytes.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

// Remove deletes the object; removing an absent key is an error so cascade
// bugs surface in tests.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(m.objects, key)
	return nil
}

// PresignURL mirrors the MinIO store's signature for handler tests.
func (m *Memory) PresignURL(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Sprintf("memory://%s?rev=%d&signed=1", key, obj.revision), nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
