package testing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// MockObjectStorage implements an in-memory ObjectStorage for testing
type MockObjectStorage struct {
	objects map[string][]byte
	mu      sync.RWMutex

	// UploadErr, if set, is returned by every upload
	UploadErr error
	// HasErr and GetErr, if set, are returned by every lookup and download
	HasErr error
	GetErr error
}

// NewMockObjectStorage creates a new mock object storage
func NewMockObjectStorage() *MockObjectStorage {
	return &MockObjectStorage{
		objects: make(map[string][]byte),
	}
}

// HasObject implements ObjectStorage
func (m *MockObjectStorage) HasObject(ctx context.Context, key string) (bool, error) {
	if m.HasErr != nil {
		return false, m.HasErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.objects[key]
	return exists, nil
}

// GetObject implements ObjectStorage
func (m *MockObjectStorage) GetObject(ctx context.Context, key string, dest string) (int64, error) {
	if m.GetErr != nil {
		return 0, m.GetErr
	}
	m.mu.RLock()
	content, exists := m.objects[key]
	m.mu.RUnlock()

	if !exists {
		return 0, fmt.Errorf("object not found: %s", key)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(dest, content, 0644); err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

// UploadObject implements ObjectStorage
func (m *MockObjectStorage) UploadObject(ctx context.Context, key string, src string) error {
	if m.UploadErr != nil {
		return m.UploadErr
	}
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = content
	return nil
}

// AddObject adds an object to the mock storage
func (m *MockObjectStorage) AddObject(key string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = content
}

// Object returns the content of an object
func (m *MockObjectStorage) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.objects[key]
	return c, ok
}

// Keys lists all object keys in sorted order
func (m *MockObjectStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]string, 0, len(m.objects))
	for k := range m.objects {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}
