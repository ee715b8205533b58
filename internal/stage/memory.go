package stage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStager keeps staged attachments in process memory. Used in
// tests and when no object store is configured.
type MemoryStager struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStager() *MemoryStager {
	return &MemoryStager{objects: make(map[string][]byte)}
}

func (s *MemoryStager) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("stage attachment %s: %w", key, err)
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStager) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("staged attachment %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStager) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Len reports how many attachments are currently staged.
func (s *MemoryStager) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
