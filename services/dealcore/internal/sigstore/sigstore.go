// Package sigstore persists captured signature images and hands back the
// opaque reference stored on the deal as signatureUrl.
package sigstore

import (
	"context"
	"fmt"
	"sync"
)

type Store interface {
	// Put stores the image and returns an opaque reference to it.
	Put(ctx context.Context, dealID string, image []byte) (string, error)
}

// Memory keeps images in process memory. Used in dev mode and tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemory() *Memory { return &Memory{objects: map[string][]byte{}} }

func (m *Memory) Put(ctx context.Context, dealID string, image []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := fmt.Sprintf("mem://signatures/%s", dealID)
	m.objects[ref] = append([]byte(nil), image...)
	return ref, nil
}

func (m *Memory) Get(ref string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[ref]
	return b, ok
}
