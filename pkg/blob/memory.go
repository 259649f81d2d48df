package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Memory keeps blobs in process memory. It is meant for tests and
// ephemeral deployments.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: map[string][]byte{}}
}

func (m *Memory) Put(ctx context.Context, r io.Reader) (Location, error) {
	hr := newMD5Reader(r)
	data, err := io.ReadAll(readerWithContext(ctx, hr))
	if err != nil {
		return Location{}, err
	}
	key := uuid.New().String()
	m.mu.Lock()
	m.blobs[key] = data
	m.mu.Unlock()
	return Location{Key: key, Size: hr.n, ETag: hr.etag()}, nil
}

func (m *Memory) Get(ctx context.Context, loc Location, offset int64) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.blobs[loc.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

func (m *Memory) Delete(ctx context.Context, loc Location) error {
	m.mu.Lock()
	delete(m.blobs, loc.Key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
