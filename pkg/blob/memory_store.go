package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/jacktea/arvault/pkg/xerrors"
)

// MemoryStore keeps chunks in process memory. It backs ephemeral nodes and
// tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[ID][]byte
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[ID][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, r io.Reader, size int64, opts PutOptions) (ID, int64, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return "", 0, xerrors.Wrap(xerrors.KindInternal, "MemoryStore.Put", "", err)
	}
	id := Sum(buf)
	if err := checkSum("MemoryStore.Put", opts.Checksum, id); err != nil {
		return "", 0, err
	}
	m.mu.Lock()
	if _, ok := m.data[id]; !ok {
		m.data[id] = buf
	}
	m.mu.Unlock()
	return id, int64(len(buf)), nil
}

func (m *MemoryStore) Get(ctx context.Context, id ID) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	data, ok := m.data[id]
	m.mu.RUnlock()
	if !ok {
		return nil, 0, xerrors.E(xerrors.KindNotFound, "MemoryStore.Get", string(id))
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		return xerrors.E(xerrors.KindNotFound, "MemoryStore.Delete", string(id))
	}
	delete(m.data, id)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, id ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[id]
	return ok, nil
}

// Len reports the number of stored chunks.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Corrupt overwrites the stored bytes of id without changing its address.
// It exists so integrity failures can be exercised end to end.
func (m *MemoryStore) Corrupt(id ID, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		return false
	}
	m.data[id] = append([]byte(nil), data...)
	return true
}
