package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jacktea/arvault/pkg/manifest"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// MemoryBackend is an in-process Backend with no authorization or
// persistence. It serves tests and dry runs.
type MemoryBackend struct {
	Network   string
	ChunkSize int64

	mu    sync.Mutex
	seq   int
	units map[ContentID]*memoryUnit
}

type memoryUnit struct {
	spec   UnitSpec
	grant  UnitGrant
	data   []byte
	status Status
}

// NewMemoryBackend returns an empty backend granting chunkSize chunks.
func NewMemoryBackend(chunkSize int64) *MemoryBackend {
	if chunkSize <= 0 {
		chunkSize = 256 << 10
	}
	return &MemoryBackend{Network: "memory", ChunkSize: chunkSize, units: make(map[ContentID]*memoryUnit)}
}

func (m *MemoryBackend) OpenUnit(ctx context.Context, spec UnitSpec) (*UnitGrant, error) {
	if spec.Size <= 0 || len(spec.Digest) < 16 {
		return nil, xerrors.E(xerrors.KindInvalid, "memory.OpenUnit", spec.Digest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := ContentID(fmt.Sprintf("mem%d-%s", m.seq, spec.Digest[:16]))
	total := int((spec.Size + m.ChunkSize - 1) / m.ChunkSize)
	grant := UnitGrant{ID: id, ChunkSize: m.ChunkSize, TotalChunks: total}
	m.units[id] = &memoryUnit{
		spec:  spec,
		grant: grant,
		data:  make([]byte, 0, spec.Size),
		status: Status{
			ID:        id,
			State:     StatePending,
			Size:      spec.Size,
			Chunks:    total,
			CreatedAt: time.Now().UTC(),
			Tags:      spec.Tags,
		},
	}
	return &grant, nil
}

func (m *MemoryBackend) PutChunk(ctx context.Context, id ContentID, index int, data []byte) (Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return Progress{}, xerrors.Wrap(xerrors.KindNotFound, "memory.PutChunk", string(id), ErrNotFound)
	}
	done := u.status.ChunksUploaded
	if index < done {
		return NewProgress(done, u.grant.TotalChunks, int64(len(u.data)), u.spec.Size), nil
	}
	if index > done {
		return Progress{}, xerrors.Wrap(xerrors.KindInvalid, "memory.PutChunk", string(id), fmt.Errorf("chunk %d out of order, want %d", index, done))
	}
	u.data = append(u.data, data...)
	u.status.ChunksUploaded++
	p := NewProgress(u.status.ChunksUploaded, u.grant.TotalChunks, int64(len(u.data)), u.spec.Size)
	if p.Complete {
		if !manifest.Verify(u.spec.Digest, u.data) {
			delete(m.units, id)
			return Progress{}, xerrors.Wrap(xerrors.KindTransportIntegrity, "memory.PutChunk", string(id), fmt.Errorf("assembled unit does not match digest"))
		}
		now := time.Now().UTC()
		u.status.State = StateConfirmed
		u.status.ConfirmedAt = &now
	}
	return p, nil
}

func (m *MemoryBackend) Fetch(ctx context.Context, id ContentID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok || u.status.State != StateConfirmed {
		return nil, xerrors.Wrap(xerrors.KindNotFound, "memory.Fetch", string(id), ErrNotFound)
	}
	return append([]byte(nil), u.data...), nil
}

func (m *MemoryBackend) Status(ctx context.Context, id ContentID) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return nil, xerrors.Wrap(xerrors.KindNotFound, "memory.Status", string(id), ErrNotFound)
	}
	st := u.status
	return &st, nil
}

func (m *MemoryBackend) Info(ctx context.Context) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &Info{Network: m.Network, Version: "memory", ChunkSize: m.ChunkSize}
	for _, u := range m.units {
		if u.status.State == StateConfirmed {
			info.Height++
		} else {
			info.Pending++
		}
	}
	return info, nil
}

// Tamper rewrites the stored bytes of a confirmed unit in place.
func (m *MemoryBackend) Tamper(id ContentID, fn func([]byte)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return false
	}
	fn(u.data)
	return true
}

var _ Backend = (*MemoryBackend)(nil)
