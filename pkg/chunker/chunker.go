package chunker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jacktea/arvault/pkg/blob"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// DefaultChunkSize is granted by a node when no size is configured.
const DefaultChunkSize = 256 << 10

// Plan describes how a unit of Size bytes is cut into fixed-size chunks. The
// last chunk may be short.
type Plan struct {
	Size      int64
	ChunkSize int64
	Count     int
}

// NewPlan returns the chunk layout for size bytes.
func NewPlan(size, chunkSize int64) (Plan, error) {
	if size <= 0 {
		return Plan{}, xerrors.Wrap(xerrors.KindInvalid, "chunker.NewPlan", "", fmt.Errorf("size must be positive, got %d", size))
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	count := (size + chunkSize - 1) / chunkSize
	return Plan{Size: size, ChunkSize: chunkSize, Count: int(count)}, nil
}

// Bounds returns the [start, end) byte range of chunk i.
func (p Plan) Bounds(i int) (int64, int64) {
	start := int64(i) * p.ChunkSize
	end := start + p.ChunkSize
	if end > p.Size {
		end = p.Size
	}
	return start, end
}

// Len returns the expected length of chunk i, or -1 when i is out of range.
func (p Plan) Len(i int) int64 {
	if i < 0 || i >= p.Count {
		return -1
	}
	start, end := p.Bounds(i)
	return end - start
}

// Slice returns chunk i of data without copying.
func (p Plan) Slice(data []byte, i int) []byte {
	start, end := p.Bounds(i)
	return data[start:end]
}

// Percent reports whole-percent progress after done chunks. It only reaches
// 100 when every chunk is done.
func (p Plan) Percent(done int) int {
	if p.Count == 0 || done >= p.Count {
		return 100
	}
	return done * 100 / p.Count
}

// FetchFunc returns the bytes of chunk i.
type FetchFunc func(ctx context.Context, i int) ([]byte, error)

// Reassemble fetches count chunks with up to concurrency workers and writes
// them to w strictly in index order.
func Reassemble(ctx context.Context, count, concurrency int, fetch FetchFunc, w io.Writer) (int64, error) {
	if concurrency <= 1 || count <= 1 {
		return reassembleSequential(ctx, count, fetch, w)
	}
	return reassembleConcurrent(ctx, count, concurrency, fetch, w)
}

// FromStore adapts an ordered list of chunk IDs to a FetchFunc that verifies
// every chunk against its address.
func FromStore(store blob.Store, ids []blob.ID) FetchFunc {
	return func(ctx context.Context, i int) ([]byte, error) {
		return blob.ReadAll(ctx, store, ids[i])
	}
}

func reassembleSequential(ctx context.Context, count int, fetch FetchFunc, w io.Writer) (int64, error) {
	var written int64
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		data, err := fetch(ctx, i)
		if err != nil {
			return written, err
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func reassembleConcurrent(ctx context.Context, count, concurrency int, fetch FetchFunc, w io.Writer) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	type result struct {
		index int
		data  []byte
		err   error
	}
	jobCh := make(chan int)
	resCh := make(chan result, concurrency*2)
	var workerWG sync.WaitGroup
	worker := func() {
		defer workerWG.Done()
		for idx := range jobCh {
			data, err := fetch(ctx, idx)
			select {
			case resCh <- result{index: idx, data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				cancel()
				return
			}
		}
	}
	for i := 0; i < concurrency; i++ {
		workerWG.Add(1)
		go worker()
	}
	go func() {
		defer func() {
			workerWG.Wait()
			close(resCh)
		}()
		defer close(jobCh)
		for idx := 0; idx < count; idx++ {
			select {
			case <-ctx.Done():
				return
			case jobCh <- idx:
			}
		}
	}()

	pending := make(map[int][]byte)
	next := 0
	var written int64
	for res := range resCh {
		if res.err != nil {
			return written, res.err
		}
		pending[res.index] = res.data
		for {
			data, ok := pending[next]
			if !ok {
				break
			}
			n, err := w.Write(data)
			written += int64(n)
			if err != nil {
				return written, err
			}
			delete(pending, next)
			next++
		}
	}
	if next != count {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		return written, xerrors.Wrap(xerrors.KindInternal, "chunker.Reassemble", "", fmt.Errorf("assembled %d of %d chunks", next, count))
	}
	return written, nil
}
