package gc

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jacktea/arvault/pkg/blob"
	"github.com/jacktea/arvault/pkg/ledger"
	"github.com/jacktea/arvault/pkg/xerrors"
)

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(ledger.Config{Path: filepath.Join(t.TempDir(), "ledger.db"), NoSync: true})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// seed records a unit whose chunks are stored in store. confirm finishes it.
func seed(t *testing.T, l *ledger.Ledger, store blob.Store, id string, created time.Time, confirm bool, chunks ...string) {
	t.Helper()
	ctx := context.Background()
	var size int64
	for _, c := range chunks {
		size += int64(len(c))
	}
	err := l.CreateUnit(ctx, ledger.Unit{
		ID: id, Owner: "alice", Digest: "d", Size: size, ChunkSize: size,
		TotalChunks: len(chunks), CreatedAt: created,
	}, 0)
	if err != nil {
		t.Fatalf("create unit: %v", err)
	}
	for i, c := range chunks {
		chunkID, _, err := store.Put(ctx, bytes.NewReader([]byte(c)), int64(len(c)), blob.PutOptions{})
		if err != nil {
			t.Fatalf("put chunk: %v", err)
		}
		if _, err := l.AppendChunk(ctx, id, i, string(chunkID), int64(len(c)), nil, created); err != nil {
			t.Fatalf("append chunk: %v", err)
		}
	}
	if confirm {
		if _, err := l.Confirm(ctx, id, created); err != nil {
			t.Fatalf("confirm: %v", err)
		}
	}
}

func TestSweeperDropsAbandonedUnits(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	store := blob.NewMemoryStore()
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	seed(t, l, store, "kept", now.Add(-48*time.Hour), true, "shared")
	seed(t, l, store, "abandoned", now.Add(-48*time.Hour), false, "shared", "lonely")
	seed(t, l, store, "in-progress", now.Add(-time.Minute), false, "busy")

	sweeper := NewSweeper(Options{Ledger: l, Blob: store, MaxAge: time.Hour, BatchSize: 1, Now: func() time.Time { return now }})
	rep, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.UnitsDropped != 1 || rep.ChunksDeleted != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if _, err := l.GetUnit(ctx, "abandoned"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("abandoned unit still present: %v", err)
	}
	for _, id := range []string{"kept", "in-progress"} {
		if _, err := l.GetUnit(ctx, id); err != nil {
			t.Fatalf("unit %s removed: %v", id, err)
		}
	}
	if ok, _ := store.Exists(ctx, blob.Sum([]byte("lonely"))); ok {
		t.Fatalf("orphaned chunk survived")
	}
	for _, c := range []string{"shared", "busy"} {
		if ok, _ := store.Exists(ctx, blob.Sum([]byte(c))); !ok {
			t.Fatalf("referenced chunk %q deleted", c)
		}
	}

	rep, err = sweeper.Sweep(ctx)
	if err != nil || rep != (Report{}) {
		t.Fatalf("second sweep = %+v, %v", rep, err)
	}
}

func TestSweeperSkipsReclaimedChunks(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	store := blob.NewMemoryStore()
	now := time.Now()
	seed(t, l, store, "old", now.Add(-48*time.Hour), false, "chunk")
	if _, err := l.DropUnit(ctx, "old"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	seed(t, l, store, "new", now, false, "chunk")

	rep, err := NewSweeper(Options{Ledger: l, Blob: store}).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.ChunksDeleted != 0 {
		t.Fatalf("re-referenced chunk deleted: %+v", rep)
	}
	if ok, _ := store.Exists(ctx, blob.Sum([]byte("chunk"))); !ok {
		t.Fatalf("chunk missing from store")
	}
}

func TestSweeperToleratesMissingBlob(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	store := blob.NewMemoryStore()
	seed(t, l, store, "gone", time.Now(), false, "vanished")
	if err := store.Delete(ctx, blob.Sum([]byte("vanished"))); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := l.DropUnit(ctx, "gone"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	rep, err := NewSweeper(Options{Ledger: l, Blob: store}).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.ChunksDeleted != 1 {
		t.Fatalf("expected orphan to be cleared, got %+v", rep)
	}
}

func TestSweeperHoldsLockWhileDeleting(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	store := blob.NewMemoryStore()
	seed(t, l, store, "u", time.Now(), false, "x")
	if _, err := l.DropUnit(ctx, "u"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	lock := &recordingLocker{}
	checked := &lockCheckingStore{Store: store, lock: lock}
	if _, err := NewSweeper(Options{Ledger: l, Blob: checked, Locker: lock}).Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if checked.deletes != 1 || checked.unlockedDeletes != 0 {
		t.Fatalf("deletes=%d unlocked=%d", checked.deletes, checked.unlockedDeletes)
	}
}

func TestSweeperKeepsRecentlyAppendedUnits(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	store := blob.NewMemoryStore()
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	seed(t, l, store, "slow", now.Add(-48*time.Hour), false, "first")
	if err := l.CreateUnit(ctx, ledger.Unit{
		ID: "resumed", Owner: "alice", Digest: "d", Size: 10, ChunkSize: 5,
		TotalChunks: 2, CreatedAt: now.Add(-48 * time.Hour),
	}, 0); err != nil {
		t.Fatalf("create unit: %v", err)
	}
	chunkID, _, err := store.Put(ctx, bytes.NewReader([]byte("fresh")), 5, blob.PutOptions{})
	if err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	if _, err := l.AppendChunk(ctx, "resumed", 0, string(chunkID), 5, nil, now.Add(-time.Minute)); err != nil {
		t.Fatalf("append chunk: %v", err)
	}

	sweeper := NewSweeper(Options{Ledger: l, Blob: store, MaxAge: time.Hour, Now: func() time.Time { return now }})
	rep, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.UnitsDropped != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if _, err := l.GetUnit(ctx, "resumed"); err != nil {
		t.Fatalf("recently appended unit removed: %v", err)
	}
	if ok, _ := store.Exists(ctx, chunkID); !ok {
		t.Fatalf("chunk of recently appended unit deleted")
	}
	if _, err := l.GetUnit(ctx, "slow"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("idle unit still present: %v", err)
	}
}

func TestSweeperHoldsLockWhileDropping(t *testing.T) {
	ctx := context.Background()
	lock := &recordingLocker{}
	checked := &lockCheckingLedger{Ledger: openLedger(t), lock: lock}
	store := blob.NewMemoryStore()
	seed(t, checked.Ledger, store, "idle", time.Now().Add(-48*time.Hour), false, "x")

	rep, err := NewSweeper(Options{Ledger: checked, Blob: store, Locker: lock}).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.UnitsDropped != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if checked.calls < 2 || checked.unlocked != 0 {
		t.Fatalf("calls=%d unlocked=%d", checked.calls, checked.unlocked)
	}
}

func TestSweeperMissingDependencies(t *testing.T) {
	if _, err := NewSweeper(Options{}).Sweep(context.Background()); err == nil {
		t.Fatalf("expected error without ledger and blob store")
	}
}

func TestStartSweepsUntilCanceled(t *testing.T) {
	counting := &countingLedger{Ledger: openLedger(t), calls: make(chan struct{}, 16)}
	cancel := NewSweeper(Options{Ledger: counting, Blob: blob.NewMemoryStore()}).
		Start(context.Background(), 10*time.Millisecond)
	defer cancel()
	for i := 0; i < 2; i++ {
		select {
		case <-counting.calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("sweep %d did not run", i+1)
		}
	}
}

type recordingLocker struct {
	mu     sync.Mutex
	locked bool
}

func (r *recordingLocker) Lock()   { r.mu.Lock(); r.locked = true }
func (r *recordingLocker) Unlock() { r.locked = false; r.mu.Unlock() }

type lockCheckingStore struct {
	blob.Store
	lock            *recordingLocker
	deletes         int
	unlockedDeletes int
}

func (p *lockCheckingStore) Delete(ctx context.Context, id blob.ID) error {
	p.deletes++
	if !p.lock.locked {
		p.unlockedDeletes++
	}
	return p.Store.Delete(ctx, id)
}

type countingLedger struct {
	*ledger.Ledger
	calls chan struct{}
}

func (c *countingLedger) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Unit, error) {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return c.Ledger.ListStale(ctx, cutoff, limit)
}

type lockCheckingLedger struct {
	*ledger.Ledger
	lock     *recordingLocker
	calls    int
	unlocked int
}

func (c *lockCheckingLedger) check() {
	c.calls++
	if !c.lock.locked {
		c.unlocked++
	}
}

func (c *lockCheckingLedger) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Unit, error) {
	c.check()
	return c.Ledger.ListStale(ctx, cutoff, limit)
}

func (c *lockCheckingLedger) DropUnit(ctx context.Context, id string) ([]string, error) {
	c.check()
	return c.Ledger.DropUnit(ctx, id)
}
