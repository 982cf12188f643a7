package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jacktea/arvault/pkg/blob"
	"github.com/jacktea/arvault/pkg/ledger"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// Ledger is the subset of *ledger.Ledger the sweeper needs.
type Ledger interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Unit, error)
	DropUnit(ctx context.Context, id string) ([]string, error)
	ListOrphans(ctx context.Context, limit int) ([]string, error)
	ClaimOrphan(ctx context.Context, chunkID string) (bool, error)
}

// DefaultMaxAge is how long a pending unit may sit idle before it is
// considered abandoned.
const DefaultMaxAge = 24 * time.Hour

// Options configures a Sweeper.
type Options struct {
	Ledger Ledger
	Blob   blob.Store
	// Locker is held while stale units are dropped and while orphaned chunks
	// are claimed and deleted. Writers that reference chunks must hold the
	// shared side of the same lock.
	Locker    sync.Locker
	MaxAge    time.Duration
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Report summarises one sweep.
type Report struct {
	UnitsDropped  int
	ChunksDeleted int
}

// Sweeper drops abandoned pending units and deletes chunks no unit
// references any more.
type Sweeper struct {
	ledger    Ledger
	blob      blob.Store
	locker    sync.Locker
	maxAge    time.Duration
	batchSize int
	log       *slog.Logger
	now       func() time.Time
}

// NewSweeper wires a ledger and blob store for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	s := &Sweeper{
		ledger:    opts.Ledger,
		blob:      opts.Blob,
		locker:    opts.Locker,
		maxAge:    opts.MaxAge,
		batchSize: opts.BatchSize,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if s.locker == nil {
		s.locker = &sync.Mutex{}
	}
	if s.maxAge <= 0 {
		s.maxAge = DefaultMaxAge
	}
	if s.batchSize <= 0 {
		s.batchSize = 128
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Sweep performs one best-effort GC pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	if s.ledger == nil || s.blob == nil {
		return rep, fmt.Errorf("gc sweeper missing dependencies")
	}
	dropped, err := s.dropStale(ctx)
	rep.UnitsDropped = dropped
	if err != nil {
		return rep, err
	}
	deleted, err := s.deleteOrphans(ctx)
	rep.ChunksDeleted = deleted
	if rep.UnitsDropped > 0 || rep.ChunksDeleted > 0 {
		s.log.Info("gc sweep", "units_dropped", rep.UnitsDropped, "chunks_deleted", rep.ChunksDeleted)
	}
	return rep, err
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("gc sweep failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

func (s *Sweeper) dropStale(ctx context.Context) (int, error) {
	s.locker.Lock()
	defer s.locker.Unlock()
	cutoff := s.now().Add(-s.maxAge)
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		units, err := s.ledger.ListStale(ctx, cutoff, s.batchSize)
		if err != nil {
			return total, err
		}
		for _, u := range units {
			if _, err := s.ledger.DropUnit(ctx, u.ID); err != nil && !xerrors.Is(err, xerrors.KindNotFound) {
				return total, err
			}
			s.log.Debug("dropped abandoned unit", "id", u.ID, "owner", u.Owner, "last_activity", u.LastActivity())
			total++
		}
		if len(units) < s.batchSize {
			return total, nil
		}
	}
}

func (s *Sweeper) deleteOrphans(ctx context.Context) (int, error) {
	s.locker.Lock()
	defer s.locker.Unlock()
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		orphans, err := s.ledger.ListOrphans(ctx, s.batchSize)
		if err != nil {
			return total, err
		}
		for _, chunkID := range orphans {
			claimed, err := s.ledger.ClaimOrphan(ctx, chunkID)
			if err != nil {
				return total, err
			}
			if !claimed {
				continue
			}
			if err := s.blob.Delete(ctx, blob.ID(chunkID)); err != nil && xerrors.KindOf(err) != xerrors.KindNotFound {
				return total, err
			}
			total++
		}
		if len(orphans) < s.batchSize {
			return total, nil
		}
	}
}
