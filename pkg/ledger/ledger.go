// Package ledger records upload units, chunk reference counts and owner
// usage for a storage node in a bbolt database.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/arvault/pkg/xerrors"
)

var (
	bucketMeta    = []byte("meta")
	bucketUnits   = []byte("units")
	bucketChunks  = []byte("chunks")
	bucketOwners  = []byte("owners")
	bucketOrphans = []byte("orphans")

	metaHeightKey = []byte("height")
)

// ErrExists is returned by CreateUnit for a duplicate identifier.
var ErrExists = errors.New("ledger: unit already exists")

// ErrQuota is returned by CreateUnit when the owner would exceed its quota.
var ErrQuota = errors.New("ledger: owner quota exceeded")

// UnitState mirrors the confirmation state exposed over the transport.
type UnitState string

const (
	StatePending   UnitState = "pending"
	StateConfirmed UnitState = "confirmed"
)

// Unit is the persisted record of one upload unit.
type Unit struct {
	ID          string            `cbor:"id"`
	Owner       string            `cbor:"owner"`
	PublicKey   string            `cbor:"pub,omitempty"`
	Digest      string            `cbor:"digest"`
	Size        int64             `cbor:"size"`
	ChunkSize   int64             `cbor:"chunk_size"`
	TotalChunks int               `cbor:"total_chunks"`
	Chunks      []string          `cbor:"chunks,omitempty"`
	Received    int64             `cbor:"received"`
	HashState   []byte            `cbor:"hash_state,omitempty"`
	Tags        map[string]string `cbor:"tags,omitempty"`
	State       UnitState         `cbor:"state"`
	Height      uint64            `cbor:"height,omitempty"`
	CreatedAt   time.Time         `cbor:"created_at"`
	UpdatedAt   time.Time         `cbor:"updated_at,omitempty"`
	ConfirmedAt time.Time         `cbor:"confirmed_at,omitempty"`
}

// LastActivity is the time of the most recent chunk append, or the creation
// time when no chunk has been recorded.
func (u Unit) LastActivity() time.Time {
	if u.UpdatedAt.After(u.CreatedAt) {
		return u.UpdatedAt
	}
	return u.CreatedAt
}

// Stats summarises ledger contents.
type Stats struct {
	Height    uint64 `json:"height"`
	Confirmed int    `json:"confirmed"`
	Pending   int    `json:"pending"`
	Chunks    int    `json:"chunks"`
	Orphans   int    `json:"orphans"`
}

// Config configures the bbolt-backed ledger.
type Config struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// Ledger persists node state. All methods are safe for concurrent use.
type Ledger struct {
	db *bolt.DB
}

// Open opens or creates the ledger at cfg.Path.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "ledger.Open", "path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "ledger.Open", cfg.Path, err)
	}
	l := &Ledger{db: db}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) init() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketUnits, bucketChunks, bucketOwners, bucketOrphans} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("ledger: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Close releases the database file.
func (l *Ledger) Close() error { return l.db.Close() }

// CreateUnit records a new pending unit and reserves its size against the
// owner's usage. A positive quota caps that usage.
func (l *Ledger) CreateUnit(ctx context.Context, u Unit, quota int64) error {
	if u.ID == "" || u.Size <= 0 {
		return xerrors.E(xerrors.KindInvalid, "ledger.CreateUnit", u.ID)
	}
	if u.State == "" {
		u.State = StatePending
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		units := tx.Bucket(bucketUnits)
		if units.Get([]byte(u.ID)) != nil {
			return xerrors.Wrap(xerrors.KindInvalid, "ledger.CreateUnit", u.ID, ErrExists)
		}
		owners := tx.Bucket(bucketOwners)
		used := decodeInt64(owners.Get([]byte(u.Owner)))
		if quota > 0 && used+u.Size > quota {
			return xerrors.Wrap(xerrors.KindUnauthorized, "ledger.CreateUnit", u.Owner,
				fmt.Errorf("%w: %d + %d > %d bytes", ErrQuota, used, u.Size, quota))
		}
		if err := owners.Put([]byte(u.Owner), encodeInt64(used+u.Size)); err != nil {
			return err
		}
		return putUnit(units, u)
	})
}

// GetUnit loads a unit by identifier.
func (l *Ledger) GetUnit(ctx context.Context, id string) (Unit, error) {
	var u Unit
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = getUnit(tx.Bucket(bucketUnits), id)
		return err
	})
	return u, err
}

// AppendChunk records chunk index of unit id. index must be the next
// expected chunk. The chunk's reference count is incremented and it leaves
// the orphan set if it was there. at becomes the unit's UpdatedAt.
func (l *Ledger) AppendChunk(ctx context.Context, id string, index int, chunkID string, size int64, hashState []byte, at time.Time) (Unit, error) {
	var u Unit
	err := l.db.Update(func(tx *bolt.Tx) error {
		units := tx.Bucket(bucketUnits)
		var err error
		u, err = getUnit(units, id)
		if err != nil {
			return err
		}
		if u.State != StatePending {
			return xerrors.Wrap(xerrors.KindInvalid, "ledger.AppendChunk", id, fmt.Errorf("unit is %s", u.State))
		}
		if index != len(u.Chunks) {
			return xerrors.Wrap(xerrors.KindInvalid, "ledger.AppendChunk", id, fmt.Errorf("chunk %d out of order, want %d", index, len(u.Chunks)))
		}
		if _, err := incRef(tx, chunkID, 1); err != nil {
			return err
		}
		u.Chunks = append(u.Chunks, chunkID)
		u.Received += size
		u.HashState = hashState
		u.UpdatedAt = at.UTC()
		return putUnit(units, u)
	})
	return u, err
}

// Confirm marks a fully received unit as confirmed and assigns it the next
// height.
func (l *Ledger) Confirm(ctx context.Context, id string, at time.Time) (Unit, error) {
	var u Unit
	err := l.db.Update(func(tx *bolt.Tx) error {
		units := tx.Bucket(bucketUnits)
		var err error
		u, err = getUnit(units, id)
		if err != nil {
			return err
		}
		if u.State == StateConfirmed {
			return nil
		}
		if len(u.Chunks) != u.TotalChunks || u.Received != u.Size {
			return xerrors.Wrap(xerrors.KindInvalid, "ledger.Confirm", id,
				fmt.Errorf("have %d/%d chunks, %d/%d bytes", len(u.Chunks), u.TotalChunks, u.Received, u.Size))
		}
		meta := tx.Bucket(bucketMeta)
		height := decodeUint64(meta.Get(metaHeightKey)) + 1
		if err := meta.Put(metaHeightKey, encodeUint64(height)); err != nil {
			return err
		}
		u.State = StateConfirmed
		u.Height = height
		u.ConfirmedAt = at.UTC()
		u.HashState = nil
		return putUnit(units, u)
	})
	return u, err
}

// DropUnit deletes a unit, releases its owner usage and decrements its
// chunks. Chunks left without references are moved to the orphan set and
// returned.
func (l *Ledger) DropUnit(ctx context.Context, id string) ([]string, error) {
	var orphans []string
	err := l.db.Update(func(tx *bolt.Tx) error {
		units := tx.Bucket(bucketUnits)
		u, err := getUnit(units, id)
		if err != nil {
			return err
		}
		for _, chunkID := range u.Chunks {
			refs, err := incRef(tx, chunkID, -1)
			if err != nil {
				return err
			}
			if refs == 0 {
				if err := tx.Bucket(bucketOrphans).Put([]byte(chunkID), []byte{1}); err != nil {
					return err
				}
				orphans = append(orphans, chunkID)
			}
		}
		owners := tx.Bucket(bucketOwners)
		used := decodeInt64(owners.Get([]byte(u.Owner))) - u.Size
		if used <= 0 {
			if err := owners.Delete([]byte(u.Owner)); err != nil {
				return err
			}
		} else if err := owners.Put([]byte(u.Owner), encodeInt64(used)); err != nil {
			return err
		}
		return units.Delete([]byte(id))
	})
	return orphans, err
}

// ListStale returns up to limit pending units whose last activity is before
// cutoff.
func (l *Ledger) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Unit, error) {
	var out []Unit
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUnits).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var u Unit
			if err := unmarshal(v, &u); err != nil {
				return xerrors.Wrap(xerrors.KindInternal, "ledger.ListStale", string(k), err)
			}
			if u.State == StatePending && u.LastActivity().Before(cutoff) {
				out = append(out, u)
				if limit > 0 && len(out) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	return out, err
}

// ListOrphans returns up to limit chunk IDs with no remaining references.
func (l *Ledger) ListOrphans(ctx context.Context, limit int) ([]string, error) {
	var out []string
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOrphans).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			out = append(out, string(k))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// ClaimOrphan removes chunkID from the orphan set if it is still
// unreferenced, and reports whether the caller may delete its bytes.
func (l *Ledger) ClaimOrphan(ctx context.Context, chunkID string) (bool, error) {
	var claimed bool
	err := l.db.Update(func(tx *bolt.Tx) error {
		orphans := tx.Bucket(bucketOrphans)
		if orphans.Get([]byte(chunkID)) == nil {
			return nil
		}
		if err := orphans.Delete([]byte(chunkID)); err != nil {
			return err
		}
		claimed = decodeUint64(tx.Bucket(bucketChunks).Get([]byte(chunkID))) == 0
		return nil
	})
	return claimed, err
}

// ChunkRefs returns the reference count of chunkID.
func (l *Ledger) ChunkRefs(ctx context.Context, chunkID string) (uint64, error) {
	var refs uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		refs = decodeUint64(tx.Bucket(bucketChunks).Get([]byte(chunkID)))
		return nil
	})
	return refs, err
}

// OwnerUsage returns the bytes reserved by owner across all units.
func (l *Ledger) OwnerUsage(ctx context.Context, owner string) (int64, error) {
	var used int64
	err := l.db.View(func(tx *bolt.Tx) error {
		used = decodeInt64(tx.Bucket(bucketOwners).Get([]byte(owner)))
		return nil
	})
	return used, err
}

// Stats counts units, chunks and orphans.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.db.View(func(tx *bolt.Tx) error {
		s.Height = decodeUint64(tx.Bucket(bucketMeta).Get(metaHeightKey))
		if err := tx.Bucket(bucketUnits).ForEach(func(k, v []byte) error {
			var u Unit
			if err := unmarshal(v, &u); err != nil {
				return xerrors.Wrap(xerrors.KindInternal, "ledger.Stats", string(k), err)
			}
			if u.State == StateConfirmed {
				s.Confirmed++
			} else {
				s.Pending++
			}
			return nil
		}); err != nil {
			return err
		}
		s.Chunks = tx.Bucket(bucketChunks).Stats().KeyN
		s.Orphans = tx.Bucket(bucketOrphans).Stats().KeyN
		return nil
	})
	return s, err
}

func getUnit(b *bolt.Bucket, id string) (Unit, error) {
	var u Unit
	data := b.Get([]byte(id))
	if data == nil {
		return u, xerrors.E(xerrors.KindNotFound, "ledger.GetUnit", id)
	}
	if err := unmarshal(data, &u); err != nil {
		return u, xerrors.Wrap(xerrors.KindInternal, "ledger.GetUnit", id, err)
	}
	return u, nil
}

func putUnit(b *bolt.Bucket, u Unit) error {
	data, err := marshal(u)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "ledger.putUnit", u.ID, err)
	}
	return b.Put([]byte(u.ID), data)
}

func incRef(tx *bolt.Tx, chunkID string, delta int64) (uint64, error) {
	chunks := tx.Bucket(bucketChunks)
	key := []byte(chunkID)
	cur := int64(decodeUint64(chunks.Get(key))) + delta
	if cur <= 0 {
		return 0, chunks.Delete(key)
	}
	if delta > 0 {
		if err := tx.Bucket(bucketOrphans).Delete(key); err != nil {
			return 0, err
		}
	}
	return uint64(cur), chunks.Put(key, encodeUint64(uint64(cur)))
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func encodeInt64(v int64) []byte { return encodeUint64(uint64(v)) }

func decodeInt64(b []byte) int64 { return int64(decodeUint64(b)) }
