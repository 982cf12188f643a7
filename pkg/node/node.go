// Package node implements a single storage node: it accepts chunked upload
// units, keeps their chunks in a content-addressed blob store and serves
// confirmed units back by content identifier.
package node

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mr-tron/base58/base58"
	"github.com/zeebo/blake3"

	"github.com/jacktea/arvault/pkg/blob"
	"github.com/jacktea/arvault/pkg/cache"
	"github.com/jacktea/arvault/pkg/chunker"
	"github.com/jacktea/arvault/pkg/ledger"
	"github.com/jacktea/arvault/pkg/transport"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// Version is reported by Info.
const Version = "arvault/1"

// DefaultMaxUnitSize bounds a single unit when Config.MaxUnitSize is unset.
const DefaultMaxUnitSize = 8 << 30

const anonymousOwner = "anonymous"

// Verifier checks that an authorization was issued by its claimed owner.
type Verifier interface {
	Verify(auth transport.Authorization) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(auth transport.Authorization) error

func (f VerifierFunc) Verify(auth transport.Authorization) error { return f(auth) }

// Config tunes a node.
type Config struct {
	Network     string
	ChunkSize   int64
	MaxUnitSize int64
	// Quota caps the bytes a single owner may reserve. Zero means unlimited.
	Quota int64
	// Concurrency is the number of chunks fetched in parallel by Fetch.
	Concurrency int
	// CacheBytes bounds the fetch cache. Negative disables it.
	CacheBytes int64
	CacheTTL   time.Duration
	// IDKey keys the content identifier hash. Empty derives one from Network.
	IDKey string
}

// Option customises a Node.
type Option func(*Node)

// WithVerifier requires every OpenUnit authorization to pass v.
func WithVerifier(v Verifier) Option {
	return func(n *Node) { n.verifier = v }
}

// WithLogger sets the node logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

// WithRand overrides the nonce source used for identifiers.
func WithRand(r io.Reader) Option {
	return func(n *Node) { n.rand = r }
}

// Node implements transport.Backend on top of a blob store and a ledger.
type Node struct {
	cfg      Config
	store    blob.Store
	ledger   *ledger.Ledger
	verifier Verifier
	cache    *cache.Cache
	log      *slog.Logger
	now      func() time.Time
	rand     io.Reader
	idKey    [32]byte

	// writeMu serialises chunk appends. gcMu is held shared by writers and
	// exclusively by the sweeper while it deletes orphaned chunks.
	writeMu sync.Mutex
	gcMu    sync.RWMutex
}

// New assembles a node. store and l are owned by the caller.
func New(cfg Config, store blob.Store, l *ledger.Ledger, opts ...Option) (*Node, error) {
	if store == nil || l == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "node.New", "store and ledger are required")
	}
	if cfg.Network == "" {
		cfg.Network = "arvault"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunker.DefaultChunkSize
	}
	if cfg.MaxUnitSize <= 0 {
		cfg.MaxUnitSize = DefaultMaxUnitSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	n := &Node{
		cfg:    cfg,
		store:  store,
		ledger: l,
		log:    slog.Default(),
		now:    time.Now,
		rand:   rand.Reader,
	}
	if cfg.IDKey == "" {
		n.idKey = blake3.Sum256([]byte("arvault content id " + cfg.Network))
	} else {
		n.idKey = blake3.Sum256([]byte(cfg.IDKey))
	}
	for _, opt := range opts {
		opt(n)
	}
	if cfg.CacheBytes >= 0 {
		size := cfg.CacheBytes
		if size == 0 {
			size = cache.DefaultMaxBytes
		}
		n.cache = cache.New(size, cfg.CacheTTL)
	}
	return n, nil
}

// Close stops the fetch cache. The store and ledger stay open.
func (n *Node) Close() error {
	if n.cache != nil {
		return n.cache.Close()
	}
	return nil
}

// Locker returns the lock the garbage collector must hold while it deletes
// chunks, so no writer can re-reference a chunk mid-deletion.
func (n *Node) Locker() sync.Locker { return &n.gcMu }

// Ledger exposes the node's ledger.
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

// Store exposes the node's blob store.
func (n *Node) Store() blob.Store { return n.store }

// OpenUnit validates spec, charges the owner's quota and records a pending
// unit.
func (n *Node) OpenUnit(ctx context.Context, spec transport.UnitSpec) (*transport.UnitGrant, error) {
	const op = "node.OpenUnit"
	if spec.Size <= 0 {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, "", fmt.Errorf("unit size must be positive, got %d", spec.Size))
	}
	if spec.Size > n.cfg.MaxUnitSize {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, "", fmt.Errorf("unit size %d exceeds limit %d", spec.Size, n.cfg.MaxUnitSize))
	}
	if !blob.ID(spec.Digest).Valid() {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, "", fmt.Errorf("digest %q is not a sha256 hex string", spec.Digest))
	}
	owner := spec.Authorization.Owner
	if n.verifier != nil {
		if spec.Authorization.Digest != spec.Digest {
			return nil, xerrors.Wrap(xerrors.KindUnauthorized, op, owner, errors.New("authorization does not cover this digest"))
		}
		if err := n.verifier.Verify(spec.Authorization); err != nil {
			return nil, xerrors.Wrap(xerrors.KindUnauthorized, op, owner, err)
		}
	}
	if owner == "" {
		owner = anonymousOwner
	}
	plan, err := chunker.NewPlan(spec.Size, n.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	id, err := n.newID(owner, spec.Digest)
	if err != nil {
		return nil, err
	}
	state, err := marshalHash(sha256.New())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, op, "", err)
	}
	unit := ledger.Unit{
		ID:          string(id),
		Owner:       owner,
		PublicKey:   spec.Authorization.PublicKey,
		Digest:      spec.Digest,
		Size:        spec.Size,
		ChunkSize:   plan.ChunkSize,
		TotalChunks: plan.Count,
		HashState:   state,
		Tags:        spec.Tags,
		State:       ledger.StatePending,
		CreatedAt:   n.now().UTC(),
	}
	if err := n.ledger.CreateUnit(ctx, unit, n.cfg.Quota); err != nil {
		return nil, err
	}
	n.log.Info("unit opened", "id", id, "owner", owner, "size", spec.Size, "chunks", plan.Count)
	return &transport.UnitGrant{ID: id, ChunkSize: plan.ChunkSize, TotalChunks: plan.Count}, nil
}

// PutChunk stores chunk index of unit id. Chunks must arrive in order; an
// index that was already stored is acknowledged without rewriting it. The
// final chunk confirms the unit once the assembled bytes match the
// authorized digest.
func (n *Node) PutChunk(ctx context.Context, id transport.ContentID, index int, data []byte) (transport.Progress, error) {
	const op = "node.PutChunk"
	n.gcMu.RLock()
	defer n.gcMu.RUnlock()
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	u, err := n.unit(ctx, op, id)
	if err != nil {
		return transport.Progress{}, err
	}
	if u.State == ledger.StateConfirmed || index < len(u.Chunks) {
		return progressOf(u), nil
	}
	if index > len(u.Chunks) {
		return transport.Progress{}, xerrors.Wrap(xerrors.KindInvalid, op, string(id),
			fmt.Errorf("chunk %d out of order, want %d", index, len(u.Chunks)))
	}
	plan := chunker.Plan{Size: u.Size, ChunkSize: u.ChunkSize, Count: u.TotalChunks}
	if want := plan.Len(index); int64(len(data)) != want {
		return transport.Progress{}, xerrors.Wrap(xerrors.KindInvalid, op, string(id),
			fmt.Errorf("chunk %d has %d bytes, want %d", index, len(data), want))
	}

	h := sha256.New()
	if err := unmarshalHash(h, u.HashState); err != nil {
		return transport.Progress{}, xerrors.Wrap(xerrors.KindInternal, op, string(id), err)
	}
	h.Write(data)
	state, err := marshalHash(h)
	if err != nil {
		return transport.Progress{}, xerrors.Wrap(xerrors.KindInternal, op, string(id), err)
	}

	chunkID, _, err := n.store.Put(ctx, bytes.NewReader(data), int64(len(data)), blob.PutOptions{Checksum: string(blob.Sum(data))})
	if err != nil {
		return transport.Progress{}, xerrors.Wrap(xerrors.KindTransport, op, string(id), err)
	}
	u, err = n.ledger.AppendChunk(ctx, u.ID, index, string(chunkID), int64(len(data)), state, n.now())
	if err != nil {
		return transport.Progress{}, err
	}
	if len(u.Chunks) < u.TotalChunks {
		return progressOf(u), nil
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != u.Digest {
		orphans, dropErr := n.ledger.DropUnit(ctx, u.ID)
		if dropErr != nil {
			n.log.Error("drop corrupt unit", "id", id, "err", dropErr)
		}
		n.log.Warn("unit digest mismatch", "id", id, "want", u.Digest, "got", got, "orphans", len(orphans))
		return transport.Progress{}, xerrors.Wrap(xerrors.KindTransportIntegrity, op, string(id),
			fmt.Errorf("assembled unit hashes to %s, authorized %s", got, u.Digest))
	}
	u, err = n.ledger.Confirm(ctx, u.ID, n.now())
	if err != nil {
		return transport.Progress{}, err
	}
	n.log.Info("unit confirmed", "id", id, "height", u.Height, "size", u.Size)
	return progressOf(u), nil
}

// Fetch returns the bytes of a confirmed unit. Pending units are not
// visible.
func (n *Node) Fetch(ctx context.Context, id transport.ContentID) ([]byte, error) {
	const op = "node.Fetch"
	if n.cache != nil {
		if data, ok := n.cache.Get(string(id)); ok {
			return append([]byte(nil), data...), nil
		}
	}
	u, err := n.unit(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if u.State != ledger.StateConfirmed {
		return nil, xerrors.Wrap(xerrors.KindNotFound, op, string(id), transport.ErrNotFound)
	}
	ids := make([]blob.ID, len(u.Chunks))
	for i, c := range u.Chunks {
		ids[i] = blob.ID(c)
	}
	var buf bytes.Buffer
	buf.Grow(int(u.Size))
	if _, err := chunker.Reassemble(ctx, len(ids), n.cfg.Concurrency, chunker.FromStore(n.store, ids), &buf); err != nil {
		return nil, err
	}
	data := buf.Bytes()
	if n.cache != nil {
		n.cache.Set(string(id), append([]byte(nil), data...))
	}
	return data, nil
}

// Status reports a unit's confirmation state.
func (n *Node) Status(ctx context.Context, id transport.ContentID) (*transport.Status, error) {
	u, err := n.unit(ctx, "node.Status", id)
	if err != nil {
		return nil, err
	}
	st := &transport.Status{
		ID:             id,
		State:          transport.State(u.State),
		Size:           u.Size,
		Chunks:         u.TotalChunks,
		ChunksUploaded: len(u.Chunks),
		CreatedAt:      u.CreatedAt,
		Tags:           u.Tags,
	}
	if u.State == ledger.StateConfirmed {
		at := u.ConfirmedAt
		st.ConfirmedAt = &at
	}
	return st, nil
}

// Info describes the node.
func (n *Node) Info(ctx context.Context) (*transport.Info, error) {
	stats, err := n.ledger.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &transport.Info{
		Network:     n.cfg.Network,
		Version:     Version,
		ChunkSize:   n.cfg.ChunkSize,
		MaxUnitSize: n.cfg.MaxUnitSize,
		Height:      stats.Height,
		Pending:     stats.Pending,
	}, nil
}

func (n *Node) unit(ctx context.Context, op string, id transport.ContentID) (ledger.Unit, error) {
	if id == "" {
		return ledger.Unit{}, xerrors.E(xerrors.KindInvalid, op, "empty content id")
	}
	u, err := n.ledger.GetUnit(ctx, string(id))
	if xerrors.KindOf(err) == xerrors.KindNotFound {
		return u, xerrors.Wrap(xerrors.KindNotFound, op, string(id), transport.ErrNotFound)
	}
	return u, err
}

// newID derives base58(blake3-keyed(owner || 0 || digest || nonce)).
func (n *Node) newID(owner, digest string) (transport.ContentID, error) {
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(n.rand, nonce); err != nil {
		return "", xerrors.Wrap(xerrors.KindEntropy, "node.newID", "", err)
	}
	hasher, err := blake3.NewKeyed(n.idKey[:])
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "node.newID", "", err)
	}
	hasher.Write([]byte(owner))
	hasher.Write([]byte{0})
	hasher.Write([]byte(digest))
	hasher.Write(nonce)
	return transport.ContentID(base58.Encode(hasher.Sum(nil))), nil
}

func progressOf(u ledger.Unit) transport.Progress {
	done := len(u.Chunks)
	if u.State == ledger.StatePending && done >= u.TotalChunks {
		// Every chunk landed but confirmation has not: not complete yet.
		done = u.TotalChunks - 1
	}
	return transport.NewProgress(done, u.TotalChunks, u.Received, u.Size)
}

func marshalHash(h any) ([]byte, error) {
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errors.New("hash state is not serialisable")
	}
	return m.MarshalBinary()
}

func unmarshalHash(h any, state []byte) error {
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return errors.New("hash state is not restorable")
	}
	return u.UnmarshalBinary(state)
}

var _ transport.Backend = (*Node)(nil)
