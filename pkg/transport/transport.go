// Package transport defines the boundary between the upload and retrieval
// pipelines and a content-addressable storage network.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that the network has no content under an identifier.
var ErrNotFound = errors.New("transport: content not found")

// ContentID is the opaque identifier a network assigns to an upload unit.
type ContentID string

func (id ContentID) String() string { return string(id) }

// State is the confirmation state of a unit.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
)

// Authorization is the capability key custody issues for one upload. The
// network checks Signature over Digest against PublicKey and bills Owner.
type Authorization struct {
	Owner     string `json:"owner"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	Digest    string `json:"digest"`
}

// UnitRequest asks the network for a new upload unit carrying Blob.
type UnitRequest struct {
	Blob          []byte
	Authorization Authorization
	Tags          map[string]string
}

// Progress is reported after every chunk step.
type Progress struct {
	ChunksUploaded  int   `json:"chunksUploaded"`
	TotalChunks     int   `json:"totalChunks"`
	BytesUploaded   int64 `json:"bytesUploaded"`
	TotalBytes      int64 `json:"totalBytes"`
	PercentComplete int   `json:"percentComplete"`
	Complete        bool  `json:"complete"`
}

// Status describes a unit as the network currently sees it.
type Status struct {
	ID             ContentID         `json:"id" yaml:"id"`
	State          State             `json:"state" yaml:"state"`
	Size           int64             `json:"size" yaml:"size"`
	Chunks         int               `json:"chunks" yaml:"chunks"`
	ChunksUploaded int               `json:"chunksUploaded" yaml:"chunksUploaded"`
	CreatedAt      time.Time         `json:"createdAt" yaml:"createdAt"`
	ConfirmedAt    *time.Time        `json:"confirmedAt,omitempty" yaml:"confirmedAt,omitempty"`
	Tags           map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Transport is what the upload session and retrieval pipeline need from a
// storage network. Every call may block and honours ctx.
type Transport interface {
	CreateUploadUnit(ctx context.Context, req UnitRequest) (*Upload, error)
	UploadNextChunk(ctx context.Context, u *Upload) (Progress, error)
	FetchByIdentifier(ctx context.Context, id ContentID) ([]byte, error)
	ConfirmationStatus(ctx context.Context, id ContentID) (*Status, error)
}

// Upload is the handle for one in-flight unit. It tracks which chunk goes
// next and is not safe for concurrent use.
type Upload struct {
	ID          ContentID
	ChunkSize   int64
	TotalChunks int

	blob []byte
	next int
	last Progress
}

// NewUpload returns a handle that slices blob into chunkSize pieces.
func NewUpload(id ContentID, blob []byte, chunkSize int64) *Upload {
	if chunkSize <= 0 {
		chunkSize = int64(len(blob))
	}
	total := 0
	if len(blob) > 0 {
		total = int((int64(len(blob)) + chunkSize - 1) / chunkSize)
	}
	return &Upload{
		ID:          id,
		ChunkSize:   chunkSize,
		TotalChunks: total,
		blob:        blob,
		last:        Progress{TotalChunks: total, TotalBytes: int64(len(blob))},
	}
}

// Size is the blob length in bytes.
func (u *Upload) Size() int64 { return int64(len(u.blob)) }

// Done reports whether every chunk has been acknowledged.
func (u *Upload) Done() bool { return u.last.Complete }

// Next returns the index and bytes of the chunk to send next.
func (u *Upload) Next() (int, []byte, bool) {
	if u.next >= u.TotalChunks {
		return u.next, nil, false
	}
	start := int64(u.next) * u.ChunkSize
	end := start + u.ChunkSize
	if end > int64(len(u.blob)) {
		end = int64(len(u.blob))
	}
	return u.next, u.blob[start:end], true
}

// Ack records the network's acknowledgement of the current chunk.
func (u *Upload) Ack(p Progress) {
	if p.ChunksUploaded > u.next {
		u.next = p.ChunksUploaded
	}
	u.last = p
}

// Last returns the most recent progress report.
func (u *Upload) Last() Progress { return u.last }

// NewProgress builds a Progress for done of total chunks. PercentComplete
// only reaches 100 together with Complete.
func NewProgress(done, total int, bytesDone, totalBytes int64) Progress {
	p := Progress{
		ChunksUploaded: done,
		TotalChunks:    total,
		BytesUploaded:  bytesDone,
		TotalBytes:     totalBytes,
	}
	switch {
	case total <= 0 || done >= total:
		p.PercentComplete = 100
		p.Complete = true
	default:
		p.PercentComplete = done * 100 / total
	}
	return p
}
