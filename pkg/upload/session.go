// Package upload drives a ciphertext blob through a Transport chunk by chunk
// until the network reports completion.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jacktea/arvault/pkg/transport"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateCreated State = iota
	StateUploading
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateUploading:
		return "uploading"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Observer receives progress after every chunk step.
type Observer func(transport.Progress)

// Option configures a Session.
type Option func(*Session)

// WithProgress registers fn to be called after every chunk step.
func WithProgress(fn Observer) Option {
	return func(s *Session) { s.observer = fn }
}

// WithLogger sets the logger used for progress lines.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMaxSteps bounds the number of chunk calls DriveToCompletion makes. A
// transport that never reports completion is then an error rather than a
// hang. Zero, the default, means no bound.
func WithMaxSteps(n int) Option {
	return func(s *Session) { s.maxSteps = n }
}

// Session is one upload of one blob. It is driven by a single goroutine.
type Session struct {
	t        transport.Transport
	handle   *transport.Upload
	observer Observer
	log      *slog.Logger
	maxSteps int

	mu    sync.Mutex
	state State
	steps int
	last  transport.Progress
}

// Start opens an upload unit for blob. Chunk sizing is decided by the
// transport. blob is never modified.
func Start(ctx context.Context, t transport.Transport, blob []byte, auth transport.Authorization, opts ...Option) (*Session, error) {
	return StartWithTags(ctx, t, blob, auth, nil, opts...)
}

// StartWithTags is Start with metadata tags attached to the unit.
func StartWithTags(ctx context.Context, t transport.Transport, blob []byte, auth transport.Authorization, tags map[string]string, opts ...Option) (*Session, error) {
	if t == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "upload.Start", "nil transport")
	}
	s := &Session{t: t, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	handle, err := t.CreateUploadUnit(ctx, transport.UnitRequest{Blob: blob, Authorization: auth, Tags: tags})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransport, "upload.Start", "", err)
	}
	if handle == nil {
		return nil, xerrors.E(xerrors.KindTransport, "upload.Start", "transport returned no upload handle")
	}
	s.handle = handle
	s.last = handle.Last()
	s.log.Info("upload unit created", "id", handle.ID, "bytes", len(blob), "chunks", handle.TotalChunks)
	return s, nil
}

// DriveToCompletion submits chunks one at a time until the transport
// reports the unit complete at 100 percent, and returns its identifier.
// Any chunk error is returned at once without retry and the session stays
// in StateUploading. A percentage that goes backwards is treated as a
// transport fault. There is no step limit unless WithMaxSteps sets one.
func (s *Session) DriveToCompletion(ctx context.Context) (transport.ContentID, error) {
	s.mu.Lock()
	if s.state == StateComplete {
		s.mu.Unlock()
		return s.handle.ID, nil
	}
	s.state = StateUploading
	s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return "", s.fail(err)
		}
		if s.maxSteps > 0 && s.Steps() >= s.maxSteps {
			return "", s.fail(fmt.Errorf("no completion after %d chunk steps", s.maxSteps))
		}
		p, err := s.t.UploadNextChunk(ctx, s.handle)
		if err != nil {
			return "", s.fail(err)
		}
		if err := s.record(p); err != nil {
			return "", s.fail(err)
		}
		if s.observer != nil {
			s.observer(p)
		}
		s.log.Info("upload progress",
			"id", s.handle.ID,
			"percent", p.PercentComplete,
			"chunks", fmt.Sprintf("%d/%d", p.ChunksUploaded, p.TotalChunks),
			"bytes", p.BytesUploaded)
		if p.Complete && p.PercentComplete == 100 {
			s.mu.Lock()
			s.state = StateComplete
			s.mu.Unlock()
			return s.handle.ID, nil
		}
	}
}

func (s *Session) record(p transport.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps++
	if p.PercentComplete < s.last.PercentComplete || p.ChunksUploaded < s.last.ChunksUploaded {
		return fmt.Errorf("progress regressed from %d%% to %d%%", s.last.PercentComplete, p.PercentComplete)
	}
	if p.PercentComplete > 100 || p.PercentComplete < 0 {
		return fmt.Errorf("progress out of range: %d%%", p.PercentComplete)
	}
	s.last = p
	return nil
}

func (s *Session) fail(err error) error {
	id := string(s.handle.ID)
	s.log.Error("upload aborted", "id", id, "err", err)
	return xerrors.Wrap(xerrors.KindTransport, "upload.DriveToCompletion", id, err)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the identifier assigned when the unit was created.
func (s *Session) ID() transport.ContentID { return s.handle.ID }

// Steps returns the number of chunk calls made so far.
func (s *Session) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Progress returns the last progress reported by the transport.
func (s *Session) Progress() transport.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
