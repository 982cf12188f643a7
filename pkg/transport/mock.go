package transport

import "context"

// Mock is a Transport whose behaviour is supplied per test. Nil funcs
// return zero values. Call counters are updated before the func runs.
type Mock struct {
	CreateUploadUnitFunc   func(ctx context.Context, req UnitRequest) (*Upload, error)
	UploadNextChunkFunc    func(ctx context.Context, u *Upload) (Progress, error)
	FetchByIdentifierFunc  func(ctx context.Context, id ContentID) ([]byte, error)
	ConfirmationStatusFunc func(ctx context.Context, id ContentID) (*Status, error)

	CreateCalls int
	ChunkCalls  int
	FetchCalls  int
	StatusCalls int
}

// Wrap returns a Mock that forwards every call to t, so tests can count
// calls or intercept individual methods of a real transport.
func Wrap(t Transport) *Mock {
	return &Mock{
		CreateUploadUnitFunc:   t.CreateUploadUnit,
		UploadNextChunkFunc:    t.UploadNextChunk,
		FetchByIdentifierFunc:  t.FetchByIdentifier,
		ConfirmationStatusFunc: t.ConfirmationStatus,
	}
}

func (m *Mock) CreateUploadUnit(ctx context.Context, req UnitRequest) (*Upload, error) {
	m.CreateCalls++
	if m.CreateUploadUnitFunc == nil {
		return NewUpload("", req.Blob, 0), nil
	}
	return m.CreateUploadUnitFunc(ctx, req)
}

func (m *Mock) UploadNextChunk(ctx context.Context, u *Upload) (Progress, error) {
	m.ChunkCalls++
	if m.UploadNextChunkFunc == nil {
		return Progress{}, nil
	}
	return m.UploadNextChunkFunc(ctx, u)
}

func (m *Mock) FetchByIdentifier(ctx context.Context, id ContentID) ([]byte, error) {
	m.FetchCalls++
	if m.FetchByIdentifierFunc == nil {
		return nil, ErrNotFound
	}
	return m.FetchByIdentifierFunc(ctx, id)
}

func (m *Mock) ConfirmationStatus(ctx context.Context, id ContentID) (*Status, error) {
	m.StatusCalls++
	if m.ConfirmationStatusFunc == nil {
		return nil, ErrNotFound
	}
	return m.ConfirmationStatusFunc(ctx, id)
}

var _ Transport = (*Mock)(nil)
