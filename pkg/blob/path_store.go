package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/jacktea/arvault/pkg/xerrors"
)

// PathStore persists chunks on the local filesystem under root/ab/cd/<id>.
type PathStore struct {
	root string
}

// NewPathStore returns a Store rooted at path.
func NewPathStore(root string) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "PathStore.mkdir", root, err)
	}
	return &PathStore{root: root}, nil
}

func (p *PathStore) Put(ctx context.Context, r io.Reader, size int64, opts PutOptions) (ID, int64, error) {
	if opts.DedupOnly && opts.Checksum != "" {
		if ok, _ := p.Exists(ctx, ID(opts.Checksum)); ok {
			return ID(opts.Checksum), size, nil
		}
	}
	hasher := sha256.New()
	file, err := os.CreateTemp(p.root, "upload-*")
	if err != nil {
		return "", 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.Put", "", err)
	}
	tmpName := file.Name()
	fail := func(err error) (ID, int64, error) {
		file.Close()
		os.Remove(tmpName)
		return "", 0, xerrors.Wrap(xerrors.KindOf(err), "PathStore.Put", "", err)
	}
	n, err := io.Copy(io.MultiWriter(file, hasher), r)
	if err != nil {
		return fail(err)
	}
	id := ID(hex.EncodeToString(hasher.Sum(nil)))
	if err := checkSum("PathStore.Put", opts.Checksum, id); err != nil {
		file.Close()
		os.Remove(tmpName)
		return "", 0, err
	}
	if err := file.Sync(); err != nil {
		return fail(err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.Put", string(id), err)
	}
	finalPath := p.pathForID(id)
	if _, err := os.Stat(finalPath); err == nil {
		os.Remove(tmpName)
		return id, n, nil
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(tmpName)
		return "", 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.Put", string(id), err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return "", 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.Put", string(id), err)
	}
	return id, n, nil
}

func (p *PathStore) Get(ctx context.Context, id ID) (io.ReadCloser, int64, error) {
	if !id.Valid() {
		return nil, 0, xerrors.E(xerrors.KindInvalid, "PathStore.Get", string(id))
	}
	f, err := os.Open(p.pathForID(id))
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindOf(err), "PathStore.Get", string(id), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.Get", string(id), err)
	}
	return f, info.Size(), nil
}

func (p *PathStore) Delete(ctx context.Context, id ID) error {
	if !id.Valid() {
		return xerrors.E(xerrors.KindInvalid, "PathStore.Delete", string(id))
	}
	if err := os.Remove(p.pathForID(id)); err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), "PathStore.Delete", string(id), err)
	}
	return nil
}

func (p *PathStore) Exists(ctx context.Context, id ID) (bool, error) {
	if !id.Valid() {
		return false, nil
	}
	_, err := os.Stat(p.pathForID(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, xerrors.Wrap(xerrors.KindInternal, "PathStore.Exists", string(id), err)
}

func (p *PathStore) pathForID(id ID) string {
	name := string(id)
	return filepath.Join(p.root, name[:2], name[2:4], name)
}
