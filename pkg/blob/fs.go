package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FS stores blobs as files under a base directory, fanned out over two
// levels of subdirectories.
type FS struct {
	basePath string
}

// NewFS returns a filesystem store rooted at basePath, creating it if needed.
func NewFS(basePath string) (*FS, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(absPath, ".tmp"), 0755); err != nil {
		return nil, err
	}
	return &FS{basePath: absPath}, nil
}

func (s *FS) path(key string) (string, error) {
	if len(key) < 4 || filepath.Base(key) != key {
		return "", ErrNotFound
	}
	return filepath.Join(s.basePath, key[:2], key[2:4], key), nil
}

// Put writes r to a temp file and renames it into place once complete.
func (s *FS) Put(ctx context.Context, r io.Reader) (Location, error) {
	tmpFile, err := os.CreateTemp(filepath.Join(s.basePath, ".tmp"), "blob-*")
	if err != nil {
		return Location{}, err
	}
	defer os.Remove(tmpFile.Name())

	hr := newMD5Reader(r)
	if _, err := io.Copy(tmpFile, readerWithContext(ctx, hr)); err != nil {
		tmpFile.Close()
		return Location{}, err
	}
	if err := tmpFile.Close(); err != nil {
		return Location{}, err
	}

	key := uuid.New().String()
	p, err := s.path(key)
	if err != nil {
		return Location{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return Location{}, err
	}
	if err := os.Rename(tmpFile.Name(), p); err != nil {
		return Location{}, err
	}
	return Location{Key: key, Size: hr.n, ETag: hr.etag()}, nil
}

func (s *FS) Get(ctx context.Context, loc Location, offset int64) (io.ReadCloser, error) {
	p, err := s.path(loc.Key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (s *FS) Delete(ctx context.Context, loc Location) error {
	p, err := s.path(loc.Key)
	if err != nil {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

// readerWithContext stops a copy once ctx is done.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
