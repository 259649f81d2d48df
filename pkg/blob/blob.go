// Package blob stores the raw bytes of objects and parts. The metadata
// engine only ever handles Locations; it never looks inside them.
package blob

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"hash"
	"io"
)

// ErrNotFound is returned when a location does not exist.
var ErrNotFound = errors.New("blob not found")

// Location identifies a stored blob.
type Location struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	// ETag is the hex encoded md5 of the blob.
	ETag string `json:"etag"`
}

// Store is a blob backend.
type Store interface {
	// Put stores the content of r and returns its location.
	Put(ctx context.Context, r io.Reader) (Location, error)
	// Get returns the content of loc starting at offset.
	Get(ctx context.Context, loc Location, offset int64) (io.ReadCloser, error)
	// Delete removes loc. Deleting a missing blob is not an error.
	Delete(ctx context.Context, loc Location) error
}

// md5Reader hashes everything read through it.
type md5Reader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newMD5Reader(r io.Reader) *md5Reader {
	return &md5Reader{r: r, h: md5.New()}
}

func (m *md5Reader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.h.Write(p[:n])
		m.n += int64(n)
	}
	return n, err
}

func (m *md5Reader) etag() string {
	return hex.EncodeToString(m.h.Sum(nil))
}
