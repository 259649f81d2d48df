package metastore

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound       = errors.New("key not found")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrNamespaceExists   = errors.New("namespace already exists")
)

// Backend is an ordered key-value store partitioned into namespaces.
// Implementations are safe for concurrent use. Keys compare bytewise.
type Backend interface {
	CreateNamespace(ctx context.Context, ns string) error
	DeleteNamespace(ctx context.Context, ns string) error
	NamespaceExists(ctx context.Context, ns string) (bool, error)

	Get(ctx context.Context, ns, key string) ([]byte, error)
	Put(ctx context.Context, ns, key string, value []byte) error
	Delete(ctx context.Context, ns, key string) error

	// Scan calls fn for every key >= start in ascending order until fn
	// returns false or an error. fn may write to the backend.
	Scan(ctx context.Context, ns, start string, fn ScanFunc) error

	Close() error
}

// ScanFunc receives one record of a scan.
type ScanFunc func(key string, value []byte) (more bool, err error)

type entry struct {
	key   string
	value []byte
}

// scanBatchSize bounds how many records a backend reads per round trip.
const scanBatchSize = 256

// fetchFunc returns up to limit entries with keys >= from, or > from when
// after is set.
type fetchFunc func(from string, after bool, limit int) ([]entry, error)

// scanBatches drives fn from successive fetches so that no backend lock or
// transaction is held while fn runs.
func scanBatches(ctx context.Context, start string, fetch fetchFunc, fn ScanFunc) error {
	from, after := start, false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := fetch(from, after, scanBatchSize)
		if err != nil {
			return err
		}
		for _, e := range batch {
			more, err := fn(e.key, e.value)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if len(batch) < scanBatchSize {
			return nil
		}
		from, after = batch[len(batch)-1].key, true
	}
}
