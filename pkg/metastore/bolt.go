package metastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bolt is a Backend on a single bbolt file. Each namespace is a top level
// bolt bucket.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) CreateNamespace(ctx context.Context, ns string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucket([]byte(ns))
		if errors.Is(err, bolt.ErrBucketExists) {
			return ErrNamespaceExists
		}
		return err
	})
}

func (b *Bolt) DeleteNamespace(ctx context.Context, ns string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(ns))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return ErrNamespaceNotFound
		}
		return err
	})
}

func (b *Bolt) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket([]byte(ns)) != nil
		return nil
	})
	return ok, err
}

func (b *Bolt) Get(ctx context.Context, ns, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ns))
		if bkt == nil {
			return ErrNamespaceNotFound
		}
		v, ok := lookup(bkt, key)
		if !ok {
			return ErrKeyNotFound
		}
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

func (b *Bolt) Put(ctx context.Context, ns, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ns))
		if bkt == nil {
			return ErrNamespaceNotFound
		}
		if value == nil {
			value = []byte{}
		}
		return bkt.Put([]byte(key), value)
	})
}

func (b *Bolt) Delete(ctx context.Context, ns, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ns))
		if bkt == nil {
			return ErrNamespaceNotFound
		}
		if _, ok := lookup(bkt, key); !ok {
			return ErrKeyNotFound
		}
		return bkt.Delete([]byte(key))
	})
}

// lookup distinguishes a missing key from one holding an empty value.
func lookup(bkt *bolt.Bucket, key string) ([]byte, bool) {
	k, v := bkt.Cursor().Seek([]byte(key))
	if k == nil || string(k) != key {
		return nil, false
	}
	return v, true
}

func (b *Bolt) Scan(ctx context.Context, ns, start string, fn ScanFunc) error {
	return scanBatches(ctx, start, func(from string, after bool, limit int) ([]entry, error) {
		var out []entry
		err := b.db.View(func(tx *bolt.Tx) error {
			bkt := tx.Bucket([]byte(ns))
			if bkt == nil {
				return ErrNamespaceNotFound
			}
			c := bkt.Cursor()
			k, v := c.Seek([]byte(from))
			if after && k != nil && string(k) == from {
				k, v = c.Next()
			}
			for ; k != nil && len(out) < limit; k, v = c.Next() {
				out = append(out, entry{key: string(k), value: bytes.Clone(v)})
			}
			return nil
		})
		return out, err
	}, fn)
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
