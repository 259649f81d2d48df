// Package metastore persists bucket and object metadata on an ordered
// key-value Backend. Each bucket is one namespace of the backend; bucket
// attributes live in a reserved namespace of their own.
package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// UsersBucket is the namespace holding bucket attribute records.
const UsersBucket = "__metastore"

// Store is the typed metadata adapter. It holds no per-request state and
// may be shared.
type Store struct {
	backend Backend
	logger  zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the Store.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New wraps backend, creating the bucket attribute namespace if needed.
func New(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.EnsureNamespace(ctx, UsersBucket); err != nil {
		return nil, fmt.Errorf("init metastore: %w", err)
	}
	return s, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// ValidateBucketName checks name against the S3 naming rules and the
// reserved prefixes of the metastore.
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return s3err.ErrInvalidBucketName.WithMessage("bucket name must be between 3 and 63 characters long")
	}
	if keyspace.IsShadowBucket(name) || strings.HasPrefix(name, "__") {
		return s3err.ErrInvalidBucketName.WithMessage("bucket name %q uses a reserved prefix", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '.':
			if i == 0 || i == len(name)-1 {
				return s3err.ErrInvalidBucketName.WithMessage("bucket name must begin and end with a letter or number")
			}
		default:
			return s3err.ErrInvalidBucketName.WithMessage("bucket name contains invalid character %q", c)
		}
	}
	if strings.Contains(name, "..") {
		return s3err.ErrInvalidBucketName.WithMessage("bucket name must not contain two adjacent periods")
	}
	if net.ParseIP(name) != nil {
		return s3err.ErrInvalidBucketName.WithMessage("bucket name must not be formatted as an IP address")
	}
	return nil
}

// EnsureNamespace creates ns unless it already exists.
func (s *Store) EnsureNamespace(ctx context.Context, ns string) error {
	err := s.backend.CreateNamespace(ctx, ns)
	if err != nil && !errors.Is(err, ErrNamespaceExists) {
		return err
	}
	return nil
}

// DeleteNamespace drops ns and every record in it. A missing namespace is
// not an error.
func (s *Store) DeleteNamespace(ctx context.Context, ns string) error {
	err := s.backend.DeleteNamespace(ctx, ns)
	if err != nil && !errors.Is(err, ErrNamespaceNotFound) {
		return err
	}
	return nil
}

// NamespaceExists reports whether ns exists.
func (s *Store) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	return s.backend.NamespaceExists(ctx, ns)
}

// CreateBucket creates the namespace of info.Name and stores info. It
// returns BucketAlreadyExists when the bucket is already known.
func (s *Store) CreateBucket(ctx context.Context, info *BucketInfo) error {
	if err := ValidateBucketName(info.Name); err != nil {
		return err
	}
	if _, err := s.backend.Get(ctx, UsersBucket, info.Name); err == nil {
		return s3err.ErrBucketAlreadyExists
	} else if !errors.Is(err, ErrKeyNotFound) {
		return s3err.Internal(err)
	}

	// The attribute record is written last so that a half created bucket
	// is invisible.
	if err := s.EnsureNamespace(ctx, info.Name); err != nil {
		return s3err.Internal(err)
	}
	if err := s.putJSON(ctx, UsersBucket, info.Name, info); err != nil {
		return s3err.Internal(err)
	}
	s.logger.Debug().Str("bucket", info.Name).Msg("bucket created")
	return nil
}

// GetBucket returns the attributes of name.
func (s *Store) GetBucket(ctx context.Context, name string) (*BucketInfo, error) {
	var info BucketInfo
	if err := s.getJSON(ctx, UsersBucket, name, &info); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, s3err.ErrNoSuchBucket
		}
		return nil, s3err.Internal(err)
	}
	return &info, nil
}

// PutBucket replaces the attributes of an existing bucket.
func (s *Store) PutBucket(ctx context.Context, info *BucketInfo) error {
	if _, err := s.GetBucket(ctx, info.Name); err != nil {
		return err
	}
	if err := s.putJSON(ctx, UsersBucket, info.Name, info); err != nil {
		return s3err.Internal(err)
	}
	return nil
}

// DeleteBucket removes the attributes and namespaces of name without
// checking that it is empty.
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	if err := s.backend.Delete(ctx, UsersBucket, name); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return s3err.ErrNoSuchBucket
		}
		return s3err.Internal(err)
	}
	for _, ns := range []string{name, keyspace.ShadowBucket(name)} {
		if err := s.DeleteNamespace(ctx, ns); err != nil {
			s.logger.Warn().Err(err).Str("namespace", ns).Msg("failed to drop namespace of deleted bucket")
		}
	}
	s.logger.Debug().Str("bucket", name).Msg("bucket deleted")
	return nil
}

// ListBuckets returns every bucket in name order.
func (s *Store) ListBuckets(ctx context.Context) ([]*BucketInfo, error) {
	var out []*BucketInfo
	err := s.backend.Scan(ctx, UsersBucket, "", func(key string, value []byte) (bool, error) {
		var info BucketInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return false, fmt.Errorf("decode bucket %q: %w", key, err)
		}
		out = append(out, &info)
		return true, nil
	})
	if err != nil {
		return nil, s3err.Internal(err)
	}
	return out, nil
}

// GetObject returns the record stored at key, which may be a master or a
// version key. A missing record is NoSuchKey.
func (s *Store) GetObject(ctx context.Context, bucket, key string) (*ObjectMD, error) {
	var md ObjectMD
	if err := s.getJSON(ctx, bucket, key, &md); err != nil {
		switch {
		case errors.Is(err, ErrKeyNotFound):
			return nil, s3err.ErrNoSuchKey
		case errors.Is(err, ErrNamespaceNotFound):
			return nil, s3err.ErrNoSuchBucket
		}
		return nil, s3err.Internal(err)
	}
	return &md, nil
}

// PutObject upserts md at key.
func (s *Store) PutObject(ctx context.Context, bucket, key string, md *ObjectMD) error {
	if err := s.putJSON(ctx, bucket, key, md); err != nil {
		if errors.Is(err, ErrNamespaceNotFound) {
			return s3err.ErrNoSuchBucket
		}
		return s3err.Internal(err)
	}
	return nil
}

// DeleteObject removes the record at key.
func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := s.backend.Delete(ctx, bucket, key); err != nil {
		switch {
		case errors.Is(err, ErrKeyNotFound):
			return s3err.ErrNoSuchKey
		case errors.Is(err, ErrNamespaceNotFound):
			return s3err.ErrNoSuchBucket
		}
		return s3err.Internal(err)
	}
	return nil
}

// GetRecord decodes the JSON record at key of ns into v. Backend errors
// such as ErrKeyNotFound are returned unchanged.
func (s *Store) GetRecord(ctx context.Context, ns, key string, v any) error {
	return s.getJSON(ctx, ns, key, v)
}

// PutRecord stores v as JSON at key of ns.
func (s *Store) PutRecord(ctx context.Context, ns, key string, v any) error {
	return s.putJSON(ctx, ns, key, v)
}

// DeleteRecord removes key of ns.
func (s *Store) DeleteRecord(ctx context.Context, ns, key string) error {
	return s.backend.Delete(ctx, ns, key)
}

// Scan walks the raw records of ns from start in ascending key order.
func (s *Store) Scan(ctx context.Context, ns, start string, fn ScanFunc) error {
	return s.backend.Scan(ctx, ns, start, fn)
}

func (s *Store) getJSON(ctx context.Context, ns, key string, v any) error {
	data, err := s.backend.Get(ctx, ns, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s/%q: %w", ns, key, err)
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, ns, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, ns, key, data)
}
