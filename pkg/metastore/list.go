package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/listing"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// ListObjects lists the current objects of bucket. Version records and
// delete marker masters are not reported.
func (s *Store) ListObjects(ctx context.Context, bucket string, p listing.Params) (*listing.Result[*ObjectMD], error) {
	d := listing.NewDelimiter[*ObjectMD](p)
	err := s.backend.Scan(ctx, bucket, d.StartKey(), func(key string, value []byte) (bool, error) {
		if keyspace.IsVersionKey(key) {
			return true, nil
		}
		var md ObjectMD
		if err := json.Unmarshal(value, &md); err != nil {
			return false, fmt.Errorf("decode object %q: %w", key, err)
		}
		if md.IsDeleteMarker {
			return true, nil
		}
		return d.Filter(key, &md) != listing.End, nil
	})
	if err != nil {
		if errors.Is(err, ErrNamespaceNotFound) {
			return nil, s3err.ErrNoSuchBucket
		}
		return nil, s3err.Internal(err)
	}
	return d.Result(), nil
}

// IsEmpty reports whether bucket holds no master or version record.
func (s *Store) IsEmpty(ctx context.Context, bucket string) (bool, error) {
	empty := true
	err := s.backend.Scan(ctx, bucket, "", func(string, []byte) (bool, error) {
		empty = false
		return false, nil
	})
	if err != nil {
		if errors.Is(err, ErrNamespaceNotFound) {
			return false, s3err.ErrNoSuchBucket
		}
		return false, s3err.Internal(err)
	}
	return empty, nil
}
