package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/listing"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// ObjectVersion is one entry of a version listing.
type ObjectVersion struct {
	*metastore.ObjectMD
	IsLatest bool
}

// ListObjects lists the current objects of bucket.
func (c *Coordinator) ListObjects(ctx context.Context, bucket string, p listing.Params) (*listing.Result[*metastore.ObjectMD], error) {
	if _, err := c.store.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	return c.store.ListObjects(ctx, bucket, p)
}

// ListObjectVersions lists every version and delete marker of bucket,
// newest first within a key.
func (c *Coordinator) ListObjectVersions(ctx context.Context, bucket string, p listing.VersionParams) (*listing.VersionResult[*ObjectVersion], error) {
	if _, err := c.store.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	d := listing.NewDelimiterVersions[*ObjectVersion](p)

	var (
		cur      string
		grouped  bool
		master   *metastore.ObjectMD
		versions []*metastore.ObjectMD
	)
	// flush feeds the versions of the current key and reports whether the
	// listing wants more.
	flush := func() bool {
		if !grouped {
			return true
		}
		for _, v := range orderVersions(master, versions) {
			if d.Filter(cur, v.VersionID, v) == listing.End {
				return false
			}
		}
		return true
	}

	ended := false
	err := c.store.Scan(ctx, bucket, d.StartKey(), func(raw string, value []byte) (bool, error) {
		key, _, isVersion := keyspace.ParseVersionKey(raw)
		if !isVersion {
			key = raw
		}
		if !grouped || key != cur {
			if !flush() {
				ended = true
				return false, nil
			}
			cur, grouped, master, versions = key, true, nil, nil
		}
		md, err := decodeObject(value)
		if err != nil {
			return false, err
		}
		if isVersion {
			versions = append(versions, md)
		} else {
			master = md
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, metastore.ErrNamespaceNotFound) {
			return nil, s3err.ErrNoSuchBucket
		}
		return nil, s3err.Internal(err)
	}
	if !ended {
		flush()
	}
	return d.Result(), nil
}

// orderVersions returns the versions of one key newest first. A null
// version that lives only in the master is the newest of all. Of several
// archived null records only the oldest is reported, as in getVersion.
func orderVersions(master *metastore.ObjectMD, versions []*metastore.ObjectMD) []*ObjectVersion {
	out := make([]*ObjectVersion, 0, len(versions)+1)
	firstNull := slices.IndexFunc(versions, func(v *metastore.ObjectMD) bool { return v.IsNull })
	if master != nil && master.IsNull && firstNull < 0 {
		out = append(out, &ObjectVersion{ObjectMD: master, IsLatest: true})
	}
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v.IsNull && i != firstNull {
			continue
		}
		out = append(out, &ObjectVersion{
			ObjectMD: v,
			IsLatest: master != nil && master.VersionID == v.VersionID,
		})
	}
	return out
}

func decodeObject(value []byte) (*metastore.ObjectMD, error) {
	var md metastore.ObjectMD
	if err := json.Unmarshal(value, &md); err != nil {
		return nil, fmt.Errorf("decode object record: %w", err)
	}
	return &md, nil
}
