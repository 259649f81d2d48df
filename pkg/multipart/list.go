package multipart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/listing"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// ListUploads lists the uploads in progress in bucket ordered by object
// key, then upload id. Upload ids are time ordered, so uploads of one key
// list in the order they were initiated.
func (m *Manager) ListUploads(ctx context.Context, bucket string, p UploadParams) (*UploadsResult, error) {
	if _, err := m.coordinator.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	if p.MaxUploads <= 0 || p.MaxUploads > listing.HardLimit {
		p.MaxUploads = listing.HardLimit
	}

	lp := listing.Params{
		Prefix:    p.Prefix,
		Delimiter: p.Delimiter,
		Marker:    p.KeyMarker,
		MaxKeys:   p.MaxUploads,
	}
	var resume string
	if p.KeyMarker != "" && p.UploadIDMarker != "" {
		// Uploads of the marker key itself remain, so the engine must not
		// skip that key.
		lp.Marker = ""
		k, err := keyspace.OverviewKey(p.KeyMarker, p.UploadIDMarker)
		if err != nil {
			return nil, err
		}
		resume = k
	}
	d := listing.NewDelimiter[*Overview](lp)

	root := keyspace.OverviewRoot()
	start := root + d.StartKey()
	if resume > start {
		start = resume
	}

	err := m.store.Scan(ctx, keyspace.ShadowBucket(bucket), start, func(raw string, value []byte) (bool, error) {
		if !strings.HasPrefix(raw, root) {
			return false, nil
		}
		if raw == resume {
			return true, nil
		}
		key, _, ok := keyspace.ParseOverviewKey(raw)
		if !ok {
			return true, nil
		}
		var ov Overview
		if err := json.Unmarshal(value, &ov); err != nil {
			return false, fmt.Errorf("decode overview %q: %w", raw, err)
		}
		return d.Filter(key, &ov) != listing.End, nil
	})
	if err != nil && !errors.Is(err, metastore.ErrNamespaceNotFound) {
		return nil, s3err.Internal(err)
	}

	lr := d.Result()
	res := &UploadsResult{
		CommonPrefixes: lr.CommonPrefixes,
		IsTruncated:    lr.IsTruncated,
		NextKeyMarker:  lr.NextMarker,
	}
	for _, item := range lr.Contents {
		res.Uploads = append(res.Uploads, item.Value)
	}
	if lr.IsTruncated && len(res.Uploads) > 0 {
		last := res.Uploads[len(res.Uploads)-1]
		if last.Key == lr.NextMarker {
			res.NextUploadIDMarker = last.UploadID
		}
	}
	return res, nil
}
