package versioning

import (
	"context"
	"errors"

	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// DeleteObject deletes key from bucket. Without versionID the current
// version is removed or, in a versioned bucket, hidden behind a delete
// marker. With versionID that version is removed permanently.
func (c *Coordinator) DeleteObject(ctx context.Context, bucket, key, versionID string) (*DeleteResult, error) {
	if _, err := keyspace.MasterKey(key); err != nil {
		return nil, err
	}
	info, err := c.store.GetBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if versionID != "" {
		return c.deleteVersion(ctx, bucket, key, versionID)
	}

	switch info.Versioning {
	case metastore.VersioningEnabled:
		master, err := c.getMaster(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		if err := c.archiveNull(ctx, bucket, master); err != nil {
			return nil, err
		}
		marker := c.deleteMarker(key, master)
		marker.VersionID = c.ids.New()
		if err := c.writeVersion(ctx, bucket, marker.VersionID, marker); err != nil {
			return nil, err
		}
		if err := c.store.PutObject(ctx, bucket, key, marker); err != nil {
			return nil, err
		}
		return &DeleteResult{VersionID: marker.VersionID, DeleteMarker: true}, nil

	case metastore.VersioningSuspended:
		master, err := c.getMaster(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		marker := c.deleteMarker(key, master)
		marker.VersionID = keyspace.NullVersionID
		marker.IsNull = true
		if err := c.store.PutObject(ctx, bucket, key, marker); err != nil {
			return nil, err
		}
		displaced, err := c.dropNull(ctx, bucket, key, master)
		if err != nil {
			return nil, err
		}
		return &DeleteResult{VersionID: keyspace.NullVersionID, DeleteMarker: true, Displaced: displaced}, nil

	default:
		master, err := c.store.GetObject(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		if err := c.store.DeleteObject(ctx, bucket, key); err != nil {
			return nil, err
		}
		return &DeleteResult{Displaced: []*metastore.ObjectMD{master}}, nil
	}
}

func (c *Coordinator) deleteMarker(key string, master *metastore.ObjectMD) *metastore.ObjectMD {
	marker := &metastore.ObjectMD{
		Key:            key,
		IsDeleteMarker: true,
		LastModified:   c.now().UTC(),
	}
	if master != nil {
		marker.Owner = master.Owner
	}
	return marker
}

func (c *Coordinator) deleteVersion(ctx context.Context, bucket, key, versionID string) (*DeleteResult, error) {
	md, physical, err := c.getVersion(ctx, bucket, key, versionID)
	if err != nil {
		return nil, err
	}
	master, err := c.getMaster(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	displaced := []*metastore.ObjectMD{md}
	switch {
	case md.IsNull && physical != "":
		if displaced, err = c.deleteArchivedNulls(ctx, bucket, key); err != nil {
			return nil, err
		}
		if len(displaced) == 0 {
			return nil, s3err.ErrNoSuchVersion
		}
	case physical != "":
		vk, err := keyspace.VersionKey(key, physical)
		if err != nil {
			return nil, err
		}
		if err := c.store.DeleteObject(ctx, bucket, vk); err != nil {
			if errors.Is(err, s3err.ErrNoSuchKey) {
				return nil, s3err.ErrNoSuchVersion
			}
			return nil, err
		}
	}

	if master != nil && master.VersionID == md.VersionID {
		if err := c.recomputeMaster(ctx, bucket, key); err != nil {
			return nil, err
		}
	}
	c.logger.Debug().Str("bucket", bucket).Str("key", key).Str("versionId", versionID).Msg("version deleted")
	return &DeleteResult{
		VersionID:    md.VersionID,
		DeleteMarker: md.IsDeleteMarker,
		Displaced:    displaced,
	}, nil
}

// recomputeMaster points the master of key at its newest remaining version
// record, or removes it when none is left.
func (c *Coordinator) recomputeMaster(ctx context.Context, bucket, key string) error {
	var newest *metastore.ObjectMD
	err := c.scanVersions(ctx, bucket, key, func(_ string, md *metastore.ObjectMD) bool {
		newest = md
		return true
	})
	if err != nil {
		return err
	}
	if newest == nil {
		err := c.store.DeleteObject(ctx, bucket, key)
		if err != nil && !errors.Is(err, s3err.ErrNoSuchKey) {
			return err
		}
		return nil
	}
	return c.store.PutObject(ctx, bucket, key, newest)
}
