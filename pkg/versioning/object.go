package versioning

import (
	"context"
	"errors"
	"slices"

	"github.com/wzshiming/s3meta/pkg/blob"
	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// PutOptions modifies an object write.
type PutOptions struct {
	// VersionID targets an existing version instead of creating one. It
	// requires RepairMaster.
	VersionID string
	// RepairMaster rewrites the version VersionID in place and refreshes
	// the master when it currently reflects that version.
	RepairMaster bool
}

// PutResult describes a completed write.
type PutResult struct {
	// VersionID is the version written, "null" for non-versioned writes.
	VersionID string
	// Displaced holds the records no longer reachable after the write. The
	// caller owns reclaiming their blob locations.
	Displaced []*metastore.ObjectMD
}

// DeleteResult describes a completed delete.
type DeleteResult struct {
	// VersionID is the version removed or, for a delete marker, created.
	VersionID    string
	DeleteMarker bool
	Displaced    []*metastore.ObjectMD
}

// PutObject stores md under md.Key in bucket. The version id, null flag and
// delete marker flag of md are set by the coordinator.
func (c *Coordinator) PutObject(ctx context.Context, bucket string, md *metastore.ObjectMD, opts PutOptions) (*PutResult, error) {
	if _, err := keyspace.MasterKey(md.Key); err != nil {
		return nil, err
	}
	info, err := c.store.GetBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	md = md.Clone()
	md.IsDeleteMarker = false
	if md.LastModified.IsZero() {
		md.LastModified = c.now().UTC()
	}

	if opts.VersionID != "" || opts.RepairMaster {
		if opts.VersionID == "" || !opts.RepairMaster {
			return nil, s3err.ErrInvalidArgument.WithMessage("an explicit version id is only accepted for repair")
		}
		return c.repair(ctx, bucket, md, opts.VersionID)
	}

	switch info.Versioning {
	case metastore.VersioningEnabled:
		return c.putVersioned(ctx, bucket, md)
	case metastore.VersioningSuspended:
		displaced, err := c.putNull(ctx, bucket, md, true)
		if err != nil {
			return nil, err
		}
		return &PutResult{VersionID: keyspace.NullVersionID, Displaced: displaced}, nil
	default:
		displaced, err := c.putNull(ctx, bucket, md, false)
		if err != nil {
			return nil, err
		}
		return &PutResult{VersionID: keyspace.NullVersionID, Displaced: displaced}, nil
	}
}

func (c *Coordinator) putVersioned(ctx context.Context, bucket string, md *metastore.ObjectMD) (*PutResult, error) {
	master, err := c.getMaster(ctx, bucket, md.Key)
	if err != nil {
		return nil, err
	}
	if err := c.archiveNull(ctx, bucket, master); err != nil {
		return nil, err
	}

	md.VersionID = c.ids.New()
	md.IsNull = false
	if err := c.writeVersion(ctx, bucket, md.VersionID, md); err != nil {
		return nil, err
	}
	if err := c.store.PutObject(ctx, bucket, md.Key, md); err != nil {
		return nil, err
	}
	c.logger.Debug().Str("bucket", bucket).Str("key", md.Key).Str("versionId", md.VersionID).Msg("version written")
	return &PutResult{VersionID: md.VersionID}, nil
}

// putNull writes md as the null version. With keepVersions the version
// records of the key survive and only an archived null record is dropped.
func (c *Coordinator) putNull(ctx context.Context, bucket string, md *metastore.ObjectMD, keepVersions bool) ([]*metastore.ObjectMD, error) {
	master, err := c.getMaster(ctx, bucket, md.Key)
	if err != nil {
		return nil, err
	}
	md.VersionID = keyspace.NullVersionID
	md.IsNull = true
	if err := c.store.PutObject(ctx, bucket, md.Key, md); err != nil {
		return nil, err
	}
	if !keepVersions {
		if master != nil {
			return []*metastore.ObjectMD{master}, nil
		}
		return nil, nil
	}
	return c.dropNull(ctx, bucket, md.Key, master)
}

// dropNull removes the previous null version of key once a new null master
// has replaced it.
func (c *Coordinator) dropNull(ctx context.Context, bucket, key string, master *metastore.ObjectMD) ([]*metastore.ObjectMD, error) {
	removed, err := c.deleteArchivedNulls(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		return removed, nil
	}
	if master != nil && master.IsNull {
		return []*metastore.ObjectMD{master}, nil
	}
	return nil, nil
}

func (c *Coordinator) repair(ctx context.Context, bucket string, md *metastore.ObjectMD, versionID string) (*PutResult, error) {
	existing, physical, err := c.getVersion(ctx, bucket, md.Key, versionID)
	if err != nil {
		return nil, err
	}
	md.VersionID = existing.VersionID
	md.IsNull = existing.IsNull
	md.IsDeleteMarker = existing.IsDeleteMarker

	master, err := c.getMaster(ctx, bucket, md.Key)
	if err != nil {
		return nil, err
	}
	if physical != "" {
		if err := c.writeVersion(ctx, bucket, physical, md); err != nil {
			return nil, err
		}
	}
	if master != nil && master.VersionID == md.VersionID {
		if err := c.store.PutObject(ctx, bucket, md.Key, md); err != nil {
			return nil, err
		}
	}

	res := &PutResult{VersionID: md.VersionID}
	if !slices.Equal(existing.Locations, md.Locations) {
		res.Displaced = []*metastore.ObjectMD{existing}
	}
	return res, nil
}

// archiveNull copies a null master that exists only as a master into a
// version record, so that a following versioned write keeps it as history.
func (c *Coordinator) archiveNull(ctx context.Context, bucket string, master *metastore.ObjectMD) error {
	if master == nil || !master.IsNull {
		return nil
	}
	archived, _, err := c.findArchivedNull(ctx, bucket, master.Key)
	if err != nil || archived != nil {
		return err
	}
	return c.writeVersion(ctx, bucket, c.ids.New(), master)
}

func (c *Coordinator) writeVersion(ctx context.Context, bucket, physicalID string, md *metastore.ObjectMD) error {
	vk, err := keyspace.VersionKey(md.Key, physicalID)
	if err != nil {
		return err
	}
	return c.store.PutObject(ctx, bucket, vk, md)
}

func (c *Coordinator) getMaster(ctx context.Context, bucket, key string) (*metastore.ObjectMD, error) {
	master, err := c.store.GetObject(ctx, bucket, key)
	if errors.Is(err, s3err.ErrNoSuchKey) {
		return nil, nil
	}
	return master, err
}

// getVersion resolves a reported version id. physical is the id under
// which the record is stored, empty for a null version that lives only in
// the master.
func (c *Coordinator) getVersion(ctx context.Context, bucket, key, versionID string) (md *metastore.ObjectMD, physical string, err error) {
	if _, err := keyspace.MasterKey(key); err != nil {
		return nil, "", err
	}
	if versionID == keyspace.NullVersionID {
		archived, vid, err := c.findArchivedNull(ctx, bucket, key)
		if err != nil {
			return nil, "", err
		}
		if archived != nil {
			return archived, vid, nil
		}
		master, err := c.getMaster(ctx, bucket, key)
		if err != nil {
			return nil, "", err
		}
		if master != nil && master.IsNull {
			return master, "", nil
		}
		return nil, "", s3err.ErrNoSuchVersion
	}

	vk, err := keyspace.VersionKey(key, versionID)
	if err != nil {
		return nil, "", err
	}
	md, err = c.store.GetObject(ctx, bucket, vk)
	if errors.Is(err, s3err.ErrNoSuchKey) {
		return nil, "", s3err.ErrNoSuchVersion
	}
	if err != nil {
		return nil, "", err
	}
	return md, versionID, nil
}

// deleteArchivedNulls removes every archived null record of key. Racing
// writers may each have archived the same null master, so there can be
// more than one. Copies reading from the same data are returned once.
func (c *Coordinator) deleteArchivedNulls(ctx context.Context, bucket, key string) ([]*metastore.ObjectMD, error) {
	var physical []string
	var removed []*metastore.ObjectMD
	err := c.scanVersions(ctx, bucket, key, func(id string, md *metastore.ObjectMD) bool {
		if md.IsNull {
			physical = append(physical, id)
			if !slices.ContainsFunc(removed, func(r *metastore.ObjectMD) bool { return sameData(r, md) }) {
				removed = append(removed, md)
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	for _, id := range physical {
		vk, err := keyspace.VersionKey(key, id)
		if err != nil {
			return nil, err
		}
		if err := c.store.DeleteObject(ctx, bucket, vk); err != nil && !errors.Is(err, s3err.ErrNoSuchKey) {
			return nil, err
		}
	}
	return removed, nil
}

func sameData(a, b *metastore.ObjectMD) bool {
	return slices.EqualFunc(a.Locations, b.Locations, func(x, y blob.Location) bool { return x.Key == y.Key })
}

// findArchivedNull returns the version record holding the null version of
// key, if the null version has been archived.
func (c *Coordinator) findArchivedNull(ctx context.Context, bucket, key string) (*metastore.ObjectMD, string, error) {
	var (
		found *metastore.ObjectMD
		vid   string
	)
	err := c.scanVersions(ctx, bucket, key, func(id string, md *metastore.ObjectMD) bool {
		if md.IsNull {
			found, vid = md, id
			return false
		}
		return true
	})
	return found, vid, err
}

// scanVersions walks the version records of key, oldest first.
func (c *Coordinator) scanVersions(ctx context.Context, bucket, key string, fn func(physical string, md *metastore.ObjectMD) bool) error {
	prefix := keyspace.VersionPrefix(key)
	var decodeErr error
	err := c.store.Scan(ctx, bucket, prefix, func(raw string, value []byte) (bool, error) {
		k, vid, ok := keyspace.ParseVersionKey(raw)
		if !ok || k != key {
			return false, nil
		}
		md, err := decodeObject(value)
		if err != nil {
			decodeErr = err
			return false, nil
		}
		return fn(vid, md), nil
	})
	if err != nil {
		if errors.Is(err, metastore.ErrNamespaceNotFound) {
			return s3err.ErrNoSuchBucket
		}
		return s3err.Internal(err)
	}
	return s3err.Internal(decodeErr)
}

// GetObject returns the current version of key, or version versionID when
// it is set.
func (c *Coordinator) GetObject(ctx context.Context, bucket, key, versionID string) (*metastore.ObjectMD, error) {
	if _, err := c.store.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	if versionID == "" {
		if _, err := keyspace.MasterKey(key); err != nil {
			return nil, err
		}
		master, err := c.store.GetObject(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		if master.IsDeleteMarker {
			return nil, s3err.ErrNoSuchKey
		}
		return master, nil
	}
	md, _, err := c.getVersion(ctx, bucket, key, versionID)
	if err != nil {
		return nil, err
	}
	if md.IsDeleteMarker {
		return nil, s3err.ErrMethodNotAllowed.WithMessage("The specified version is a delete marker")
	}
	return md, nil
}

// PutObjectACL replaces the ACL of the current version of key, or of
// version versionID when it is set.
func (c *Coordinator) PutObjectACL(ctx context.Context, bucket, key, versionID string, md *metastore.ObjectMD) error {
	if versionID == "" {
		versionID = md.VersionID
	}
	_, err := c.PutObject(ctx, bucket, md, PutOptions{VersionID: versionID, RepairMaster: true})
	return err
}
