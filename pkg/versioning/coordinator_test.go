package versioning

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wzshiming/s3meta/pkg/acl"
	"github.com/wzshiming/s3meta/pkg/blob"
	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/listing"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

var alice = acl.Owner{ID: "alice", DisplayName: "Alice"}

func setup(t *testing.T, status metastore.VersioningStatus) (*Coordinator, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := metastore.New(ctx, metastore.NewMemory())
	require.NoError(t, err)
	c := New(store)
	_, err = c.CreateBucket(ctx, "bucket", alice, acl.NewCanned(acl.Private))
	require.NoError(t, err)
	if status != metastore.VersioningDisabled {
		require.NoError(t, c.PutBucketVersioning(ctx, "bucket", status))
	}
	return c, ctx
}

func object(key, etag string) *metastore.ObjectMD {
	return &metastore.ObjectMD{
		Key:       key,
		ETag:      etag,
		Size:      int64(len(etag)),
		Owner:     alice,
		Locations: []blob.Location{{Key: "blob-" + etag, Size: int64(len(etag)), ETag: etag}},
	}
}

// records counts the master and version records stored for key.
func records(t *testing.T, c *Coordinator, ctx context.Context, key string) (masters, versions int) {
	t.Helper()
	err := c.store.Scan(ctx, "bucket", key, func(raw string, _ []byte) (bool, error) {
		if raw == key {
			masters++
			return true, nil
		}
		k, _, ok := keyspace.ParseVersionKey(raw)
		if !ok || k != key {
			return false, nil
		}
		versions++
		return true, nil
	})
	require.NoError(t, err)
	return masters, versions
}

func TestDisabledWriteIsIdempotent(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningDisabled)

	res, err := c.PutObject(ctx, "bucket", object("k", "one"), PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, keyspace.NullVersionID, res.VersionID)
	assert.Empty(t, res.Displaced)

	res, err = c.PutObject(ctx, "bucket", object("k", "one"), PutOptions{})
	require.NoError(t, err)
	require.Len(t, res.Displaced, 1)
	assert.Equal(t, "one", res.Displaced[0].ETag)

	masters, versions := records(t, c, ctx, "k")
	assert.Equal(t, 1, masters)
	assert.Equal(t, 0, versions)

	md, err := c.GetObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.True(t, md.IsNull)
	assert.Equal(t, keyspace.NullVersionID, md.VersionID)
	assert.False(t, md.LastModified.IsZero())
}

func TestEnabledWritesAccumulate(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningEnabled)

	const n = 5
	var ids []string
	for i := range n {
		res, err := c.PutObject(ctx, "bucket", object("k", fmt.Sprintf("etag-%d", i)), PutOptions{})
		require.NoError(t, err)
		assert.Empty(t, res.Displaced)
		ids = append(ids, res.VersionID)
	}

	masters, versions := records(t, c, ctx, "k")
	assert.Equal(t, 1, masters)
	assert.Equal(t, n, versions)

	md, err := c.GetObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("etag-%d", n-1), md.ETag)
	assert.Equal(t, ids[n-1], md.VersionID)

	for i, id := range ids {
		md, err := c.GetObject(ctx, "bucket", "k", id)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("etag-%d", i), md.ETag)
	}
	_, err = c.GetObject(ctx, "bucket", "k", "nonexistent")
	assert.ErrorIs(t, err, s3err.ErrNoSuchVersion)
}

func TestRepairDoesNotGrowHistory(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningEnabled)

	first, err := c.PutObject(ctx, "bucket", object("k", "one"), PutOptions{})
	require.NoError(t, err)
	second, err := c.PutObject(ctx, "bucket", object("k", "two"), PutOptions{})
	require.NoError(t, err)

	// Repairing an older version leaves the master alone.
	fixed := object("k", "one")
	fixed.ContentType = "text/plain"
	res, err := c.PutObject(ctx, "bucket", fixed, PutOptions{VersionID: first.VersionID, RepairMaster: true})
	require.NoError(t, err)
	assert.Equal(t, first.VersionID, res.VersionID)
	assert.Empty(t, res.Displaced)

	md, err := c.GetObject(ctx, "bucket", "k", first.VersionID)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", md.ContentType)
	md, err = c.GetObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.Equal(t, second.VersionID, md.VersionID)
	assert.Empty(t, md.ContentType)

	// Repairing the current version refreshes the master.
	fixed = object("k", "two")
	fixed.ContentType = "image/png"
	_, err = c.PutObject(ctx, "bucket", fixed, PutOptions{VersionID: second.VersionID, RepairMaster: true})
	require.NoError(t, err)
	md, err = c.GetObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.Equal(t, "image/png", md.ContentType)
	assert.Equal(t, second.VersionID, md.VersionID)

	_, versions := records(t, c, ctx, "k")
	assert.Equal(t, 2, versions)

	_, err = c.PutObject(ctx, "bucket", object("k", "x"), PutOptions{VersionID: "missing", RepairMaster: true})
	assert.ErrorIs(t, err, s3err.ErrNoSuchVersion)

	_, err = c.PutObject(ctx, "bucket", object("k", "x"), PutOptions{VersionID: first.VersionID})
	assert.ErrorIs(t, err, s3err.ErrInvalidArgument)
}

func TestRepairReportsReplacedLocations(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningEnabled)

	v, err := c.PutObject(ctx, "bucket", object("k", "one"), PutOptions{})
	require.NoError(t, err)
	res, err := c.PutObject(ctx, "bucket", object("k", "uno"), PutOptions{VersionID: v.VersionID, RepairMaster: true})
	require.NoError(t, err)
	require.Len(t, res.Displaced, 1)
	assert.Equal(t, "blob-one", res.Displaced[0].Locations[0].Key)
}

func TestSuspendedKeepsHistory(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningEnabled)

	v1, err := c.PutObject(ctx, "bucket", object("k", "one"), PutOptions{})
	require.NoError(t, err)
	require.NoError(t, c.PutBucketVersioning(ctx, "bucket", metastore.VersioningSuspended))

	res, err := c.PutObject(ctx, "bucket", object("k", "two"), PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, keyspace.NullVersionID, res.VersionID)
	assert.Empty(t, res.Displaced, "the enabled version is still reachable")

	res, err = c.PutObject(ctx, "bucket", object("k", "three"), PutOptions{})
	require.NoError(t, err)
	require.Len(t, res.Displaced, 1)
	assert.Equal(t, "two", res.Displaced[0].ETag)

	masters, versions := records(t, c, ctx, "k")
	assert.Equal(t, 1, masters)
	assert.Equal(t, 1, versions)

	md, err := c.GetObject(ctx, "bucket", "k", v1.VersionID)
	require.NoError(t, err)
	assert.Equal(t, "one", md.ETag)
	md, err = c.GetObject(ctx, "bucket", "k", keyspace.NullVersionID)
	require.NoError(t, err)
	assert.Equal(t, "three", md.ETag)
}

func TestReenablingArchivesNullVersion(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningDisabled)

	_, err := c.PutObject(ctx, "bucket", object("k", "plain"), PutOptions{})
	require.NoError(t, err)
	require.NoError(t, c.PutBucketVersioning(ctx, "bucket", metastore.VersioningEnabled))

	v2, err := c.PutObject(ctx, "bucket", object("k", "versioned"), PutOptions{})
	require.NoError(t, err)

	md, err := c.GetObject(ctx, "bucket", "k", keyspace.NullVersionID)
	require.NoError(t, err)
	assert.Equal(t, "plain", md.ETag)
	assert.True(t, md.IsNull)

	res, err := c.ListObjectVersions(ctx, "bucket", listing.VersionParams{MaxKeys: 100})
	require.NoError(t, err)
	require.Len(t, res.Versions, 2)
	assert.Equal(t, v2.VersionID, res.Versions[0].VersionID)
	assert.True(t, res.Versions[0].Value.IsLatest)
	assert.Equal(t, keyspace.NullVersionID, res.Versions[1].VersionID)
	assert.False(t, res.Versions[1].Value.IsLatest)

	// Suspending again and writing replaces the archived null version.
	require.NoError(t, c.PutBucketVersioning(ctx, "bucket", metastore.VersioningSuspended))
	put, err := c.PutObject(ctx, "bucket", object("k", "again"), PutOptions{})
	require.NoError(t, err)
	require.Len(t, put.Displaced, 1)
	assert.Equal(t, "plain", put.Displaced[0].ETag)

	_, versions := records(t, c, ctx, "k")
	assert.Equal(t, 1, versions)
}

func TestEnabledDeleteWritesMarker(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningEnabled)

	v1, err := c.PutObject(ctx, "bucket", object("k", "one"), PutOptions{})
	require.NoError(t, err)

	del, err := c.DeleteObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.True(t, del.DeleteMarker)
	assert.NotEmpty(t, del.VersionID)
	assert.Empty(t, del.Displaced)

	_, err = c.GetObject(ctx, "bucket", "k", "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
	_, err = c.GetObject(ctx, "bucket", "k", del.VersionID)
	assert.ErrorIs(t, err, s3err.ErrMethodNotAllowed)

	list, err := c.ListObjects(ctx, "bucket", listing.Params{MaxKeys: 100})
	require.NoError(t, err)
	assert.Empty(t, list.Contents)

	// Removing the marker brings the previous version back.
	res, err := c.DeleteObject(ctx, "bucket", "k", del.VersionID)
	require.NoError(t, err)
	assert.True(t, res.DeleteMarker)
	md, err := c.GetObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, md.VersionID)
}

func TestDeleteSpecificVersion(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningEnabled)

	v1, err := c.PutObject(ctx, "bucket", object("k", "one"), PutOptions{})
	require.NoError(t, err)
	v2, err := c.PutObject(ctx, "bucket", object("k", "two"), PutOptions{})
	require.NoError(t, err)

	// Deleting a non-current version leaves the master alone.
	res, err := c.DeleteObject(ctx, "bucket", "k", v1.VersionID)
	require.NoError(t, err)
	require.Len(t, res.Displaced, 1)
	assert.Equal(t, "one", res.Displaced[0].ETag)
	md, err := c.GetObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.Equal(t, v2.VersionID, md.VersionID)

	_, err = c.DeleteObject(ctx, "bucket", "k", v1.VersionID)
	assert.ErrorIs(t, err, s3err.ErrNoSuchVersion)

	// Deleting the last version removes the object entirely.
	_, err = c.DeleteObject(ctx, "bucket", "k", v2.VersionID)
	require.NoError(t, err)
	_, err = c.GetObject(ctx, "bucket", "k", "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
	masters, versions := records(t, c, ctx, "k")
	assert.Zero(t, masters)
	assert.Zero(t, versions)
}

func TestDeleteCurrentVersionRecomputesMaster(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningEnabled)

	v1, err := c.PutObject(ctx, "bucket", object("k", "one"), PutOptions{})
	require.NoError(t, err)
	v2, err := c.PutObject(ctx, "bucket", object("k", "two"), PutOptions{})
	require.NoError(t, err)

	_, err = c.DeleteObject(ctx, "bucket", "k", v2.VersionID)
	require.NoError(t, err)
	md, err := c.GetObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, md.VersionID)
	assert.Equal(t, "one", md.ETag)
}

func TestSuspendedDelete(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningSuspended)

	_, err := c.PutObject(ctx, "bucket", object("k", "one"), PutOptions{})
	require.NoError(t, err)

	res, err := c.DeleteObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.True(t, res.DeleteMarker)
	assert.Equal(t, keyspace.NullVersionID, res.VersionID)
	require.Len(t, res.Displaced, 1)
	assert.Equal(t, "one", res.Displaced[0].ETag)

	_, err = c.GetObject(ctx, "bucket", "k", "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)

	// The null delete marker can itself be removed.
	_, err = c.DeleteObject(ctx, "bucket", "k", keyspace.NullVersionID)
	require.NoError(t, err)
	masters, _ := records(t, c, ctx, "k")
	assert.Zero(t, masters)
}

func TestDisabledDelete(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningDisabled)

	_, err := c.DeleteObject(ctx, "bucket", "k", "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)

	_, err = c.PutObject(ctx, "bucket", object("k", "one"), PutOptions{})
	require.NoError(t, err)
	res, err := c.DeleteObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.False(t, res.DeleteMarker)
	require.Len(t, res.Displaced, 1)
	_, err = c.GetObject(ctx, "bucket", "k", "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
}

func TestDuplicateArchivedNullVersion(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningDisabled)

	_, err := c.PutObject(ctx, "bucket", object("k", "plain"), PutOptions{})
	require.NoError(t, err)
	require.NoError(t, c.PutBucketVersioning(ctx, "bucket", metastore.VersioningEnabled))
	v2, err := c.PutObject(ctx, "bucket", object("k", "versioned"), PutOptions{})
	require.NoError(t, err)

	// Two writers racing on the null master each archive a copy of it.
	archived, _, err := c.findArchivedNull(ctx, "bucket", "k")
	require.NoError(t, err)
	require.NotNil(t, archived)
	require.NoError(t, c.writeVersion(ctx, "bucket", c.ids.New(), archived))
	_, versions := records(t, c, ctx, "k")
	require.Equal(t, 3, versions)

	res, err := c.ListObjectVersions(ctx, "bucket", listing.VersionParams{MaxKeys: 100})
	require.NoError(t, err)
	var got []string
	for _, v := range res.Versions {
		got = append(got, v.VersionID)
	}
	assert.Equal(t, []string{v2.VersionID, keyspace.NullVersionID}, got)

	del, err := c.DeleteObject(ctx, "bucket", "k", keyspace.NullVersionID)
	require.NoError(t, err)
	require.Len(t, del.Displaced, 1)
	assert.Equal(t, "plain", del.Displaced[0].ETag)

	_, versions = records(t, c, ctx, "k")
	assert.Equal(t, 1, versions)
	_, err = c.GetObject(ctx, "bucket", "k", keyspace.NullVersionID)
	assert.ErrorIs(t, err, s3err.ErrNoSuchVersion)
	md, err := c.GetObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.Equal(t, "versioned", md.ETag)
}

func TestListObjectVersions(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningEnabled)

	var a []string
	for i := range 3 {
		res, err := c.PutObject(ctx, "bucket", object("a", fmt.Sprintf("a%d", i)), PutOptions{})
		require.NoError(t, err)
		a = append(a, res.VersionID)
	}
	_, err := c.PutObject(ctx, "bucket", object("dir/x", "x"), PutOptions{})
	require.NoError(t, err)
	del, err := c.DeleteObject(ctx, "bucket", "b", "")
	require.NoError(t, err)

	res, err := c.ListObjectVersions(ctx, "bucket", listing.VersionParams{MaxKeys: 100})
	require.NoError(t, err)
	var got []string
	for _, v := range res.Versions {
		got = append(got, v.Key+"@"+v.VersionID)
	}
	assert.Equal(t, []string{
		"a@" + a[2], "a@" + a[1], "a@" + a[0],
		"b@" + del.VersionID,
		"dir/x@" + res.Versions[4].VersionID,
	}, got)
	assert.True(t, res.Versions[0].Value.IsLatest)
	assert.False(t, res.Versions[1].Value.IsLatest)
	assert.True(t, res.Versions[3].Value.IsDeleteMarker)

	// Paginate two at a time and check nothing is lost.
	var paged []string
	p := listing.VersionParams{MaxKeys: 2}
	for {
		res, err := c.ListObjectVersions(ctx, "bucket", p)
		require.NoError(t, err)
		for _, v := range res.Versions {
			paged = append(paged, v.Key+"@"+v.VersionID)
		}
		if !res.IsTruncated {
			break
		}
		p.KeyMarker, p.VersionIDMarker = res.NextKeyMarker, res.NextVersionIDMarker
	}
	assert.Equal(t, got, paged)

	res, err = c.ListObjectVersions(ctx, "bucket", listing.VersionParams{Delimiter: "/", MaxKeys: 100})
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/"}, res.CommonPrefixes)
	assert.Len(t, res.Versions, 4)
}

func TestConcurrentWritersLastMasterWins(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningEnabled)

	const writers = 16
	ids := make(chan string, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.PutObject(ctx, "bucket", object("k", fmt.Sprintf("w%d", i)), PutOptions{})
			assert.NoError(t, err)
			ids <- res.VersionID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, writers, "version ids are unique")

	_, versions := records(t, c, ctx, "k")
	assert.Equal(t, writers, versions)
	md, err := c.GetObject(ctx, "bucket", "k", "")
	require.NoError(t, err)
	assert.True(t, seen[md.VersionID], "master reflects one of the writes")
}

func TestBucketRules(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningDisabled)

	_, err := c.CreateBucket(ctx, "bucket", alice, acl.NewCanned(acl.Private))
	assert.ErrorIs(t, err, s3err.ErrBucketAlreadyOwnedByYou)
	_, err = c.CreateBucket(ctx, "bucket", acl.Owner{ID: "bob"}, acl.NewCanned(acl.Private))
	assert.ErrorIs(t, err, s3err.ErrBucketAlreadyExists)
	_, err = c.CreateBucket(ctx, "mpu-bucket", alice, acl.NewCanned(acl.Private))
	assert.ErrorIs(t, err, s3err.ErrInvalidBucketName)

	assert.ErrorIs(t, c.PutBucketVersioning(ctx, "bucket", "Disabled"), s3err.ErrInvalidArgument)
	assert.ErrorIs(t, c.PutBucketVersioning(ctx, "bucket", metastore.VersioningDisabled), s3err.ErrInvalidArgument)
	assert.ErrorIs(t, c.PutBucketVersioning(ctx, "nobucket", metastore.VersioningEnabled), s3err.ErrNoSuchBucket)

	status, err := c.GetBucketVersioning(ctx, "bucket")
	require.NoError(t, err)
	assert.Equal(t, metastore.VersioningDisabled, status)

	_, err = c.PutObject(ctx, "nobucket", object("k", "x"), PutOptions{})
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)
	_, err = c.PutObject(ctx, "bucket", object("bad\x00key", "x"), PutOptions{})
	assert.ErrorIs(t, err, s3err.ErrInvalidArgument)
}

func TestDeleteBucketRequiresEmpty(t *testing.T) {
	c, ctx := setup(t, metastore.VersioningEnabled)

	v, err := c.PutObject(ctx, "bucket", object("k", "one"), PutOptions{})
	require.NoError(t, err)
	_, err = c.DeleteObject(ctx, "bucket", "k", "")
	require.NoError(t, err)

	// Only hidden history remains, which still counts.
	assert.ErrorIs(t, c.DeleteBucket(ctx, "bucket"), s3err.ErrBucketNotEmpty)

	res, err := c.ListObjectVersions(ctx, "bucket", listing.VersionParams{MaxKeys: 10})
	require.NoError(t, err)
	for _, ver := range res.Versions {
		_, err := c.DeleteObject(ctx, "bucket", "k", ver.VersionID)
		require.NoError(t, err)
	}
	_, err = c.GetObject(ctx, "bucket", "k", v.VersionID)
	assert.ErrorIs(t, err, s3err.ErrNoSuchVersion)

	// A pending multipart upload also blocks deletion.
	shadow := keyspace.ShadowBucket("bucket")
	require.NoError(t, c.store.EnsureNamespace(ctx, shadow))
	ok, err := keyspace.OverviewKey("k", "upload")
	require.NoError(t, err)
	require.NoError(t, c.store.PutRecord(ctx, shadow, ok, map[string]string{}))
	assert.ErrorIs(t, c.DeleteBucket(ctx, "bucket"), s3err.ErrBucketNotEmpty)
	require.NoError(t, c.store.DeleteRecord(ctx, shadow, ok))

	require.NoError(t, c.DeleteBucket(ctx, "bucket"))
	_, err = c.GetBucket(ctx, "bucket")
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)

	// The name is free again.
	_, err = c.CreateBucket(ctx, "bucket", alice, acl.NewCanned(acl.Private))
	require.NoError(t, err)
}
