package multipart

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wzshiming/s3meta/pkg/acl"
	"github.com/wzshiming/s3meta/pkg/blob"
	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/s3err"
	"github.com/wzshiming/s3meta/pkg/versioning"
)

var alice = acl.Owner{ID: "alice", DisplayName: "Alice"}

type fixture struct {
	ctx         context.Context
	coordinator *versioning.Coordinator
	blobs       *blob.Memory
	manager     *Manager
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return setupBackend(t, metastore.NewMemory(), opts...)
}

func setupBackend(t *testing.T, backend metastore.Backend, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := metastore.New(ctx, backend)
	require.NoError(t, err)
	c := versioning.New(store)
	_, err = c.CreateBucket(ctx, "bucket", alice, acl.NewCanned(acl.Private))
	require.NoError(t, err)
	blobs := blob.NewMemory()
	return &fixture{
		ctx:         ctx,
		coordinator: c,
		blobs:       blobs,
		manager:     New(c, blobs, opts...),
	}
}

func (f *fixture) initiate(t *testing.T, key string) string {
	t.Helper()
	ov, err := f.manager.Initiate(f.ctx, "bucket", key, InitiateInput{
		Initiator:   alice,
		Owner:       alice,
		ContentType: "text/plain",
	})
	require.NoError(t, err)
	return ov.UploadID
}

func (f *fixture) upload(t *testing.T, key, uploadID string, n int, data []byte) *PartRecord {
	t.Helper()
	part, err := f.manager.UploadPart(f.ctx, "bucket", key, uploadID, n, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return part
}

func (f *fixture) shadowKeys(t *testing.T) []string {
	t.Helper()
	var keys []string
	err := f.coordinator.Store().Scan(f.ctx, keyspace.ShadowBucket("bucket"), "", func(k string, _ []byte) (bool, error) {
		keys = append(keys, k)
		return true, nil
	})
	require.NoError(t, err)
	return keys
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestCompositeETag(t *testing.T) {
	parts := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var digests []byte
	for _, p := range parts {
		sum := md5.Sum(p)
		digests = append(digests, sum[:]...)
	}
	want := md5.Sum(digests)
	assert.Equal(t, hex.EncodeToString(want[:])+"-3", CompositeETag(digests, 3))
}

func TestNormalizeETag(t *testing.T) {
	sum := md5.Sum([]byte("data"))
	h := hex.EncodeToString(sum[:])
	assert.Equal(t, h, normalizeETag(`"`+h+`"`))
	assert.Equal(t, h, normalizeETag(strings.ToUpper(h)))
	assert.Equal(t, h, normalizeETag(base64.StdEncoding.EncodeToString(sum[:])))
}

func TestCompleteUpload(t *testing.T) {
	f := setup(t)
	uploadID := f.initiate(t, "big")

	first := bytes.Repeat([]byte("a"), 6<<20)
	second := bytes.Repeat([]byte("b"), 1<<20)
	p1 := f.upload(t, "big", uploadID, 1, first)
	p2 := f.upload(t, "big", uploadID, 2, second)
	assert.Equal(t, md5hex(first), p1.ETag)

	res, err := f.manager.Complete(f.ctx, "bucket", "big", uploadID, []CompletedPart{
		{PartNumber: 1, ETag: `"` + p1.ETag + `"`},
		{PartNumber: 2, ETag: p2.ETag},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7<<20), res.Size)
	assert.Len(t, res.Locations, 2)
	assert.True(t, strings.HasSuffix(res.ETag, "-2"))
	assert.Equal(t, keyspace.NullVersionID, res.VersionID)

	md, err := f.coordinator.GetObject(f.ctx, "bucket", "big", "")
	require.NoError(t, err)
	assert.Equal(t, res.ETag, md.ETag)
	assert.Equal(t, "text/plain", md.ContentType)
	assert.Equal(t, alice, md.Owner)

	r := blob.NewObjectReader(f.ctx, f.blobs, md.Locations)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, append(first, second...), got)

	assert.Empty(t, f.shadowKeys(t))

	_, err = f.manager.GetUpload(f.ctx, "bucket", "big", uploadID)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
}

func TestCompleteValidation(t *testing.T) {
	f := setup(t, WithMinPartSize(4))
	uploadID := f.initiate(t, "k")
	p1 := f.upload(t, "k", uploadID, 1, []byte("abcd"))
	p2 := f.upload(t, "k", uploadID, 2, []byte("last"))

	tests := []struct {
		name  string
		parts []CompletedPart
		want  error
	}{
		{"empty", nil, s3err.ErrInvalidArgument},
		{"out of order", []CompletedPart{{2, p2.ETag}, {1, p1.ETag}}, s3err.ErrInvalidPartOrder},
		{"gap", []CompletedPart{{2, p2.ETag}}, s3err.ErrInvalidPartOrder},
		{"missing part", []CompletedPart{{1, p1.ETag}, {2, p2.ETag}, {3, p2.ETag}}, s3err.ErrInvalidPart},
		{"wrong etag", []CompletedPart{{1, p2.ETag}}, s3err.ErrInvalidPart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Complete(f.ctx, "bucket", "k", uploadID, tt.parts)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	small := f.initiate(t, "small")
	s1 := f.upload(t, "small", small, 1, []byte("xy"))
	s2 := f.upload(t, "small", small, 2, []byte("last"))
	_, err := f.manager.Complete(f.ctx, "bucket", "small", small, []CompletedPart{{1, s1.ETag}, {2, s2.ETag}})
	assert.ErrorIs(t, err, s3err.ErrEntityTooSmall)
	require.NoError(t, f.manager.Abort(f.ctx, "bucket", "small", small))

	// A failed completion leaves the upload intact.
	res, err := f.manager.Complete(f.ctx, "bucket", "k", uploadID, []CompletedPart{{1, p1.ETag}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Size)
	assert.Equal(t, 1, f.blobs.Len(), "unused part data is reclaimed")
}

func TestUploadPartErrors(t *testing.T) {
	f := setup(t)
	uploadID := f.initiate(t, "k")

	_, err := f.manager.UploadPart(f.ctx, "bucket", "k", "nope", 1, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)

	_, err = f.manager.UploadPart(f.ctx, "bucket", "other", uploadID, 1, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)

	for _, n := range []int{0, 10001} {
		_, err = f.manager.UploadPart(f.ctx, "bucket", "k", uploadID, n, strings.NewReader("x"), 1)
		assert.ErrorIs(t, err, s3err.ErrInvalidArgument)
	}

	_, err = f.manager.UploadPart(f.ctx, "bucket", "k", uploadID, 1, strings.NewReader("x"), MaxPartSize+1)
	assert.ErrorIs(t, err, s3err.ErrEntityTooLarge)

	_, err = f.manager.Initiate(f.ctx, "missing", "k", InitiateInput{})
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)

	assert.Equal(t, 0, f.blobs.Len())
}

func TestUploadPartReplaces(t *testing.T) {
	f := setup(t)
	uploadID := f.initiate(t, "k")
	f.upload(t, "k", uploadID, 1, []byte("first"))
	p := f.upload(t, "k", uploadID, 1, []byte("second"))

	assert.Equal(t, 1, f.blobs.Len())
	res, err := f.manager.ListParts(f.ctx, "bucket", "k", uploadID, 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Parts, 1)
	assert.Equal(t, p.ETag, res.Parts[0].ETag)
	assert.Equal(t, md5hex([]byte("second")), res.Parts[0].ETag)
}

func TestAbort(t *testing.T) {
	f := setup(t)
	uploadID := f.initiate(t, "k")
	f.upload(t, "k", uploadID, 1, []byte("one"))
	f.upload(t, "k", uploadID, 2, []byte("two"))

	require.NoError(t, f.manager.Abort(f.ctx, "bucket", "k", uploadID))
	assert.Equal(t, 0, f.blobs.Len())
	assert.Empty(t, f.shadowKeys(t))

	err := f.manager.Abort(f.ctx, "bucket", "k", uploadID)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
	_, err = f.manager.Complete(f.ctx, "bucket", "k", uploadID, []CompletedPart{{1, "x"}})
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
}

func TestCompleteInVersionedBucket(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.coordinator.PutBucketVersioning(f.ctx, "bucket", metastore.VersioningEnabled))

	var ids []string
	for range 2 {
		uploadID := f.initiate(t, "k")
		p := f.upload(t, "k", uploadID, 1, []byte("data"))
		res, err := f.manager.Complete(f.ctx, "bucket", "k", uploadID, []CompletedPart{{1, p.ETag}})
		require.NoError(t, err)
		assert.NotEqual(t, keyspace.NullVersionID, res.VersionID)
		ids = append(ids, res.VersionID)
	}
	assert.NotEqual(t, ids[0], ids[1])
	assert.Equal(t, 2, f.blobs.Len(), "earlier versions keep their data")
}

func TestListParts(t *testing.T) {
	f := setup(t)
	uploadID := f.initiate(t, "k")
	for n := 1; n <= 5; n++ {
		f.upload(t, "k", uploadID, n, []byte(fmt.Sprintf("part-%d", n)))
	}

	res, err := f.manager.ListParts(f.ctx, "bucket", "k", uploadID, 0, 2)
	require.NoError(t, err)
	require.Len(t, res.Parts, 2)
	assert.Equal(t, 1, res.Parts[0].PartNumber)
	assert.True(t, res.IsTruncated)
	assert.Equal(t, 2, res.NextPartNumberMarker)
	assert.Equal(t, "k", res.Overview.Key)

	res, err = f.manager.ListParts(f.ctx, "bucket", "k", uploadID, res.NextPartNumberMarker, 2)
	require.NoError(t, err)
	require.Len(t, res.Parts, 2)
	assert.Equal(t, 3, res.Parts[0].PartNumber)

	res, err = f.manager.ListParts(f.ctx, "bucket", "k", uploadID, 4, 2)
	require.NoError(t, err)
	require.Len(t, res.Parts, 1)
	assert.Equal(t, 5, res.Parts[0].PartNumber)
	assert.False(t, res.IsTruncated)
	assert.Zero(t, res.NextPartNumberMarker)

	res, err = f.manager.ListParts(f.ctx, "bucket", "k", uploadID, 10000, 2)
	require.NoError(t, err)
	assert.Empty(t, res.Parts)

	_, err = f.manager.ListParts(f.ctx, "bucket", "k", "nope", 0, 0)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
}

func TestListUploads(t *testing.T) {
	f := setup(t)

	res, err := f.manager.ListUploads(f.ctx, "bucket", UploadParams{})
	require.NoError(t, err)
	assert.Empty(t, res.Uploads)

	ids := map[string][]string{}
	for _, key := range []string{"a", "a", "b", "dir/x", "dir/y", "c"} {
		ids[key] = append(ids[key], f.initiate(t, key))
	}
	// A part record must not show up as an upload.
	f.upload(t, "a", ids["a"][0], 1, []byte("data"))

	res, err = f.manager.ListUploads(f.ctx, "bucket", UploadParams{})
	require.NoError(t, err)
	var keys []string
	for _, u := range res.Uploads {
		keys = append(keys, u.Key)
	}
	assert.Equal(t, []string{"a", "a", "b", "c", "dir/x", "dir/y"}, keys)

	res, err = f.manager.ListUploads(f.ctx, "bucket", UploadParams{Delimiter: "/"})
	require.NoError(t, err)
	assert.Len(t, res.Uploads, 4)
	assert.Equal(t, []string{"dir/"}, res.CommonPrefixes)

	res, err = f.manager.ListUploads(f.ctx, "bucket", UploadParams{Prefix: "dir/"})
	require.NoError(t, err)
	require.Len(t, res.Uploads, 2)
	assert.Equal(t, "dir/x", res.Uploads[0].Key)

	// Page through one upload at a time.
	var (
		seen   []string
		params = UploadParams{MaxUploads: 1}
	)
	for {
		res, err := f.manager.ListUploads(f.ctx, "bucket", params)
		require.NoError(t, err)
		for _, u := range res.Uploads {
			seen = append(seen, u.Key+"/"+u.UploadID)
		}
		if !res.IsTruncated {
			break
		}
		require.NotEmpty(t, res.NextUploadIDMarker)
		params.KeyMarker = res.NextKeyMarker
		params.UploadIDMarker = res.NextUploadIDMarker
	}
	assert.Len(t, seen, 6)
	assert.ElementsMatch(t, []string{
		"a/" + ids["a"][0], "a/" + ids["a"][1],
		"b/" + ids["b"][0], "c/" + ids["c"][0],
		"dir/x/" + ids["dir/x"][0], "dir/y/" + ids["dir/y"][0],
	}, seen)

	res, err = f.manager.ListUploads(f.ctx, "bucket", UploadParams{KeyMarker: "b"})
	require.NoError(t, err)
	require.Len(t, res.Uploads, 3)
	assert.Equal(t, "c", res.Uploads[0].Key)
}

func TestPendingUploadBlocksBucketDelete(t *testing.T) {
	f := setup(t)
	uploadID := f.initiate(t, "k")

	err := f.coordinator.DeleteBucket(f.ctx, "bucket")
	assert.ErrorIs(t, err, s3err.ErrBucketNotEmpty)

	require.NoError(t, f.manager.Abort(f.ctx, "bucket", "k", uploadID))
	require.NoError(t, f.coordinator.DeleteBucket(f.ctx, "bucket"))
}

// hookBackend runs afterPut once, right after the first write of key in ns.
type hookBackend struct {
	*metastore.Memory
	ns, key  string
	fired    atomic.Bool
	afterPut func()
}

func (h *hookBackend) Put(ctx context.Context, ns, key string, value []byte) error {
	if err := h.Memory.Put(ctx, ns, key, value); err != nil {
		return err
	}
	if ns == h.ns && key == h.key && h.afterPut != nil && h.fired.CompareAndSwap(false, true) {
		h.afterPut()
	}
	return nil
}

func (f *fixture) readObject(t *testing.T, key string) []byte {
	t.Helper()
	md, err := f.coordinator.GetObject(f.ctx, "bucket", key, "")
	require.NoError(t, err)
	r := blob.NewObjectReader(f.ctx, f.blobs, md.Locations)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	return got
}

func TestOperationsRejectedWhileCompleting(t *testing.T) {
	hook := &hookBackend{Memory: metastore.NewMemory(), ns: "bucket", key: "k"}
	f := setupBackend(t, hook)
	uploadID := f.initiate(t, "k")
	p1 := f.upload(t, "k", uploadID, 1, []byte("data"))
	parts := []CompletedPart{{PartNumber: 1, ETag: p1.ETag}}

	var during []error
	hook.afterPut = func() {
		_, err := f.manager.Complete(f.ctx, "bucket", "k", uploadID, parts)
		during = append(during, err)
		during = append(during, f.manager.Abort(f.ctx, "bucket", "k", uploadID))
		_, err = f.manager.UploadPart(f.ctx, "bucket", "k", uploadID, 1, strings.NewReader("other"), 5)
		during = append(during, err)
	}

	_, err := f.manager.Complete(f.ctx, "bucket", "k", uploadID, parts)
	require.NoError(t, err)
	require.Len(t, during, 3)
	for _, err := range during {
		assert.ErrorIs(t, err, s3err.ErrOperationAborted)
	}
	assert.Equal(t, []byte("data"), f.readObject(t, "k"))

	_, err = f.manager.Complete(f.ctx, "bucket", "k", uploadID, parts)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
}

func TestCompleteRacingAcrossProcesses(t *testing.T) {
	hook := &hookBackend{Memory: metastore.NewMemory(), ns: "bucket", key: "k"}
	f := setupBackend(t, hook)
	other := New(versioning.New(f.coordinator.Store()), f.blobs)

	uploadID := f.initiate(t, "k")
	first := bytes.Repeat([]byte("a"), 6<<20)
	p1 := f.upload(t, "k", uploadID, 1, first)
	p2 := f.upload(t, "k", uploadID, 2, []byte("tail"))
	parts := []CompletedPart{{PartNumber: 1, ETag: p1.ETag}, {PartNumber: 2, ETag: p2.ETag}}

	// The second completion overwrites the record the first one just
	// wrote. Both records read from the same part blobs.
	var raced error
	hook.afterPut = func() {
		_, raced = other.Complete(f.ctx, "bucket", "k", uploadID, parts)
	}
	_, err := f.manager.Complete(f.ctx, "bucket", "k", uploadID, parts)
	require.NoError(t, err)
	require.NoError(t, raced)

	assert.Equal(t, append(first, "tail"...), f.readObject(t, "k"))
	assert.Empty(t, f.shadowKeys(t))
}

func TestUploadPartRacingComplete(t *testing.T) {
	hook := &hookBackend{Memory: metastore.NewMemory(), ns: "bucket", key: "k"}
	f := setupBackend(t, hook)
	other := New(versioning.New(f.coordinator.Store()), f.blobs)

	uploadID := f.initiate(t, "k")
	p1 := f.upload(t, "k", uploadID, 1, []byte("original"))

	var raced error
	hook.afterPut = func() {
		_, raced = other.UploadPart(f.ctx, "bucket", "k", uploadID, 1, strings.NewReader("replacement"), 11)
	}
	_, err := f.manager.Complete(f.ctx, "bucket", "k", uploadID, []CompletedPart{{PartNumber: 1, ETag: p1.ETag}})
	require.NoError(t, err)
	require.NoError(t, raced)

	// The replaced part is the data of the completed object and stays.
	assert.Equal(t, []byte("original"), f.readObject(t, "k"))
}

func TestListUploadsKeyOrder(t *testing.T) {
	f := setup(t)

	// "-" sorts below "/" and below the separators of the metadata keys.
	var ids []string
	for _, key := range []string{"file-2", "file", "file/a", "file"} {
		ids = append(ids, f.initiate(t, key))
	}

	res, err := f.manager.ListUploads(f.ctx, "bucket", UploadParams{})
	require.NoError(t, err)
	var got []string
	for _, u := range res.Uploads {
		got = append(got, u.Key+"/"+u.UploadID)
	}
	assert.Equal(t, []string{
		"file/" + ids[1],
		"file/" + ids[3],
		"file-2/" + ids[0],
		"file/a/" + ids[2],
	}, got)
}
