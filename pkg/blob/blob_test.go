package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	s3s, err := NewS3(newFakeS3(), "blobs", "data")
	require.NoError(t, err)
	return map[string]Store{
		"fs":     fs,
		"memory": NewMemory(),
		"s3":     s3s,
	}
}

func TestStore(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := "hello, blob"

			loc, err := store.Put(ctx, strings.NewReader(content))
			require.NoError(t, err)
			sum := md5.Sum([]byte(content))
			assert.Equal(t, hex.EncodeToString(sum[:]), loc.ETag)
			assert.Equal(t, int64(len(content)), loc.Size)

			rc, err := store.Get(ctx, loc, 0)
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			rc.Close()
			require.NoError(t, err)
			assert.Equal(t, content, string(got))

			rc, err = store.Get(ctx, loc, 7)
			require.NoError(t, err)
			got, err = io.ReadAll(rc)
			rc.Close()
			require.NoError(t, err)
			assert.Equal(t, "blob", string(got))

			require.NoError(t, store.Delete(ctx, loc))
			_, err = store.Get(ctx, loc, 0)
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting twice is fine.
			assert.NoError(t, store.Delete(ctx, loc))
		})
	}
}

func TestStoreDistinctKeys(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	a, err := store.Put(ctx, strings.NewReader("same"))
	require.NoError(t, err)
	b, err := store.Put(ctx, strings.NewReader("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, b.Key)
	assert.Equal(t, a.ETag, b.ETag)
	assert.Equal(t, 2, store.Len())
}

func TestFSRejectsTraversal(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	_, err = fs.Get(context.Background(), Location{Key: "../../etc/passwd"}, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObjectReader(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	var locs []Location
	for _, part := range []string{"abc", "defg", "", "hij"} {
		loc, err := store.Put(ctx, strings.NewReader(part))
		require.NoError(t, err)
		locs = append(locs, loc)
	}

	r := NewObjectReader(ctx, store, locs)
	defer r.Close()
	assert.Equal(t, int64(10), r.Size())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(got))

	_, err = r.Seek(2, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(buf))

	_, err = r.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	got, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hij", string(got))

	_, err = r.Seek(-1, io.SeekStart)
	assert.Error(t, err)
}

func TestObjectReaderMissingBlob(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	r := NewObjectReader(ctx, store, []Location{{Key: "gone", Size: 4}})
	_, err := io.ReadAll(r)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	var locs []Location
	for range 3 {
		loc, err := store.Put(ctx, strings.NewReader("x"))
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	require.NoError(t, DeleteAll(ctx, store, locs))
	assert.Equal(t, 0, store.Len())
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if rng := aws.ToString(in.Range); rng != "" {
		var start int
		_, err := fmt.Sscanf(rng, "bytes=%d-", &start)
		if err != nil {
			return nil, err
		}
		data = data[start:]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}
