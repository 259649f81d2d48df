package acl

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCannedRoundTrip(t *testing.T) {
	t.Parallel()

	for _, c := range []Canned{Private, PublicRead, PublicReadWrite, AuthenticatedRead, LogDeliveryWrite, BucketOwnerRead, BucketOwnerFullControl} {
		got, err := ParseCanned(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	got, err := ParseCanned("")
	require.NoError(t, err)
	assert.Equal(t, Private, got)

	_, err = ParseCanned("world-writable")
	assert.Error(t, err)
}

func TestPolicyJSON(t *testing.T) {
	t.Parallel()

	p := NewCanned(PublicRead)
	require.NoError(t, p.AddGrant(ReadACP, "alice"))
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"canned":"public-read"`)

	var back Policy
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, p, back)
}

func TestGrants(t *testing.T) {
	t.Parallel()

	owner := Owner{ID: "alice", DisplayName: "Alice"}
	bucketOwner := Owner{ID: "bob", DisplayName: "Bob"}

	p := NewCanned(PublicReadWrite)
	g := p.Grants(owner, bucketOwner)
	require.Len(t, g, 3)
	assert.Equal(t, FullControl, g[0].Permission)
	assert.Equal(t, "alice", g[0].Grantee.ID)
	assert.Equal(t, AllUsers, g[1].Grantee.URI)
	assert.Equal(t, Write, g[2].Permission)

	p = NewCanned(BucketOwnerFullControl)
	g = p.Grants(owner, bucketOwner)
	require.Len(t, g, 2)
	assert.Equal(t, "bob", g[1].Grantee.ID)

	// The bucket owner grant collapses when owners match.
	g = p.Grants(owner, owner)
	assert.Len(t, g, 1)
}

func TestIsAuthorizedBucket(t *testing.T) {
	t.Parallel()

	base := Request{Caller: "carol", BucketOwner: "alice"}

	r := base
	r.Action = BucketList
	assert.False(t, IsAuthorized(r))

	r.BucketACL = NewCanned(PublicRead)
	assert.True(t, IsAuthorized(r))

	r.Action = ObjectPut
	assert.False(t, IsAuthorized(r))

	r.BucketACL = NewCanned(PublicReadWrite)
	assert.True(t, IsAuthorized(r))

	r.BucketACL = NewCanned(AuthenticatedRead)
	r.Action = BucketList
	assert.True(t, IsAuthorized(r))
	r.Caller = Anonymous
	assert.False(t, IsAuthorized(r))

	r = base
	r.Action = BucketDelete
	r.BucketACL = NewCanned(PublicReadWrite)
	assert.False(t, IsAuthorized(r))
	r.Caller = "alice"
	assert.True(t, IsAuthorized(r))

	r = base
	r.Action = BucketPutACL
	require.NoError(t, r.BucketACL.AddGrant(WriteACP, "carol"))
	assert.True(t, IsAuthorized(r))
}

func TestIsAuthorizedObject(t *testing.T) {
	t.Parallel()

	private := NewCanned(Private)
	r := Request{
		Caller:      "alice",
		BucketOwner: "alice",
		ObjectOwner: "carol",
		ObjectACL:   &private,
		Action:      ObjectGet,
	}
	assert.False(t, IsAuthorized(r), "bucket owner cannot read a private object owned by someone else")

	full := NewCanned(BucketOwnerFullControl)
	r.ObjectACL = &full
	assert.True(t, IsAuthorized(r))

	r.Caller = "carol"
	r.ObjectACL = &private
	r.BucketACL = NewCanned(Private)
	assert.True(t, IsAuthorized(r), "object owner reads through the bucket check")

	public := NewCanned(PublicRead)
	r.Caller = Anonymous
	r.ObjectACL = &public
	assert.True(t, IsAuthorized(r))

	r.Action = ObjectGetACL
	assert.False(t, IsAuthorized(r))
}
