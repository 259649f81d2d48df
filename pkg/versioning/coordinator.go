// Package versioning decides which metadata records an object write or
// delete produces, according to the versioning state of the bucket.
//
// Every object has a master record at its plain key and, once the bucket
// has been versioned, one version record per historical version. Writes
// always land on the version record before the master, so a crash between
// the two leaves an orphan version rather than a dangling master.
package versioning

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wzshiming/s3meta/pkg/acl"
	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// Coordinator applies versioning rules on top of a metastore.Store.
type Coordinator struct {
	store  *metastore.Store
	ids    *keyspace.VersionIDs
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for the Coordinator.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithClock overrides the clock used for LastModified and bucket creation
// dates.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithVersionIDs sets the version id generator.
func WithVersionIDs(ids *keyspace.VersionIDs) Option {
	return func(c *Coordinator) {
		c.ids = ids
	}
}

// New returns a Coordinator writing through store.
func New(store *metastore.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		ids:    keyspace.NewVersionIDs(),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying metadata store.
func (c *Coordinator) Store() *metastore.Store {
	return c.store
}

// CreateBucket creates name owned by owner. Recreating a bucket the caller
// already owns is BucketAlreadyOwnedByYou, unless the earlier attempt was
// interrupted half way, in which case it is cleaned up and redone.
func (c *Coordinator) CreateBucket(ctx context.Context, name string, owner acl.Owner, policy acl.Policy) (*metastore.BucketInfo, error) {
	if existing, err := c.store.GetBucket(ctx, name); err == nil {
		if existing.Owner.ID != owner.ID {
			return nil, s3err.ErrBucketAlreadyExists
		}
		if !existing.Transient && !existing.Deleted {
			return nil, s3err.ErrBucketAlreadyOwnedByYou
		}
		c.logger.Info().Str("bucket", name).Msg("cleaning up interrupted bucket operation")
		if err := c.store.DeleteBucket(ctx, name); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, s3err.ErrNoSuchBucket) {
		return nil, err
	}

	info := &metastore.BucketInfo{
		Name:         name,
		Owner:        owner,
		CreationDate: c.now().UTC(),
		ACL:          policy,
		Transient:    true,
	}
	if err := c.store.CreateBucket(ctx, info); err != nil {
		return nil, err
	}
	info.Transient = false
	if err := c.store.PutBucket(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

// DeleteBucket removes an empty bucket. Any master or version record, or
// any multipart upload in progress, makes it BucketNotEmpty.
func (c *Coordinator) DeleteBucket(ctx context.Context, name string) error {
	info, err := c.store.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	empty, err := c.store.IsEmpty(ctx, name)
	if err != nil {
		return err
	}
	if !empty {
		return s3err.ErrBucketNotEmpty
	}
	shadow := keyspace.ShadowBucket(name)
	if ok, err := c.store.NamespaceExists(ctx, shadow); err != nil {
		return s3err.Internal(err)
	} else if ok {
		var pending bool
		root := keyspace.OverviewRoot()
		err := c.store.Scan(ctx, shadow, root, func(key string, _ []byte) (bool, error) {
			pending = strings.HasPrefix(key, root)
			return false, nil
		})
		if err != nil {
			return s3err.Internal(err)
		}
		if pending {
			return s3err.ErrBucketNotEmpty.WithMessage("The bucket has multipart uploads in progress")
		}
	}

	info.Deleted = true
	if err := c.store.PutBucket(ctx, info); err != nil {
		return err
	}
	return c.store.DeleteBucket(ctx, name)
}

// GetBucket returns the attributes of name.
func (c *Coordinator) GetBucket(ctx context.Context, name string) (*metastore.BucketInfo, error) {
	return c.store.GetBucket(ctx, name)
}

// PutBucketACL replaces the ACL of name.
func (c *Coordinator) PutBucketACL(ctx context.Context, name string, policy acl.Policy) error {
	info, err := c.store.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	info.ACL = policy
	return c.store.PutBucket(ctx, info)
}

// PutBucketVersioning sets the versioning state of name. Only Enabled and
// Suspended are accepted; a bucket never returns to Disabled.
func (c *Coordinator) PutBucketVersioning(ctx context.Context, name string, status metastore.VersioningStatus) error {
	switch status {
	case metastore.VersioningEnabled, metastore.VersioningSuspended:
	default:
		return s3err.ErrInvalidArgument.WithMessage("invalid versioning status %q", status)
	}
	info, err := c.store.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	info.Versioning = status
	if err := c.store.PutBucket(ctx, info); err != nil {
		return err
	}
	c.logger.Info().Str("bucket", name).Str("status", string(status)).Msg("bucket versioning changed")
	return nil
}

// GetBucketVersioning returns the versioning state of name.
func (c *Coordinator) GetBucketVersioning(ctx context.Context, name string) (metastore.VersioningStatus, error) {
	info, err := c.store.GetBucket(ctx, name)
	if err != nil {
		return "", err
	}
	return info.Versioning, nil
}
