// Package multipart implements S3 multipart uploads on top of the
// metadata store. Upload overviews and part records live in the hidden
// namespace of the destination bucket; the completed object is handed to
// the versioning coordinator like any other write.
package multipart

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wzshiming/s3meta/pkg/blob"
	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/listing"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/s3err"
	"github.com/wzshiming/s3meta/pkg/versioning"
)

const (
	// DefaultMinPartSize is the smallest size allowed for any part but the last.
	DefaultMinPartSize = 5 << 20
	// MaxPartSize is the largest part accepted.
	MaxPartSize = 5 << 30
)

// Manager runs multipart uploads.
type Manager struct {
	coordinator *versioning.Coordinator
	store       *metastore.Store
	blobs       blob.Store
	minPartSize int64
	now         func() time.Time
	logger      zerolog.Logger
	claims      *claims
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the Manager.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMinPartSize overrides DefaultMinPartSize.
func WithMinPartSize(n int64) Option {
	return func(m *Manager) {
		m.minPartSize = n
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New returns a Manager storing part data in blobs.
func New(coordinator *versioning.Coordinator, blobs blob.Store, opts ...Option) *Manager {
	m := &Manager{
		coordinator: coordinator,
		store:       coordinator.Store(),
		blobs:       blobs,
		minPartSize: DefaultMinPartSize,
		now:         time.Now,
		logger:      zerolog.Nop(),
		claims:      newClaims(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initiate starts an upload of key in bucket.
func (m *Manager) Initiate(ctx context.Context, bucket, key string, in InitiateInput) (*Overview, error) {
	if _, err := m.coordinator.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	// Version 7 ids sort by creation time, so uploads of one key list in
	// the order they were initiated.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, s3err.Internal(err)
	}
	uploadID := id.String()
	ok, err := keyspace.OverviewKey(key, uploadID)
	if err != nil {
		return nil, err
	}
	shadow := keyspace.ShadowBucket(bucket)
	if err := m.store.EnsureNamespace(ctx, shadow); err != nil {
		return nil, s3err.Internal(err)
	}

	ov := &Overview{
		UploadID:           uploadID,
		Key:                key,
		Bucket:             bucket,
		Initiator:          in.Initiator,
		Owner:              in.Owner,
		Initiated:          m.now().UTC(),
		StorageClass:       in.StorageClass,
		ContentType:        in.ContentType,
		ContentEncoding:    in.ContentEncoding,
		ContentDisposition: in.ContentDisposition,
		ContentLanguage:    in.ContentLanguage,
		CacheControl:       in.CacheControl,
		Expires:            in.Expires,
		UserMetadata:       in.UserMetadata,
		ACL:                in.ACL,
	}
	if ov.StorageClass == "" {
		ov.StorageClass = "STANDARD"
	}
	if err := m.store.PutRecord(ctx, shadow, ok, ov); err != nil {
		return nil, s3err.Internal(err)
	}
	m.logger.Debug().Str("bucket", bucket).Str("key", key).Str("uploadId", uploadID).Msg("multipart upload initiated")
	return ov, nil
}

// GetUpload returns the overview of an upload in progress.
func (m *Manager) GetUpload(ctx context.Context, bucket, key, uploadID string) (*Overview, error) {
	if _, err := m.coordinator.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	ok, err := keyspace.OverviewKey(key, uploadID)
	if err != nil {
		return nil, err
	}
	var ov Overview
	if err := m.store.GetRecord(ctx, keyspace.ShadowBucket(bucket), ok, &ov); err != nil {
		if errors.Is(err, metastore.ErrKeyNotFound) || errors.Is(err, metastore.ErrNamespaceNotFound) {
			return nil, s3err.ErrNoSuchUpload
		}
		return nil, s3err.Internal(err)
	}
	return &ov, nil
}

// UploadPart stores part n of an upload. size is the announced length or
// -1 when unknown. A part uploaded again replaces the earlier one.
func (m *Manager) UploadPart(ctx context.Context, bucket, key, uploadID string, n int, body io.Reader, size int64) (*PartRecord, error) {
	pk, err := keyspace.PartKey(uploadID, n)
	if err != nil {
		return nil, err
	}
	if size > MaxPartSize {
		return nil, s3err.ErrEntityTooLarge
	}
	release, ok := m.claims.shared(uploadID)
	if !ok {
		return nil, s3err.ErrOperationAborted
	}
	defer release()
	if _, err := m.GetUpload(ctx, bucket, key, uploadID); err != nil {
		return nil, err
	}

	loc, err := m.blobs.Put(ctx, io.LimitReader(body, MaxPartSize+1))
	if err != nil {
		return nil, s3err.Internal(err)
	}
	if loc.Size > MaxPartSize {
		m.deleteBlob(ctx, loc)
		return nil, s3err.ErrEntityTooLarge
	}

	shadow := keyspace.ShadowBucket(bucket)
	var previous PartRecord
	hadPrevious := m.store.GetRecord(ctx, shadow, pk, &previous) == nil

	part := &PartRecord{
		PartNumber:   n,
		Location:     loc,
		Size:         loc.Size,
		ETag:         loc.ETag,
		LastModified: m.now().UTC(),
	}
	if err := m.store.PutRecord(ctx, shadow, pk, part); err != nil {
		m.deleteBlob(ctx, loc)
		return nil, s3err.Internal(err)
	}
	if hadPrevious && previous.Location.Key != loc.Key {
		// Another process may have completed the upload with the previous
		// part in the meantime. Its blob then belongs to the object.
		if _, err := m.GetUpload(ctx, bucket, key, uploadID); err != nil {
			return nil, err
		}
		if !m.referenced(ctx, bucket, key, previous.Location) {
			m.deleteBlob(ctx, previous.Location)
		}
	}
	return part, nil
}

// referenced reports whether the current object at key reads from loc.
func (m *Manager) referenced(ctx context.Context, bucket, key string, loc blob.Location) bool {
	md, err := m.coordinator.GetObject(ctx, bucket, key, "")
	if err != nil {
		return false
	}
	for _, l := range md.Locations {
		if l.Key == loc.Key {
			return true
		}
	}
	return false
}

// ListParts returns the parts of an upload after partNumberMarker. A
// maxParts of zero lists up to 1000 parts.
func (m *Manager) ListParts(ctx context.Context, bucket, key, uploadID string, partNumberMarker, maxParts int) (*PartsResult, error) {
	ov, err := m.GetUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	if partNumberMarker < 0 {
		return nil, s3err.ErrInvalidArgument.WithMessage("part-number-marker must not be negative")
	}
	if maxParts <= 0 || maxParts > listing.HardLimit {
		maxParts = listing.HardLimit
	}
	res := &PartsResult{Overview: ov, PartNumberMarker: partNumberMarker, MaxParts: maxParts}
	if partNumberMarker >= keyspace.MaxPartNumber {
		return res, nil
	}

	p := listing.Params{Prefix: keyspace.PartPrefix(uploadID), MaxKeys: maxParts}
	if partNumberMarker > 0 {
		p.Marker, _ = keyspace.PartKey(uploadID, partNumberMarker)
	}
	d := listing.NewDelimiter[*PartRecord](p)
	err = m.store.Scan(ctx, keyspace.ShadowBucket(bucket), d.StartKey(), func(k string, value []byte) (bool, error) {
		var part PartRecord
		if err := json.Unmarshal(value, &part); err != nil {
			return false, fmt.Errorf("decode part %q: %w", k, err)
		}
		return d.Filter(k, &part) != listing.End, nil
	})
	if err != nil {
		return nil, s3err.Internal(err)
	}

	lr := d.Result()
	for _, item := range lr.Contents {
		res.Parts = append(res.Parts, item.Value)
	}
	res.IsTruncated = lr.IsTruncated
	if lr.IsTruncated && len(res.Parts) > 0 {
		res.NextPartNumberMarker = res.Parts[len(res.Parts)-1].PartNumber
	}
	return res, nil
}

// Complete assembles the listed parts into the final object.
func (m *Manager) Complete(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (*CompleteResult, error) {
	release, ok := m.claims.exclusiveClaim(uploadID)
	if !ok {
		return nil, s3err.ErrOperationAborted
	}
	defer release()

	ov, err := m.GetUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, s3err.ErrInvalidArgument.WithMessage("You must specify at least one part")
	}

	stored, err := m.storedParts(ctx, bucket, uploadID)
	if err != nil {
		return nil, err
	}

	var (
		locations = make([]blob.Location, 0, len(parts))
		digests   = make([]byte, 0, len(parts)*md5.Size)
		size      int64
		used      = make(map[int]bool, len(parts))
	)
	for i, cp := range parts {
		if cp.PartNumber != i+1 {
			return nil, s3err.ErrInvalidPartOrder
		}
		part, ok := stored[cp.PartNumber]
		if !ok {
			return nil, s3err.ErrInvalidPart.WithMessage("part %d was not uploaded", cp.PartNumber)
		}
		if normalizeETag(cp.ETag) != part.ETag {
			return nil, s3err.ErrInvalidPart.WithMessage("the ETag of part %d does not match", cp.PartNumber)
		}
		if i < len(parts)-1 && part.Size < m.minPartSize {
			return nil, s3err.ErrEntityTooSmall
		}
		sum, err := hex.DecodeString(part.ETag)
		if err != nil {
			return nil, s3err.Internal(fmt.Errorf("part %d has a malformed etag: %w", part.PartNumber, err))
		}
		digests = append(digests, sum...)
		locations = append(locations, part.Location)
		size += part.Size
		used[part.PartNumber] = true
	}
	etag := CompositeETag(digests, len(parts))

	md := &metastore.ObjectMD{
		Key:                key,
		Size:               size,
		ETag:               etag,
		ContentType:        ov.ContentType,
		ContentEncoding:    ov.ContentEncoding,
		ContentDisposition: ov.ContentDisposition,
		ContentLanguage:    ov.ContentLanguage,
		CacheControl:       ov.CacheControl,
		Expires:            ov.Expires,
		UserMetadata:       ov.UserMetadata,
		ACL:                ov.ACL,
		Owner:              ov.Owner,
		StorageClass:       ov.StorageClass,
		Locations:          locations,
	}
	put, err := m.coordinator.PutObject(ctx, bucket, md, versioning.PutOptions{})
	if err != nil {
		return nil, err
	}

	// The object is durable from here on, so failures only leak space.
	// A displaced record sharing blobs with the new object comes from a
	// concurrent completion of this upload elsewhere.
	live := make(map[string]bool, len(locations))
	for _, loc := range locations {
		live[loc.Key] = true
	}
	for n, part := range stored {
		if !used[n] && !live[part.Location.Key] {
			m.deleteBlob(ctx, part.Location)
		}
	}
	for _, d := range put.Displaced {
		for _, loc := range d.Locations {
			if !live[loc.Key] {
				m.deleteBlob(ctx, loc)
			}
		}
	}
	m.removeRecords(ctx, bucket, key, uploadID, stored)

	m.logger.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Str("uploadId", uploadID).
		Int("parts", len(parts)).
		Int64("size", size).
		Msg("multipart upload completed")
	return &CompleteResult{
		Key:       key,
		ETag:      etag,
		VersionID: put.VersionID,
		Size:      size,
		Locations: locations,
	}, nil
}

// Abort discards an upload and the data of its parts.
func (m *Manager) Abort(ctx context.Context, bucket, key, uploadID string) error {
	release, ok := m.claims.exclusiveClaim(uploadID)
	if !ok {
		return s3err.ErrOperationAborted
	}
	defer release()

	if _, err := m.GetUpload(ctx, bucket, key, uploadID); err != nil {
		return err
	}
	stored, err := m.storedParts(ctx, bucket, uploadID)
	if err != nil {
		return err
	}
	for _, part := range stored {
		m.deleteBlob(ctx, part.Location)
	}
	m.removeRecords(ctx, bucket, key, uploadID, stored)
	m.logger.Debug().Str("bucket", bucket).Str("key", key).Str("uploadId", uploadID).Msg("multipart upload aborted")
	return nil
}

// storedParts loads every part record of an upload keyed by part number.
func (m *Manager) storedParts(ctx context.Context, bucket, uploadID string) (map[int]*PartRecord, error) {
	prefix := keyspace.PartPrefix(uploadID)
	parts := map[int]*PartRecord{}
	err := m.store.Scan(ctx, keyspace.ShadowBucket(bucket), prefix, func(k string, value []byte) (bool, error) {
		if !strings.HasPrefix(k, prefix) {
			return false, nil
		}
		var part PartRecord
		if err := json.Unmarshal(value, &part); err != nil {
			return false, fmt.Errorf("decode part %q: %w", k, err)
		}
		parts[part.PartNumber] = &part
		return true, nil
	})
	if err != nil {
		return nil, s3err.Internal(err)
	}
	return parts, nil
}

// removeRecords deletes the part records and then the overview. Failures
// are logged and otherwise ignored.
func (m *Manager) removeRecords(ctx context.Context, bucket, key, uploadID string, parts map[int]*PartRecord) {
	shadow := keyspace.ShadowBucket(bucket)
	for n := range parts {
		pk, err := keyspace.PartKey(uploadID, n)
		if err != nil {
			continue
		}
		if err := m.store.DeleteRecord(ctx, shadow, pk); err != nil && !errors.Is(err, metastore.ErrKeyNotFound) {
			m.logger.Warn().Err(err).Str("bucket", bucket).Str("uploadId", uploadID).Int("part", n).Msg("failed to delete part record")
		}
	}
	ok, err := keyspace.OverviewKey(key, uploadID)
	if err != nil {
		return
	}
	if err := m.store.DeleteRecord(ctx, shadow, ok); err != nil && !errors.Is(err, metastore.ErrKeyNotFound) {
		m.logger.Warn().Err(err).Str("bucket", bucket).Str("uploadId", uploadID).Msg("failed to delete upload overview")
	}
}

func (m *Manager) deleteBlob(ctx context.Context, loc blob.Location) {
	if err := m.blobs.Delete(ctx, loc); err != nil {
		m.logger.Warn().Err(err).Str("blob", loc.Key).Msg("failed to delete blob")
	}
}

// CompositeETag returns the multipart ETag of parts whose binary md5
// digests are concatenated in digests.
func CompositeETag(digests []byte, parts int) string {
	sum := md5.Sum(digests)
	return fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:]), parts)
}

// normalizeETag strips quotes and turns a base64 encoded md5 into hex.
func normalizeETag(etag string) string {
	etag = strings.Trim(etag, `"`)
	if len(etag) == 24 {
		if b, err := base64.StdEncoding.DecodeString(etag); err == nil && len(b) == md5.Size {
			return hex.EncodeToString(b)
		}
	}
	return strings.ToLower(etag)
}
