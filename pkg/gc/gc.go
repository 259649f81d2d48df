// Package gc aborts multipart uploads that were left behind by clients.
package gc

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/metrics"
	"github.com/wzshiming/s3meta/pkg/multipart"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// Buckets is the subset of the metadata store the reaper walks.
type Buckets interface {
	ListBuckets(ctx context.Context) ([]*metastore.BucketInfo, error)
}

// Uploads is the subset of the multipart manager the reaper drives.
type Uploads interface {
	ListUploads(ctx context.Context, bucket string, p multipart.UploadParams) (*multipart.UploadsResult, error)
	Abort(ctx context.Context, bucket, key, uploadID string) error
}

// Stats summarizes a pass.
type Stats struct {
	Scanned int
	Aborted int
	Failed  int
}

// Reaper aborts uploads initiated longer ago than a threshold.
type Reaper struct {
	buckets   Buckets
	uploads   Uploads
	olderThan time.Duration
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reaper) {
		r.logger = l
	}
}

// WithMetrics counts aborted uploads.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reaper) {
		r.metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) {
		r.now = now
	}
}

// New returns a Reaper. A non-positive olderThan means 24h.
func New(buckets Buckets, uploads Uploads, olderThan time.Duration, opts ...Option) *Reaper {
	if olderThan <= 0 {
		olderThan = 24 * time.Hour
	}
	r := &Reaper{
		buckets:   buckets,
		uploads:   uploads,
		olderThan: olderThan,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce performs a single best-effort pass over every bucket.
// Failures on single uploads are logged and counted, not returned.
func (r *Reaper) RunOnce(ctx context.Context) (Stats, error) {
	var st Stats
	buckets, err := r.buckets.ListBuckets(ctx)
	if err != nil {
		return st, err
	}
	cutoff := r.now().Add(-r.olderThan)
	for _, b := range buckets {
		if b.Deleted {
			continue
		}
		if err := r.reapBucket(ctx, b.Name, cutoff, &st); err != nil {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			r.logger.Warn().Err(err).Str("bucket", b.Name).Msg("gc: list uploads")
		}
	}
	r.metrics.AddReaped(st.Aborted)
	return st, nil
}

func (r *Reaper) reapBucket(ctx context.Context, bucket string, cutoff time.Time, st *Stats) error {
	var stale []*multipart.Overview
	p := multipart.UploadParams{}
	for {
		res, err := r.uploads.ListUploads(ctx, bucket, p)
		if err != nil {
			if errors.Is(err, s3err.ErrNoSuchBucket) {
				return nil
			}
			return err
		}
		for _, u := range res.Uploads {
			st.Scanned++
			if u.Initiated.Before(cutoff) {
				stale = append(stale, u)
			}
		}
		if !res.IsTruncated || res.NextUploadIDMarker == "" {
			break
		}
		p.KeyMarker = res.NextKeyMarker
		p.UploadIDMarker = res.NextUploadIDMarker
	}

	// Aborting while listing would move the resume point.
	for _, u := range stale {
		err := r.uploads.Abort(ctx, bucket, u.Key, u.UploadID)
		switch {
		case err == nil:
			st.Aborted++
			r.logger.Debug().
				Str("bucket", bucket).
				Str("key", u.Key).
				Str("uploadId", u.UploadID).
				Time("initiated", u.Initiated).
				Msg("gc: aborted stale upload")
		case errors.Is(err, s3err.ErrNoSuchUpload):
			// completed or aborted concurrently
		default:
			st.Failed++
			r.logger.Error().Err(err).
				Str("bucket", bucket).
				Str("uploadId", u.UploadID).
				Msg("gc: abort upload")
		}
	}
	return nil
}

// Run calls RunOnce every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error().Err(err).Msg("gc: multipart run failed")
				continue
			}
			r.logger.Info().
				Int("scanned", st.Scanned).
				Int("aborted", st.Aborted).
				Int("failed", st.Failed).
				Dur("olderThan", r.olderThan).
				Msg("gc: multipart pass")
		}
	}
}
