// Package server exposes the metadata engine as an S3 compatible HTTP API.
package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wzshiming/s3meta/pkg/accesslog"
	"github.com/wzshiming/s3meta/pkg/auth"
	"github.com/wzshiming/s3meta/pkg/blob"
	"github.com/wzshiming/s3meta/pkg/metrics"
	"github.com/wzshiming/s3meta/pkg/multipart"
	"github.com/wzshiming/s3meta/pkg/s3err"
	"github.com/wzshiming/s3meta/pkg/versioning"
)

// S3Handler represents the S3-compatible server
type S3Handler struct {
	versions *versioning.Coordinator
	uploads  *multipart.Manager
	blobs    blob.Store
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	region   string
}

// Option is a functional option for configuring S3Handler
type Option func(*S3Handler)

// WithRegion sets the region for the S3Handler
func WithRegion(region string) Option {
	return func(h *S3Handler) {
		h.region = region
	}
}

// WithLogger sets the logger for the S3Handler
func WithLogger(l zerolog.Logger) Option {
	return func(h *S3Handler) {
		h.logger = l
	}
}

// WithVerifier sets the request authenticator. Without one every request
// is anonymous.
func WithVerifier(v *auth.Verifier) Option {
	return func(h *S3Handler) {
		h.verifier = v
	}
}

// WithMetrics enables per operation counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *S3Handler) {
		h.metrics = m
	}
}

// NewS3Handler creates a new S3 server
func NewS3Handler(versions *versioning.Coordinator, uploads *multipart.Manager, blobs blob.Store, opts ...Option) *S3Handler {
	h := &S3Handler{
		versions: versions,
		uploads:  uploads,
		blobs:    blobs,
		logger:   zerolog.Nop(),
		region:   "us-east-1", // default region
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.verifier == nil {
		h.verifier = auth.NewVerifier(nil, auth.WithLogger(h.logger))
	}
	return h
}

// ServeHTTP authenticates the request and dispatches it on path and query.
func (s *S3Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("x-amz-request-id", requestID)
	w.Header().Set("Server", "s3meta")

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	query := r.URL.Query()

	entry := accesslog.FromContext(r.Context())
	if entry == nil {
		entry = &accesslog.Entry{}
		r = r.WithContext(accesslog.NewContext(r.Context(), entry))
	}
	entry.RequestID = requestID
	entry.Operation = accesslog.Operation(r.Method, key, query)
	defer func() {
		s.metrics.ObserveOperation(entry.Operation, entry.ErrorCode)
	}()

	id, err := s.verifier.Verify(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	entry.Requester = id.CanonicalID
	r = r.WithContext(auth.NewContext(r.Context(), id))

	// Root path - list buckets
	if path == "" {
		if r.Method == http.MethodGet {
			s.handleListBuckets(w, r)
		} else {
			s.errorResponse(w, r, s3err.ErrMethodNotAllowed)
		}
		return
	}

	if key == "" {
		switch r.Method {
		case http.MethodPut:
			switch {
			case query.Has("versioning"):
				s.handlePutBucketVersioning(w, r, bucket)
			case query.Has("acl"):
				s.handlePutBucketACL(w, r, bucket)
			default:
				s.handleCreateBucket(w, r, bucket)
			}
		case http.MethodGet:
			switch {
			case query.Has("uploads"):
				s.handleListMultipartUploads(w, r, bucket)
			case query.Has("versions"):
				s.handleListObjectVersions(w, r, bucket)
			case query.Has("versioning"):
				s.handleGetBucketVersioning(w, r, bucket)
			case query.Has("acl"):
				s.handleGetBucketACL(w, r, bucket)
			case query.Has("location"):
				s.handleGetBucketLocation(w, r, bucket)
			case query.Get("list-type") == "2":
				s.handleListObjectsV2(w, r, bucket)
			default:
				s.handleListObjects(w, r, bucket)
			}
		case http.MethodPost:
			if query.Has("delete") {
				s.handleDeleteObjects(w, r, bucket)
			} else {
				s.errorResponse(w, r, s3err.ErrMethodNotAllowed)
			}
		case http.MethodDelete:
			s.handleDeleteBucket(w, r, bucket)
		case http.MethodHead:
			s.handleHeadBucket(w, r, bucket)
		default:
			s.errorResponse(w, r, s3err.ErrMethodNotAllowed)
		}
		return
	}

	switch r.Method {
	case http.MethodPost:
		if query.Has("uploads") {
			s.handleInitiateMultipartUpload(w, r, bucket, key)
		} else if query.Has("uploadId") {
			s.handleCompleteMultipartUpload(w, r, bucket, key, query.Get("uploadId"))
		} else {
			s.errorResponse(w, r, s3err.ErrMethodNotAllowed)
		}
	case http.MethodPut:
		switch {
		case query.Has("uploadId"):
			s.handleUploadPart(w, r, bucket, key, query.Get("uploadId"), query.Get("partNumber"))
		case query.Has("acl"):
			s.handlePutObjectACL(w, r, bucket, key)
		case r.Header.Get("x-amz-copy-source") != "":
			s.errorResponse(w, r, s3err.ErrNotImplemented.WithMessage("CopyObject is not supported"))
		default:
			s.handlePutObject(w, r, bucket, key)
		}
	case http.MethodGet:
		switch {
		case query.Has("uploadId"):
			s.handleListParts(w, r, bucket, key, query.Get("uploadId"))
		case query.Has("acl"):
			s.handleGetObjectACL(w, r, bucket, key)
		default:
			s.handleGetObject(w, r, bucket, key, false)
		}
	case http.MethodHead:
		s.handleGetObject(w, r, bucket, key, true)
	case http.MethodDelete:
		if query.Has("uploadId") {
			s.handleAbortMultipartUpload(w, r, bucket, key, query.Get("uploadId"))
		} else {
			s.handleDeleteObject(w, r, bucket, key)
		}
	default:
		s.errorResponse(w, r, s3err.ErrMethodNotAllowed)
	}
}
