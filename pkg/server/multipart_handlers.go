package server

import (
	"net/http"
	"strconv"

	"github.com/wzshiming/s3meta/pkg/accesslog"
	"github.com/wzshiming/s3meta/pkg/acl"
	"github.com/wzshiming/s3meta/pkg/auth"
	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/multipart"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

func toOwner(o acl.Owner) Owner {
	return Owner{ID: o.ID, DisplayName: o.DisplayName}
}

// uploadFor loads an upload and checks that the caller may run action on
// it. The initiator of an upload may always act on it.
func (s *S3Handler) uploadFor(r *http.Request, bucket, key, uploadID string, action acl.Action) (*metastore.BucketInfo, *multipart.Overview, error) {
	ctx := r.Context()
	info, err := s.versions.GetBucket(ctx, bucket)
	if err != nil {
		return nil, nil, err
	}
	if e := accesslog.FromContext(ctx); e != nil {
		e.BucketOwner = info.Owner.ID
	}
	ov, err := s.uploads.GetUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, nil, err
	}
	caller := auth.FromContext(ctx).CanonicalID
	if caller != ov.Initiator.ID && !allowed(ctx, info, nil, action) {
		return nil, nil, s3err.ErrAccessDenied
	}
	return info, ov, nil
}

// handleInitiateMultipartUpload handles CreateMultipartUpload operation
func (s *S3Handler) handleInitiateMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	if _, err := s.bucketFor(ctx, bucket, acl.ObjectPut); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	policy, _, err := policyFromHeaders(r.Header)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	caller := auth.FromContext(ctx).Owner()
	in := multipart.InitiateInput{
		Initiator: caller,
		Owner:     caller,
		ACL:       policy,
	}
	extractMetadata(r).initiate(&in)

	ov, err := s.uploads.Initiate(ctx, bucket, key, in)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.xmlResponse(w, InitiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadId: ov.UploadID,
	}, http.StatusOK)
}

// handleUploadPart handles UploadPart operation
func (s *S3Handler) handleUploadPart(w http.ResponseWriter, r *http.Request, bucket, key, uploadID, partNumberStr string) {
	ctx := r.Context()
	partNumber, err := strconv.Atoi(partNumberStr)
	if err != nil || partNumber < keyspace.MinPartNumber || partNumber > keyspace.MaxPartNumber {
		s.errorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Part number must be an integer between %d and %d, inclusive", keyspace.MinPartNumber, keyspace.MaxPartNumber))
		return
	}
	if _, _, err := s.uploadFor(r, bucket, key, uploadID, acl.ObjectPut); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	body, size, err := s.payload(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	part, err := s.uploads.UploadPart(ctx, bucket, key, uploadID, partNumber, body, size)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.metrics.AddUploaded(part.Size)
	if e := accesslog.FromContext(ctx); e != nil {
		e.ObjectSize = part.Size
	}
	w.Header().Set("ETag", quoteETag(part.ETag))
	w.WriteHeader(http.StatusOK)
}

// handleCompleteMultipartUpload handles CompleteMultipartUpload operation
func (s *S3Handler) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	ctx := r.Context()
	info, _, err := s.uploadFor(r, bucket, key, uploadID, acl.ObjectPut)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var req CompleteMultipartUpload
	if err := s.xmlRequest(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	parts := make([]multipart.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, multipart.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	res, err := s.uploads.Complete(ctx, bucket, key, uploadID, parts)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if e := accesslog.FromContext(ctx); e != nil {
		e.ObjectSize = res.Size
		e.VersionID = res.VersionID
	}
	if info.Versioning != metastore.VersioningDisabled {
		setVersionHeader(w, res.VersionID)
	}
	s.xmlResponse(w, CompleteMultipartUploadResult{
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     quoteETag(res.ETag),
	}, http.StatusOK)
}

// handleAbortMultipartUpload handles AbortMultipartUpload operation
func (s *S3Handler) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	if _, _, err := s.uploadFor(r, bucket, key, uploadID, acl.MultipartAbort); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if err := s.uploads.Abort(r.Context(), bucket, key, uploadID); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListMultipartUploads handles ListMultipartUploads operation
func (s *S3Handler) handleListMultipartUploads(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, err := s.bucketFor(r.Context(), bucket, acl.MultipartList); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	query := r.URL.Query()
	maxUploads, err := intParam(query, "max-uploads", 1000)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	p := multipart.UploadParams{
		Prefix:         query.Get("prefix"),
		Delimiter:      query.Get("delimiter"),
		KeyMarker:      query.Get("key-marker"),
		UploadIDMarker: query.Get("upload-id-marker"),
		MaxUploads:     maxUploads,
	}
	res, err := s.uploads.ListUploads(r.Context(), bucket, p)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	result := ListMultipartUploadsResult{
		Bucket:             bucket,
		KeyMarker:          p.KeyMarker,
		UploadIdMarker:     p.UploadIDMarker,
		NextKeyMarker:      res.NextKeyMarker,
		NextUploadIdMarker: res.NextUploadIDMarker,
		Prefix:             p.Prefix,
		Delimiter:          p.Delimiter,
		MaxUploads:         maxUploads,
		IsTruncated:        res.IsTruncated,
		CommonPrefixes:     commonPrefixes(res.CommonPrefixes),
	}
	for _, ov := range res.Uploads {
		result.Uploads = append(result.Uploads, Upload{
			Key:          ov.Key,
			UploadId:     ov.UploadID,
			Initiator:    toOwner(ov.Initiator),
			Owner:        toOwner(ov.Owner),
			Initiated:    ov.Initiated,
			StorageClass: ov.StorageClass,
		})
	}
	s.xmlResponse(w, result, http.StatusOK)
}

// handleListParts handles ListParts operation
func (s *S3Handler) handleListParts(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	if _, _, err := s.uploadFor(r, bucket, key, uploadID, acl.MultipartListParts); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	query := r.URL.Query()
	marker, err := intParam(query, "part-number-marker", 0)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	maxParts, err := intParam(query, "max-parts", 1000)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	res, err := s.uploads.ListParts(r.Context(), bucket, key, uploadID, marker, maxParts)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	result := ListPartsResult{
		Bucket:               bucket,
		Key:                  key,
		UploadId:             uploadID,
		Initiator:            toOwner(res.Overview.Initiator),
		Owner:                toOwner(res.Overview.Owner),
		StorageClass:         res.Overview.StorageClass,
		PartNumberMarker:     res.PartNumberMarker,
		NextPartNumberMarker: res.NextPartNumberMarker,
		MaxParts:             res.MaxParts,
		IsTruncated:          res.IsTruncated,
	}
	for _, p := range res.Parts {
		result.Parts = append(result.Parts, CompletedPart{
			PartNumber:   p.PartNumber,
			LastModified: p.LastModified,
			ETag:         quoteETag(p.ETag),
			Size:         p.Size,
		})
	}
	s.xmlResponse(w, result, http.StatusOK)
}
