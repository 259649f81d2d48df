package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/wzshiming/s3meta/pkg/accesslog"
	"github.com/wzshiming/s3meta/pkg/acl"
	"github.com/wzshiming/s3meta/pkg/auth"
	"github.com/wzshiming/s3meta/pkg/blob"
	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/multipart"
	"github.com/wzshiming/s3meta/pkg/s3err"
	"github.com/wzshiming/s3meta/pkg/versioning"
)

// maxDeleteObjects bounds the keys of one DeleteObjects request.
const maxDeleteObjects = 1000

// handlePutObject handles PutObject operation
func (s *S3Handler) handlePutObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	info, err := s.bucketFor(ctx, bucket, acl.ObjectPut)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if _, err := keyspace.MasterKey(key); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	policy, _, err := policyFromHeaders(r.Header)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	body, size, err := s.payload(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if size > multipart.MaxPartSize {
		s.errorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	loc, err := s.blobs.Put(ctx, body)
	if err != nil {
		s.errorResponse(w, r, s3err.Internal(err))
		return
	}

	md := extractMetadata(r).object(key)
	md.Size = loc.Size
	md.ETag = loc.ETag
	md.Locations = []blob.Location{loc}
	md.Owner = auth.FromContext(ctx).Owner()
	md.ACL = policy

	res, err := s.versions.PutObject(ctx, bucket, md, versioning.PutOptions{})
	if err != nil {
		s.reclaim(ctx, loc)
		s.errorResponse(w, r, err)
		return
	}
	s.reclaimRecords(ctx, res.Displaced)
	s.metrics.AddUploaded(loc.Size)
	if e := accesslog.FromContext(ctx); e != nil {
		e.ObjectSize = loc.Size
		e.VersionID = res.VersionID
	}

	w.Header().Set("ETag", quoteETag(loc.ETag))
	if info.Versioning != metastore.VersioningDisabled {
		setVersionHeader(w, res.VersionID)
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetObject handles GetObject and HeadObject operations
func (s *S3Handler) handleGetObject(w http.ResponseWriter, r *http.Request, bucket, key string, head bool) {
	ctx := r.Context()
	action := acl.ObjectGet
	if head {
		action = acl.ObjectHead
	}
	info, err := s.bucketFor(ctx, bucket, action)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	versionID := r.URL.Query().Get("versionId")
	md, err := s.versions.GetObject(ctx, bucket, key, versionID)
	if err != nil {
		if errors.Is(err, s3err.ErrMethodNotAllowed) {
			w.Header().Set("x-amz-delete-marker", "true")
			setVersionHeader(w, versionID)
		}
		s.errorResponse(w, r, s.hideMissing(ctx, info, err))
		return
	}
	if !allowed(ctx, info, md, action) {
		s.errorResponse(w, r, s3err.ErrAccessDenied)
		return
	}
	if e := accesslog.FromContext(ctx); e != nil {
		e.ObjectSize = md.Size
		e.VersionID = versionID
	}

	setObjectHeaders(w, r, md, info.Versioning != metastore.VersioningDisabled)
	reader := blob.NewObjectReader(ctx, s.blobs, md.Locations)
	defer reader.Close()
	if !head {
		s.metrics.AddDownloaded(md.Size)
	}
	http.ServeContent(w, r, "", md.LastModified, reader)
}

// hideMissing turns a missing object into AccessDenied for callers that
// may not list the bucket, so that they cannot probe for keys.
func (s *S3Handler) hideMissing(ctx context.Context, info *metastore.BucketInfo, err error) error {
	if errors.Is(err, s3err.ErrNoSuchKey) && !allowed(ctx, info, nil, acl.BucketList) {
		return s3err.ErrAccessDenied
	}
	return err
}

// handleDeleteObject handles DeleteObject operation
func (s *S3Handler) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	info, err := s.bucketFor(ctx, bucket, acl.ObjectDelete)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	versionID := r.URL.Query().Get("versionId")
	res, err := s.versions.DeleteObject(ctx, bucket, key, versionID)
	switch {
	case errors.Is(err, s3err.ErrNoSuchKey), errors.Is(err, s3err.ErrNoSuchVersion):
		// Deleting what is not there succeeds.
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		s.errorResponse(w, r, err)
		return
	}
	s.reclaimRecords(ctx, res.Displaced)

	if res.DeleteMarker {
		w.Header().Set("x-amz-delete-marker", "true")
	}
	if versionID != "" || info.Versioning != metastore.VersioningDisabled {
		setVersionHeader(w, res.VersionID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteObjects handles DeleteObjects operation
func (s *S3Handler) handleDeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	ctx := r.Context()
	if _, err := s.bucketFor(ctx, bucket, acl.ObjectDelete); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var req Delete
	if err := s.xmlRequest(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if len(req.Objects) == 0 || len(req.Objects) > maxDeleteObjects {
		s.errorResponse(w, r, s3err.ErrMalformedXML.WithMessage("a delete request lists between 1 and %d objects", maxDeleteObjects))
		return
	}

	var result DeleteObjectsResult
	for _, obj := range req.Objects {
		res, err := s.versions.DeleteObject(ctx, bucket, obj.Key, obj.VersionId)
		switch {
		case errors.Is(err, s3err.ErrNoSuchKey), errors.Is(err, s3err.ErrNoSuchVersion):
			res = &versioning.DeleteResult{}
		case err != nil:
			e := s3err.From(err)
			result.Errors = append(result.Errors, DeleteError{
				Key:       obj.Key,
				VersionId: obj.VersionId,
				Code:      e.Code,
				Message:   e.Message,
			})
			continue
		}
		s.reclaimRecords(ctx, res.Displaced)
		if req.Quiet {
			continue
		}
		deleted := DeletedObject{Key: obj.Key, VersionId: obj.VersionId}
		if res.DeleteMarker {
			deleted.DeleteMarker = true
			if obj.VersionId == "" {
				deleted.DeleteMarkerVersionId = res.VersionID
			}
		}
		result.Deleted = append(result.Deleted, deleted)
	}
	s.xmlResponse(w, result, http.StatusOK)
}

// handleGetObjectACL handles GetObjectAcl operation
func (s *S3Handler) handleGetObjectACL(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	info, md, err := s.objectFor(ctx, r, bucket, key, acl.ObjectGetACL)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if info.Versioning != metastore.VersioningDisabled {
		setVersionHeader(w, md.VersionID)
	}
	s.xmlResponse(w, policyToXML(md.ACL, md.Owner, info.Owner), http.StatusOK)
}

// handlePutObjectACL handles PutObjectAcl operation
func (s *S3Handler) handlePutObjectACL(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	info, md, err := s.objectFor(ctx, r, bucket, key, acl.ObjectPutACL)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	policy, err := s.requestPolicy(r, md.Owner)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	md.ACL = policy
	versionID := r.URL.Query().Get("versionId")
	if err := s.versions.PutObjectACL(ctx, bucket, key, versionID, md); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if info.Versioning != metastore.VersioningDisabled {
		setVersionHeader(w, md.VersionID)
	}
	w.WriteHeader(http.StatusOK)
}

// objectFor loads the object a request targets and checks action on it.
func (s *S3Handler) objectFor(ctx context.Context, r *http.Request, bucket, key string, action acl.Action) (*metastore.BucketInfo, *metastore.ObjectMD, error) {
	info, err := s.bucketFor(ctx, bucket, action)
	if err != nil {
		return nil, nil, err
	}
	md, err := s.versions.GetObject(ctx, bucket, key, r.URL.Query().Get("versionId"))
	if err != nil {
		return nil, nil, s.hideMissing(ctx, info, err)
	}
	if !allowed(ctx, info, md, action) {
		return nil, nil, s3err.ErrAccessDenied
	}
	return info, md, nil
}

// reclaim deletes blobs no record points at anymore. Failures only leak
// space, so they are logged and otherwise ignored.
func (s *S3Handler) reclaim(ctx context.Context, locs ...blob.Location) {
	if err := blob.DeleteAll(context.WithoutCancel(ctx), s.blobs, locs); err != nil {
		s.logger.Warn().Err(err).Msg("failed to reclaim blobs")
	}
}

func (s *S3Handler) reclaimRecords(ctx context.Context, records []*metastore.ObjectMD) {
	for _, md := range records {
		s.reclaim(ctx, md.Locations...)
	}
}
