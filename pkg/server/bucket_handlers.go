package server

import (
	"net/http"

	"github.com/wzshiming/s3meta/pkg/acl"
	"github.com/wzshiming/s3meta/pkg/auth"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// handleListBuckets handles ListBuckets operation
func (s *S3Handler) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id.IsAnonymous() {
		s.errorResponse(w, r, s3err.ErrAccessDenied)
		return
	}

	buckets, err := s.versions.Store().ListBuckets(r.Context())
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	result := ListAllMyBucketsResult{
		Owner: Owner{ID: id.CanonicalID, DisplayName: id.DisplayName},
	}
	for _, b := range buckets {
		if b.Owner.ID != id.CanonicalID || b.Transient || b.Deleted {
			continue
		}
		result.Buckets.Bucket = append(result.Buckets.Bucket, Bucket{
			Name:         b.Name,
			CreationDate: b.CreationDate,
		})
	}
	s.xmlResponse(w, result, http.StatusOK)
}

// handleCreateBucket handles CreateBucket operation
func (s *S3Handler) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	id := auth.FromContext(r.Context())
	if id.IsAnonymous() {
		s.errorResponse(w, r, s3err.ErrAccessDenied)
		return
	}
	policy, _, err := policyFromHeaders(r.Header)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if r.ContentLength > 0 {
		var conf CreateBucketConfiguration
		if err := s.xmlRequest(r, &conf); err != nil {
			s.errorResponse(w, r, err)
			return
		}
		if conf.LocationConstraint != "" && conf.LocationConstraint != s.region {
			s.errorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("location constraint %q does not match region %q", conf.LocationConstraint, s.region))
			return
		}
	}
	if _, err := s.versions.CreateBucket(r.Context(), bucket, id.Owner(), policy); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// handleDeleteBucket handles DeleteBucket operation
func (s *S3Handler) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, err := s.bucketFor(r.Context(), bucket, acl.BucketDelete); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if err := s.versions.DeleteBucket(r.Context(), bucket); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHeadBucket handles HeadBucket operation
func (s *S3Handler) handleHeadBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, err := s.bucketFor(r.Context(), bucket, acl.BucketHead); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.Header().Set("x-amz-bucket-region", s.region)
	w.WriteHeader(http.StatusOK)
}

// handleGetBucketLocation handles GetBucketLocation operation
func (s *S3Handler) handleGetBucketLocation(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, err := s.bucketFor(r.Context(), bucket, acl.BucketHead); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	result := LocationConstraint{}
	// us-east-1 is reported as an empty constraint.
	if s.region != "us-east-1" {
		result.Region = s.region
	}
	s.xmlResponse(w, result, http.StatusOK)
}

// handleGetBucketVersioning handles GetBucketVersioning operation
func (s *S3Handler) handleGetBucketVersioning(w http.ResponseWriter, r *http.Request, bucket string) {
	info, err := s.bucketFor(r.Context(), bucket, acl.BucketGetVersioning)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.xmlResponse(w, VersioningConfiguration{Status: string(info.Versioning)}, http.StatusOK)
}

// handlePutBucketVersioning handles PutBucketVersioning operation
func (s *S3Handler) handlePutBucketVersioning(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, err := s.bucketFor(r.Context(), bucket, acl.BucketPutVersioning); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var conf VersioningConfiguration
	if err := s.xmlRequest(r, &conf); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	status := metastore.VersioningStatus(conf.Status)
	if status != metastore.VersioningEnabled && status != metastore.VersioningSuspended {
		s.errorResponse(w, r, s3err.ErrMalformedXML.WithMessage("versioning status must be Enabled or Suspended"))
		return
	}
	if err := s.versions.PutBucketVersioning(r.Context(), bucket, status); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetBucketACL handles GetBucketAcl operation
func (s *S3Handler) handleGetBucketACL(w http.ResponseWriter, r *http.Request, bucket string) {
	info, err := s.bucketFor(r.Context(), bucket, acl.BucketGetACL)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.xmlResponse(w, policyToXML(info.ACL, info.Owner, info.Owner), http.StatusOK)
}

// handlePutBucketACL handles PutBucketAcl operation
func (s *S3Handler) handlePutBucketACL(w http.ResponseWriter, r *http.Request, bucket string) {
	info, err := s.bucketFor(r.Context(), bucket, acl.BucketPutACL)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	policy, err := s.requestPolicy(r, info.Owner)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if err := s.versions.PutBucketACL(r.Context(), bucket, policy); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
