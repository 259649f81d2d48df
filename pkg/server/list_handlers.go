package server

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"

	"github.com/wzshiming/s3meta/pkg/acl"
	"github.com/wzshiming/s3meta/pkg/listing"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// intParam parses an optional non negative integer query parameter.
func intParam(query url.Values, name string, def int) (int, error) {
	v := query.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, s3err.ErrInvalidArgument.WithMessage("%s must be a non-negative integer", name)
	}
	return n, nil
}

func commonPrefixes(prefixes []string) []CommonPrefix {
	out := make([]CommonPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, CommonPrefix{Prefix: p})
	}
	return out
}

func contents(items []listing.Item[*metastore.ObjectMD], owner bool) []Contents {
	out := make([]Contents, 0, len(items))
	for _, item := range items {
		md := item.Value
		c := Contents{
			Key:          item.Key,
			LastModified: md.LastModified,
			ETag:         quoteETag(md.ETag),
			Size:         md.Size,
			StorageClass: md.StorageClass,
		}
		if owner {
			c.Owner = &Owner{ID: md.Owner.ID, DisplayName: md.Owner.DisplayName}
		}
		out = append(out, c)
	}
	return out
}

// handleListObjects handles ListObjects (v1) operation
func (s *S3Handler) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, err := s.bucketFor(r.Context(), bucket, acl.BucketList); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	query := r.URL.Query()
	maxKeys, err := intParam(query, "max-keys", listing.HardLimit)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	p := listing.Params{
		Prefix:    query.Get("prefix"),
		Delimiter: query.Get("delimiter"),
		Marker:    query.Get("marker"),
		MaxKeys:   maxKeys,
	}
	res, err := s.versions.ListObjects(r.Context(), bucket, p)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	s.xmlResponse(w, ListBucketResult{
		Name:           bucket,
		Prefix:         p.Prefix,
		Marker:         p.Marker,
		NextMarker:     res.NextMarker,
		Delimiter:      p.Delimiter,
		MaxKeys:        maxKeys,
		IsTruncated:    res.IsTruncated,
		Contents:       contents(res.Contents, true),
		CommonPrefixes: commonPrefixes(res.CommonPrefixes),
	}, http.StatusOK)
}

// handleListObjectsV2 handles ListObjectsV2 operation
func (s *S3Handler) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, err := s.bucketFor(r.Context(), bucket, acl.BucketList); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	query := r.URL.Query()
	maxKeys, err := intParam(query, "max-keys", listing.HardLimit)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	p := listing.Params{
		Prefix:    query.Get("prefix"),
		Delimiter: query.Get("delimiter"),
		Marker:    query.Get("start-after"),
		MaxKeys:   maxKeys,
	}
	token := query.Get("continuation-token")
	if token != "" {
		marker, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			s.errorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("The continuation token provided is incorrect"))
			return
		}
		p.Marker = string(marker)
	}
	res, err := s.versions.ListObjects(r.Context(), bucket, p)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	result := ListBucketResultV2{
		Name:              bucket,
		Prefix:            p.Prefix,
		Delimiter:         p.Delimiter,
		MaxKeys:           maxKeys,
		KeyCount:          len(res.Contents) + len(res.CommonPrefixes),
		IsTruncated:       res.IsTruncated,
		ContinuationToken: token,
		StartAfter:        query.Get("start-after"),
		Contents:          contents(res.Contents, query.Get("fetch-owner") == "true"),
		CommonPrefixes:    commonPrefixes(res.CommonPrefixes),
	}
	if res.IsTruncated {
		result.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(res.NextMarker))
	}
	s.xmlResponse(w, result, http.StatusOK)
}

// handleListObjectVersions handles ListObjectVersions operation
func (s *S3Handler) handleListObjectVersions(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, err := s.bucketFor(r.Context(), bucket, acl.BucketList); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	query := r.URL.Query()
	maxKeys, err := intParam(query, "max-keys", listing.HardLimit)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	p := listing.VersionParams{
		Prefix:          query.Get("prefix"),
		Delimiter:       query.Get("delimiter"),
		KeyMarker:       query.Get("key-marker"),
		VersionIDMarker: query.Get("version-id-marker"),
		MaxKeys:         maxKeys,
	}
	if p.VersionIDMarker != "" && p.KeyMarker == "" {
		s.errorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("A version-id marker cannot be specified without a key marker."))
		return
	}
	res, err := s.versions.ListObjectVersions(r.Context(), bucket, p)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	result := ListVersionsResult{
		Name:                bucket,
		Prefix:              p.Prefix,
		KeyMarker:           p.KeyMarker,
		VersionIdMarker:     p.VersionIDMarker,
		NextKeyMarker:       res.NextKeyMarker,
		NextVersionIdMarker: res.NextVersionIDMarker,
		Delimiter:           p.Delimiter,
		MaxKeys:             maxKeys,
		IsTruncated:         res.IsTruncated,
		CommonPrefixes:      commonPrefixes(res.CommonPrefixes),
	}
	for _, v := range res.Versions {
		md := v.Value
		owner := Owner{ID: md.Owner.ID, DisplayName: md.Owner.DisplayName}
		if md.IsDeleteMarker {
			result.DeleteMarkers = append(result.DeleteMarkers, DeleteMarkerEntry{
				Key:          v.Key,
				VersionId:    v.VersionID,
				IsLatest:     md.IsLatest,
				LastModified: md.LastModified,
				Owner:        owner,
			})
			continue
		}
		result.Versions = append(result.Versions, ObjectVersion{
			Key:          v.Key,
			VersionId:    v.VersionID,
			IsLatest:     md.IsLatest,
			LastModified: md.LastModified,
			ETag:         quoteETag(md.ETag),
			Size:         md.Size,
			StorageClass: md.StorageClass,
			Owner:        owner,
		})
	}
	s.xmlResponse(w, result, http.StatusOK)
}
