package multipart

import (
	"time"

	"github.com/wzshiming/s3meta/pkg/acl"
	"github.com/wzshiming/s3meta/pkg/blob"
)

// Overview is the record describing an upload in progress. It carries
// everything the final object inherits.
type Overview struct {
	UploadID  string    `json:"uploadId"`
	Key       string    `json:"key"`
	Bucket    string    `json:"bucket"`
	Initiator acl.Owner `json:"initiator"`
	Owner     acl.Owner `json:"owner"`
	Initiated time.Time `json:"initiated"`

	StorageClass       string            `json:"storageClass,omitempty"`
	ContentType        string            `json:"contentType,omitempty"`
	ContentEncoding    string            `json:"contentEncoding,omitempty"`
	ContentDisposition string            `json:"contentDisposition,omitempty"`
	ContentLanguage    string            `json:"contentLanguage,omitempty"`
	CacheControl       string            `json:"cacheControl,omitempty"`
	Expires            string            `json:"expires,omitempty"`
	UserMetadata       map[string]string `json:"userMetadata,omitempty"`
	ACL                acl.Policy        `json:"acl"`
}

// PartRecord is the stored state of one uploaded part.
type PartRecord struct {
	PartNumber   int           `json:"partNumber"`
	Location     blob.Location `json:"location"`
	Size         int64         `json:"size"`
	ETag         string        `json:"etag"`
	LastModified time.Time     `json:"lastModified"`
}

// CompletedPart is one entry of a completion request.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// InitiateInput is the object metadata fixed when an upload starts.
type InitiateInput struct {
	Initiator acl.Owner
	Owner     acl.Owner

	StorageClass       string
	ContentType        string
	ContentEncoding    string
	ContentDisposition string
	ContentLanguage    string
	CacheControl       string
	Expires            string
	UserMetadata       map[string]string
	ACL                acl.Policy
}

// PartsResult is one page of ListParts.
type PartsResult struct {
	Overview             *Overview
	Parts                []*PartRecord
	PartNumberMarker     int
	NextPartNumberMarker int
	MaxParts             int
	IsTruncated          bool
}

// UploadParams controls ListUploads.
type UploadParams struct {
	Prefix         string
	Delimiter      string
	KeyMarker      string
	UploadIDMarker string
	MaxUploads     int
}

// UploadsResult is one page of ListUploads.
type UploadsResult struct {
	Uploads            []*Overview
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// CompleteResult describes the object produced by Complete.
type CompleteResult struct {
	Key       string
	ETag      string
	VersionID string
	Size      int64
	Locations []blob.Location
}
