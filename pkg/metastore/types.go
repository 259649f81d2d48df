package metastore

import (
	"time"

	"github.com/wzshiming/s3meta/pkg/acl"
	"github.com/wzshiming/s3meta/pkg/blob"
)

// VersioningStatus is the versioning state of a bucket.
type VersioningStatus string

const (
	VersioningDisabled  VersioningStatus = ""
	VersioningEnabled   VersioningStatus = "Enabled"
	VersioningSuspended VersioningStatus = "Suspended"
)

// BucketInfo is the persisted attribute record of a bucket.
type BucketInfo struct {
	Name         string           `json:"name"`
	Owner        acl.Owner        `json:"owner"`
	CreationDate time.Time        `json:"creationDate"`
	ACL          acl.Policy       `json:"acl"`
	Versioning   VersioningStatus `json:"versioning,omitempty"`

	// Transient is set while a bucket is being created and Deleted while it
	// is being torn down.
	Transient bool `json:"transient,omitempty"`
	Deleted   bool `json:"deleted,omitempty"`
}

// ObjectMD is the metadata record of one object version. The same shape is
// stored under master and version keys.
type ObjectMD struct {
	Key            string `json:"key"`
	VersionID      string `json:"versionId,omitempty"`
	IsNull         bool   `json:"isNull,omitempty"`
	IsDeleteMarker bool   `json:"isDeleteMarker,omitempty"`

	Size               int64             `json:"size"`
	ETag               string            `json:"etag,omitempty"`
	ContentType        string            `json:"contentType,omitempty"`
	ContentEncoding    string            `json:"contentEncoding,omitempty"`
	ContentDisposition string            `json:"contentDisposition,omitempty"`
	ContentLanguage    string            `json:"contentLanguage,omitempty"`
	CacheControl       string            `json:"cacheControl,omitempty"`
	Expires            string            `json:"expires,omitempty"`
	UserMetadata       map[string]string `json:"userMetadata,omitempty"`

	ACL          acl.Policy `json:"acl"`
	Owner        acl.Owner  `json:"owner"`
	StorageClass string     `json:"storageClass,omitempty"`

	Locations    []blob.Location `json:"locations,omitempty"`
	LastModified time.Time       `json:"lastModified"`
}

// Clone returns a deep copy of md.
func (md *ObjectMD) Clone() *ObjectMD {
	c := *md
	if md.UserMetadata != nil {
		c.UserMetadata = make(map[string]string, len(md.UserMetadata))
		for k, v := range md.UserMetadata {
			c.UserMetadata[k] = v
		}
	}
	c.Locations = append([]blob.Location(nil), md.Locations...)
	c.ACL = md.ACL.Clone()
	return &c
}
