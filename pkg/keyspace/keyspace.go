// Package keyspace formats and parses the metadata keys used by the
// gateway. Three families of keys share one ordered namespace per bucket:
//
//	master   <key>
//	version  <key>\x00<versionID>
//
// and the hidden multipart namespace of a bucket holds
//
//	part     <uploadID>..|..<00042>
//	overview overview..|..<key>\x00<uploadID>
//
// All functions are pure.
package keyspace

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wzshiming/s3meta/pkg/s3err"
)

const (
	// VersionSeparator joins a logical key and a version id. User keys may
	// not contain it.
	VersionSeparator = "\x00"

	// Splitter joins the components of multipart keys.
	Splitter = "..|.."

	// NullVersionID is the version id reported for non-versioned writes.
	NullVersionID = "null"

	// ShadowBucketPrefix names the hidden multipart namespace of a bucket.
	ShadowBucketPrefix = "mpu-"

	// MinPartNumber and MaxPartNumber bound multipart part numbers.
	MinPartNumber = 1
	MaxPartNumber = 10000

	overviewTag = "overview"
	partWidth   = 5
)

// MasterKey returns the key of the master record of key.
func MasterKey(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// VersionKey returns the key of the version record versionID of key.
func VersionKey(key, versionID string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if versionID == "" {
		return "", s3err.ErrInvalidArgument.WithMessage("empty version id")
	}
	return key + VersionSeparator + versionID, nil
}

// VersionPrefix returns the prefix shared by every version record of key.
func VersionPrefix(key string) string {
	return key + VersionSeparator
}

// IsVersionKey reports whether raw is a version record key.
func IsVersionKey(raw string) bool {
	return strings.Contains(raw, VersionSeparator)
}

// ParseVersionKey splits a version record key.
func ParseVersionKey(raw string) (key, versionID string, ok bool) {
	i := strings.Index(raw, VersionSeparator)
	if i < 0 {
		return raw, "", false
	}
	return raw[:i], raw[i+len(VersionSeparator):], true
}

// PartKey returns the key of part n of uploadID. Part numbers are zero
// padded so that string order is numeric order.
func PartKey(uploadID string, n int) (string, error) {
	if uploadID == "" {
		return "", s3err.ErrInvalidArgument.WithMessage("empty upload id")
	}
	if n < MinPartNumber || n > MaxPartNumber {
		return "", s3err.ErrInvalidArgument.WithMessage("part number must be an integer between %d and %d", MinPartNumber, MaxPartNumber)
	}
	return PartPrefix(uploadID) + fmt.Sprintf("%0*d", partWidth, n), nil
}

// PartPrefix returns the prefix shared by every part of uploadID.
func PartPrefix(uploadID string) string {
	return uploadID + Splitter
}

// ParsePartKey splits a part key.
func ParsePartKey(raw string) (uploadID string, n int, ok bool) {
	i := strings.LastIndex(raw, Splitter)
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(raw[i+len(Splitter):])
	if err != nil {
		return "", 0, false
	}
	return raw[:i], n, true
}

// OverviewKey returns the key of the overview record of an upload.
func OverviewKey(objectKey, uploadID string) (string, error) {
	if err := checkKey(objectKey); err != nil {
		return "", err
	}
	if uploadID == "" {
		return "", s3err.ErrInvalidArgument.WithMessage("empty upload id")
	}
	return OverviewPrefix(objectKey) + uploadID, nil
}

// OverviewPrefix returns the prefix shared by the overviews of every upload
// targeting objectKey. The key is closed by VersionSeparator, which sorts
// below any byte a key can hold, so overviews sort in object key order.
func OverviewPrefix(objectKey string) string {
	return OverviewRoot() + objectKey + VersionSeparator
}

// OverviewRoot returns the prefix shared by every overview key.
func OverviewRoot() string {
	return overviewTag + Splitter
}

// ParseOverviewKey splits an overview key.
func ParseOverviewKey(raw string) (objectKey, uploadID string, ok bool) {
	rest, found := strings.CutPrefix(raw, OverviewRoot())
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, VersionSeparator)
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+len(VersionSeparator):], true
}

// ShadowBucket returns the hidden multipart namespace of bucket.
func ShadowBucket(bucket string) string {
	return ShadowBucketPrefix + bucket
}

// IsShadowBucket reports whether name is a hidden multipart namespace.
func IsShadowBucket(name string) bool {
	return strings.HasPrefix(name, ShadowBucketPrefix)
}

func checkKey(key string) error {
	if key == "" {
		return s3err.ErrInvalidArgument.WithMessage("empty object key")
	}
	if strings.Contains(key, VersionSeparator) {
		return s3err.ErrInvalidArgument.WithMessage("object key contains a reserved character")
	}
	return nil
}
