package server

import (
	"net/http"
	"strings"

	"github.com/wzshiming/s3meta/pkg/keyspace"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/multipart"
)

const (
	userMetaPrefix     = "X-Amz-Meta-"
	defaultContentType = "binary/octet-stream"
)

// requestMetadata is the object metadata carried by PutObject and
// CreateMultipartUpload headers.
type requestMetadata struct {
	contentType        string
	contentEncoding    string
	contentDisposition string
	contentLanguage    string
	cacheControl       string
	expires            string
	storageClass       string
	user               map[string]string
}

func extractMetadata(r *http.Request) requestMetadata {
	md := requestMetadata{
		contentType:        r.Header.Get("Content-Type"),
		contentEncoding:    stripAWSChunked(r.Header.Get("Content-Encoding")),
		contentDisposition: r.Header.Get("Content-Disposition"),
		contentLanguage:    r.Header.Get("Content-Language"),
		cacheControl:       r.Header.Get("Cache-Control"),
		expires:            r.Header.Get("Expires"),
		storageClass:       r.Header.Get("x-amz-storage-class"),
	}
	for name, values := range r.Header {
		if len(values) == 0 || !strings.HasPrefix(name, userMetaPrefix) {
			continue
		}
		if md.user == nil {
			md.user = map[string]string{}
		}
		md.user[strings.ToLower(strings.TrimPrefix(name, userMetaPrefix))] = strings.Join(values, ",")
	}
	if md.storageClass == "" {
		md.storageClass = "STANDARD"
	}
	return md
}

// stripAWSChunked removes the transfer only aws-chunked coding.
func stripAWSChunked(v string) string {
	var kept []string
	for _, c := range strings.Split(v, ",") {
		c = strings.TrimSpace(c)
		if c != "" && c != "aws-chunked" {
			kept = append(kept, c)
		}
	}
	return strings.Join(kept, ",")
}

func (m requestMetadata) object(key string) *metastore.ObjectMD {
	return &metastore.ObjectMD{
		Key:                key,
		ContentType:        m.contentType,
		ContentEncoding:    m.contentEncoding,
		ContentDisposition: m.contentDisposition,
		ContentLanguage:    m.contentLanguage,
		CacheControl:       m.cacheControl,
		Expires:            m.expires,
		StorageClass:       m.storageClass,
		UserMetadata:       m.user,
	}
}

func (m requestMetadata) initiate(in *multipart.InitiateInput) {
	in.ContentType = m.contentType
	in.ContentEncoding = m.contentEncoding
	in.ContentDisposition = m.contentDisposition
	in.ContentLanguage = m.contentLanguage
	in.CacheControl = m.cacheControl
	in.Expires = m.expires
	in.StorageClass = m.storageClass
	in.UserMetadata = m.user
}

// responseOverrides are the GetObject query parameters replacing response
// headers.
var responseOverrides = map[string]string{
	"response-content-type":        "Content-Type",
	"response-content-language":    "Content-Language",
	"response-expires":             "Expires",
	"response-cache-control":       "Cache-Control",
	"response-content-disposition": "Content-Disposition",
	"response-content-encoding":    "Content-Encoding",
}

// setObjectHeaders writes the stored metadata of md as response headers.
func setObjectHeaders(w http.ResponseWriter, r *http.Request, md *metastore.ObjectMD, versioned bool) {
	h := w.Header()
	h.Set("ETag", quoteETag(md.ETag))
	h.Set("Last-Modified", md.LastModified.UTC().Format(http.TimeFormat))
	h.Set("Accept-Ranges", "bytes")

	contentType := md.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	h.Set("Content-Type", contentType)
	for name, value := range map[string]string{
		"Content-Encoding":    md.ContentEncoding,
		"Content-Disposition": md.ContentDisposition,
		"Content-Language":    md.ContentLanguage,
		"Cache-Control":       md.CacheControl,
		"Expires":             md.Expires,
	} {
		if value != "" {
			h.Set(name, value)
		}
	}
	if md.StorageClass != "" && md.StorageClass != "STANDARD" {
		h.Set("x-amz-storage-class", md.StorageClass)
	}
	for k, v := range md.UserMetadata {
		h.Set(userMetaPrefix+k, v)
	}
	if versioned || md.VersionID != keyspace.NullVersionID {
		setVersionHeader(w, md.VersionID)
	}
	if i := strings.LastIndexByte(md.ETag, '-'); i >= 0 {
		h.Set("x-amz-mp-parts-count", md.ETag[i+1:])
	}

	query := r.URL.Query()
	for param, header := range responseOverrides {
		if v := query.Get(param); v != "" {
			h.Set(header, v)
		}
	}
}

func setVersionHeader(w http.ResponseWriter, versionID string) {
	if versionID != "" {
		w.Header().Set("x-amz-version-id", versionID)
	}
}

func quoteETag(etag string) string {
	return `"` + etag + `"`
}
