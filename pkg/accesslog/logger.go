// Package accesslog writes one S3 server access log line per request.
package accesslog

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/handlers"
)

// Entry represents a single access log entry. The outer handler creates
// it; the S3 handler fills in what only it knows.
type Entry struct {
	BucketOwner string
	Bucket      string
	Key         string
	Requester   string
	RequestID   string
	Operation   string
	VersionID   string
	ErrorCode   string
	ObjectSize  int64

	RequestURI string
	Method     string
	HTTPStatus int
	BytesSent  int64
	TotalTime  time.Duration
	RemoteIP   string
	UserAgent  string
	Referer    string
	Host       string
	Timestamp  time.Time
}

type entryKey struct{}

// NewContext returns a copy of ctx carrying e.
func NewContext(ctx context.Context, e *Entry) context.Context {
	return context.WithValue(ctx, entryKey{}, e)
}

// FromContext returns the entry of the request, or nil when the request is
// not being logged.
func FromContext(ctx context.Context) *Entry {
	e, _ := ctx.Value(entryKey{}).(*Entry)
	return e
}

// Handler wraps next so that every request produces a line on out.
func Handler(out io.Writer, next http.Handler) http.Handler {
	logged := handlers.CustomLoggingHandler(out, next, func(w io.Writer, p handlers.LogFormatterParams) {
		e := FromContext(p.Request.Context())
		if e == nil {
			return
		}
		e.HTTPStatus = p.StatusCode
		e.BytesSent = int64(p.Size)
		e.TotalTime = time.Since(p.TimeStamp)
		_, _ = io.WriteString(w, formatEntry(e))
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, key := splitPath(r.URL.Path)
		e := &Entry{
			Bucket:     bucket,
			Key:        key,
			Operation:  Operation(r.Method, key, r.URL.Query()),
			RequestURI: r.Method + " " + r.URL.RequestURI() + " " + r.Proto,
			Method:     r.Method,
			RemoteIP:   remoteIP(r.RemoteAddr),
			UserAgent:  r.UserAgent(),
			Referer:    r.Referer(),
			Host:       r.Host,
			Timestamp:  time.Now(),
		}
		logged.ServeHTTP(w, r.WithContext(NewContext(r.Context(), e)))
	})
}

func splitPath(p string) (bucket, key string) {
	p = strings.TrimPrefix(p, "/")
	bucket, key, _ = strings.Cut(p, "/")
	return bucket, key
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func dashInt(n int64) string {
	if n <= 0 {
		return "-"
	}
	return fmt.Sprint(n)
}

func quoted(s string) string {
	if s == "" {
		return "-"
	}
	return `"` + s + `"`
}

// formatEntry formats a log entry according to S3 access log format
//
//	bucket-owner bucket [time] remote-ip requester request-id operation key
//	"request-uri" status error-code bytes-sent object-size total-time
//	turn-around-time "referer" "user-agent" version-id host-id
//	signature-version cipher-suite authentication-type host-header
//	tls-version
func formatEntry(e *Entry) string {
	authType := "-"
	sigVersion := "-"
	if e.Requester != "" && !strings.HasPrefix(e.Requester, "http://") {
		authType = "AuthHeader"
		sigVersion = "SigV4"
	}
	return fmt.Sprintf("%s %s [%s] %s %s %s %s %s %s %d %s %s %s %s - %s %s %s - %s - %s %s -\n",
		dash(e.BucketOwner),
		dash(e.Bucket),
		e.Timestamp.Format("02/Jan/2006:15:04:05 -0700"),
		dash(e.RemoteIP),
		dash(e.Requester),
		dash(e.RequestID),
		e.Operation,
		dash(url.PathEscape(e.Key)),
		quoted(e.RequestURI),
		e.HTTPStatus,
		dash(e.ErrorCode),
		dashInt(e.BytesSent),
		dashInt(e.ObjectSize),
		dashInt(e.TotalTime.Milliseconds()),
		quoted(e.Referer),
		quoted(e.UserAgent),
		dash(e.VersionID),
		sigVersion,
		authType,
		dash(e.Host),
	)
}

// Operation names a request the way S3 access logs do, for example
// REST.GET.OBJECT or REST.PUT.PART.
func Operation(method, key string, query url.Values) string {
	if key == "" {
		switch method {
		case http.MethodGet:
			switch {
			case query.Has("uploads"):
				return "REST.GET.UPLOADS"
			case query.Has("versions"):
				return "REST.GET.BUCKETVERSIONS"
			case query.Has("versioning"):
				return "REST.GET.VERSIONING"
			case query.Has("acl"):
				return "REST.GET.ACL"
			case query.Has("location"):
				return "REST.GET.LOCATION"
			}
			return "REST.GET.BUCKET"
		case http.MethodPut:
			switch {
			case query.Has("versioning"):
				return "REST.PUT.VERSIONING"
			case query.Has("acl"):
				return "REST.PUT.ACL"
			}
			return "REST.PUT.BUCKET"
		case http.MethodDelete:
			return "REST.DELETE.BUCKET"
		case http.MethodHead:
			return "REST.HEAD.BUCKET"
		case http.MethodPost:
			if query.Has("delete") {
				return "REST.POST.MULTI_OBJECT_DELETE"
			}
			return "REST.POST.BUCKET"
		}
	} else {
		switch method {
		case http.MethodGet:
			switch {
			case query.Has("uploadId"):
				return "REST.GET.UPLOAD"
			case query.Has("acl"):
				return "REST.GET.OBJECT_ACL"
			}
			return "REST.GET.OBJECT"
		case http.MethodPut:
			switch {
			case query.Has("uploadId"):
				return "REST.PUT.PART"
			case query.Has("acl"):
				return "REST.PUT.OBJECT_ACL"
			}
			return "REST.PUT.OBJECT"
		case http.MethodDelete:
			if query.Has("uploadId") {
				return "REST.DELETE.UPLOAD"
			}
			return "REST.DELETE.OBJECT"
		case http.MethodHead:
			return "REST.HEAD.OBJECT"
		case http.MethodPost:
			switch {
			case query.Has("uploads"):
				return "REST.POST.UPLOADS"
			case query.Has("uploadId"):
				return "REST.POST.UPLOAD"
			}
			return "REST.POST.OBJECT"
		}
	}
	return fmt.Sprintf("REST.%s.UNKNOWN", method)
}
