// Package middleware provides HTTP middleware functions for request processing.
package middleware

import (
	"encoding/xml"
	"net/http"
	"strings"
	"unicode/utf8"
)

// PathSanitizer is a middleware that rejects request paths no bucket or
// object name can produce.
//
// Object keys are opaque, so the path is never rewritten: "a//b" and "a/b"
// are different keys and both pass. Rejected are:
//   - paths that are not valid UTF-8
//   - paths holding a NUL byte
//   - "." and ".." segments, which clients and proxies normalize away and
//     which would otherwise make signed and served paths disagree
type PathSanitizer struct {
	next http.Handler
}

// NewPathSanitizer creates a new path sanitization middleware.
func NewPathSanitizer(next http.Handler) *PathSanitizer {
	return &PathSanitizer{
		next: next,
	}
}

// ServeHTTP implements the http.Handler interface.
func (p *PathSanitizer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if reason := checkPath(r.URL.Path); reason != "" {
		invalidURI(w, r, reason)
		return
	}
	p.next.ServeHTTP(w, r)
}

// checkPath returns why urlPath is rejected, or "" when it is acceptable.
func checkPath(urlPath string) string {
	if !utf8.ValidString(urlPath) {
		return "path is not valid UTF-8"
	}
	if strings.IndexByte(urlPath, 0) >= 0 {
		return "path contains a NUL byte"
	}
	for _, seg := range strings.Split(strings.TrimPrefix(urlPath, "/"), "/") {
		if seg == "." || seg == ".." {
			return "path contains a relative segment"
		}
	}
	return ""
}

type errorDocument struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource,omitempty"`
}

func invalidURI(w http.ResponseWriter, r *http.Request, reason string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusBadRequest)
	if r.Method == http.MethodHead {
		return
	}
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(errorDocument{
		Code:     "InvalidURI",
		Message:  "Couldn't parse the specified URI: " + reason,
		Resource: strings.ToValidUTF8(r.URL.Path, "�"),
	})
}
