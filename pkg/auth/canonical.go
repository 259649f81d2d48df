package auth

import (
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// canonicalRequest builds the SigV4 canonical request of r. skipQuery
// names a query parameter left out, used for the presigned signature.
func canonicalRequest(r *http.Request, signedHeaders, payloadHash, skipQuery string) string {
	uri := r.URL.Path
	if uri == "" {
		uri = "/"
	}

	type pair struct{ k, v string }
	var pairs []pair
	for k, vs := range r.URL.Query() {
		if k == skipQuery {
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, pair{uriEncode(k, true), uriEncode(v, true)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	query := make([]string, len(pairs))
	for i, p := range pairs {
		query[i] = p.k + "=" + p.v
	}

	var headers strings.Builder
	for _, name := range strings.Split(signedHeaders, ";") {
		headers.WriteString(name)
		headers.WriteByte(':')
		headers.WriteString(headerValue(r, name))
		headers.WriteByte('\n')
	}

	return strings.Join([]string{
		r.Method,
		uriEncode(uri, false),
		strings.Join(query, "&"),
		headers.String(),
		signedHeaders,
		payloadHash,
	}, "\n")
}

// headerValue returns the canonical value of a signed header: every value
// trimmed, inner runs of spaces folded, joined by commas.
func headerValue(r *http.Request, name string) string {
	var values []string
	switch name {
	case "host":
		values = []string{r.Host}
	case "content-length":
		if v := r.Header.Get("Content-Length"); v != "" {
			values = []string{v}
		} else if r.ContentLength >= 0 {
			values = []string{strconv.FormatInt(r.ContentLength, 10)}
		}
	default:
		values = slices.Clone(r.Header.Values(name))
	}
	for i, v := range values {
		values[i] = strings.Join(strings.Fields(v), " ")
	}
	return strings.Join(values, ",")
}

// uriEncode percent-encodes s the way SigV4 expects. Slashes are kept
// unless encodeSlash is set.
func uriEncode(s string, encodeSlash bool) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&15])
		}
	}
	return b.String()
}
