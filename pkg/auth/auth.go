// Package auth verifies AWS Signature Version 4 requests and resolves the
// caller identity used by access control.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wzshiming/s3meta/pkg/acl"
)

const (
	algorithm = "AWS4-HMAC-SHA256"
	amzDate   = "20060102T150405Z"

	unsignedPayload = "UNSIGNED-PAYLOAD"

	// maxPresignExpiry is the longest validity S3 accepts for a presigned URL.
	maxPresignExpiry = 7 * 24 * time.Hour
	// maxClockSkew bounds the difference between X-Amz-Date and the server clock.
	maxClockSkew = 15 * time.Minute
)

// AuthError is an authentication failure carrying an S3 error code.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return e.Code + ": " + e.Message
}

// StatusCode returns the HTTP status the error is reported with.
func (e *AuthError) StatusCode() int {
	switch e.Code {
	case "InvalidArgument", "AuthorizationHeaderMalformed", "AuthorizationQueryParametersError", "IncompleteBody":
		return http.StatusBadRequest
	}
	return http.StatusForbidden
}

// NewAuthError returns an AuthError. Common codes are InvalidAccessKeyId,
// SignatureDoesNotMatch, InvalidArgument and AccessDenied.
func NewAuthError(code, message string) *AuthError {
	return &AuthError{Code: code, Message: message}
}

// Credential is an access key pair and the account it belongs to.
type Credential struct {
	AccessKey   string
	SecretKey   string
	ID          string
	DisplayName string
}

// Identity is the authenticated caller of a request.
type Identity struct {
	AccessKey   string
	CanonicalID string
	DisplayName string
}

// Anonymous is the identity of unsigned requests.
var Anonymous = Identity{CanonicalID: acl.Anonymous, DisplayName: "anonymous"}

// IsAnonymous reports whether i is the anonymous caller.
func (i Identity) IsAnonymous() bool {
	return i.CanonicalID == acl.Anonymous
}

// Owner returns i as an ACL owner.
func (i Identity) Owner() acl.Owner {
	return acl.Owner{ID: i.CanonicalID, DisplayName: i.DisplayName}
}

type identityKey struct{}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored in ctx, or Anonymous.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok {
		return id
	}
	return Anonymous
}

// Verifier checks request signatures against a fixed credential set.
type Verifier struct {
	credentials map[string]Credential
	fallback    *Identity
	now         func() time.Time
	logger      zerolog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger for the Verifier.
func WithLogger(l zerolog.Logger) Option {
	return func(v *Verifier) {
		v.logger = l
	}
}

// WithClock overrides the clock used for expiry and skew checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithDefaultIdentity makes every request run as id when no credentials
// are configured.
func WithDefaultIdentity(id Identity) Option {
	return func(v *Verifier) {
		v.fallback = &id
	}
}

// NewVerifier returns a Verifier accepting creds.
func NewVerifier(creds []Credential, opts ...Option) *Verifier {
	v := &Verifier{
		credentials: make(map[string]Credential, len(creds)),
		now:         time.Now,
		logger:      zerolog.Nop(),
	}
	for _, c := range creds {
		v.credentials[c.AccessKey] = c
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Enabled reports whether requests are checked at all.
func (v *Verifier) Enabled() bool {
	return len(v.credentials) > 0
}

// Verify authenticates r. Unsigned requests resolve to Anonymous, or to
// the default identity when authentication is disabled.
func (v *Verifier) Verify(r *http.Request) (Identity, error) {
	if !v.Enabled() {
		if v.fallback != nil {
			return *v.fallback, nil
		}
		return Anonymous, nil
	}

	if r.URL.Query().Get("X-Amz-Algorithm") != "" {
		return v.verifyQuery(r)
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return Anonymous, nil
	}
	if !strings.HasPrefix(header, algorithm+" ") {
		return Identity{}, NewAuthError("InvalidArgument", "Unsupported authorization type")
	}
	return v.verifyHeader(r, header)
}

// scope is the parsed credential scope of a signature.
type scope struct {
	accessKey string
	date      string
	region    string
	service   string
}

func (s scope) String() string {
	return s.date + "/" + s.region + "/" + s.service + "/aws4_request"
}

func parseCredential(credential string) (scope, error) {
	parts := strings.Split(credential, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return scope{}, NewAuthError("AuthorizationHeaderMalformed", "Invalid credential format")
	}
	return scope{accessKey: parts[0], date: parts[1], region: parts[2], service: parts[3]}, nil
}

// headerParams holds the fields of an Authorization header.
type headerParams struct {
	scope         scope
	signedHeaders string
	signature     string
}

func parseAuthorization(header string) (headerParams, error) {
	rest := strings.TrimPrefix(header, algorithm+" ")
	fields := map[string]string{}
	for _, part := range strings.Split(rest, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok {
			fields[k] = val
		}
	}
	credential, signedHeaders, signature := fields["Credential"], fields["SignedHeaders"], fields["Signature"]
	if credential == "" || signedHeaders == "" || signature == "" {
		return headerParams{}, NewAuthError("AuthorizationHeaderMalformed", "Missing required authorization parameters")
	}
	sc, err := parseCredential(credential)
	if err != nil {
		return headerParams{}, err
	}
	return headerParams{scope: sc, signedHeaders: signedHeaders, signature: signature}, nil
}

func (v *Verifier) lookup(accessKey string) (Credential, error) {
	c, ok := v.credentials[accessKey]
	if !ok {
		return Credential{}, NewAuthError("InvalidAccessKeyId", "The AWS access key ID you provided does not exist in our records")
	}
	return c, nil
}

func (v *Verifier) verifyHeader(r *http.Request, header string) (Identity, error) {
	p, err := parseAuthorization(header)
	if err != nil {
		return Identity{}, err
	}
	cred, err := v.lookup(p.scope.accessKey)
	if err != nil {
		return Identity{}, err
	}

	timestamp := r.Header.Get("X-Amz-Date")
	if timestamp == "" {
		timestamp = r.Header.Get("Date")
	}
	t, err := time.Parse(amzDate, timestamp)
	if err != nil {
		return Identity{}, NewAuthError("AccessDenied", "Invalid or missing X-Amz-Date")
	}
	if skew := v.now().Sub(t); skew > maxClockSkew || skew < -maxClockSkew {
		return Identity{}, NewAuthError("RequestTimeTooSkewed", "The difference between the request time and the server's time is too large")
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}
	canonical := canonicalRequest(r, p.signedHeaders, payloadHash, "")
	want := signature(signingKey(cred.SecretKey, p.scope), timestamp, p.scope, canonical)
	if !hmac.Equal([]byte(want), []byte(p.signature)) {
		v.logger.Debug().Str("accessKey", cred.AccessKey).Str("canonicalRequest", canonical).Msg("signature mismatch")
		return Identity{}, NewAuthError("SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided")
	}
	return identityOf(cred), nil
}

func (v *Verifier) verifyQuery(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	if q.Get("X-Amz-Algorithm") != algorithm {
		return Identity{}, NewAuthError("AuthorizationQueryParametersError", "Invalid or missing algorithm")
	}
	credential, timestamp := q.Get("X-Amz-Credential"), q.Get("X-Amz-Date")
	signedHeaders, sig := q.Get("X-Amz-SignedHeaders"), q.Get("X-Amz-Signature")
	if credential == "" || timestamp == "" || signedHeaders == "" || sig == "" {
		return Identity{}, NewAuthError("AuthorizationQueryParametersError", "Missing required query parameters")
	}
	sc, err := parseCredential(credential)
	if err != nil {
		return Identity{}, err
	}
	cred, err := v.lookup(sc.accessKey)
	if err != nil {
		return Identity{}, err
	}

	t, err := time.Parse(amzDate, timestamp)
	if err != nil {
		return Identity{}, NewAuthError("AuthorizationQueryParametersError", fmt.Sprintf("Invalid X-Amz-Date: %v", err))
	}
	if expires := q.Get("X-Amz-Expires"); expires != "" {
		secs, err := strconv.Atoi(expires)
		if err != nil || secs < 0 || time.Duration(secs)*time.Second > maxPresignExpiry {
			return Identity{}, NewAuthError("AuthorizationQueryParametersError", "X-Amz-Expires must be between 0 and 604800 seconds")
		}
		if v.now().After(t.Add(time.Duration(secs) * time.Second)) {
			return Identity{}, NewAuthError("AccessDenied", "Request has expired")
		}
	}

	canonical := canonicalRequest(r, signedHeaders, unsignedPayload, "X-Amz-Signature")
	want := signature(signingKey(cred.SecretKey, sc), timestamp, sc, canonical)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		v.logger.Debug().Str("accessKey", cred.AccessKey).Str("canonicalRequest", canonical).Msg("presigned signature mismatch")
		return Identity{}, NewAuthError("SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided")
	}
	return identityOf(cred), nil
}

func identityOf(c Credential) Identity {
	id := Identity{AccessKey: c.AccessKey, CanonicalID: c.ID, DisplayName: c.DisplayName}
	if id.CanonicalID == "" {
		id.CanonicalID = c.AccessKey
	}
	if id.DisplayName == "" {
		id.DisplayName = id.CanonicalID
	}
	return id
}

// signature computes the hex signature of a canonical request.
func signature(key []byte, timestamp string, sc scope, canonical string) string {
	stringToSign := strings.Join([]string{
		algorithm,
		timestamp,
		sc.String(),
		sha256Hex([]byte(canonical)),
	}, "\n")
	return hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))
}

// signingKey derives the SigV4 signing key of secret for sc.
func signingKey(secret string, sc scope) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), []byte(sc.date))
	k = hmacSHA256(k, []byte(sc.region))
	k = hmacSHA256(k, []byte(sc.service))
	return hmacSHA256(k, []byte("aws4_request"))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
