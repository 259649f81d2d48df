package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/wzshiming/s3meta/pkg/accesslog"
	"github.com/wzshiming/s3meta/pkg/acl"
	"github.com/wzshiming/s3meta/pkg/auth"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

const xsiNamespace = "http://www.w3.org/2001/XMLSchema-instance"

// bucketFor loads bucket and checks that the caller may run action on it.
func (s *S3Handler) bucketFor(ctx context.Context, bucket string, action acl.Action) (*metastore.BucketInfo, error) {
	info, err := s.versions.GetBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if e := accesslog.FromContext(ctx); e != nil {
		e.BucketOwner = info.Owner.ID
	}
	if !allowed(ctx, info, nil, action) {
		return nil, s3err.ErrAccessDenied
	}
	return info, nil
}

// allowed reports whether the caller may run action on the bucket and, when
// md is set, on that object.
func allowed(ctx context.Context, info *metastore.BucketInfo, md *metastore.ObjectMD, action acl.Action) bool {
	req := acl.Request{
		Caller:      auth.FromContext(ctx).CanonicalID,
		BucketOwner: info.Owner.ID,
		BucketACL:   info.ACL,
		Action:      action,
	}
	if md != nil {
		policy := md.ACL
		req.ObjectOwner = md.Owner.ID
		req.ObjectACL = &policy
	}
	return acl.IsAuthorized(req)
}

var grantHeaders = []struct {
	header string
	perm   acl.Permission
}{
	{"x-amz-grant-full-control", acl.FullControl},
	{"x-amz-grant-write", acl.Write},
	{"x-amz-grant-write-acp", acl.WriteACP},
	{"x-amz-grant-read", acl.Read},
	{"x-amz-grant-read-acp", acl.ReadACP},
}

// policyFromHeaders builds an ACL from x-amz-acl or the x-amz-grant-*
// headers. ok is false when neither is present.
func policyFromHeaders(h http.Header) (policy acl.Policy, ok bool, err error) {
	canned := h.Get("x-amz-acl")
	var grants bool
	for _, g := range grantHeaders {
		if h.Get(g.header) != "" {
			grants = true
		}
	}
	if canned != "" && grants {
		return acl.Policy{}, false, s3err.ErrInvalidArgument.WithMessage("Specifying both Canned ACLs and Header Grants is not allowed")
	}
	if canned != "" {
		c, err := acl.ParseCanned(canned)
		if err != nil {
			return acl.Policy{}, false, err
		}
		return acl.NewCanned(c), true, nil
	}
	if !grants {
		return acl.NewCanned(acl.Private), false, nil
	}

	for _, g := range grantHeaders {
		for _, v := range h.Values(g.header) {
			for _, grantee := range strings.Split(v, ",") {
				id, err := parseGrantee(grantee)
				if err != nil {
					return acl.Policy{}, false, err
				}
				if err := policy.AddGrant(g.perm, id); err != nil {
					return acl.Policy{}, false, err
				}
			}
		}
	}
	return policy, true, nil
}

// parseGrantee parses one `id="..."` or `uri="..."` grantee of a grant
// header.
func parseGrantee(s string) (string, error) {
	kind, value, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok {
		return "", s3err.ErrInvalidArgument.WithMessage("malformed grantee %q", s)
	}
	value = strings.Trim(strings.TrimSpace(value), `"`)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "id", "uri":
		if value == "" {
			return "", s3err.ErrInvalidArgument.WithMessage("empty grantee")
		}
		return value, nil
	case "emailaddress":
		return "", s3err.ErrNotImplemented.WithMessage("grants by email address are not supported")
	}
	return "", s3err.ErrInvalidArgument.WithMessage("unknown grantee type %q", kind)
}

// policyFromXML converts an AccessControlPolicy body. The implicit full
// control grant of owner is dropped since every policy carries it.
func policyFromXML(doc *AccessControlPolicy, owner acl.Owner) (acl.Policy, error) {
	var policy acl.Policy
	for _, g := range doc.AccessControlList.Grants {
		id := g.Grantee.ID
		if g.Grantee.URI != "" {
			id = g.Grantee.URI
		}
		if id == "" {
			return acl.Policy{}, s3err.ErrMalformedXML.WithMessage("grantee has neither ID nor URI")
		}
		perm := acl.Permission(g.Permission)
		if perm == acl.FullControl && id == owner.ID {
			continue
		}
		if err := policy.AddGrant(perm, id); err != nil {
			return acl.Policy{}, err
		}
	}
	return policy, nil
}

// policyToXML renders policy as returned by GetBucketAcl and GetObjectAcl.
func policyToXML(policy acl.Policy, owner, bucketOwner acl.Owner) *AccessControlPolicy {
	doc := &AccessControlPolicy{Owner: Owner{ID: owner.ID, DisplayName: owner.DisplayName}}
	for _, g := range policy.Grants(owner, bucketOwner) {
		grantee := Grantee{
			XMLNS:       xsiNamespace,
			ID:          g.Grantee.ID,
			DisplayName: g.Grantee.DisplayName,
			URI:         g.Grantee.URI,
			Type:        "CanonicalUser",
		}
		if g.Grantee.URI != "" {
			grantee.Type = "Group"
		}
		doc.AccessControlList.Grants = append(doc.AccessControlList.Grants, Grant{
			Grantee:    grantee,
			Permission: string(g.Permission),
		})
	}
	return doc
}

// requestPolicy reads the ACL of a PutBucketAcl or PutObjectAcl request
// from its headers or, failing that, its body.
func (s *S3Handler) requestPolicy(r *http.Request, owner acl.Owner) (acl.Policy, error) {
	policy, ok, err := policyFromHeaders(r.Header)
	if err != nil || ok {
		return policy, err
	}
	var doc AccessControlPolicy
	if err := s.xmlRequest(r, &doc); err != nil {
		return acl.Policy{}, err
	}
	return policyFromXML(&doc, owner)
}
