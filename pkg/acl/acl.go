// Package acl models S3 access control lists: the closed set of canned
// ACLs, explicit grants, and the permission check run before every
// operation.
package acl

import (
	"fmt"
	"slices"

	"github.com/wzshiming/s3meta/pkg/s3err"
)

// Well known group grantees.
const (
	AllUsers           = "http://acs.amazonaws.com/groups/global/AllUsers"
	AuthenticatedUsers = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
	LogDelivery        = "http://acs.amazonaws.com/groups/s3/LogDelivery"
)

// Canned is one of the predefined S3 ACLs.
type Canned int

const (
	Private Canned = iota
	PublicRead
	PublicReadWrite
	AuthenticatedRead
	LogDeliveryWrite
	BucketOwnerRead
	BucketOwnerFullControl
)

// ParseCanned parses an x-amz-acl header value. The empty string is Private.
func ParseCanned(s string) (Canned, error) {
	switch s {
	case "", "private":
		return Private, nil
	case "public-read":
		return PublicRead, nil
	case "public-read-write":
		return PublicReadWrite, nil
	case "authenticated-read":
		return AuthenticatedRead, nil
	case "log-delivery-write":
		return LogDeliveryWrite, nil
	case "bucket-owner-read":
		return BucketOwnerRead, nil
	case "bucket-owner-full-control":
		return BucketOwnerFullControl, nil
	}
	return Private, s3err.ErrInvalidArgument.WithMessage("unknown canned ACL %q", s)
}

func (c Canned) String() string {
	switch c {
	case Private:
		return "private"
	case PublicRead:
		return "public-read"
	case PublicReadWrite:
		return "public-read-write"
	case AuthenticatedRead:
		return "authenticated-read"
	case LogDeliveryWrite:
		return "log-delivery-write"
	case BucketOwnerRead:
		return "bucket-owner-read"
	case BucketOwnerFullControl:
		return "bucket-owner-full-control"
	}
	return fmt.Sprintf("Canned(%d)", int(c))
}

func (c Canned) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Canned) UnmarshalText(b []byte) error {
	v, err := ParseCanned(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Permission is an S3 grant permission.
type Permission string

const (
	FullControl Permission = "FULL_CONTROL"
	Write       Permission = "WRITE"
	WriteACP    Permission = "WRITE_ACP"
	Read        Permission = "READ"
	ReadACP     Permission = "READ_ACP"
)

// Owner identifies the owner of a bucket or object.
type Owner struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Policy is the stored form of an ACL. When grants were set explicitly
// Canned is Private and the grantee lists carry canonical ids or group URIs.
type Policy struct {
	Canned      Canned   `json:"canned"`
	FullControl []string `json:"fullControl,omitempty"`
	Write       []string `json:"write,omitempty"`
	WriteACP    []string `json:"writeAcp,omitempty"`
	Read        []string `json:"read,omitempty"`
	ReadACP     []string `json:"readAcp,omitempty"`
}

// NewCanned returns a Policy for c.
func NewCanned(c Canned) Policy {
	return Policy{Canned: c}
}

// Clone returns a copy of p sharing no slices.
func (p Policy) Clone() Policy {
	return Policy{
		Canned:      p.Canned,
		FullControl: slices.Clone(p.FullControl),
		Write:       slices.Clone(p.Write),
		WriteACP:    slices.Clone(p.WriteACP),
		Read:        slices.Clone(p.Read),
		ReadACP:     slices.Clone(p.ReadACP),
	}
}

// AddGrant appends grantee to the list of perm.
func (p *Policy) AddGrant(perm Permission, grantee string) error {
	switch perm {
	case FullControl:
		p.FullControl = append(p.FullControl, grantee)
	case Write:
		p.Write = append(p.Write, grantee)
	case WriteACP:
		p.WriteACP = append(p.WriteACP, grantee)
	case Read:
		p.Read = append(p.Read, grantee)
	case ReadACP:
		p.ReadACP = append(p.ReadACP, grantee)
	default:
		return s3err.ErrInvalidArgument.WithMessage("unknown permission %q", perm)
	}
	return nil
}

func (p *Policy) has(perm Permission, id string) bool {
	var list []string
	switch perm {
	case FullControl:
		list = p.FullControl
	case Write:
		list = p.Write
	case WriteACP:
		list = p.WriteACP
	case Read:
		list = p.Read
	case ReadACP:
		list = p.ReadACP
	}
	return slices.Contains(list, id) || slices.Contains(p.FullControl, id)
}

// Grantee is the subject of a grant.
type Grantee struct {
	ID          string
	DisplayName string
	URI         string
}

// Grant is one entry of an access control list.
type Grant struct {
	Grantee    Grantee
	Permission Permission
}

// Grants expands p into the grant list reported by GetBucketAcl and
// GetObjectAcl. bucketOwner is only consulted for the bucket-owner-* canned
// ACLs.
func (p *Policy) Grants(owner, bucketOwner Owner) []Grant {
	grants := []Grant{{Grantee: Grantee{ID: owner.ID, DisplayName: owner.DisplayName}, Permission: FullControl}}
	switch p.Canned {
	case Private:
	case PublicRead:
		grants = append(grants, Grant{Grantee{URI: AllUsers}, Read})
	case PublicReadWrite:
		grants = append(grants, Grant{Grantee{URI: AllUsers}, Read}, Grant{Grantee{URI: AllUsers}, Write})
	case AuthenticatedRead:
		grants = append(grants, Grant{Grantee{URI: AuthenticatedUsers}, Read})
	case LogDeliveryWrite:
		grants = append(grants, Grant{Grantee{URI: LogDelivery}, Write}, Grant{Grantee{URI: LogDelivery}, ReadACP})
	case BucketOwnerRead:
		if bucketOwner.ID != owner.ID {
			grants = append(grants, Grant{Grantee{ID: bucketOwner.ID, DisplayName: bucketOwner.DisplayName}, Read})
		}
	case BucketOwnerFullControl:
		if bucketOwner.ID != owner.ID {
			grants = append(grants, Grant{Grantee{ID: bucketOwner.ID, DisplayName: bucketOwner.DisplayName}, FullControl})
		}
	}

	explicit := []struct {
		perm Permission
		ids  []string
	}{
		{FullControl, p.FullControl},
		{Write, p.Write},
		{WriteACP, p.WriteACP},
		{Read, p.Read},
		{ReadACP, p.ReadACP},
	}
	for _, e := range explicit {
		for _, id := range e.ids {
			g := Grant{Permission: e.perm}
			if id == AllUsers || id == AuthenticatedUsers || id == LogDelivery {
				g.Grantee.URI = id
			} else {
				g.Grantee.ID = id
			}
			grants = append(grants, g)
		}
	}
	return grants
}
