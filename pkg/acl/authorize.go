package acl

// Action is an operation subject to an ACL check.
type Action int

const (
	BucketList Action = iota
	BucketHead
	BucketDelete
	BucketGetACL
	BucketPutACL
	BucketGetVersioning
	BucketPutVersioning
	ObjectGet
	ObjectHead
	ObjectPut
	ObjectDelete
	ObjectGetACL
	ObjectPutACL
	MultipartList
	MultipartListParts
	MultipartAbort
)

// Anonymous is the canonical id of unauthenticated callers.
const Anonymous = AllUsers

// Request is the input of an authorization check.
type Request struct {
	Caller      string
	BucketOwner string
	BucketACL   Policy
	// ObjectOwner and ObjectACL are set for object level actions on an
	// existing object.
	ObjectOwner string
	ObjectACL   *Policy
	Action      Action
}

// IsAuthorized reports whether r.Caller may perform r.Action. Bucket owners
// may do anything on their bucket; object reads and ACL operations are then
// decided by the object's own ACL.
func IsAuthorized(r Request) bool {
	if !bucketAllows(r) {
		return false
	}
	if r.ObjectACL == nil {
		return true
	}
	switch r.Action {
	case ObjectGet, ObjectHead, ObjectGetACL, ObjectPutACL:
		return objectAllows(r)
	}
	return true
}

func bucketAllows(r Request) bool {
	if r.Caller == r.BucketOwner {
		return true
	}
	a := r.BucketACL
	authenticated := r.Caller != Anonymous
	switch r.Action {
	case BucketList, BucketHead, MultipartList:
		switch a.Canned {
		case PublicRead, PublicReadWrite:
			return true
		case AuthenticatedRead:
			if authenticated {
				return true
			}
		}
		return a.has(Read, r.Caller) || a.has(Read, AllUsers) || (authenticated && a.has(Read, AuthenticatedUsers))
	case BucketGetACL:
		if a.Canned == LogDeliveryWrite && r.Caller == LogDelivery {
			return true
		}
		return a.has(ReadACP, r.Caller)
	case BucketPutACL:
		return a.has(WriteACP, r.Caller)
	case ObjectPut, ObjectDelete, MultipartListParts, MultipartAbort:
		if a.Canned == PublicReadWrite {
			return true
		}
		return a.has(Write, r.Caller) || a.has(Write, AllUsers) || (authenticated && a.has(Write, AuthenticatedUsers))
	case ObjectGet, ObjectHead, ObjectGetACL, ObjectPutACL:
		// Decided by the object ACL.
		return true
	case BucketDelete, BucketGetVersioning, BucketPutVersioning:
		return false
	}
	return false
}

func objectAllows(r Request) bool {
	if r.Caller == r.ObjectOwner {
		return true
	}
	a := r.ObjectACL
	isBucketOwner := r.Caller == r.BucketOwner
	authenticated := r.Caller != Anonymous
	switch r.Action {
	case ObjectGet, ObjectHead:
		switch a.Canned {
		case PublicRead, PublicReadWrite:
			return true
		case AuthenticatedRead:
			if authenticated {
				return true
			}
		case BucketOwnerRead, BucketOwnerFullControl:
			if isBucketOwner {
				return true
			}
		}
		return a.has(Read, r.Caller) || a.has(Read, AllUsers) || (authenticated && a.has(Read, AuthenticatedUsers))
	case ObjectGetACL:
		if a.Canned == BucketOwnerFullControl && isBucketOwner {
			return true
		}
		return a.has(ReadACP, r.Caller)
	case ObjectPutACL:
		if a.Canned == BucketOwnerFullControl && isBucketOwner {
			return true
		}
		return a.has(WriteACP, r.Caller)
	}
	return false
}
