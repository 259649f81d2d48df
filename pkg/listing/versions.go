package listing

import "strings"

// VersionParams controls a version listing.
type VersionParams struct {
	Prefix          string
	Delimiter       string
	KeyMarker       string
	VersionIDMarker string
	MaxKeys         int
}

// Version is one entry of a version listing.
type Version[T any] struct {
	Key       string
	VersionID string
	Value     T
}

// VersionResult is the outcome of a version listing.
type VersionResult[T any] struct {
	Versions            []Version[T]
	CommonPrefixes      []string
	IsTruncated         bool
	NextKeyMarker       string
	NextVersionIDMarker string
}

// DelimiterVersions lists every version of every key. Candidates arrive in
// ascending key order and, within one key, in the order versions are to be
// reported (newest first).
type DelimiterVersions[T any] struct {
	p             VersionParams
	res           VersionResult[T]
	emitted       int
	lastKey       string
	lastVersionID string
	lastPrefix    string
	skipPrefix    string
	markerPassed  bool
	done          bool
}

// NewDelimiterVersions returns a DelimiterVersions for p.
func NewDelimiterVersions[T any](p VersionParams) *DelimiterVersions[T] {
	if p.MaxKeys > HardLimit {
		p.MaxKeys = HardLimit
	}
	d := &DelimiterVersions[T]{p: p}
	if cp, ok := commonPrefix(p.KeyMarker, p.Prefix, p.Delimiter); ok && cp == p.KeyMarker {
		d.skipPrefix = cp
	}
	return d
}

// StartKey returns the first logical key worth scanning.
func (d *DelimiterVersions[T]) StartKey() string {
	if d.p.KeyMarker > d.p.Prefix {
		return d.p.KeyMarker
	}
	return d.p.Prefix
}

// Filter consumes the next candidate.
func (d *DelimiterVersions[T]) Filter(key, versionID string, value T) Decision {
	if d.done {
		return End
	}
	if d.p.MaxKeys <= 0 {
		return d.end(false)
	}
	if d.p.KeyMarker != "" {
		if key < d.p.KeyMarker {
			return Skip
		}
		if key == d.p.KeyMarker {
			if d.p.VersionIDMarker == "" || !d.markerPassed {
				if versionID == d.p.VersionIDMarker {
					d.markerPassed = true
				}
				return Skip
			}
		}
	}
	if !strings.HasPrefix(key, d.p.Prefix) {
		if key > d.p.Prefix {
			return d.end(false)
		}
		return Skip
	}

	if cp, ok := commonPrefix(key, d.p.Prefix, d.p.Delimiter); ok {
		if cp == d.skipPrefix || cp == d.lastPrefix {
			return Skip
		}
		if d.emitted >= d.p.MaxKeys {
			return d.end(true)
		}
		d.res.CommonPrefixes = append(d.res.CommonPrefixes, cp)
		d.lastPrefix = cp
		d.lastKey, d.lastVersionID = cp, ""
		d.emitted++
		return Accept
	}

	if d.emitted >= d.p.MaxKeys {
		return d.end(true)
	}
	d.res.Versions = append(d.res.Versions, Version[T]{Key: key, VersionID: versionID, Value: value})
	d.lastKey, d.lastVersionID = key, versionID
	d.emitted++
	return Accept
}

func (d *DelimiterVersions[T]) end(truncated bool) Decision {
	d.done = true
	if truncated {
		d.res.IsTruncated = true
		d.res.NextKeyMarker = d.lastKey
		d.res.NextVersionIDMarker = d.lastVersionID
	}
	return End
}

// Result returns the listing accumulated so far.
func (d *DelimiterVersions[T]) Result() *VersionResult[T] {
	return &d.res
}
