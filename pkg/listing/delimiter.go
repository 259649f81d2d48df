// Package listing turns an ascending stream of keys into paginated,
// delimiter grouped S3 listing results.
//
// The engines are push based: the caller scans its store in key order and
// feeds every candidate to Filter, stopping as soon as Filter returns End.
// This keeps the engines independent of any particular metastore backend.
package listing

import "strings"

// Decision is the verdict of a Filter call.
type Decision int

const (
	// Accept means the candidate produced a new entry.
	Accept Decision = iota
	// Skip means the candidate was consumed without producing an entry.
	Skip
	// End means the listing is complete and the scan should stop.
	End
)

// HardLimit caps MaxKeys for a single listing call.
const HardLimit = 1000

// Params controls a delimiter listing.
type Params struct {
	Prefix    string
	Delimiter string
	// Marker is exclusive: keys at or before it are skipped.
	Marker  string
	MaxKeys int
}

// Item is one Contents entry.
type Item[T any] struct {
	Key   string
	Value T
}

// Result is the outcome of a delimiter listing.
type Result[T any] struct {
	Contents       []Item[T]
	CommonPrefixes []string
	IsTruncated    bool
	// NextMarker is set when IsTruncated: the last emitted key or common prefix.
	NextMarker string
}

// Delimiter is the listing state machine for one call.
type Delimiter[T any] struct {
	p          Params
	res        Result[T]
	emitted    int
	last       string
	lastPrefix string
	skipPrefix string
	done       bool
}

// NewDelimiter returns a Delimiter for p. MaxKeys above HardLimit is clamped.
func NewDelimiter[T any](p Params) *Delimiter[T] {
	if p.MaxKeys > HardLimit {
		p.MaxKeys = HardLimit
	}
	d := &Delimiter[T]{p: p}
	if cp, ok := commonPrefix(p.Marker, p.Prefix, p.Delimiter); ok && cp == p.Marker {
		// Resuming after a common prefix: every key it groups was already
		// reported.
		d.skipPrefix = cp
	}
	return d
}

// StartKey returns the first key worth scanning.
func (d *Delimiter[T]) StartKey() string {
	if d.p.Marker > d.p.Prefix {
		return d.p.Marker
	}
	return d.p.Prefix
}

// Filter consumes the next candidate. Candidates must arrive in ascending
// key order.
func (d *Delimiter[T]) Filter(key string, value T) Decision {
	if d.done {
		return End
	}
	if d.p.MaxKeys <= 0 {
		return d.end(false)
	}
	if d.p.Marker != "" && key <= d.p.Marker {
		return Skip
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
		d.last = cp
		d.emitted++
		return Accept
	}

	if d.emitted >= d.p.MaxKeys {
		return d.end(true)
	}
	d.res.Contents = append(d.res.Contents, Item[T]{Key: key, Value: value})
	d.last = key
	d.emitted++
	return Accept
}

func (d *Delimiter[T]) end(truncated bool) Decision {
	d.done = true
	if truncated {
		d.res.IsTruncated = true
		d.res.NextMarker = d.last
	}
	return End
}

// Result returns the listing accumulated so far.
func (d *Delimiter[T]) Result() *Result[T] {
	return &d.res
}

// commonPrefix returns the common prefix key collapses into, if any.
func commonPrefix(key, prefix, delimiter string) (string, bool) {
	if delimiter == "" || !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	i := strings.Index(rest, delimiter)
	if i < 0 {
		return "", false
	}
	return prefix + rest[:i+len(delimiter)], true
}
