package blob

import (
	"context"
	"errors"
	"io"
)

// ObjectReader reads the concatenation of a list of locations. It opens
// one location at a time and supports seeking, so it can back ranged
// responses.
type ObjectReader struct {
	ctx   context.Context
	store Store
	locs  []Location
	size  int64

	pos int64
	cur io.ReadCloser
	// curEnd is the absolute offset where cur stops.
	curEnd int64
}

// NewObjectReader returns a reader over locs in order.
func NewObjectReader(ctx context.Context, store Store, locs []Location) *ObjectReader {
	var size int64
	for _, l := range locs {
		size += l.Size
	}
	return &ObjectReader{ctx: ctx, store: store, locs: locs, size: size}
}

// Size is the total length of the object.
func (o *ObjectReader) Size() int64 {
	return o.size
}

func (o *ObjectReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if o.pos >= o.size {
			return 0, io.EOF
		}
		if o.cur == nil {
			if err := o.open(); err != nil {
				return 0, err
			}
		}
		want := int64(len(p))
		if rest := o.curEnd - o.pos; want > rest {
			want = rest
		}
		n, err := o.cur.Read(p[:want])
		o.pos += int64(n)
		if o.pos >= o.curEnd || errors.Is(err, io.EOF) {
			o.cur.Close()
			o.cur = nil
			if n == 0 && o.pos < o.curEnd {
				return 0, io.ErrUnexpectedEOF
			}
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (o *ObjectReader) open() error {
	var start int64
	for _, l := range o.locs {
		end := start + l.Size
		if o.pos < end {
			rc, err := o.store.Get(o.ctx, l, o.pos-start)
			if err != nil {
				return err
			}
			o.cur = rc
			o.curEnd = end
			return nil
		}
		start = end
	}
	return io.EOF
}

func (o *ObjectReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = o.pos + offset
	case io.SeekEnd:
		abs = o.size + offset
	default:
		return 0, errors.New("blob: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("blob: negative position")
	}
	if abs != o.pos && o.cur != nil {
		o.cur.Close()
		o.cur = nil
	}
	o.pos = abs
	return abs, nil
}

func (o *ObjectReader) Close() error {
	if o.cur != nil {
		err := o.cur.Close()
		o.cur = nil
		return err
	}
	return nil
}

// DeleteAll removes every location, returning the first error.
func DeleteAll(ctx context.Context, store Store, locs []Location) error {
	var first error
	for _, l := range locs {
		if err := store.Delete(ctx, l); err != nil && first == nil {
			first = err
		}
	}
	return first
}
