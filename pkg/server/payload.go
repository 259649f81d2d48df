package server

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"hash"
	"io"
	"net/http"

	"github.com/wzshiming/s3meta/pkg/auth"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// payloadReader streams a request body into a blob store. It fails the
// read, and so the blob write, when the body is shorter than announced, its
// chunk framing is broken or its Content-MD5 does not match.
type payloadReader struct {
	r         io.Reader
	remaining int64
	sum       hash.Hash
	want      []byte
	done      bool
}

// payload returns the decoded body of r and its announced length, -1 when
// unknown.
func (s *S3Handler) payload(r *http.Request) (io.Reader, int64, error) {
	body, size, err := s.verifier.Body(r)
	if err != nil {
		return nil, 0, err
	}
	p := &payloadReader{r: body, remaining: size}
	if v := r.Header.Get("Content-MD5"); v != "" {
		want, err := base64.StdEncoding.DecodeString(v)
		if err != nil || len(want) != md5.Size {
			return nil, 0, s3err.ErrInvalidDigest
		}
		p.sum, p.want = md5.New(), want
	}
	return p, size, nil
}

func (p *payloadReader) Read(b []byte) (int, error) {
	if p.done {
		return 0, io.EOF
	}
	if p.remaining == 0 {
		// Drain what is left so that trailing chunk signatures get checked.
		if _, err := io.Copy(io.Discard, p.r); err != nil {
			return 0, mapPayloadError(err)
		}
		return 0, p.finish()
	}
	if p.remaining > 0 && int64(len(b)) > p.remaining {
		b = b[:p.remaining]
	}
	n, err := p.r.Read(b)
	if n > 0 {
		if p.sum != nil {
			p.sum.Write(b[:n])
		}
		if p.remaining > 0 {
			p.remaining -= int64(n)
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		if p.remaining > 0 {
			return n, s3err.ErrIncompleteBody
		}
		return n, p.finish()
	case err != nil:
		return n, mapPayloadError(err)
	}
	return n, nil
}

func (p *payloadReader) finish() error {
	p.done = true
	if p.sum != nil && !bytes.Equal(p.sum.Sum(nil), p.want) {
		return s3err.ErrBadDigest
	}
	return io.EOF
}

func mapPayloadError(err error) error {
	switch {
	case errors.Is(err, auth.ErrChunkSignatureMismatch):
		return auth.NewAuthError("SignatureDoesNotMatch", "The chunk signature we calculated does not match the signature you provided")
	case errors.Is(err, auth.ErrChunkTooLarge):
		return s3err.ErrInvalidArgument.WithMessage("chunk size too large")
	case errors.Is(err, auth.ErrInvalidChunkFormat), errors.Is(err, io.ErrUnexpectedEOF):
		return s3err.ErrIncompleteBody
	}
	return err
}
