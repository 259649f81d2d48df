package auth

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Payload hash values announcing an aws-chunked body.
const (
	streamingSigned          = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	streamingSignedTrailer   = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD-TRAILER"
	streamingUnsignedTrailer = "STREAMING-UNSIGNED-PAYLOAD-TRAILER"

	chunkSignaturePrefix = "chunk-signature="
	emptySHA256          = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	maxChunkSize = 16 << 20
)

var (
	// ErrInvalidChunkFormat reports malformed aws-chunked framing.
	ErrInvalidChunkFormat = errors.New("invalid chunk format")
	// ErrChunkTooLarge reports a chunk above the accepted size.
	ErrChunkTooLarge = errors.New("chunk size too large")
	// ErrChunkSignatureMismatch reports a chunk whose signature is wrong.
	ErrChunkSignatureMismatch = errors.New("chunk signature mismatch")
)

// IsChunked reports whether the body of r uses aws-chunked framing.
func IsChunked(r *http.Request) bool {
	switch r.Header.Get("X-Amz-Content-Sha256") {
	case streamingSigned, streamingSignedTrailer, streamingUnsignedTrailer:
		return true
	}
	return strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked")
}

// Body returns the payload of r and its length, or -1 when unknown.
// aws-chunked framing is removed and, when authentication is enabled,
// chunk signatures of streaming signed uploads are checked while reading.
func (v *Verifier) Body(r *http.Request) (io.Reader, int64, error) {
	if !IsChunked(r) {
		return r.Body, r.ContentLength, nil
	}
	size := int64(-1)
	if s := r.Header.Get("X-Amz-Decoded-Content-Length"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return nil, 0, NewAuthError("InvalidArgument", "Invalid X-Amz-Decoded-Content-Length")
		}
		size = n
	}

	mode := r.Header.Get("X-Amz-Content-Sha256")
	if !v.Enabled() || (mode != streamingSigned && mode != streamingSignedTrailer) {
		return NewChunkedReader(r.Body), size, nil
	}

	p, err := parseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		return nil, 0, err
	}
	cred, err := v.lookup(p.scope.accessKey)
	if err != nil {
		return nil, 0, err
	}
	timestamp := r.Header.Get("X-Amz-Date")
	if timestamp == "" {
		timestamp = r.Header.Get("Date")
	}
	cr := NewChunkedReader(r.Body)
	cr.verify = &chunkVerifier{
		key:       signingKey(cred.SecretKey, p.scope),
		scope:     p.scope.String(),
		timestamp: timestamp,
		previous:  p.signature,
	}
	return cr, size, nil
}

// chunkVerifier chains chunk signatures from the seed signature.
type chunkVerifier struct {
	key       []byte
	scope     string
	timestamp string
	previous  string
}

func (c *chunkVerifier) check(data []byte, got string) error {
	hash := emptySHA256
	if len(data) > 0 {
		hash = sha256Hex(data)
	}
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256-PAYLOAD",
		c.timestamp,
		c.scope,
		c.previous,
		emptySHA256,
		hash,
	}, "\n")
	want := hex.EncodeToString(hmacSHA256(c.key, []byte(stringToSign)))
	if want != got {
		return ErrChunkSignatureMismatch
	}
	c.previous = got
	return nil
}

// ChunkedReader decodes an aws-chunked body:
//
//	<hex-size>[;chunk-signature=<sig>]\r\n<data>\r\n
//	...
//	0[;chunk-signature=<sig>]\r\n
//	[<trailer-name>:<value>\r\n ...]\r\n
type ChunkedReader struct {
	r      *bufio.Reader
	verify *chunkVerifier
	buf    []byte
	off    int
	done   bool
	err    error
}

// NewChunkedReader returns a reader decoding r without checking signatures.
func NewChunkedReader(r io.Reader) *ChunkedReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &ChunkedReader{r: br}
}

func (c *ChunkedReader) Read(p []byte) (int, error) {
	for c.off >= len(c.buf) {
		if c.err != nil {
			return 0, c.err
		}
		if c.done {
			return 0, io.EOF
		}
		if err := c.next(); err != nil {
			c.err = err
			return 0, err
		}
	}
	n := copy(p, c.buf[c.off:])
	c.off += n
	return n, nil
}

// next loads the following chunk into buf.
func (c *ChunkedReader) next() error {
	line, err := c.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	size, sig, err := parseChunkHeader(line)
	if err != nil {
		return err
	}
	if size > maxChunkSize {
		return ErrChunkTooLarge
	}

	if size == 0 {
		if c.verify != nil {
			if err := c.verify.check(nil, sig); err != nil {
				return err
			}
		}
		if err := c.skipTrailers(); err != nil {
			return err
		}
		c.buf, c.off, c.done = nil, 0, true
		return nil
	}

	if cap(c.buf) < int(size) {
		c.buf = make([]byte, size)
	}
	c.buf = c.buf[:size]
	c.off = 0
	if _, err := io.ReadFull(c.r, c.buf); err != nil {
		return fmt.Errorf("read chunk data: %w", err)
	}
	var crlf [2]byte
	if _, err := io.ReadFull(c.r, crlf[:]); err != nil {
		return fmt.Errorf("read chunk trailer: %w", err)
	}
	if !bytes.Equal(crlf[:], []byte("\r\n")) {
		return ErrInvalidChunkFormat
	}
	if c.verify != nil {
		if err := c.verify.check(c.buf, sig); err != nil {
			c.buf = c.buf[:0]
			return err
		}
	}
	return nil
}

// skipTrailers consumes trailing headers up to the blank line. Bodies
// ending right after the final chunk header are accepted.
func (c *ChunkedReader) skipTrailers() error {
	for {
		line, err := c.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func (c *ChunkedReader) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

// parseChunkHeader splits "<hex-size>[;chunk-signature=<sig>]".
func parseChunkHeader(line string) (size int64, signature string, err error) {
	sizePart, ext, hasExt := strings.Cut(line, ";")
	size, err = strconv.ParseInt(strings.TrimSpace(sizePart), 16, 64)
	if err != nil || size < 0 {
		return 0, "", ErrInvalidChunkFormat
	}
	if hasExt {
		ext = strings.TrimSpace(ext)
		if !strings.HasPrefix(ext, chunkSignaturePrefix) {
			return 0, "", ErrInvalidChunkFormat
		}
		signature = strings.TrimPrefix(ext, chunkSignaturePrefix)
	}
	return size, signature, nil
}
