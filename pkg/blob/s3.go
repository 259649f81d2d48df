package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// S3API is the subset of the S3 client used by the S3 store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 keeps blobs in a bucket of an upstream S3 compatible service.
type S3 struct {
	client S3API
	bucket string
	prefix string
}

// NewS3 returns a store writing under prefix in bucket.
func NewS3(client S3API, bucket, prefix string) (*S3, error) {
	if client == nil {
		return nil, errors.New("blob: s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("blob: s3 bucket is required")
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}, nil
}

// Put spools r to a temp file so the upload is seekable and its length known.
func (s *S3) Put(ctx context.Context, r io.Reader) (Location, error) {
	tmpFile, err := os.CreateTemp("", "s3meta-blob-*")
	if err != nil {
		return Location{}, fmt.Errorf("blob: creating temp file: %w", err)
	}
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
	}()

	hr := newMD5Reader(r)
	if _, err := io.Copy(tmpFile, readerWithContext(ctx, hr)); err != nil {
		return Location{}, fmt.Errorf("blob: spooling: %w", err)
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return Location{}, err
	}

	key := uuid.New().String()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + key),
		Body:          tmpFile,
		ContentLength: aws.Int64(hr.n),
	})
	if err != nil {
		return Location{}, fmt.Errorf("blob: put object: %w", err)
	}
	return Location{Key: key, Size: hr.n, ETag: hr.etag()}, nil
}

func (s *S3) Get(ctx context.Context, loc Location, offset int64) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + loc.Key),
	}
	if offset > 0 {
		if offset >= loc.Size {
			return io.NopCloser(strings.NewReader("")), nil
		}
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: get object: %w", err)
	}
	return out.Body, nil
}

func (s *S3) Delete(ctx context.Context, loc Location) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + loc.Key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("blob: delete object: %w", err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}
