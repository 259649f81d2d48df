package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/wzshiming/s3meta/pkg/auth"
	"github.com/wzshiming/s3meta/pkg/blob"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/metrics"
	"github.com/wzshiming/s3meta/pkg/multipart"
	"github.com/wzshiming/s3meta/pkg/versioning"
)

var (
	alice = auth.Credential{AccessKey: "AKIDALICE", SecretKey: "alice-secret", ID: "alice", DisplayName: "Alice"}
	bob   = auth.Credential{AccessKey: "AKIDBOB", SecretKey: "bob-secret", ID: "bob", DisplayName: "Bob"}
)

var ts *testServer

func TestMain(m *testing.M) {
	// Setup test server
	ts = setupTestServer()

	// Run tests
	code := m.Run()

	// Cleanup
	ts.cleanup()

	os.Exit(code)
}

// testServer holds the components needed for integration testing
type testServer struct {
	listener net.Listener
	srv      *http.Server
	url      string
	client   *s3.Client
	bob      *s3.Client
	store    *metastore.Store
	blobs    *blob.Memory
	metrics  *metrics.Metrics
	ctx      context.Context
}

func setupTestServer() *testServer {
	ctx := context.Background()

	store, err := metastore.New(ctx, metastore.NewMemory())
	if err != nil {
		panic(err)
	}
	blobs := blob.NewMemory()
	versions := versioning.New(store)
	uploads := multipart.New(versions, blobs)
	m := metrics.New()

	handler := NewS3Handler(versions, uploads, blobs,
		WithVerifier(auth.NewVerifier([]auth.Credential{alice, bob})),
		WithMetrics(m),
	)

	// Start test HTTP server
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	srv := &http.Server{Handler: handler}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()

	url := "http://" + listener.Addr().String()
	return &testServer{
		listener: listener,
		srv:      srv,
		url:      url,
		client:   newClient(ctx, url, alice),
		bob:      newClient(ctx, url, bob),
		store:    store,
		blobs:    blobs,
		metrics:  m,
		ctx:      ctx,
	}
}

func newClient(ctx context.Context, url string, cred auth.Credential) *s3.Client {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cred.AccessKey, cred.SecretKey, "")),
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	)
	if err != nil {
		panic(err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(url)
		o.UsePathStyle = true
	})
}

func (ts *testServer) cleanup() {
	ts.srv.Shutdown(ts.ctx)
	ts.listener.Close()
}

// errorCode returns the S3 error code carried by err.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// anonymous sends an unsigned request to the test server.
func anonymous(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, ts.url+path, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}
