package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/wzshiming/s3meta/pkg/blob"
	"github.com/wzshiming/s3meta/pkg/config"
	"github.com/wzshiming/s3meta/pkg/metastore"
)

func openMetastore(ctx context.Context, cfg config.Metastore, logger zerolog.Logger) (*metastore.Store, error) {
	var (
		backend metastore.Backend
		err     error
	)
	switch cfg.Backend {
	case "memory":
		backend = metastore.NewMemory()
	case "bolt":
		backend, err = metastore.OpenBolt(cfg.Path)
	case "sqlite":
		backend, err = metastore.OpenSQLite(cfg.Path)
	case "mongo":
		backend, err = metastore.DialMongo(cfg.URL, cfg.Database)
	default:
		return nil, fmt.Errorf("unknown metastore backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s metastore: %w", cfg.Backend, err)
	}
	store, err := metastore.New(ctx, backend, metastore.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

func openBlobs(ctx context.Context, cfg config.Blob) (blob.Store, error) {
	switch cfg.Backend {
	case "memory":
		return blob.NewMemory(), nil
	case "fs":
		fs, err := blob.NewFS(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open blob directory: %w", err)
		}
		return fs, nil
	case "s3":
		client, err := newS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		upstream, err := blob.NewS3(client, cfg.S3.Bucket, cfg.S3.Prefix)
		if err != nil {
			return nil, err
		}
		return upstream, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

func newS3Client(ctx context.Context, cfg config.S3) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}
