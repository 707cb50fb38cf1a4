// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package blobfile

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"
)

// Config holds object storage credentials. Empty fields fall back to each
// SDK's default credential chain.
type Config struct {
	S3Region          string
	S3Endpoint        string
	S3ForcePathStyle  bool
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string

	GCSCredentialsFile string
	GCSEndpoint        string

	AzureConnectionString string
	AzureAccount          string
	AzureAccountKey       string
}

// S3API is the subset of the S3 client used to fetch objects.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Backend reads objects from S3 or an S3-compatible endpoint.
type S3Backend struct {
	client S3API
}

// NewS3Backend wraps client.
func NewS3Backend(client S3API) *S3Backend {
	return &S3Backend{client: client}
}

// Open implements Backend.
func (b *S3Backend) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func dialS3(ctx context.Context, cfg Config) (Backend, io.Closer, error) {
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, cfg.S3SessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		})
	}
	if cfg.S3ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return NewS3Backend(s3.NewFromConfig(awsCfg, s3Opts...)), nil, nil
}

// GCSBackend reads objects from Google Cloud Storage.
type GCSBackend struct {
	client *storage.Client
}

// Open implements Backend.
func (b *GCSBackend) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := b.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func dialGCS(ctx context.Context, cfg Config) (Backend, io.Closer, error) {
	var opts []option.ClientOption
	if cfg.GCSCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCSCredentialsFile))
	}
	if cfg.GCSEndpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.GCSEndpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	return &GCSBackend{client: client}, client, nil
}

// AzureBackend reads blobs from Azure Blob Storage.
type AzureBackend struct {
	client *azblob.Client
}

// Open implements Backend.
func (b *AzureBackend) Open(ctx context.Context, container, blob string) (io.ReadCloser, error) {
	resp, err := b.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func dialAzure(_ context.Context, cfg Config) (Backend, io.Closer, error) {
	if cfg.AzureConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.AzureConnectionString, nil)
		if err != nil {
			return nil, nil, err
		}
		return &AzureBackend{client: client}, nil, nil
	}

	if cfg.AzureAccount == "" {
		return nil, nil, fmt.Errorf("azure storage account or connection string required")
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AzureAccount)

	if cfg.AzureAccountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccount, cfg.AzureAccountKey)
		if err != nil {
			return nil, nil, err
		}
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, nil, err
		}
		return &AzureBackend{client: client}, nil, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, nil, err
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, nil, err
	}
	return &AzureBackend{client: client}, nil, nil
}
