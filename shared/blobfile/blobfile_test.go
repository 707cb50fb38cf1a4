// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package blobfile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/modelrouter/shared/logger"
)

type fakeS3 struct {
	objects map[string]string
	calls   int
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

type fakeBackend map[string][]byte

func (f fakeBackend) Open(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	data, ok := f[bucket+"/"+key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Location
		wantErr bool
	}{
		{in: "config/catalog.yaml", want: Location{Scheme: SchemeFile, Key: "config/catalog.yaml"}},
		{in: "file:///etc/catalog.yaml", want: Location{Scheme: SchemeFile, Key: "/etc/catalog.yaml"}},
		{in: "s3://cfg/router/catalog.yaml", want: Location{Scheme: SchemeS3, Bucket: "cfg", Key: "router/catalog.yaml"}},
		{in: "gs://cfg/catalog.yaml", want: Location{Scheme: SchemeGCS, Bucket: "cfg", Key: "catalog.yaml"}},
		{in: "azblob://configs/catalog.yaml", want: Location{Scheme: SchemeAzure, Bucket: "configs", Key: "catalog.yaml"}},
		{in: "", wantErr: true},
		{in: "s3://bucket-only", wantErr: true},
		{in: "s3:///key", wantErr: true},
		{in: "ftp://host/file", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoader_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenants: {}\n"), 0o600))

	l := NewLoader(Config{}, WithLogger(logger.Discard()))
	data, err := l.Read(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "tenants: {}\n", string(data))

	_, err = l.Read(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoader_S3Backend(t *testing.T) {
	s3c := &fakeS3{objects: map[string]string{"cfg/catalog.yaml": "providers: []\n"}}
	l := NewLoader(Config{}, WithLogger(logger.Discard()), WithBackend(SchemeS3, NewS3Backend(s3c)))

	data, err := l.Read(context.Background(), "s3://cfg/catalog.yaml")
	require.NoError(t, err)
	assert.Equal(t, "providers: []\n", string(data))

	_, err = l.Read(context.Background(), "s3://cfg/missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://cfg/missing.yaml")
	assert.Equal(t, 2, s3c.calls)
}

func TestLoader_SizeLimit(t *testing.T) {
	l := NewLoader(Config{}, WithLogger(logger.Discard()), WithBackend(SchemeGCS, fakeBackend{
		"cfg/big.yaml":   bytes.Repeat([]byte("a"), MaxSize+1),
		"cfg/exact.yaml": bytes.Repeat([]byte("a"), MaxSize),
	}))

	_, err := l.Read(context.Background(), "gs://cfg/big.yaml")
	assert.Error(t, err)

	data, err := l.Read(context.Background(), "gs://cfg/exact.yaml")
	require.NoError(t, err)
	assert.Len(t, data, MaxSize)
}

func TestLoader_AzureWithoutAccount(t *testing.T) {
	l := NewLoader(Config{}, WithLogger(logger.Discard()))
	_, err := l.Read(context.Background(), "azblob://configs/catalog.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "azblob")
	assert.NoError(t, l.Close())
}
