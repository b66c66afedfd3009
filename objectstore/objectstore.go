// Package objectstore stores records as JSON objects in an S3 bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/docstore"
	"github.com/INLOpen/nexussync/endpoint"
)

// S3API is the subset of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Bucket implements docstore.Blobs on one bucket under a key prefix.
type Bucket struct {
	client S3API
	bucket string
	prefix string
}

var _ docstore.Blobs = (*Bucket)(nil)

func NewBucket(client S3API, bucket, prefix string) *Bucket {
	return &Bucket{client: client, bucket: bucket, prefix: prefix}
}

func (b *Bucket) key(k string) string { return b.prefix + k }

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		return nil, b.mapError("GetObject", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &core.BackendUnavailableError{Endpoint: b.bucket, Op: "GetObject", Err: err}
	}
	return data, nil
}

func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return b.mapError("PutObject", key, err)
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err = b.mapError("DeleteObject", key, err); errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return err
}

func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.key(prefix)),
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, b.mapError("ListObjectsV2", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), b.prefix))
		}
	}
	return keys, nil
}

// Promote copies staged over target, then removes staged.
func (b *Bucket) Promote(ctx context.Context, staged, target string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(copySource(b.bucket, b.key(staged))),
		Key:        aws.String(b.key(target)),
	})
	if err != nil {
		return b.mapError("CopyObject", target, err)
	}
	return b.Delete(ctx, staged)
}

// copySource is "bucket/key" with every path segment URL-encoded.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// mapError turns missing objects into core.ErrNotFound and everything that
// is not a request-level answer into a BackendUnavailableError.
func (b *Bucket) mapError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("s3 %s %q: %w", op, key, core.ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("s3 %s %q: %w", op, key, core.ErrNotFound)
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
			return &core.BackendUnavailableError{Endpoint: b.bucket, Op: op, Err: err}
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return &core.BackendUnavailableError{Endpoint: b.bucket, Op: op, Err: err}
		}
		return fmt.Errorf("s3 %s %q: %w", op, key, err)
	}
	// No API answer at all: the request never completed.
	return &core.BackendUnavailableError{Endpoint: b.bucket, Op: op, Err: err}
}

// Open builds an S3 client from the connection and wraps the bucket in a
// document endpoint. It is registered under config.KindS3.
func Open(ctx context.Context, params endpoint.Params) (endpoint.Service, error) {
	conn := params.Connection
	if conn.Bucket == "" {
		return nil, core.NewConfigurationError("objectstore", "connection %q has no bucket", conn.Name)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if conn.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(conn.Region))
	}
	if conn.AccessKeyID != "" {
		secret, err := params.Password(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secret access key for connection %q: %w", conn.Name, err)
		}
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conn.AccessKeyID, secret, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, core.NewConfigurationError("objectstore", "failed to load AWS config: %v", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if conn.Endpoint != "" {
			o.BaseEndpoint = aws.String(conn.Endpoint)
		}
		o.UsePathStyle = conn.ForcePathStyle
	})
	ep, err := New(client, params)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// New builds the endpoint on an existing client.
func New(client S3API, params endpoint.Params) (*docstore.Endpoint, error) {
	collection := params.Service.Collection
	if collection == "" {
		collection = params.Service.Name
	}
	return docstore.New(NewBucket(client, params.Connection.Bucket, params.Connection.Prefix), docstore.Options{
		Name:          params.Service.Name,
		Collection:    collection,
		StagingPrefix: ".staging",
		Pivot:         params.Service.PivotAttributes,
		Writable:      params.Service.WritableAttributes,
		Logger:        params.Logger,
	})
}
