package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"birdphotos/birdsync/internal/config"
)

type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	Region    string
}

// S3 lists objects in an S3-compatible bucket such as MinIO. Identifiers are s3://bucket/key.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3(opts S3Options) (*S3, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3{client: client, bucket: opts.Bucket, prefix: strings.TrimLeft(opts.Prefix, "/")}, nil
}

func (s *S3) Kind() string { return config.SourceS3 }

func (s *S3) ListIdentifiers(ctx context.Context) ([]string, error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", s.bucket)
	}

	ids := make([]string, 0)
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list bucket %s: %w", s.bucket, object.Err)
		}
		if !IsImageName(object.Key) {
			continue
		}
		ids = append(ids, s.Identifier(object.Key))
	}
	return sortedUnique(ids), nil
}

func (s *S3) FetchBytes(ctx context.Context, identifier string) ([]byte, error) {
	key, err := s.ObjectKey(identifier)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := readLimited(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *S3) Identifier(key string) string {
	return "s3://" + s.bucket + "/" + key
}

func (s *S3) ObjectKey(identifier string) (string, error) {
	key, ok := strings.CutPrefix(identifier, "s3://"+s.bucket+"/")
	if !ok || key == "" {
		return "", fmt.Errorf("%w: %s is not in bucket %s", ErrNotFound, identifier, s.bucket)
	}
	return key, nil
}
