package files

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pinrelay/internal/logging"
)

// DefaultS3Endpoint is the Backblaze B2 S3-compatible endpoint.
const DefaultS3Endpoint = "s3.us-east-005.backblazeb2.com"

// S3Object is the subset of *minio.Object used by S3Storage.
type S3Object interface {
	io.ReadSeekCloser
	Stat() (minio.ObjectInfo, error)
}

// S3Client is the subset of the minio client used by S3Storage.
type S3Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error) {
	return c.Client.GetObject(ctx, bucket, key, opts)
}

// S3Storage implements Storage on an S3-compatible object store.
type S3Storage struct {
	client S3Client
	bucket string
	prefix string
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Endpoint  string
	KeyID     string
	SecretKey string
	Bucket    string
	Prefix    string // optional folder prefix for all objects
	Insecure  bool   // plain HTTP, for local minio
}

// NewS3Storage creates a new S3-backed storage.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultS3Endpoint
	}
	logging.S3.Printf("initializing storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, endpoint)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.SecretKey, ""),
		Secure: !cfg.Insecure,
	})
	if err != nil {
		logging.S3.Printf("failed to create client: %v", err)
		return nil, err
	}

	return NewS3StorageWithClient(minioClient{client}, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StorageWithClient creates an S3Storage around an existing client.
func NewS3StorageWithClient(client S3Client, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (s *S3Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Storage) checkLocation(location string) error {
	name := location
	if s.prefix != "" {
		if !strings.HasPrefix(location, s.prefix+"/") {
			return ErrInvalidID
		}
		name = strings.TrimPrefix(location, s.prefix+"/")
	}
	return validateName(name)
}

func (s *S3Storage) Save(ctx context.Context, name string, data io.Reader) (string, int64, error) {
	if err := validateName(name); err != nil {
		return "", 0, err
	}
	key := s.key(name)
	logging.S3.Printf("uploading %s to bucket %s", key, s.bucket)

	info, err := s.client.PutObject(ctx, s.bucket, key, data, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		logging.S3.Printf("upload failed for %s: %v", key, err)
		return "", 0, err
	}

	logging.S3.Printf("uploaded %s successfully (%d bytes)", key, info.Size)
	return key, info.Size, nil
}

func (s *S3Storage) Open(ctx context.Context, location string) (*Object, error) {
	if err := s.checkLocation(location); err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, location, minio.GetObjectOptions{})
	if err != nil {
		logging.S3.Printf("failed to get object %s: %v", location, err)
		return nil, err
	}

	// GetObject is lazy; Stat surfaces a missing key.
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		logging.S3.Printf("failed to stat object %s: %v", location, err)
		return nil, err
	}

	return &Object{ReadSeekCloser: obj, Size: stat.Size, ModTime: stat.LastModified}, nil
}

func (s *S3Storage) Remove(ctx context.Context, location string) error {
	if err := s.checkLocation(location); err != nil {
		return err
	}
	logging.S3.Printf("deleting %s from bucket %s", location, s.bucket)

	err := s.client.RemoveObject(ctx, s.bucket, location, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		logging.S3.Printf("failed to delete %s: %v", location, err)
		return err
	}
	return nil
}
