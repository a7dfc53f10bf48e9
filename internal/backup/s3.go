package backup

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

func (c S3Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != "" && strings.TrimSpace(c.Bucket) != ""
}

// S3Uploader puts archives into a bucket on any S3-compatible store.
type S3Uploader struct {
	mc     *minio.Client
	bucket string
	prefix string
}

// NewS3Uploader connects and creates the bucket when it is missing.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if !cfg.Enabled() {
		return nil, errors.New("s3 endpoint and bucket are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &S3Uploader{mc: mc, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, name string, r io.Reader, size int64) error {
	_, err := u.mc.PutObject(ctx, u.bucket, path.Join(u.prefix, name), r, size, minio.PutObjectOptions{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
	})
	return err
}
