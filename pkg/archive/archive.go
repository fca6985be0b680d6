// Package archive copies persisted version snapshots to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jxucoder/forgeline/pkg/model"
)

// Archiver stores a durable copy of a version.
type Archiver interface {
	Archive(ctx context.Context, v *model.Version) error
}

// Nop discards everything.
type Nop struct{}

// Archive implements Archiver.
func (Nop) Archive(context.Context, *model.Version) error { return nil }

// Key returns the object key of a version snapshot.
func Key(projectID string, number int) string {
	return fmt.Sprintf("projects/%s/versions/%d.json", projectID, number)
}

// Config holds MinIO connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIO archives versions as JSON objects in a bucket.
type MinIO struct {
	mc     *minio.Client
	bucket string
}

// NewMinIO creates a MinIO archiver. Call EnsureBucket before first use.
func NewMinIO(cfg Config) (*MinIO, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access key and secret key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "forgeline"
	}
	return &MinIO{mc: mc, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (a *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := a.mc.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket: %w", err)
	}
	if !exists {
		if err := a.mc.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
	}
	return nil
}

// Archive writes v as JSON under Key(v.ProjectID, v.Number).
func (a *MinIO) Archive(ctx context.Context, v *model.Version) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding version: %w", err)
	}
	key := Key(v.ProjectID, v.Number)
	_, err = a.mc.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// Load reads an archived version back.
func (a *MinIO) Load(ctx context.Context, projectID string, number int) (*model.Version, error) {
	key := Key(projectID, number)
	obj, err := a.mc.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", key, err)
	}
	defer obj.Close()

	var v model.Version
	if err := json.NewDecoder(obj).Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return &v, nil
}

// Exists reports whether a version has been archived.
func (a *MinIO) Exists(ctx context.Context, projectID string, number int) (bool, error) {
	_, err := a.mc.StatObject(ctx, a.bucket, Key(projectID, number), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
