package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore persists a generated image and returns its URI.
type ArtifactStore interface {
	Save(ctx context.Context, childID string, image []byte) (string, error)
}

// LocalArtifactStore writes images under a root directory.
type LocalArtifactStore struct {
	root string
}

func NewLocalArtifactStore(root string) *LocalArtifactStore {
	return &LocalArtifactStore{root: root}
}

func (s *LocalArtifactStore) Save(_ context.Context, childID string, image []byte) (string, error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(s.root, childID+".png")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return "file://" + path, nil
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOArtifactStore uploads images to an S3-compatible object store.
type MinIOArtifactStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOArtifactStore(cfg MinIOConfig) (*MinIOArtifactStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required when artifact backend is minio")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIOArtifactStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinIOArtifactStore) Save(ctx context.Context, childID string, image []byte) (string, error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "", fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("create bucket: %w", err)
		}
	}
	objectName := childID + ".png"
	_, err = s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(image), int64(len(image)),
		minio.PutObjectOptions{ContentType: "image/png"})
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectName), nil
}
