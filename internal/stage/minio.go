package stage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStager keeps staged attachments in an object-store bucket so
// drafts survive gateway restarts and are visible to every replica.
type MinioStager struct {
	client *minio.Client
	bucket string
}

// NewMinioStager connects to the object store and ensures the staging
// bucket exists.
func NewMinioStager(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStager, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check staging bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create staging bucket: %w", err)
		}
	}

	return &MinioStager{client: client, bucket: bucket}, nil
}

func (s *MinioStager) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("stage attachment %s: %w", key, err)
	}
	return nil
}

func (s *MinioStager) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("read staged attachment %s: %w", key, err)
	}
	return obj, nil
}

func (s *MinioStager) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove staged attachment %s: %w", key, err)
	}
	return nil
}
