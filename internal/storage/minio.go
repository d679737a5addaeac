package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MinioStore is an object-store-backed BlobStore. Objects use the same
// two-level fan-out key scheme as the filesystem backend.
type MinioStore struct {
	client     *minio.Client
	bucketName string
}

// NewMinioStore initializes a new MinIO-backed blob store
func NewMinioStore(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ms := &MinioStore{
		client:     client,
		bucketName: bucketName,
	}

	// Ensure bucket exists
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.Printf("Creating bucket: %s", bucketName)
		err = client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Printf("Bucket %s created successfully", bucketName)
	}

	return ms, nil
}

// Put uploads the blob under its fan-out object key.
func (ms *MinioStore) Put(ctx context.Context, storedID string, r io.Reader) error {
	ctx, span := tracer.Start(ctx, "minio.put",
		trace.WithAttributes(attribute.String("stored_id", storedID)),
	)
	defer span.End()

	if err := validateStoredID(storedID); err != nil {
		span.RecordError(err)
		return err
	}

	_, err := ms.client.PutObject(ctx, ms.bucketName, fanoutKey(storedID), r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload blob %s: %w", storedID, err)
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	return nil
}

// Open returns a reader over the stored object, or ErrBlobNotFound.
func (ms *MinioStore) Open(ctx context.Context, storedID string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "minio.open",
		trace.WithAttributes(attribute.String("stored_id", storedID)),
	)
	defer span.End()

	if err := validateStoredID(storedID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	key := fanoutKey(storedID)

	// GetObject is lazy; stat first so a missing object surfaces here
	// instead of on the first read.
	if _, err := ms.client.StatObject(ctx, ms.bucketName, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("blob %s: %w", storedID, ErrBlobNotFound)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to stat blob %s: %w", storedID, err)
	}

	object, err := ms.client.GetObject(ctx, ms.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get blob %s: %w", storedID, err)
	}
	return object, nil
}

// Exists reports whether an object is stored under the id's fan-out key.
func (ms *MinioStore) Exists(ctx context.Context, storedID string) (bool, error) {
	if err := validateStoredID(storedID); err != nil {
		return false, err
	}
	_, err := ms.client.StatObject(ctx, ms.bucketName, fanoutKey(storedID), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob %s: %w", storedID, err)
	}
	return true, nil
}

// Delete removes the object. S3 removal of a missing key is not an error.
func (ms *MinioStore) Delete(ctx context.Context, storedID string) error {
	ctx, span := tracer.Start(ctx, "minio.delete",
		trace.WithAttributes(attribute.String("stored_id", storedID)),
	)
	defer span.End()

	if err := validateStoredID(storedID); err != nil {
		span.RecordError(err)
		return err
	}

	err := ms.client.RemoveObject(ctx, ms.bucketName, fanoutKey(storedID), minio.RemoveObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete blob %s: %w", storedID, err)
	}

	return nil
}

// Walk lists every object in the bucket and reports its stored id.
func (ms *MinioStore) Walk(ctx context.Context, fn func(storedID string, modTime time.Time) error) error {
	for object := range ms.client.ListObjects(ctx, ms.bucketName, minio.ListObjectsOptions{Recursive: true}) {
		if object.Err != nil {
			return fmt.Errorf("failed to list blobs: %w", object.Err)
		}
		if err := fn(path.Base(object.Key), object.LastModified); err != nil {
			return err
		}
	}
	return nil
}
