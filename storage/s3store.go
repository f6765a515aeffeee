package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
)

/*
Storage provider for S3-compatible object storage. We use the minio client
library.
*/

////////////////////////////////////////////////////////////////////////////////

// S3Store stores objects in a bucket.
type S3Store struct {
	mc     *minio.Client
	bucket string
}

// NewS3Store constructs a store on bucket.
func NewS3Store(mc *minio.Client, bucket string) *S3Store {
	return &S3Store{
		mc:     mc,
		bucket: bucket,
	}
}

// Put stores the data in the object store.
func (s *S3Store) Put(ctx context.Context, id string, data []byte) error {
	_, err := s.mc.PutObject(
		ctx,
		s.bucket,
		id,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/x-ndjson"},
	)
	if err != nil {
		return fmt.Errorf("failed to put object: %w", translateError(err))
	}
	return nil
}

// Get retrieves an object from the object store.
func (s *S3Store) Get(ctx context.Context, id string) ([]byte, error) {
	obj, err := s.mc.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", translateError(err))
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", translateError(err))
	}
	return data, nil
}

// List lists the objects under prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	ids := []string{}
	for info := range s.mc.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", translateError(info.Err))
		}
		ids = append(ids, info.Key)
	}
	return ids, nil
}

// Delete removes an object from the object store.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	if err := s.mc.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{}); err != nil {
		err = translateError(err)
		if errors.Is(err, ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("failed to remove object: %w", err)
	}
	return nil
}

// Ping checks that the bucket exists and the credentials are accepted.
func (s *S3Store) Ping(ctx context.Context) error {
	ok, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.bucket, translateError(err))
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *S3Store) String() string {
	return fmt.Sprintf("s3(%s)", s.bucket)
}

// translateError maps S3 error responses to the package errors.
func translateError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey":
		return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	case resp.Code == "AccessDenied",
		resp.Code == "InvalidAccessKeyId",
		resp.Code == "SignatureDoesNotMatch",
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	default:
		return err
	}
}
