package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStore writes images to a Cloud Storage (Firebase Storage) bucket.
type GCSStore struct {
	bucket     *storage.BucketHandle
	bucketName string
	prefix     string
}

// NewGCSStore wraps an existing client.
func NewGCSStore(client *storage.Client, bucketName, prefix string) *GCSStore {
	return &GCSStore{
		bucket:     client.Bucket(bucketName),
		bucketName: bucketName,
		prefix:     prefix,
	}
}

func (s *GCSStore) Name() string { return "gcs" }

// Save writes the object only if it does not exist yet. A precondition
// failure means an identical write already landed and counts as success.
func (s *GCSStore) Save(ctx context.Context, obj Object) (string, error) {
	name := ObjectPath(s.prefix, obj)
	writer := s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentTypeOrJPEG(obj.ContentType)
	writer.Metadata = map[string]string{
		"studentId":   obj.StudentID,
		"studentName": obj.StudentName,
		"className":   obj.ClassName,
		"position":    obj.Position,
	}

	if _, err := io.Copy(writer, bytes.NewReader(obj.Data)); err != nil {
		_ = writer.Close()
		if alreadyExists(err) {
			return s.reference(name), nil
		}
		return "", fmt.Errorf("write gcs object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		if alreadyExists(err) {
			return s.reference(name), nil
		}
		return "", fmt.Errorf("finalize gcs object %s: %w", name, err)
	}
	return s.reference(name), nil
}

func (s *GCSStore) reference(name string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucketName, name)
}

func alreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func contentTypeOrJPEG(ct string) string {
	if ct == "" {
		return "image/jpeg"
	}
	return ct
}
