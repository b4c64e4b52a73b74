package storage

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/example/face-enroll/internal/enrollment"
)

const studentsCollection = "students"

// ImageRecord is the metadata written next to each stored image.
type ImageRecord struct {
	StudentID   string
	StudentName string
	ClassName   string
	Position    string
	StoragePath string
	Backend     string
	Fallback    bool
	Size        int
	UploadedAt  time.Time
}

// MetadataStore keeps per-student records.
type MetadataStore interface {
	SaveStudent(ctx context.Context, req enrollment.MetadataRequest) error
	RecordImage(ctx context.Context, rec ImageRecord) error
}

// FirestoreMetadata writes students/{id} and students/{id}/images.
type FirestoreMetadata struct {
	client *firestore.Client
}

func NewFirestoreMetadata(client *firestore.Client) *FirestoreMetadata {
	return &FirestoreMetadata{client: client}
}

// SaveStudent merges the student document so repeated lookups only
// refresh it.
func (m *FirestoreMetadata) SaveStudent(ctx context.Context, req enrollment.MetadataRequest) error {
	doc := map[string]interface{}{
		"id":        req.StudentID,
		"name":      req.Name,
		"homeroom":  req.Homeroom,
		"gradeCode": orUnknown(req.GradeCode),
		"gradeName": orUnknown(req.GradeName),
		"updatedAt": firestore.ServerTimestamp,
	}
	if _, err := m.client.Collection(studentsCollection).Doc(req.StudentID).Set(ctx, doc, firestore.MergeAll); err != nil {
		return fmt.Errorf("save student %s: %w", req.StudentID, err)
	}
	return nil
}

// RecordImage appends to the images subcollection and bumps the capture
// count on the student document.
func (m *FirestoreMetadata) RecordImage(ctx context.Context, rec ImageRecord) error {
	student := m.client.Collection(studentsCollection).Doc(rec.StudentID)
	if _, _, err := student.Collection("images").Add(ctx, map[string]interface{}{
		"studentId":   rec.StudentID,
		"studentName": rec.StudentName,
		"className":   rec.ClassName,
		"position":    rec.Position,
		"storagePath": rec.StoragePath,
		"backend":     rec.Backend,
		"fallback":    rec.Fallback,
		"fileSize":    rec.Size,
		"uploadedAt":  rec.UploadedAt,
	}); err != nil {
		return fmt.Errorf("record image for %s: %w", rec.StudentID, err)
	}
	if _, err := student.Set(ctx, map[string]interface{}{
		"capture_count": firestore.Increment(1),
		"lastUploadAt":  firestore.ServerTimestamp,
	}, firestore.MergeAll); err != nil {
		return fmt.Errorf("update capture count for %s: %w", rec.StudentID, err)
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// NoopMetadata is used when metadata writes are disabled.
type NoopMetadata struct{}

func (NoopMetadata) SaveStudent(context.Context, enrollment.MetadataRequest) error { return nil }
func (NoopMetadata) RecordImage(context.Context, ImageRecord) error              { return nil }
