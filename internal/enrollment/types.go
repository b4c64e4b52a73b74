// Package enrollment holds the data shared by the capture workflow and the
// gateway: who is being enrolled, what was captured, and the request and
// response shapes exchanged with the gateway.
package enrollment

import (
	"errors"
	"strings"
)

// ErrIncompleteSubject is returned when a subject lacks an id or a name.
var ErrIncompleteSubject = errors.New("subject requires an external id and a display name")

// Subject identifies whose images are being collected.
type Subject struct {
	ExternalID  string `json:"studentId"`
	DisplayName string `json:"name"`
	GroupLabel  string `json:"class"`
	GradeCode   string `json:"gradeCode,omitempty"`
	GradeName   string `json:"grade,omitempty"`
}

// Validate checks the fields every later step depends on.
func (s Subject) Validate() error {
	if strings.TrimSpace(s.ExternalID) == "" || strings.TrimSpace(s.DisplayName) == "" {
		return ErrIncompleteSubject
	}
	return nil
}

// CapturedImage is one processed camera frame bound to a slot.
type CapturedImage struct {
	Slot       string `json:"slot"`
	Raw        string `json:"raw"`
	Processed  string `json:"processed,omitempty"`
	CapturedAt int64  `json:"captured_at"`
}

// Payload is what gets uploaded: the processed face when the service
// returned one, otherwise the raw frame.
func (c CapturedImage) Payload() string {
	if c.Processed != "" {
		return c.Processed
	}
	return c.Raw
}

// LookupResult is the gateway's answer to a student lookup.
type LookupResult struct {
	Success            bool     `json:"success"`
	Student            *Subject `json:"student,omitempty"`
	Message            string   `json:"message,omitempty"`
	ManualEntryAllowed bool     `json:"manual_entry_allowed,omitempty"`
}

// MetadataRequest carries the per-student record written at lookup time.
type MetadataRequest struct {
	StudentID string `json:"studentId"`
	Name      string `json:"name"`
	Homeroom  string `json:"homeroom"`
	GradeCode string `json:"gradeCode,omitempty"`
	GradeName string `json:"gradeName,omitempty"`
}

// MetadataRequestFor builds the metadata payload for a subject.
func MetadataRequestFor(s Subject) MetadataRequest {
	return MetadataRequest{
		StudentID: s.ExternalID,
		Name:      s.DisplayName,
		Homeroom:  s.GroupLabel,
		GradeCode: s.GradeCode,
		GradeName: s.GradeName,
	}
}

// ProcessRequest asks the face service to detect and crop a face.
type ProcessRequest struct {
	Image       string `json:"image"`
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
	ClassName   string `json:"className"`
	Position    string `json:"position"`
}

// ProcessResult mirrors the face service response. FacesDetected is a
// pointer because only an explicit zero means "no face".
type ProcessResult struct {
	Success        bool   `json:"success"`
	FacesDetected  *int   `json:"faces_detected,omitempty"`
	ProcessedImage string `json:"processed_image,omitempty"`
	Visualization  string `json:"visualization,omitempty"`
	Error          string `json:"error,omitempty"`
	Suggestion     string `json:"suggestion,omitempty"`
	Message        string `json:"message,omitempty"`
}

// NoFaceDetected reports whether the service explicitly found no face.
func (r *ProcessResult) NoFaceDetected() bool {
	return r != nil && !r.Success && r.FacesDetected != nil && *r.FacesDetected == 0
}

// Faces returns the reported face count, zero when absent.
func (r *ProcessResult) Faces() int {
	if r == nil || r.FacesDetected == nil {
		return 0
	}
	return *r.FacesDetected
}

// FaceBox is one detection rectangle in image pixels.
type FaceBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DetectResult is the real-time detection answer used for overlays.
type DetectResult struct {
	Success       bool      `json:"success"`
	Faces         []FaceBox `json:"faces"`
	FacesDetected int       `json:"faces_detected"`
}

// UploadRequest stores one image for a subject and slot.
type UploadRequest struct {
	Image       string `json:"image"`
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
	ClassName   string `json:"className"`
	Position    string `json:"position"`
}

// UploadRequestFor builds an upload request for a captured image.
func UploadRequestFor(s Subject, img CapturedImage) UploadRequest {
	return UploadRequest{
		Image:       img.Payload(),
		StudentID:   s.ExternalID,
		StudentName: s.DisplayName,
		ClassName:   s.GroupLabel,
		Position:    img.Slot,
	}
}

// UploadResult is the gateway's answer for a single image upload.
type UploadResult struct {
	Success     bool   `json:"success"`
	StoragePath string `json:"storage_path,omitempty"`
	Fallback    bool   `json:"fallback,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BatchUploadRequest uploads every slot of a capture set in one call.
type BatchUploadRequest struct {
	StudentID   string            `json:"studentId"`
	StudentName string            `json:"studentName"`
	ClassName   string            `json:"className"`
	Images      map[string]string `json:"images"`
}
