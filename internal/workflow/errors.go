package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/face-enroll/internal/enrollment"
)

var (
	ErrInvalidTransition   = errors.New("operation not allowed in current state")
	ErrBusy                = errors.New("another operation is still in progress")
	ErrClosed              = errors.New("workflow closed")
	ErrSessionReset        = errors.New("session was reset while the call was in flight")
	ErrNoCamera            = errors.New("camera not ready")
	ErrCaptureSetComplete  = errors.New("all slots are already captured")
	ErrEmptyCaptureSet     = errors.New("capture at least one image before uploading")
	ErrSlotEmpty           = errors.New("slot has no image")
	ErrManualEntryDisabled = errors.New("manual subject entry is disabled")
	ErrNoFaceDetected      = errors.New("no face detected")
	ErrUploadFailed        = errors.New("no image was uploaded")
)

func invalid(op string, s State) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, op, s)
}

// ServiceError is a failure reported in a response body, as opposed to a
// transport failure.
type ServiceError struct {
	Operation  string
	Slot       string
	Message    string
	Suggestion string
	NoFace     bool
	// ManualEntryAllowed is set on lookup failures when the subject may be
	// typed in by hand instead.
	ManualEntryAllowed bool
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.Slot != "" {
		b.WriteString(" [")
		b.WriteString(e.Slot)
		b.WriteString("]")
	}
	b.WriteString(": ")
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString("rejected")
	}
	if e.Suggestion != "" {
		b.WriteString(" (")
		b.WriteString(e.Suggestion)
		b.WriteString(")")
	}
	return b.String()
}

// Is lets callers match detection failures with ErrNoFaceDetected.
func (e *ServiceError) Is(target error) bool {
	return target == ErrNoFaceDetected && e.NoFace
}

// UploadError carries the batch result when no image could be stored.
type UploadError struct {
	Result enrollment.BatchResult
}

func (e *UploadError) Error() string {
	msgs := make([]string, 0, len(e.Result.Outcomes))
	for _, o := range e.Result.Failures() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", o.Slot, o.Error))
	}
	return fmt.Sprintf("uploaded 0/%d images: %s", e.Result.Total, strings.Join(msgs, "; "))
}

func (e *UploadError) Is(target error) bool {
	return target == ErrUploadFailed
}
