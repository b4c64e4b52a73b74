package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/enrollment"
	"github.com/example/face-enroll/internal/logging"
	"github.com/example/face-enroll/internal/workflow"
)

var _ workflow.Gateway = (*Client)(nil)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL, time.Second, zap.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestLookupSubjectFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/student/lookup", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2401", req["studentId"])
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"student": map[string]string{"studentId": "2401", "name": "Ana Putri", "class": "10A"},
		})
	})

	res, err := client.LookupSubject(context.Background(), "2401")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "Ana Putri", res.Student.DisplayName)
	assert.Equal(t, "10A", res.Student.GroupLabel)
}

func TestLookupSubjectKeepsFailureBodies(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusServiceUnavailable} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, status, map[string]any{
				"success":              false,
				"message":              "Student ID 9 not found",
				"manual_entry_allowed": status == http.StatusServiceUnavailable,
			})
		})

		res, err := client.LookupSubject(context.Background(), "9")
		require.NoError(t, err, "status %d", status)
		assert.False(t, res.Success)
		assert.Equal(t, "Student ID 9 not found", res.Message)
		assert.Equal(t, status == http.StatusServiceUnavailable, res.ManualEntryAllowed)
	}
}

func TestLookupSubjectUnexpectedStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "boom"})
	})

	_, err := client.LookupSubject(context.Background(), "9")
	require.Error(t, err)
	var opErr *logging.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "gatewayclient.lookup_subject", opErr.Operation)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Status)
}

func TestProcessImageNoFaceIsNotAnError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success":        false,
			"faces_detected": 0,
			"error":          "No faces detected in the image",
		})
	})

	res, err := client.ProcessImage(context.Background(), enrollment.ProcessRequest{StudentID: "2401", Position: "front"})
	require.NoError(t, err)
	assert.True(t, res.NoFaceDetected())
}

func TestProcessImageServiceDown(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"error":   "Face processing service unavailable",
			"message": "connection refused",
		})
	})

	_, err := client.ProcessImage(context.Background(), enrollment.ProcessRequest{StudentID: "2401", Position: "front"})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "connection refused", statusErr.Body)
}

func TestProcessImageTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := New(url, time.Second, zap.NewNop())
	_, err := client.ProcessImage(context.Background(), enrollment.ProcessRequest{StudentID: "2401"})
	require.Error(t, err)
}

func TestUploadImageRejectionIsReported(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/upload-image", r.URL.Path)
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": "image storage failed"})
	})

	res, err := client.UploadImage(context.Background(), enrollment.UploadRequest{StudentID: "2401", Position: "left"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "image storage failed", res.Error)
}

func TestUploadImageSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "storage_path": "gs://bucket/a.jpg"})
	})

	res, err := client.UploadImage(context.Background(), enrollment.UploadRequest{StudentID: "2401", Position: "left"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "gs://bucket/a.jpg", res.StoragePath)
}

func TestSaveMetadataFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": "firestore unavailable"})
	})

	err := client.SaveMetadata(context.Background(), enrollment.MetadataRequest{StudentID: "2401", Name: "Ana"})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "firestore unavailable", statusErr.Body)
}

func TestHealthReport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	})

	report, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", report["status"])
}
