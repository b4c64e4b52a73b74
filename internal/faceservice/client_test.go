package faceservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/enrollment"
	"github.com/example/face-enroll/internal/logging"
)

func TestProcessDecodesSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/process-image" {
			t.Errorf("expected path /api/process-image, got %s", r.URL.Path)
		}
		var req enrollment.ProcessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Position != "left" || req.StudentID != "2401" {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":         true,
			"faces_detected":  1,
			"processed_image": "data:image/jpeg;base64,AAAA",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, time.Second, zap.NewNop())
	res, status, err := client.Process(context.Background(), enrollment.ProcessRequest{StudentID: "2401", Position: "left"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !res.Success || res.Faces() != 1 || res.ProcessedImage == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProcessKeepsNoFaceBodyOnBadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":        false,
			"error":          "No faces detected in the image",
			"faces_detected": 0,
			"suggestion":     "Please ensure your face is clearly visible",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, time.Second, zap.NewNop())
	res, status, err := client.Process(context.Background(), enrollment.ProcessRequest{})
	if err != nil {
		t.Fatalf("expected decoded body, got error: %v", err)
	}
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if !res.NoFaceDetected() {
		t.Fatalf("expected no-face result, got %+v", res)
	}
}

func TestProcessReturnsOperationErrorOnGarbage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, time.Second, zap.NewNop())
	_, status, err := client.Process(context.Background(), enrollment.ProcessRequest{StudentID: "7"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "faceservice.process_image" {
		t.Fatalf("expected OperationError, got %T %v", err, err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadGateway {
		t.Fatalf("expected StatusError, got %v", err)
	}
}

func TestProcessHonoursTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewHTTPClient(server.URL, 20*time.Millisecond, time.Second, zap.NewNop())
	_, _, err := client.Process(context.Background(), enrollment.ProcessRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDetectAndHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/health":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/api/detect-faces":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success":        true,
				"faces_detected": 1,
				"faces":          []map[string]int{{"x": 1, "y": 2, "width": 30, "height": 40}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", time.Second, time.Second, zap.NewNop())
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	res, err := client.Detect(context.Background(), "data:image/jpeg;base64,AAAA")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(res.Faces) != 1 || res.Faces[0].Width != 30 {
		t.Fatalf("unexpected detect result: %+v", res)
	}
}
