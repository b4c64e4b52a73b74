// Package faceservice talks to the external face-processing backend.
package faceservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/enrollment"
	"github.com/example/face-enroll/internal/logging"
)

// Client exposes the subset of the face service used by the gateway.
type Client interface {
	// Process detects and crops the face. The HTTP status of the service is
	// returned alongside the decoded body so the gateway can forward it.
	Process(ctx context.Context, req enrollment.ProcessRequest) (*enrollment.ProcessResult, int, error)
	Detect(ctx context.Context, image string) (*enrollment.DetectResult, error)
	Health(ctx context.Context) error
}

// StatusError is returned when the service answered with a status and a
// body that is not the expected JSON.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("face service returned status %d: %s", e.Status, e.Body)
}

// HTTPClient implements Client over the service's JSON API.
type HTTPClient struct {
	baseURL        string
	httpClient     *http.Client
	processTimeout time.Duration
	detectTimeout  time.Duration
	logger         *zap.Logger
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, processTimeout, detectTimeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		processTimeout: processTimeout,
		detectTimeout:  detectTimeout,
		logger:         logger.Named("faceservice"),
	}
}

// Process forwards one frame. A 4xx answer with a JSON body is not an
// error: it carries the no-face result the workflow retries on.
func (c *HTTPClient) Process(ctx context.Context, req enrollment.ProcessRequest) (*enrollment.ProcessResult, int, error) {
	ctx, cancel := withTimeout(ctx, c.processTimeout)
	defer cancel()

	var result enrollment.ProcessResult
	status, err := c.postJSON(ctx, "/api/process-image", req, &result)
	if err != nil {
		wrapped := logging.NewOperationError("faceservice.process_image", req.StudentID, err)
		logging.WithSlot(logging.WithOperation(c.logger, "faceservice.process_image", req.StudentID), req.Position).
			Warn("face service call failed", zap.Error(err))
		return nil, status, wrapped
	}
	return &result, status, nil
}

// Detect asks for face boxes only.
func (c *HTTPClient) Detect(ctx context.Context, image string) (*enrollment.DetectResult, error) {
	ctx, cancel := withTimeout(ctx, c.detectTimeout)
	defer cancel()

	var result enrollment.DetectResult
	if _, err := c.postJSON(ctx, "/api/detect-faces", map[string]string{"image": image}, &result); err != nil {
		return nil, logging.NewOperationError("faceservice.detect_faces", "", err)
	}
	return &result, nil
}

// Health checks the service is up.
func (c *HTTPClient) Health(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, c.detectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("face service health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return resp.StatusCode, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
