// Package gatewayclient implements the workflow gateway over the HTTP API
// served by the enrollment gateway.
package gatewayclient

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

// StatusError is returned when the gateway answered with a status the
// caller cannot interpret.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.Status, e.Body)
}

// Client talks to one gateway instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a client for the gateway at baseURL. timeout bounds every
// request; zero leaves it to the caller's context.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("gatewayclient"),
	}
}

// LookupSubject resolves a student id. Not-found and provider-down answers
// come back as a result with Success false, not as an error.
func (c *Client) LookupSubject(ctx context.Context, externalID string) (*enrollment.LookupResult, error) {
	var res enrollment.LookupResult
	status, err := c.post(ctx, "/api/student/lookup", map[string]string{"studentId": externalID}, &res)
	if err != nil {
		return nil, logging.NewOperationError("gatewayclient.lookup_subject", externalID, err)
	}
	switch status {
	case http.StatusOK, http.StatusNotFound, http.StatusServiceUnavailable:
		return &res, nil
	default:
		return nil, logging.NewOperationError("gatewayclient.lookup_subject", externalID,
			&StatusError{Status: status, Body: res.Message})
	}
}

type metadataResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// SaveMetadata writes the per-student record.
func (c *Client) SaveMetadata(ctx context.Context, req enrollment.MetadataRequest) error {
	var res metadataResponse
	status, err := c.post(ctx, "/api/student/metadata", req, &res)
	if err == nil && (status != http.StatusOK || !res.Success) {
		err = &StatusError{Status: status, Body: res.Error}
	}
	if err != nil {
		return logging.NewOperationError("gatewayclient.save_metadata", req.StudentID, err)
	}
	return nil
}

// ProcessImage forwards a frame for face detection. A 4xx answer carries
// the detection result, including the explicit no-face case.
func (c *Client) ProcessImage(ctx context.Context, req enrollment.ProcessRequest) (*enrollment.ProcessResult, error) {
	var res enrollment.ProcessResult
	status, err := c.post(ctx, "/api/process-image", req, &res)
	if err == nil && status >= http.StatusInternalServerError {
		err = &StatusError{Status: status, Body: firstNonEmpty(res.Message, res.Error)}
	}
	if err != nil {
		logging.WithSlot(logging.WithOperation(c.logger, "gatewayclient.process_image", req.StudentID), req.Position).
			Warn("process request failed", zap.Error(err))
		return nil, logging.NewOperationError("gatewayclient.process_image", req.StudentID, err)
	}
	return &res, nil
}

// UploadImage stores one image. A rejected upload is reported through the
// result so the batch can record the reason.
func (c *Client) UploadImage(ctx context.Context, req enrollment.UploadRequest) (*enrollment.UploadResult, error) {
	var res enrollment.UploadResult
	status, err := c.post(ctx, "/api/upload-image", req, &res)
	if err != nil {
		return nil, logging.NewOperationError("gatewayclient.upload_image", req.StudentID, err)
	}
	if status != http.StatusOK && res.Success {
		res.Success = false
	}
	if !res.Success && res.Error == "" {
		res.Error = fmt.Sprintf("upload rejected with status %d", status)
	}
	return &res, nil
}

// DetectFaces asks for face boxes. The gateway answers 200 even when the
// detector is down.
func (c *Client) DetectFaces(ctx context.Context, image string) (*enrollment.DetectResult, error) {
	var res enrollment.DetectResult
	if _, err := c.post(ctx, "/api/detect-faces", map[string]string{"image": image}, &res); err != nil {
		return nil, logging.NewOperationError("gatewayclient.detect_faces", "", err)
	}
	return &res, nil
}

// Health returns the gateway's readiness report.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}
	var report map[string]any
	status, err := c.do(req, &report)
	if err == nil && status != http.StatusOK {
		err = &StatusError{Status: status}
	}
	if err != nil {
		return nil, logging.NewOperationError("gatewayclient.health", "", err)
	}
	return report, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do decodes the JSON body whatever the status; a body that does not
// decode is a StatusError.
func (c *Client) do(req *http.Request, out any) (int, error) {
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
		if len(body) > 512 {
			body = body[:512]
		}
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}
	return resp.StatusCode, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
