package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/enrollment"
	"github.com/example/face-enroll/internal/logging"
)

var (
	// ErrNotFound means the provider answered but knows no such student.
	ErrNotFound = errors.New("student not found")
	// ErrUnavailable means the provider could not be reached or answered
	// with something unusable.
	ErrUnavailable = errors.New("identity provider unavailable")
)

// Lookup resolves an external id into a subject.
type Lookup interface {
	Lookup(ctx context.Context, studentID string) (enrollment.Subject, error)
}

type studentData struct {
	StudentName string `json:"studentName"`
	Class       string `json:"class"`
	GradeName   string `json:"gradeName"`
	GradeCode   string `json:"gradeCode"`
}

type enrollmentResponse struct {
	ResultCode          int          `json:"resultCode"`
	ErrorMessage        string       `json:"errorMessage"`
	StudentDataResponse *studentData `json:"studentDataResponse"`
}

// Client looks students up on the enrollment endpoint.
type Client struct {
	url        string
	tokens     *TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient wires a lookup client. The token source is shared process-wide.
func NewClient(tokenURL, enrollmentURL, authHeader string, timeout time.Duration, logger *zap.Logger) *Client {
	httpClient := &http.Client{Timeout: timeout}
	return &Client{
		url:        enrollmentURL,
		tokens:     NewTokenSource(tokenURL, authHeader, httpClient),
		httpClient: httpClient,
		logger:     logger.Named("identity"),
	}
}

// Lookup returns the subject for studentID. A rejected token is refreshed
// once before giving up.
func (c *Client) Lookup(ctx context.Context, studentID string) (enrollment.Subject, error) {
	studentID = strings.TrimSpace(studentID)
	opLogger := logging.WithOperation(c.logger, "identity.lookup", studentID)

	subject, err := c.lookup(ctx, studentID)
	if errors.Is(err, errUnauthorized) {
		opLogger.Info("token rejected, refreshing")
		c.tokens.Invalidate()
		subject, err = c.lookup(ctx, studentID)
	}
	if err != nil {
		if errors.Is(err, errUnauthorized) {
			err = fmt.Errorf("%w: token rejected", ErrUnavailable)
		}
		if !errors.Is(err, ErrNotFound) {
			opLogger.Warn("identity lookup failed", zap.Error(err))
		}
		return enrollment.Subject{}, logging.NewOperationError("identity.lookup", studentID, err)
	}
	return subject, nil
}

var errUnauthorized = errors.New("unauthorized")

func (c *Client) lookup(ctx context.Context, studentID string) (enrollment.Subject, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return enrollment.Subject{}, err
	}

	payload, err := json.Marshal(map[string]string{"IdStudent": studentID})
	if err != nil {
		return enrollment.Subject{}, fmt.Errorf("marshal enrollment request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return enrollment.Subject{}, fmt.Errorf("create enrollment request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return enrollment.Subject{}, fmt.Errorf("%w: enrollment request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return enrollment.Subject{}, errUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return enrollment.Subject{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return enrollment.Subject{}, fmt.Errorf("%w: enrollment endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}

	var body enrollmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return enrollment.Subject{}, fmt.Errorf("%w: decode enrollment response: %v", ErrUnavailable, err)
	}
	if body.ResultCode == http.StatusUnauthorized {
		return enrollment.Subject{}, errUnauthorized
	}
	if body.ResultCode != http.StatusOK || body.StudentDataResponse == nil || body.StudentDataResponse.StudentName == "" {
		return enrollment.Subject{}, fmt.Errorf("%w: %s", ErrNotFound, body.ErrorMessage)
	}

	data := body.StudentDataResponse
	return enrollment.Subject{
		ExternalID:  studentID,
		DisplayName: data.StudentName,
		GroupLabel:  data.Class,
		GradeCode:   data.GradeCode,
		GradeName:   data.GradeName,
	}, nil
}
