// Package identity resolves student ids against the school's enrollment
// service.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// tokenWatermark is the share of the advertised lifetime a token is reused
// for before a new one is requested.
const tokenWatermark = 0.8

// envelope is the response wrapper used by every endpoint of the provider.
type envelope struct {
	ResultCode   int             `json:"resultCode"`
	ErrorMessage string          `json:"errorMessage"`
	Data         json.RawMessage `json:"data"`
}

type tokenData struct {
	Token    string `json:"token"`
	Duration int64  `json:"duration"` // seconds
}

// TokenSource hands out bearer tokens, fetching a new one once the cached
// token passed its watermark. It is shared by every request of the process.
type TokenSource struct {
	url        string
	authHeader string
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a token source for the provider's token endpoint.
func NewTokenSource(url, authHeader string, httpClient *http.Client) *TokenSource {
	return &TokenSource{
		url:        url,
		authHeader: authHeader,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Token returns a cached token or fetches a fresh one. Concurrent callers
// wait for a single fetch.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expires) {
		return s.token, nil
	}

	data, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	lifetime := time.Duration(float64(data.Duration) * tokenWatermark * float64(time.Second))
	s.token = data.Token
	s.expires = s.now().Add(lifetime)
	return s.token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}

func (s *TokenSource) fetch(ctx context.Context) (*tokenData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Authorization", s.authHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: token endpoint returned %d: %s", ErrUnavailable, resp.StatusCode, body)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %v", ErrUnavailable, err)
	}
	if env.ResultCode != http.StatusOK {
		return nil, fmt.Errorf("%w: token error: %s", ErrUnavailable, env.ErrorMessage)
	}
	var data tokenData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		return nil, fmt.Errorf("%w: token response carried no token", ErrUnavailable)
	}
	return &data, nil
}
