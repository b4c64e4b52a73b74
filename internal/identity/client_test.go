package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type provider struct {
	tokenCalls      atomic.Int32
	enrollmentCalls atomic.Int32
	rejectFirst     atomic.Bool
	known           map[string]studentData
}

func (p *provider) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Basic secret" {
			t.Errorf("unexpected token auth header %q", r.Header.Get("Authorization"))
		}
		n := p.tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resultCode": 200,
			"data":       map[string]any{"token": "tok-" + string(rune('0'+n)), "duration": 60},
		})
	})
	mux.HandleFunc("/enrollment", func(w http.ResponseWriter, r *http.Request) {
		p.enrollmentCalls.Add(1)
		if p.rejectFirst.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			IdStudent string
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		data, ok := p.known[req.IdStudent]
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{"resultCode": 404, "errorMessage": "data not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"resultCode": 200, "studentDataResponse": data})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL+"/auth/token", srv.URL+"/enrollment", "Basic secret", time.Second, zap.NewNop())
}

func TestLookupResolvesStudent(t *testing.T) {
	p := &provider{known: map[string]studentData{
		"2401": {StudentName: "Ana Putri", Class: "10A", GradeName: "Grade 10"},
	}}
	client := newTestClient(p.server(t))

	subject, err := client.Lookup(context.Background(), " 2401 ")
	require.NoError(t, err)
	assert.Equal(t, "2401", subject.ExternalID)
	assert.Equal(t, "Ana Putri", subject.DisplayName)
	assert.Equal(t, "10A", subject.GroupLabel)
	assert.Equal(t, "Grade 10", subject.GradeName)

	_, err = client.Lookup(context.Background(), "2401")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.tokenCalls.Load(), "token is reused while fresh")
}

func TestLookupUnknownStudent(t *testing.T) {
	p := &provider{known: map[string]studentData{}}
	client := newTestClient(p.server(t))

	_, err := client.Lookup(context.Background(), "999")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestLookupRefreshesRejectedToken(t *testing.T) {
	p := &provider{known: map[string]studentData{"1": {StudentName: "Budi", Class: "11B"}}}
	p.rejectFirst.Store(true)
	client := newTestClient(p.server(t))

	subject, err := client.Lookup(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "Budi", subject.DisplayName)
	assert.EqualValues(t, 2, p.tokenCalls.Load())
	assert.EqualValues(t, 2, p.enrollmentCalls.Load())
}

func TestLookupUnreachableProvider(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(url+"/auth/token", url+"/enrollment", "Basic secret", 200*time.Millisecond, zap.NewNop())
	_, err := client.Lookup(context.Background(), "1")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestTokenRefreshedAtWatermark(t *testing.T) {
	p := &provider{}
	srv := p.server(t)
	source := NewTokenSource(srv.URL+"/auth/token", "Basic secret", srv.Client())

	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	source.now = func() time.Time { return now }

	first, err := source.Token(context.Background())
	require.NoError(t, err)

	// 60s token, reused for 48s.
	now = now.Add(47 * time.Second)
	again, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.EqualValues(t, 1, p.tokenCalls.Load())

	now = now.Add(2 * time.Second)
	fresh, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
	assert.EqualValues(t, 2, p.tokenCalls.Load())
}
