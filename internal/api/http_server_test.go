package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"taskbridge/internal/config"
	"taskbridge/internal/engine"
	"taskbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	mu        sync.Mutex
	result    *models.SyncResult
	err       error
	readyErr  error
	lastOpts  models.SyncOptions
	syncCalls int
}

func (s *stubService) SyncWithMonday(_ context.Context, opts models.SyncOptions) (*models.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCalls++
	s.lastOpts = opts
	return s.result, s.err
}

func (s *stubService) Status() engine.Status {
	return engine.Status{
		Policy: models.PolicyNewest,
		Queue:  models.QueueStats{Total: 2, Ready: 1, Pending: 1},
		Connectivity: models.ConnectivityStatus{
			IsOnline:                 true,
			LastSuccessfulConnection: 1_700_000_000_000,
		},
	}
}

func (s *stubService) Ready(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyErr
}

func (s *stubService) calls() (int, models.SyncOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncCalls, s.lastOpts
}

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		Port: 0,
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			APIKeys:      []config.APIClientKey{{Key: "secret", Name: "ops"}},
		},
	}
}

func newTestServer(t *testing.T, cfg config.APIConfig, svc SyncService) *httptest.Server {
	t.Helper()
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	})
	srv := NewHTTPServer(cfg, "/webhooks/monday", webhook, svc, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url, apiKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthzWithoutAuth(t *testing.T) {
	ts := newTestServer(t, testAPIConfig(), &stubService{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	svc := &stubService{readyErr: errors.New("remote unreachable")}
	ts := newTestServer(t, testAPIConfig(), svc)

	resp := doRequest(t, http.MethodGet, ts.URL+"/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	svc.mu.Lock()
	svc.readyErr = nil
	svc.mu.Unlock()
	resp = doRequest(t, http.MethodGet, ts.URL+"/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusRequiresAPIKey(t *testing.T) {
	ts := newTestServer(t, testAPIConfig(), &stubService{})

	tests := []struct {
		name   string
		apiKey string
		want   int
	}{
		{name: "missing key", apiKey: "", want: http.StatusUnauthorized},
		{name: "wrong key", apiKey: "nope", want: http.StatusUnauthorized},
		{name: "valid key", apiKey: "secret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/status", tt.apiKey)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestStatusBody(t *testing.T) {
	ts := newTestServer(t, testAPIConfig(), &stubService{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/status", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Policy string `json:"conflict_policy"`
		Queue  struct {
			Total int `json:"total"`
		} `json:"queue"`
		Connectivity struct {
			IsOnline bool `json:"isOnline"`
		} `json:"connectivity"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "newest", body.Policy)
	assert.Equal(t, 2, body.Queue.Total)
	assert.True(t, body.Connectivity.IsOnline)
}

func TestManualSync(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		method    string
		svc       *stubService
		want      int
		wantCalls int
		wantDir   models.SyncDirection
	}{
		{
			name:      "completed",
			query:     "?direction=pull",
			method:    http.MethodPost,
			svc:       &stubService{result: &models.SyncResult{Status: models.SyncStatusCompleted, Pulled: 3}},
			want:      http.StatusOK,
			wantCalls: 1,
			wantDir:   models.DirectionPull,
		},
		{
			name:      "default direction",
			method:    http.MethodPost,
			svc:       &stubService{result: &models.SyncResult{Status: models.SyncStatusCompleted}},
			want:      http.StatusOK,
			wantCalls: 1,
			wantDir:   models.DirectionBoth,
		},
		{
			name:      "already syncing",
			method:    http.MethodPost,
			svc:       &stubService{result: &models.SyncResult{Status: models.SyncStatusAlreadySyncing}},
			want:      http.StatusConflict,
			wantCalls: 1,
			wantDir:   models.DirectionBoth,
		},
		{
			name:      "cycle failure",
			method:    http.MethodPost,
			svc:       &stubService{err: errors.New("boom")},
			want:      http.StatusInternalServerError,
			wantCalls: 1,
			wantDir:   models.DirectionBoth,
		},
		{
			name:   "bad direction",
			query:  "?direction=sideways",
			method: http.MethodPost,
			svc:    &stubService{},
			want:   http.StatusBadRequest,
		},
		{
			name:   "wrong method",
			method: http.MethodGet,
			svc:    &stubService{},
			want:   http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, testAPIConfig(), tt.svc)
			resp := doRequest(t, tt.method, ts.URL+"/api/v1/sync"+tt.query, "secret")
			assert.Equal(t, tt.want, resp.StatusCode)
			calls, opts := tt.svc.calls()
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantCalls > 0 {
				assert.Equal(t, tt.wantDir, opts.Direction)
			}
		})
	}
}

func TestWebhookBypassesAPIKey(t *testing.T) {
	ts := newTestServer(t, testAPIConfig(), &stubService{})

	resp := doRequest(t, http.MethodPost, ts.URL+"/webhooks/monday", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	ts := newTestServer(t, cfg, &stubService{})

	first := doRequest(t, http.MethodPost, ts.URL+"/webhooks/monday", "")
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := doRequest(t, http.MethodPost, ts.URL+"/webhooks/monday", "")
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	probe := doRequest(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, probe.StatusCode)
}

func TestAuthDisabled(t *testing.T) {
	cfg := testAPIConfig()
	cfg.Auth.Enabled = false
	ts := newTestServer(t, cfg, &stubService{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
