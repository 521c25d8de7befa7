package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adcondev/printomat/internal/audit"
	"github.com/adcondev/printomat/internal/dispatch"
	"github.com/adcondev/printomat/internal/printer"
	"github.com/adcondev/printomat/internal/queue"
	"github.com/adcondev/printomat/internal/ratelimit"
	"github.com/adcondev/printomat/internal/tokens"
)

const friendToken = "f00dcafe"

func setupRouter(t *testing.T, qcfg queue.Config) (*gin.Engine, *dispatch.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	d := dispatch.New(queue.New(qcfg, zap.NewNop()), nil, dispatch.Config{}, zap.NewNop())
	router, err := NewRouter(Config{Build: BuildInfo{Env: "test"}}, Deps{
		Dispatcher: d,
		Limiter:    ratelimit.NewMemoryLimiter(10*time.Minute, 0, nil),
		Tokens: tokens.NewRegistry([]tokens.Token{
			{Name: "Alice", Label: "alice", Message: "Hi from Alice's printer", Token: friendToken},
		}),
		AuditStats: func() audit.Statistics { return audit.Statistics{IsRunning: true, EventsProcessed: 7} },
		LogStatus:  func() LogStatus { return LogStatus{Level: "info", SizeBytes: 2048} },
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return router, d
}

func postJSON(router *gin.Engine, ip, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = ip + ":40000"
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &v))
	return v
}

func TestSubmitValidation(t *testing.T) {
	router, _ := setupRouter(t, queue.Config{})

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"empty body", `{}`, http.StatusBadRequest, "invalid_request"},
		{"blank message", `{"message":"   "}`, http.StatusBadRequest, "invalid_request"},
		{"malformed json", `{"message":`, http.StatusBadRequest, "invalid_request"},
		{"image not base64", `{"image":"***"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown token", `{"message":"hi","token":"nope"}`, http.StatusBadRequest, "invalid_token"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(router, fmt.Sprintf("10.1.0.%d", i+1), tt.body)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantErr, decode[ErrorResponse](t, resp).Error)
		})
	}
}

func TestSubmitRateLimitAndBypass(t *testing.T) {
	router, d := setupRouter(t, queue.Config{})

	// A: first submission from the IP.
	resp := postJSON(router, "10.0.0.1", `{"message":"A"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	a := decode[SubmitResponse](t, resp)
	assert.Equal(t, StatusQueued, a.Status)
	assert.Equal(t, int64(1), a.JobID)
	assert.False(t, a.PrinterConnected)

	// B: same IP, no token.
	resp = postJSON(router, "10.0.0.1", `{"message":"B"}`)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	b := decode[ErrorResponse](t, resp)
	assert.Equal(t, "rate_limited", b.Error)
	assert.Equal(t, 10, b.RetryAfterMinutes)

	// C: same IP with a friendship token.
	resp = postJSON(router, "10.0.0.1", `{"message":"C","token":"`+friendToken+`"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	c := decode[SubmitResponse](t, resp)
	assert.Equal(t, StatusPrintingImmediately, c.Status)
	assert.Equal(t, "Hi from Alice's printer", c.Message)
	assert.Equal(t, 1, c.Position)

	// D: the bypass did not reset the window.
	resp = postJSON(router, "10.0.0.1", `{"message":"D"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)

	assert.Equal(t, 2, d.Queue().Counts().Pending)
}

func TestSubmitKinds(t *testing.T) {
	router, d := setupRouter(t, queue.Config{})
	img := "aGVsbG8="

	resp := postJSON(router, "10.0.0.1", `{"image":"`+img+`"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	job, _ := d.Queue().Get(1)
	assert.Equal(t, queue.KindImage, job.Kind)
	assert.Equal(t, img, job.Content)

	resp = postJSON(router, "10.0.0.2", `{"message":"caption","image":"`+img+`"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	job, _ = d.Queue().Get(2)
	assert.Equal(t, queue.KindOther, job.Kind)
	composite, err := printer.DecodeComposite(job.Content)
	require.NoError(t, err)
	assert.Equal(t, printer.Composite{Message: "caption", Image: img}, composite)
}

func TestSubmitForm(t *testing.T) {
	router, d := setupRouter(t, queue.Config{})

	form := url.Values{"message": {"from a form"}}
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	job, _ := d.Queue().Get(1)
	assert.Equal(t, "from a form", job.Content)
}

func TestSubmitQueueFull(t *testing.T) {
	router, d := setupRouter(t, queue.Config{Capacity: 1})

	require.Equal(t, http.StatusOK, postJSON(router, "10.0.0.1", `{"message":"1"}`).Code)

	resp := postJSON(router, "10.0.0.2", `{"message":"2"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "queue_full", decode[ErrorResponse](t, resp).Error)

	// Friendship submissions are not bound by capacity.
	resp = postJSON(router, "10.0.0.3", `{"message":"3","token":"`+friendToken+`"}`)
	require.Equal(t, http.StatusOK, resp.Code)

	// Drain the queue through a printer session.
	require.NoError(t, d.Register("p1"))
	for i := 0; i < 2; i++ {
		job, err := d.Next(context.Background(), "p1")
		require.NoError(t, err)
		require.NoError(t, d.Complete("p1", dispatch.Result{Success: true}))
		assert.Equal(t, queue.StatusInFlight, job.Status)
	}

	// The rejected IP did not use up its window.
	resp = postJSON(router, "10.0.0.2", `{"message":"2 again"}`)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestHealth(t *testing.T) {
	router, d := setupRouter(t, queue.Config{Capacity: 4})
	require.Equal(t, http.StatusOK, postJSON(router, "10.0.0.1", `{"message":"1"}`).Code)
	require.NoError(t, d.Register("p1"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Queue.Pending)
	assert.Equal(t, 4, health.Queue.Capacity)
	assert.InDelta(t, 25.0, health.Queue.Utilization, 0.001)
	assert.Equal(t, 1, health.Sessions.Connected)
	require.Len(t, health.Sessions.Printers, 1)
	assert.Equal(t, "p1", health.Sessions.Printers[0].ID)
	assert.True(t, health.Sessions.Printers[0].Idle)
	assert.Equal(t, "test", health.Build.Env)
	require.NotNil(t, health.Log)
	assert.Equal(t, LogStatus{Level: "info", SizeBytes: 2048}, *health.Log)
	require.NotNil(t, health.Audit)
	assert.Equal(t, int64(7), health.Audit.EventsProcessed)
}

func TestQueueListing(t *testing.T) {
	router, _ := setupRouter(t, queue.Config{})
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		body := fmt.Sprintf(`{"message":"secret %d"}`, i)
		require.Equal(t, http.StatusOK, postJSON(router, ip, body).Code)
	}

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/queue", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.NotContains(t, resp.Body.String(), "secret")
	assert.NotContains(t, resp.Body.String(), "10.0.0.1")

	listing := decode[QueueResponse](t, resp)
	require.Equal(t, 3, listing.Total)
	for i, job := range listing.Pending {
		assert.Equal(t, i, job.Position)
		assert.Equal(t, int64(i+1), job.ID)
		assert.Equal(t, "text", job.Type)
		assert.Equal(t, 1, job.AttemptCount)
	}
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
		wantRetry   int
	}{
		{"request error", &requestError{reason: "Image must be base64 encoded"},
			http.StatusBadRequest, "invalid_request", "Image must be base64 encoded", 0},
		{"invalid token", ErrInvalidToken,
			http.StatusBadRequest, "invalid_token", "Invalid friendship token", 0},
		{"rate limited", &rateLimitError{retryAfter: 50 * time.Second},
			http.StatusTooManyRequests, "rate_limited", "Try again in 1 minutes", 1},
		{"rate limited long", &rateLimitError{retryAfter: 59*time.Minute + 30*time.Second},
			http.StatusTooManyRequests, "rate_limited", "Try again in 60 minutes", 60},
		{"queue full wrapped", fmt.Errorf("enqueue: %w", queue.ErrQueueFull),
			http.StatusServiceUnavailable, "queue_full", "Queue is currently full, try again later", 0},
		{"unknown", errors.New("disk on fire"),
			http.StatusInternalServerError, "internal_error", "Failed to process request. Please try again later.", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body.Error)
			assert.Equal(t, tt.wantMessage, body.Message)
			assert.Equal(t, tt.wantRetry, body.RetryAfterMinutes)
		})
	}
}
