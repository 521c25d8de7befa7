package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adcondev/printomat/internal/queue"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidToken   = errors.New("invalid friendship token")
	ErrRateLimited    = errors.New("rate limited")
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterMinutes int    `json:"retry_after_minutes,omitempty"`
}

// rateLimitError carries the remaining cooldown to the response.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ErrRateLimited, e.retryAfter)
}

func (e *rateLimitError) Unwrap() error { return ErrRateLimited }

// retryAfterMinutes rounds down and adds one, so a client never retries
// before the window closes.
func retryAfterMinutes(d time.Duration) int {
	if d < 0 {
		d = 0
	}
	return int(d/time.Minute) + 1
}

// errorResponse maps an error to its HTTP status and body.
func errorResponse(err error) (int, ErrorResponse) {
	mappings := []struct {
		target  error
		status  int
		code    string
		message string
	}{
		{ErrInvalidRequest, http.StatusBadRequest, "invalid_request", "At least message or image must be provided"},
		{ErrInvalidToken, http.StatusBadRequest, "invalid_token", "Invalid friendship token"},
		{ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "Try again later"},
		{queue.ErrQueueFull, http.StatusServiceUnavailable, "queue_full", "Queue is currently full, try again later"},
	}

	for _, m := range mappings {
		if !errors.Is(err, m.target) {
			continue
		}
		resp := ErrorResponse{Error: m.code, Message: m.message}

		var invalid *requestError
		if errors.As(err, &invalid) {
			resp.Message = invalid.reason
		}
		var limited *rateLimitError
		if errors.As(err, &limited) {
			resp.RetryAfterMinutes = retryAfterMinutes(limited.retryAfter)
			resp.Message = fmt.Sprintf("Try again in %d minutes", resp.RetryAfterMinutes)
		}
		return m.status, resp
	}

	return http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "Failed to process request. Please try again later.",
	}
}

// requestError explains why a request was malformed.
type requestError struct {
	reason string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidRequest, e.reason)
}

func (e *requestError) Unwrap() error { return ErrInvalidRequest }

func abortWithError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	c.AbortWithStatusJSON(status, body)
}
