package credits

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChargeSuccess(t *testing.T) {
	var got adjustRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/internal/profiles/adjust_credits/", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	l := NewLedger(srv.URL, time.Second)
	require.NoError(t, l.Charge(context.Background(), 7, 3, "ai_ask", "req-1"))
	assert.Equal(t, int64(7), got.ProfileID)
	assert.Equal(t, -3, got.Amount)
	assert.Equal(t, "ai_ask", got.Reason)
	assert.Equal(t, "req-1", got.RequestID)
}

func TestRefundIsPositiveAmount(t *testing.T) {
	var got adjustRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	l := NewLedger(srv.URL, time.Second)
	require.NoError(t, l.Refund(context.Background(), 7, 3, "ai_ask_refund", "req-2"))
	assert.Equal(t, 3, got.Amount)
}

func TestInsufficientCreditsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(apiErrorBody{Code: CodeInsufficientCredits, Detail: "not enough credits"})
	}))
	defer srv.Close()

	l := NewLedger(srv.URL, time.Second)
	err := l.Charge(context.Background(), 7, 3, "ai_ask", "req-3")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, CodeInsufficientCredits, apiErr.Code)
	assert.False(t, apiErr.Retryable())
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load(), "business rejection must not retry")
}

func TestTimeoutCodeNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(w).Encode(apiErrorBody{Code: CodeTimeout, Detail: "upstream timed out"})
	}))
	defer srv.Close()

	l := NewLedger(srv.URL, time.Second)
	err := l.Charge(context.Background(), 7, 3, "ai_ask", "req-4")
	require.Error(t, err)
	assert.False(t, IsRetryable(err), "explicit timeout code is final even on 5xx")
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	l := NewLedger(srv.URL, time.Second)
	l.backoff = time.Millisecond
	require.NoError(t, l.Charge(context.Background(), 7, 3, "ai_ask", "req-5"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTooManyRequestsIsRetryable(t *testing.T) {
	err := &APIError{StatusCode: http.StatusTooManyRequests, Message: "slow down"}
	assert.True(t, err.Retryable())

	err = &APIError{StatusCode: http.StatusBadRequest, Message: "malformed"}
	assert.False(t, err.Retryable())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := NewLedger(srv.URL, time.Second)
	l.backoff = time.Millisecond
	// Two exhausted calls (3 attempts each) push the breaker past its
	// consecutive-failure threshold.
	require.Error(t, l.Charge(context.Background(), 7, 1, "ai_ask", "req-6"))
	require.Error(t, l.Charge(context.Background(), 7, 1, "ai_ask", "req-7"))

	err := l.Charge(context.Background(), 7, 1, "ai_ask", "req-8")
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "breaker-open reads as transient")
}
