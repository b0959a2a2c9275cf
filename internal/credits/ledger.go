// Package credits talks to the profile service's credit ledger. Charges
// and refunds go through a circuit breaker; transient failures (5xx,
// 429, transport) retry with backoff, business rejections surface as
// non-retryable APIErrors the task layer branches on.
package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// Business rejection codes from the profile service. These never retry:
// the condition will not clear on its own.
const (
	CodeInsufficientCredits = "insufficient_credits"
	CodeKnowledgeBaseEmpty  = "knowledge_base_empty"
	CodeTimeout             = "timeout"
)

// APIError is a structured failure from the credit endpoint.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("credits: %s (%s, http %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("credits: %s (http %d)", e.Message, e.StatusCode)
}

// Retryable reports whether the failure is transient. Business codes
// are final regardless of status; otherwise 5xx and 429 retry.
func (e *APIError) Retryable() bool {
	switch e.Code {
	case CodeInsufficientCredits, CodeKnowledgeBaseEmpty, CodeTimeout:
		return false
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable classifies any ledger error: APIErrors answer themselves,
// breaker-open and transport errors count as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

const (
	adjustAttempts = 3
	adjustBackoff  = 500 * time.Millisecond
)

// Ledger is the credit ledger client.
type Ledger struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	backoff time.Duration
}

// NewLedger builds a ledger client against the profile service.
func NewLedger(baseURL string, timeout time.Duration) *Ledger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Ledger{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		backoff: adjustBackoff,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "credit-ledger",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// Business rejections are healthy responses from the
				// service; only transient failures trip the breaker.
				var apiErr *APIError
				if errors.As(err, &apiErr) && !apiErr.Retryable() {
					return true
				}
				return err == nil
			},
		}),
	}
}

type adjustRequest struct {
	ProfileID int64  `json:"profile_id"`
	Amount    int    `json:"amount"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id"`
}

type apiErrorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Charge debits cost credits from the profile.
func (l *Ledger) Charge(ctx context.Context, profileID int64, cost int, reason, requestID string) error {
	return l.Adjust(ctx, profileID, -cost, reason, requestID)
}

// Refund credits cost back to the profile.
func (l *Ledger) Refund(ctx context.Context, profileID int64, cost int, reason, requestID string) error {
	return l.Adjust(ctx, profileID, cost, reason, requestID)
}

// Adjust posts a signed-amount credit adjustment. Transient failures
// retry with linear backoff inside the call; the final error (if any)
// classifies via IsRetryable for the task layer.
func (l *Ledger) Adjust(ctx context.Context, profileID int64, amount int, reason, requestID string) error {
	timer := logging.StartTimer(logging.CategoryCredits, "Adjust")
	defer timer.Stop()

	var lastErr error
	for attempt := 0; attempt < adjustAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * l.backoff):
			}
		}

		_, err := l.breaker.Execute(func() (interface{}, error) {
			return nil, l.post(ctx, adjustRequest{
				ProfileID: profileID,
				Amount:    amount,
				Reason:    reason,
				RequestID: requestID,
			})
		})
		if err == nil {
			logging.Credits("Adjusted profile %d by %+d (%s)", profileID, amount, reason)
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			logging.Get(logging.CategoryCredits).Warn("Adjust profile %d rejected: %v", profileID, err)
			return err
		}
		logging.Get(logging.CategoryCredits).Warn("Adjust profile %d attempt %d failed: %v", profileID, attempt+1, err)
	}
	return fmt.Errorf("credit adjustment for profile %d failed after %d attempts: %w", profileID, adjustAttempts, lastErr)
}

func (l *Ledger) post(ctx context.Context, body adjustRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/internal/profiles/adjust_credits/", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var parsed apiErrorBody
	if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096)); readErr == nil && len(data) > 0 {
		if json.Unmarshal(data, &parsed) == nil {
			apiErr.Code = parsed.Code
			if parsed.Detail != "" {
				apiErr.Message = parsed.Detail
			}
		}
	}
	return apiErr
}
