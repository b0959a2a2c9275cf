package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// Callback event names the bot service accepts.
const (
	EventPlanReady   = "ai_plan_ready"
	EventAnswerReady = "ai_answer_ready"
	EventDietReady   = "ai_diet_ready"
)

const (
	deliverAttempts = 3
	deliverBackoff  = 1 * time.Second
)

// Payload is a task result callback. Force bypasses the bot's own
// delivered-state dedup (used for error overrides).
type Payload struct {
	Event     string                 `json:"event"`
	RequestID string                 `json:"request_id"`
	ProfileID int64                  `json:"profile_id"`
	Status    string                 `json:"status"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Force     bool                   `json:"force,omitempty"`
}

// Client posts signed callbacks to the bot's internal endpoint.
type Client struct {
	baseURL string
	signer  *Signer
	client  *http.Client
	backoff time.Duration
}

// NewClient builds a callback client.
func NewClient(baseURL string, signer *Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		signer:  signer,
		client:  &http.Client{Timeout: timeout},
		backoff: deliverBackoff,
	}
}

// Deliver posts the payload, retrying transient failures with jittered
// backoff. 4xx responses are final: the bot rejected the callback and a
// retry cannot change that.
func (c *Client) Deliver(ctx context.Context, p Payload) error {
	timer := logging.StartTimer(logging.CategoryNotify, "Deliver")
	defer timer.Stop()

	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < deliverAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(c.backoff / 2)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt)*c.backoff + jitter):
			}
		}

		err := c.post(ctx, p.Event, body)
		if err == nil {
			logging.Get(logging.CategoryNotify).Info("Delivered %s for request %s (profile %d)", p.Event, p.RequestID, p.ProfileID)
			return nil
		}
		if perm, ok := err.(*permanentError); ok {
			return fmt.Errorf("callback %s rejected: %w", p.Event, perm)
		}
		lastErr = err
		logging.Get(logging.CategoryNotify).Warn("Deliver %s attempt %d failed: %v", p.Event, attempt+1, err)
	}
	return fmt.Errorf("callback %s for request %s failed after %d attempts: %w", p.Event, p.RequestID, deliverAttempts, lastErr)
}

type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

// post targets the per-event bot endpoint: /internal/tasks/<event>/.
func (c *Client) post(ctx context.Context, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/tasks/"+event+"/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.signer.Sign(req, body)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &permanentError{status: resp.StatusCode, body: string(data)}
	default:
		return fmt.Errorf("http %d", resp.StatusCode)
	}
}
