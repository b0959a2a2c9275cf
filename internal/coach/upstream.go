package coach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/tasks"
)

// Upstream calls the generation engine that builds workout plans and
// diets. Transport failures and 5xx/429 come back queue-retryable so
// the pipeline's backoff applies.
type Upstream struct {
	baseURL string
	client  *http.Client
}

// NewUpstream builds the generation engine client.
func NewUpstream(baseURL string, timeout time.Duration) *Upstream {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Upstream{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (u *Upstream) call(ctx context.Context, path string, body map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, tasks.Retryable(fmt.Errorf("upstream %s: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, tasks.Retryable(fmt.Errorf("upstream %s: http %d", path, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Detail != "" {
			return nil, fmt.Errorf("upstream %s: %s", path, apiErr.Detail)
		}
		return nil, fmt.Errorf("upstream %s: http %d", path, resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("upstream %s: undecodable response: %w", path, err)
	}
	return result, nil
}

// PlanExecutor drives plan generation (actions create and update).
type PlanExecutor struct {
	up *Upstream
}

// NewPlanExecutor wires the plan flow.
func NewPlanExecutor(up *Upstream) *PlanExecutor { return &PlanExecutor{up: up} }

// Execute implements tasks.Executor for the plan flow.
func (e *PlanExecutor) Execute(ctx context.Context, req tasks.Request) (map[string]interface{}, error) {
	logging.Tasks("plan %s for profile %d (%s)", req.RequestID, req.ProfileID, req.Action)
	return e.up.call(ctx, "/internal/ai/plan/", map[string]interface{}{
		"profile_id": req.ProfileID,
		"action":     req.Action,
		"request_id": req.RequestID,
	})
}

// DietExecutor drives diet generation.
type DietExecutor struct {
	up *Upstream
}

// NewDietExecutor wires the diet flow.
func NewDietExecutor(up *Upstream) *DietExecutor { return &DietExecutor{up: up} }

// Execute implements tasks.Executor for the diet flow.
func (e *DietExecutor) Execute(ctx context.Context, req tasks.Request) (map[string]interface{}, error) {
	logging.Tasks("diet %s for profile %d", req.RequestID, req.ProfileID)
	return e.up.call(ctx, "/internal/ai/diet/", map[string]interface{}{
		"profile_id": req.ProfileID,
		"request_id": req.RequestID,
	})
}
