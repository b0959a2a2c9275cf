package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/credits"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/idem"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/notify"
)

// Flows of the pipeline.
const (
	FlowPlan = "plan"
	FlowDiet = "diet"
	FlowAsk  = "ask"
)

// Request is the serialized payload of a user-facing task.
type Request struct {
	RequestID string `json:"request_id"`
	ProfileID int64  `json:"profile_id"`
	Flow      string `json:"flow"`
	Action    string `json:"action,omitempty"` // plan only: create | update
	Question  string `json:"question,omitempty"`
	Cost      int    `json:"cost"`
}

// dedupID namespaces plan requests by action so a create and an update
// with the same request id do not collide.
func (r Request) dedupID() string {
	if r.Flow == FlowPlan && r.Action != "" {
		return r.Action + ":" + r.RequestID
	}
	return r.RequestID
}

// eventFor maps a flow to its bot callback event.
func eventFor(flow string) string {
	switch flow {
	case FlowPlan:
		return notify.EventPlanReady
	case FlowDiet:
		return notify.EventDietReady
	default:
		return notify.EventAnswerReady
	}
}

// Executor runs the upstream work of one flow (plan engine, LLM ask).
// Transient upstream failures must come back wrapped via Retryable.
type Executor interface {
	Execute(ctx context.Context, req Request) (map[string]interface{}, error)
}

// ProfileSyncer pulls fresh profile data into the knowledge base.
type ProfileSyncer interface {
	SyncProfile(ctx context.Context, profileID int64) error
}

// Memifier runs the optional memory-consolidation pass for a profile.
type Memifier interface {
	MemifyProfile(ctx context.Context, profileID int64) error
}

// Notifier delivers bot callbacks. Satisfied by *notify.Client.
type Notifier interface {
	Deliver(ctx context.Context, p notify.Payload) error
}

// Orchestrator drives the claim/charge/execute/notify/refund protocol.
// It is also the queue Handler.
type Orchestrator struct {
	states     map[string]*idem.State
	ledger     *credits.Ledger
	notifier   Notifier
	queue      *Queue
	executors  map[string]Executor
	syncer     ProfileSyncer
	memifier   Memifier
	maxRetries int
}

// OrchestratorOptions wires an orchestrator.
type OrchestratorOptions struct {
	Redis      *redis.Client
	Ledger     *credits.Ledger
	Notifier   Notifier
	Queue      *Queue
	DedupTTL   time.Duration
	PlanTTL    time.Duration
	MaxRetries int
	Syncer     ProfileSyncer
	Memifier   Memifier
}

// NewOrchestrator builds the orchestrator with per-flow flag stores.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = time.Hour
	}
	if opts.PlanTTL <= 0 {
		opts.PlanTTL = opts.DedupTTL
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Orchestrator{
		states: map[string]*idem.State{
			FlowPlan: idem.New(opts.Redis, FlowPlan, opts.PlanTTL),
			FlowDiet: idem.New(opts.Redis, FlowDiet, opts.DedupTTL),
			FlowAsk:  idem.New(opts.Redis, FlowAsk, opts.DedupTTL),
		},
		ledger:     opts.Ledger,
		notifier:   opts.Notifier,
		queue:      opts.Queue,
		executors:  make(map[string]Executor),
		syncer:     opts.Syncer,
		memifier:   opts.Memifier,
		maxRetries: opts.MaxRetries,
	}
}

// RegisterExecutor attaches the upstream for a flow.
func (o *Orchestrator) RegisterExecutor(flow string, ex Executor) {
	o.executors[flow] = ex
}

func (o *Orchestrator) state(flow string) *idem.State {
	if s, ok := o.states[flow]; ok {
		return s
	}
	return o.states[FlowAsk]
}

// Submit serializes the request and enqueues its execute task.
func (o *Orchestrator) Submit(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return o.queue.Enqueue(ctx, Task{Kind: KindExecute, Payload: payload})
}

// ScheduleProfileSync enqueues a background profile sync.
func (o *Orchestrator) ScheduleProfileSync(profileID int64) {
	o.enqueueProfileTask(KindProfileSync, profileID)
}

// ScheduleProfileMemify enqueues a background memify pass.
func (o *Orchestrator) ScheduleProfileMemify(profileID int64) {
	o.enqueueProfileTask(KindMemify, profileID)
}

func (o *Orchestrator) enqueueProfileTask(kind string, profileID int64) {
	payload, _ := json.Marshal(Request{ProfileID: profileID})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.queue.Enqueue(ctx, Task{Kind: kind, Payload: payload}); err != nil {
		logging.Get(logging.CategoryTasks).Error("enqueue %s for profile %d failed: %v", kind, profileID, err)
	}
}

// Handle dispatches one queued task. Implements Handler.
func (o *Orchestrator) Handle(ctx context.Context, task *Task) error {
	var req Request
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return fmt.Errorf("undecodable %s payload: %w", task.Kind, err)
	}

	switch task.Kind {
	case KindExecute:
		return o.runExecute(ctx, req, task.Attempt)
	case KindRefund:
		return o.Refund(ctx, req)
	case KindProfileSync:
		if o.syncer == nil {
			return nil
		}
		return Retryable(o.syncer.SyncProfile(ctx, req.ProfileID))
	case KindMemify:
		if o.memifier == nil {
			return nil
		}
		return o.memifier.MemifyProfile(ctx, req.ProfileID)
	default:
		logging.Get(logging.CategoryTasks).Warn("unknown task kind %q dropped", task.Kind)
		return nil
	}
}

// runExecute chains execute and notify, escalating to the failure
// handler when retries are exhausted or the failure is final.
func (o *Orchestrator) runExecute(ctx context.Context, req Request, attempt int) error {
	payload, err := o.Execute(ctx, req, attempt)
	if err != nil {
		if IsRetryableTask(err) && attempt < o.maxRetries {
			return err
		}
		o.HandleFailure(ctx, req, err)
		return nil
	}
	if payload == nil {
		return nil // duplicate
	}
	o.Notify(ctx, req, *payload)
	return nil
}

// Execute runs the claim and charge protocol around the upstream call.
// A nil payload with nil error means the request was a duplicate.
func (o *Orchestrator) Execute(ctx context.Context, req Request, attempt int) (*notify.Payload, error) {
	timer := logging.StartTimer(logging.CategoryTasks, "Execute")
	defer timer.Stop()

	state := o.state(req.Flow)
	rid := req.dedupID()

	if !state.Claim(ctx, idem.FieldTask, rid) && attempt == 0 {
		logging.Tasks("request %s (%s) already claimed, duplicate", req.RequestID, req.Flow)
		return nil, nil
	}

	// Plan generation never charges here: its credits are spent by the
	// caller before enqueue.
	if req.Cost > 0 && req.Flow != FlowPlan {
		if err := o.charge(ctx, state, req, rid); err != nil {
			return nil, err
		}
	}

	ex, ok := o.executors[req.Flow]
	if !ok {
		return nil, fmt.Errorf("no executor registered for flow %q", req.Flow)
	}

	result, err := ex.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if result == nil {
		result = map[string]interface{}{}
	}
	result["cost"] = req.Cost
	return &notify.Payload{
		Event:     eventFor(req.Flow),
		RequestID: req.RequestID,
		ProfileID: req.ProfileID,
		Status:    "success",
		Result:    result,
	}, nil
}

// charge reserves the charged flag before calling the ledger so a
// concurrent retry cannot double-charge; the flag is released when the
// ledger call fails.
func (o *Orchestrator) charge(ctx context.Context, state *idem.State, req Request, rid string) error {
	if !state.Claim(ctx, idem.FieldCharged, rid) {
		return nil // already charged (or assumed so)
	}
	if err := o.ledger.Charge(ctx, req.ProfileID, req.Cost, "ai_"+req.Flow, req.RequestID); err != nil {
		state.Clear(ctx, idem.FieldCharged, rid)
		if credits.IsRetryable(err) {
			return Retryable(err)
		}
		return err
	}
	return nil
}

// Notify delivers the payload with delivered/failed dedup. Giving up on
// a success delivery records the failure and triggers the refund.
func (o *Orchestrator) Notify(ctx context.Context, req Request, payload notify.Payload) {
	state := o.state(req.Flow)
	rid := req.dedupID()

	if payload.Status == "success" {
		if !state.Claim(ctx, idem.FieldDelivered, rid) {
			logging.Tasks("request %s already delivered, skipping notify", req.RequestID)
			return
		}
	} else {
		if state.Exists(ctx, idem.FieldFailed, rid) && !payload.Force {
			return
		}
	}

	if err := o.notifier.Deliver(ctx, payload); err != nil {
		logging.Get(logging.CategoryTasks).Error("notify for %s gave up: %v", req.RequestID, err)
		if payload.Status == "success" {
			state.Clear(ctx, idem.FieldDelivered, rid)
		}
		state.Set(ctx, idem.FieldFailed, rid, "notify_failed")
		o.maybeRefund(ctx, state, req, rid)
		return
	}

	if payload.Status != "success" {
		if reason := payload.Error; reason != "" {
			state.Set(ctx, idem.FieldFailed, rid, reason)
		} else {
			state.Set(ctx, idem.FieldFailed, rid, "error")
		}
	}
}

// maybeRefund enqueues the refund task when a charge is outstanding.
func (o *Orchestrator) maybeRefund(ctx context.Context, state *idem.State, req Request, rid string) {
	if !state.Exists(ctx, idem.FieldCharged, rid) || state.Exists(ctx, idem.FieldRefunded, rid) {
		return
	}
	payload, _ := json.Marshal(req)
	if err := o.queue.Enqueue(ctx, Task{Kind: KindRefund, Payload: payload}); err != nil {
		logging.Get(logging.CategoryTasks).Error("refund enqueue for %s failed: %v", req.RequestID, err)
	}
}

// Refund applies the refund protocol: lock, check, credit, mark.
// Runs as its own task so charge and refund never share a worker slot.
func (o *Orchestrator) Refund(ctx context.Context, req Request) error {
	state := o.state(req.Flow)
	rid := req.dedupID()

	if !state.Claim(ctx, idem.FieldRefundLock, rid) {
		return nil
	}
	defer state.Clear(ctx, idem.FieldRefundLock, rid)

	if state.Exists(ctx, idem.FieldRefunded, rid) || !state.Exists(ctx, idem.FieldCharged, rid) {
		return nil
	}

	if err := o.ledger.Refund(ctx, req.ProfileID, req.Cost, "ai_"+req.Flow+"_refund", req.RequestID); err != nil {
		if credits.IsRetryable(err) {
			return Retryable(err)
		}
		return err
	}

	state.Set(ctx, idem.FieldRefunded, rid, "1")
	state.Clear(ctx, idem.FieldCharged, rid)
	logging.Tasks("refunded %d credits for request %s (%s)", req.Cost, req.RequestID, req.Flow)
	return nil
}

// HandleFailure is the terminal failure path: record the reason once,
// trigger the refund when charged and push an error callback the bot
// cannot dedup away.
func (o *Orchestrator) HandleFailure(ctx context.Context, req Request, cause error) {
	state := o.state(req.Flow)
	rid := req.dedupID()

	reason := failureReason(cause)
	if !state.Exists(ctx, idem.FieldFailed, rid) {
		state.Set(ctx, idem.FieldFailed, rid, reason)
	}

	charged := state.Exists(ctx, idem.FieldCharged, rid)
	if charged {
		o.maybeRefund(ctx, state, req, rid)
	}

	payload := notify.Payload{
		Event:     eventFor(req.Flow),
		RequestID: req.RequestID,
		ProfileID: req.ProfileID,
		Status:    "error",
		Error:     reason,
		Force:     true,
		Result: map[string]interface{}{
			"localized_message_key": "coach_agent_error",
			"credits_refunded":      charged,
		},
	}
	if err := o.notifier.Deliver(ctx, payload); err != nil {
		logging.Get(logging.CategoryTasks).Error("error notify for %s failed: %v", req.RequestID, err)
	}
}

// failureReason extracts the machine reason from a failure chain.
func failureReason(err error) string {
	if err == nil {
		return "error"
	}
	var apiErr *credits.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		return apiErr.Code
	}
	return err.Error()
}
