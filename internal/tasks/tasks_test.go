package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/credits"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/idem"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/notify"
)

// ledgerServer is a fake profile credit endpoint tracking a balance.
type ledgerServer struct {
	mu      sync.Mutex
	balance int
	calls   int
	srv     *httptest.Server
}

func newLedgerServer(t *testing.T, balance int) *ledgerServer {
	ls := &ledgerServer{balance: balance}
	ls.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Amount int `json:"amount"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		ls.mu.Lock()
		ls.calls++
		ls.balance += req.Amount
		ls.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ls.srv.Close)
	return ls
}

func (ls *ledgerServer) snapshot() (balance, calls int) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.balance, ls.calls
}

// fakeNotifier records delivered payloads.
type fakeNotifier struct {
	mu       sync.Mutex
	payloads []notify.Payload
	fail     int // fail this many deliveries first
}

func (n *fakeNotifier) Deliver(_ context.Context, p notify.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail > 0 {
		n.fail--
		return errors.New("bot unreachable")
	}
	n.payloads = append(n.payloads, p)
	return nil
}

func (n *fakeNotifier) delivered() []notify.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Payload(nil), n.payloads...)
}

// fakeExecutor scripts per-attempt outcomes.
type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req Request) (map[string]interface{}, error)
}

func (e *fakeExecutor) Execute(_ context.Context, req Request) (map[string]interface{}, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()
	return e.fn(call, req)
}

type harness struct {
	orch     *Orchestrator
	queue    *Queue
	notifier *fakeNotifier
	ledger   *ledgerServer
	client   *redis.Client
}

func newHarness(t *testing.T, balance int, exec *fakeExecutor) *harness {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ls := newLedgerServer(t, balance)
	notifier := &fakeNotifier{}
	queue := NewQueue(client, "")

	orch := NewOrchestrator(OrchestratorOptions{
		Redis:      client,
		Ledger:     credits.NewLedger(ls.srv.URL, time.Second),
		Notifier:   notifier,
		Queue:      queue,
		DedupTTL:   time.Hour,
		MaxRetries: 3,
	})
	orch.RegisterExecutor(FlowAsk, exec)
	orch.RegisterExecutor(FlowPlan, exec)

	return &harness{orch: orch, queue: queue, notifier: notifier, ledger: ls, client: client}
}

// drain processes queued tasks until the queue is empty.
func (h *harness) drain(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		task, err := h.queue.Dequeue(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		if task == nil {
			return
		}
		_ = h.orch.Handle(ctx, task)
	}
	t.Fatal("queue did not drain")
}

func askRequest(rid string, cost int) Request {
	return Request{RequestID: rid, ProfileID: 7, Flow: FlowAsk, Question: "How much protein?", Cost: cost}
}

func TestAskSuccessChargesOnce(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ int, _ Request) (map[string]interface{}, error) {
		return map[string]interface{}{"answer": "About 1.8 g/kg."}, nil
	}}
	h := newHarness(t, 50, exec)
	ctx := context.Background()

	require.NoError(t, h.orch.Submit(ctx, askRequest("rid-1", 10)))
	h.drain(t)

	balance, calls := h.ledger.snapshot()
	assert.Equal(t, 40, balance)
	assert.Equal(t, 1, calls)

	delivered := h.notifier.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, "success", delivered[0].Status)
	assert.Equal(t, notify.EventAnswerReady, delivered[0].Event)
	assert.Equal(t, "About 1.8 g/kg.", delivered[0].Result["answer"])
	assert.Equal(t, 10, delivered[0].Result["cost"])
}

func TestDuplicateSubmitIsNoOp(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ int, _ Request) (map[string]interface{}, error) {
		return map[string]interface{}{"answer": "ok"}, nil
	}}
	h := newHarness(t, 50, exec)
	ctx := context.Background()

	require.NoError(t, h.orch.Submit(ctx, askRequest("rid-2", 10)))
	require.NoError(t, h.orch.Submit(ctx, askRequest("rid-2", 10)))
	h.drain(t)

	balance, calls := h.ledger.snapshot()
	assert.Equal(t, 40, balance, "duplicate must not charge again")
	assert.Equal(t, 1, calls)
	assert.Len(t, h.notifier.delivered(), 1)
	assert.Equal(t, 1, exec.calls)
}

func TestNonRetryableErrorRefunds(t *testing.T) {
	// The upstream rejects with a business error after the charge landed.
	exec := &fakeExecutor{fn: func(_ int, _ Request) (map[string]interface{}, error) {
		return nil, &credits.APIError{StatusCode: http.StatusPaymentRequired, Code: credits.CodeInsufficientCredits, Message: "not enough credits"}
	}}
	h := newHarness(t, 50, exec)
	ctx := context.Background()

	require.NoError(t, h.orch.Submit(ctx, askRequest("rid-3", 10)))
	h.drain(t)

	balance, calls := h.ledger.snapshot()
	assert.Equal(t, 50, balance, "charge then refund restores the balance")
	assert.Equal(t, 2, calls)

	delivered := h.notifier.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, "error", delivered[0].Status)
	assert.Equal(t, credits.CodeInsufficientCredits, delivered[0].Error)
	assert.Equal(t, true, delivered[0].Result["credits_refunded"])
	assert.True(t, delivered[0].Force)

	state := idem.New(h.client, FlowAsk, time.Hour)
	assert.True(t, state.Exists(ctx, idem.FieldRefunded, "rid-3"))
	assert.False(t, state.Exists(ctx, idem.FieldCharged, "rid-3"))
}

func TestRetryableErrorRetriesWithoutDoubleCharge(t *testing.T) {
	exec := &fakeExecutor{fn: func(call int, _ Request) (map[string]interface{}, error) {
		if call == 1 {
			return nil, Retryable(errors.New("upstream 503"))
		}
		return map[string]interface{}{"answer": "recovered"}, nil
	}}
	h := newHarness(t, 50, exec)
	ctx := context.Background()

	require.NoError(t, h.orch.Submit(ctx, askRequest("rid-4", 10)))

	// First attempt: retryable failure bubbles up for the queue.
	task, err := h.queue.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, task)
	err = h.orch.Handle(ctx, task)
	require.Error(t, err)
	assert.True(t, IsRetryableTask(err))

	// Queue retry: same payload, bumped attempt.
	task.Attempt++
	require.NoError(t, h.orch.Handle(ctx, task))

	balance, calls := h.ledger.snapshot()
	assert.Equal(t, 40, balance, "exactly one charge across both attempts")
	assert.Equal(t, 1, calls)

	delivered := h.notifier.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, "success", delivered[0].Status)
}

func TestRefundIdempotent(t *testing.T) {
	h := newHarness(t, 50, &fakeExecutor{})
	ctx := context.Background()
	req := askRequest("rid-5", 10)

	state := idem.New(h.client, FlowAsk, time.Hour)
	state.Set(ctx, idem.FieldCharged, "rid-5", "1")

	require.NoError(t, h.orch.Refund(ctx, req))
	require.NoError(t, h.orch.Refund(ctx, req))

	balance, calls := h.ledger.snapshot()
	assert.Equal(t, 60, balance, "single refund applied")
	assert.Equal(t, 1, calls)
	assert.True(t, state.Exists(ctx, idem.FieldRefunded, "rid-5"))
}

func TestNotifyGiveUpTriggersRefund(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ int, _ Request) (map[string]interface{}, error) {
		return map[string]interface{}{"answer": "ok"}, nil
	}}
	h := newHarness(t, 50, exec)
	h.notifier.fail = 1 // success callback delivery fails for good
	ctx := context.Background()

	require.NoError(t, h.orch.Submit(ctx, askRequest("rid-6", 10)))
	h.drain(t)

	balance, _ := h.ledger.snapshot()
	assert.Equal(t, 50, balance, "undeliverable result refunds the charge")

	state := idem.New(h.client, FlowAsk, time.Hour)
	reason, ok := state.Value(ctx, idem.FieldFailed, "rid-6")
	require.True(t, ok)
	assert.Equal(t, "notify_failed", reason)
}

func TestPlanFlowDoesNotCharge(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ int, _ Request) (map[string]interface{}, error) {
		return map[string]interface{}{"plan": "3-day split"}, nil
	}}
	h := newHarness(t, 50, exec)
	ctx := context.Background()

	req := Request{RequestID: "rid-7", ProfileID: 7, Flow: FlowPlan, Action: "create", Cost: 10}
	require.NoError(t, h.orch.Submit(ctx, req))
	h.drain(t)

	balance, calls := h.ledger.snapshot()
	assert.Equal(t, 50, balance, "plan credits are spent before enqueue")
	assert.Equal(t, 0, calls)

	delivered := h.notifier.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, notify.EventPlanReady, delivered[0].Event)
}

func TestPlanActionsDedupIndependently(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ int, _ Request) (map[string]interface{}, error) {
		return map[string]interface{}{"plan": "ok"}, nil
	}}
	h := newHarness(t, 50, exec)
	ctx := context.Background()

	create := Request{RequestID: "rid-8", ProfileID: 7, Flow: FlowPlan, Action: "create"}
	update := Request{RequestID: "rid-8", ProfileID: 7, Flow: FlowPlan, Action: "update"}
	require.NoError(t, h.orch.Submit(ctx, create))
	require.NoError(t, h.orch.Submit(ctx, update))
	h.drain(t)

	assert.Len(t, h.notifier.delivered(), 2, "same rid, different actions, both run")
}

func TestQueueRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := NewQueue(client, "test:queue")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{Kind: KindExecute, Payload: json.RawMessage(`{"request_id":"r1"}`)}))
	require.NoError(t, q.Enqueue(ctx, Task{Kind: KindRefund, Payload: json.RawMessage(`{"request_id":"r2"}`)}))
	assert.Equal(t, 2, q.Len(ctx))

	first, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, KindExecute, first.Kind)

	second, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, KindRefund, second.Kind)

	empty, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

type flakyHandler struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func (f *flakyHandler) Handle(_ context.Context, task *Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if task.Attempt == 0 {
		return Retryable(errors.New("transient"))
	}
	close(f.done)
	return nil
}

func TestPoolRetriesRetryableTasks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := NewQueue(client, "test:pool")
	h := &flakyHandler{done: make(chan struct{})}
	pool := NewPool(q, h, 2, 3, 5*time.Millisecond)
	pool.Start(context.Background())
	defer pool.Stop()

	require.NoError(t, q.Enqueue(context.Background(), Task{Kind: KindExecute, Payload: json.RawMessage(`{}`)}))

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not retried to completion")
	}
	assert.Equal(t, 2, h.calls)
}
