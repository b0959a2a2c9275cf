// Package tasks runs the durable task pipeline: a Redis-list queue with
// a worker pool, and the orchestrator driving the plan/diet/ask flows
// through claim, charge, execute, notify and refund.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// Task kinds the worker dispatches on.
const (
	KindExecute     = "execute"
	KindRefund      = "refund"
	KindProfileSync = "profile_sync"
	KindMemify      = "memify"
)

// DefaultQueueKey is the Redis list the workers consume.
const DefaultQueueKey = "ai_coach:tasks"

// Task is one queued unit of work.
type Task struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// Queue is a Redis-list-backed FIFO task queue.
type Queue struct {
	client *redis.Client
	key    string
}

// NewQueue creates a queue over the given list key ("" takes default).
func NewQueue(client *redis.Client, key string) *Queue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &Queue{client: client, key: key}
}

// Enqueue appends a task to the queue.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return err
	}
	logging.TasksDebug("enqueued %s (attempt %d)", task.Kind, task.Attempt)
	return nil
}

// Dequeue blocks up to timeout for the next task. Returns (nil, nil)
// when the wait expires empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPop returns [key, value].
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		logging.Get(logging.CategoryTasks).Error("dropping undecodable task: %v", err)
		return nil, nil
	}
	return &task, nil
}

// Len reports the number of queued tasks.
func (q *Queue) Len(ctx context.Context) int {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Handler processes one task. A returned error with Retry set requeues
// the task (bounded by the pool's max attempts).
type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

// RetryableError marks a failure the queue should retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as queue-retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryableTask reports whether err asks for a queue retry.
func IsRetryableTask(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Pool consumes the queue with a fixed number of workers.
type Pool struct {
	queue       *Queue
	handler     Handler
	workers     int
	maxRetries  int
	retryDelay  time.Duration
	pollTimeout time.Duration

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPool builds a worker pool. Zero values take sane defaults.
func NewPool(queue *Queue, handler Handler, workers, maxRetries int, retryDelay time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &Pool{
		queue:       queue,
		handler:     handler,
		workers:     workers,
		maxRetries:  maxRetries,
		retryDelay:  retryDelay,
		pollTimeout: time.Second,
	}
}

// Start launches the workers. Call Stop to drain and wait.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		p.group.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	logging.Tasks("worker pool started (%d workers)", p.workers)
}

// Stop cancels the workers and waits for in-flight tasks.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.group.Wait()
	logging.Tasks("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.queue.Dequeue(ctx, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Get(logging.CategoryTasks).Error("worker %d dequeue failed: %v", worker, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollTimeout):
			}
			continue
		}
		if task == nil {
			continue
		}

		p.process(ctx, task)
	}
}

// process runs one task and requeues retryable failures with a delay,
// exponential in the attempt count.
func (p *Pool) process(ctx context.Context, task *Task) {
	err := p.handler.Handle(ctx, task)
	if err == nil {
		return
	}

	if IsRetryableTask(err) && task.Attempt < p.maxRetries {
		delay := p.retryDelay * (1 << task.Attempt)
		logging.Get(logging.CategoryTasks).Warn("task %s attempt %d failed, retrying in %s: %v", task.Kind, task.Attempt, delay, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		requeued := *task
		requeued.Attempt++
		if qErr := p.queue.Enqueue(context.WithoutCancel(ctx), requeued); qErr != nil {
			logging.Get(logging.CategoryTasks).Error("requeue of %s failed: %v", task.Kind, qErr)
		}
		return
	}

	logging.Get(logging.CategoryTasks).Error("task %s failed terminally after attempt %d: %v", task.Kind, task.Attempt, err)
}
