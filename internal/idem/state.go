// Package idem is a thin typed wrapper over Redis SET NX / EXISTS / DEL
// for the per-request idempotency flags of the task pipeline. All
// operations are best-effort: transport failures degrade to "assume
// claimed" rather than "assume free", trading a possibly dropped retry
// (the queue will retry again) for never double-executing.
package idem

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// Flag fields composing the per-request protocol.
const (
	FieldClaim      = "claim"
	FieldTask       = "task"
	FieldDelivered  = "delivered"
	FieldFailed     = "failed"
	FieldCharged    = "charged"
	FieldRefundLock = "refund_lock"
	FieldRefunded   = "refunded"
)

// State scopes idempotency flags to one flow ("plan", "diet", "ask").
type State struct {
	client *redis.Client
	flow   string
	ttl    time.Duration
}

// New creates the flag store for a flow with the given flag TTL.
func New(client *redis.Client, flow string, ttl time.Duration) *State {
	return &State{client: client, flow: flow, ttl: ttl}
}

// Flow returns the flow name this state is scoped to.
func (s *State) Flow() string { return s.flow }

func (s *State) key(field, rid string) string {
	return fmt.Sprintf("ai:%s:%s:%s", s.flow, field, rid)
}

// Claim atomically sets the flag if absent. Returns true when this
// caller won the claim. Transport errors report false (assume claimed).
func (s *State) Claim(ctx context.Context, field, rid string) bool {
	ok, err := s.client.SetNX(ctx, s.key(field, rid), "1", s.ttl).Result()
	if err != nil {
		logging.Get(logging.CategoryRedis).Error("Claim %s/%s failed, assuming claimed: %v", field, rid, err)
		return false
	}
	return ok
}

// Exists reports whether the flag is set. Transport errors report true
// (assume claimed).
func (s *State) Exists(ctx context.Context, field, rid string) bool {
	n, err := s.client.Exists(ctx, s.key(field, rid)).Result()
	if err != nil {
		logging.Get(logging.CategoryRedis).Error("Exists %s/%s failed, assuming claimed: %v", field, rid, err)
		return true
	}
	return n > 0
}

// Set writes a flag with a value (used for failed(reason)).
func (s *State) Set(ctx context.Context, field, rid, value string) {
	if err := s.client.Set(ctx, s.key(field, rid), value, s.ttl).Err(); err != nil {
		logging.Get(logging.CategoryRedis).Error("Set %s/%s failed: %v", field, rid, err)
	}
}

// Value reads a flag's value. Second return is false when absent or on
// transport error.
func (s *State) Value(ctx context.Context, field, rid string) (string, bool) {
	v, err := s.client.Get(ctx, s.key(field, rid)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		logging.Get(logging.CategoryRedis).Error("Value %s/%s failed: %v", field, rid, err)
		return "", false
	}
	return v, true
}

// Clear removes a flag.
func (s *State) Clear(ctx context.Context, field, rid string) {
	if err := s.client.Del(ctx, s.key(field, rid)).Err(); err != nil {
		logging.Get(logging.CategoryRedis).Error("Clear %s/%s failed: %v", field, rid, err)
	}
}
