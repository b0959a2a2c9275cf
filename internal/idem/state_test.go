package idem

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newState(t *testing.T) (*State, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "ask", time.Hour), mr
}

func TestClaimIsExclusive(t *testing.T) {
	s, _ := newState(t)
	ctx := context.Background()

	assert.True(t, s.Claim(ctx, FieldClaim, "rid-1"))
	assert.False(t, s.Claim(ctx, FieldClaim, "rid-1"), "second claim must lose")
	assert.True(t, s.Claim(ctx, FieldClaim, "rid-2"), "other request unaffected")
}

func TestKeyNamespace(t *testing.T) {
	s, mr := newState(t)
	ctx := context.Background()

	require.True(t, s.Claim(ctx, FieldCharged, "abc"))
	assert.True(t, mr.Exists("ai:ask:charged:abc"))
}

func TestSetValueClear(t *testing.T) {
	s, _ := newState(t)
	ctx := context.Background()

	_, ok := s.Value(ctx, FieldFailed, "r")
	assert.False(t, ok)

	s.Set(ctx, FieldFailed, "r", "insufficient_credits")
	v, ok := s.Value(ctx, FieldFailed, "r")
	require.True(t, ok)
	assert.Equal(t, "insufficient_credits", v)
	assert.True(t, s.Exists(ctx, FieldFailed, "r"))

	s.Clear(ctx, FieldFailed, "r")
	assert.False(t, s.Exists(ctx, FieldFailed, "r"))
}

func TestFlagsExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := New(client, "plan", time.Minute)
	ctx := context.Background()

	require.True(t, s.Claim(ctx, FieldClaim, "r"))
	mr.FastForward(2 * time.Minute)
	assert.False(t, s.Exists(ctx, FieldClaim, "r"))
}

func TestTransportErrorDegradesToClaimed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := New(client, "ask", time.Hour)
	ctx := context.Background()

	mr.Close() // sever the connection

	assert.False(t, s.Claim(ctx, FieldClaim, "r"), "claim on broken redis must not win")
	assert.True(t, s.Exists(ctx, FieldDelivered, "r"), "exists on broken redis must assume claimed")
}
