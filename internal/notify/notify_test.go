package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewSigner("key-1", "secret")
	body := []byte(`{"event":"ai_answer_ready"}`)

	req := httptest.NewRequest(http.MethodPost, "/internal/notify/", nil)
	s.Sign(req, body)

	require.NoError(t, s.Verify(req.Header, body))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	s := NewSigner("key-1", "secret")
	body := []byte(`{"amount":1}`)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	s.Sign(req, body)

	assert.Error(t, s.Verify(req.Header, []byte(`{"amount":100}`)))
}

func TestVerifyRejectsWrongKeyID(t *testing.T) {
	signer := NewSigner("key-1", "secret")
	other := NewSigner("key-2", "secret")
	body := []byte("x")

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	signer.Sign(req, body)

	assert.Error(t, other.Verify(req.Header, body))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	s := NewSigner("key-1", "secret")
	body := []byte("x")

	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	header := http.Header{}
	header.Set(HeaderKeyID, "key-1")
	header.Set(HeaderTimestamp, stale)
	header.Set(HeaderSignature, s.sign(stale, body))

	err := s.Verify(header, body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skew")
}

func TestDeliverSignsAndPosts(t *testing.T) {
	signer := NewSigner("key-1", "secret")
	var received Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/internal/tasks/ai_answer_ready/", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, signer.Verify(r.Header, body))
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, signer, time.Second)
	err := c.Deliver(context.Background(), Payload{
		Event:     EventAnswerReady,
		RequestID: "req-1",
		ProfileID: 7,
		Status:    "success",
		Result:    map[string]interface{}{"answer": "Eat more protein."},
	})
	require.NoError(t, err)
	assert.Equal(t, EventAnswerReady, received.Event)
	assert.Equal(t, "req-1", received.RequestID)
}

func TestDeliverRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, NewSigner("k", "s"), time.Second)
	c.backoff = 2 * time.Millisecond
	require.NoError(t, c.Deliver(context.Background(), Payload{Event: EventPlanReady, RequestID: "req-2"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliverGivesUpOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, NewSigner("k", "s"), time.Second)
	c.backoff = 2 * time.Millisecond
	err := c.Deliver(context.Background(), Payload{Event: EventDietReady, RequestID: "req-3"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not retry")
}
