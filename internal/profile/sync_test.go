package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/kb"
)

type captureWriter struct {
	text  string
	alias string
	meta  map[string]interface{}
}

func (w *captureWriter) UpdateDataset(_ context.Context, text, alias, _ string, _ []string, metadata map[string]interface{}) error {
	w.text = text
	w.alias = alias
	w.meta = metadata
	return nil
}

func TestSyncProfileWritesSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/internal/profiles/7/", r.URL.Path)
		json.NewEncoder(w).Encode(Profile{
			ID:          7,
			Name:        "Alex",
			Age:         31,
			Goal:        "muscle gain",
			Limitations: []string{"knee injury"},
		})
	}))
	defer srv.Close()

	w := &captureWriter{}
	s := NewSyncer(srv.URL, time.Second, w, "system")
	require.NoError(t, s.SyncProfile(context.Background(), 7))

	assert.Equal(t, kb.ProfileAlias(7), w.alias)
	assert.Contains(t, w.text, "Client profile: Alex")
	assert.Contains(t, w.text, "Goal: muscle gain")
	assert.Contains(t, w.text, "knee injury")
	assert.Equal(t, kb.KindSummary, w.meta["kind"])
}

func TestSyncProfileFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSyncer(srv.URL, time.Second, &captureWriter{}, "system")
	err := s.SyncProfile(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 502")
}

func TestRenderStableOrder(t *testing.T) {
	p := Profile{Name: "Sam", Age: 40, WeightKG: 82.5}
	assert.Equal(t, Render(p), Render(p))
	assert.Contains(t, Render(p), "Weight: 82.5 kg")
}
