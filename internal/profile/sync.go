// Package profile pulls fitness profile data from the profile service
// into the per-profile knowledge dataset so the coach agent can ground
// its answers in the client's own goals and constraints.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/kb"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// Profile is the subset of the profile service record the coach cares
// about.
type Profile struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Age         int      `json:"age,omitempty"`
	Sex         string   `json:"sex,omitempty"`
	HeightCM    int      `json:"height_cm,omitempty"`
	WeightKG    float64  `json:"weight_kg,omitempty"`
	Goal        string   `json:"goal,omitempty"`
	Activity    string   `json:"activity_level,omitempty"`
	Limitations []string `json:"limitations,omitempty"`
	Preferences []string `json:"preferences,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

// Writer is the KB write surface the syncer needs.
type Writer interface {
	UpdateDataset(ctx context.Context, text, alias, user string, nodeSet []string, metadata map[string]interface{}) error
}

// Syncer fetches profiles over HTTP and mirrors them into the KB.
type Syncer struct {
	baseURL string
	client  *http.Client
	writer  Writer
	user    string
}

// NewSyncer builds a profile syncer against the profile service.
func NewSyncer(baseURL string, timeout time.Duration, writer Writer, user string) *Syncer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Syncer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		writer:  writer,
		user:    user,
	}
}

// SyncProfile fetches the profile and upserts its rendered summary into
// the profile dataset. The write path dedups on content, so an
// unchanged profile is a no-op.
func (s *Syncer) SyncProfile(ctx context.Context, profileID int64) error {
	timer := logging.StartTimer(logging.CategoryTasks, "SyncProfile")
	defer timer.Stop()

	p, err := s.fetch(ctx, profileID)
	if err != nil {
		return err
	}

	text := Render(p)
	meta := map[string]interface{}{
		"source": "profile_sync",
		"kind":   kb.KindSummary,
	}
	if err := s.writer.UpdateDataset(ctx, text, kb.ProfileAlias(profileID), s.user, nil, meta); err != nil {
		return fmt.Errorf("profile %d sync write: %w", profileID, err)
	}
	logging.TasksDebug("profile %d synced into KB", profileID)
	return nil
}

func (s *Syncer) fetch(ctx context.Context, profileID int64) (Profile, error) {
	url := fmt.Sprintf("%s/internal/profiles/%d/", s.baseURL, profileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Profile{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("profile %d fetch: %w", profileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("profile %d fetch: http %d", profileID, resp.StatusCode)
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("profile %d undecodable: %w", profileID, err)
	}
	return p, nil
}

// Render flattens a profile into the plain-text document stored in the
// KB. Stable field order keeps the content digest stable.
func Render(p Profile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Client profile: %s\n", p.Name)
	if p.Age > 0 {
		fmt.Fprintf(&sb, "Age: %d\n", p.Age)
	}
	if p.Sex != "" {
		fmt.Fprintf(&sb, "Sex: %s\n", p.Sex)
	}
	if p.HeightCM > 0 {
		fmt.Fprintf(&sb, "Height: %d cm\n", p.HeightCM)
	}
	if p.WeightKG > 0 {
		fmt.Fprintf(&sb, "Weight: %.1f kg\n", p.WeightKG)
	}
	if p.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", p.Goal)
	}
	if p.Activity != "" {
		fmt.Fprintf(&sb, "Activity level: %s\n", p.Activity)
	}
	if len(p.Limitations) > 0 {
		fmt.Fprintf(&sb, "Limitations: %s\n", strings.Join(p.Limitations, ", "))
	}
	if len(p.Preferences) > 0 {
		fmt.Fprintf(&sb, "Preferences: %s\n", strings.Join(p.Preferences, ", "))
	}
	return sb.String()
}
