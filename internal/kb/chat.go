package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

const (
	chatHistoryKeyFmt  = "ai_coach:kb_chat:history:%d"
	chatLanguageKeyFmt = "ai_coach:kb_chat:language:%d"
	agentSessionKeyFmt = "agent_sessions:%s:%s"

	// chatHistoryLimit caps the rolling history list per profile.
	chatHistoryLimit = 200

	chatHistoryTTL  = 30 * 24 * time.Hour
	chatLanguageTTL = 30 * 24 * time.Hour
	agentSessionTTL = 24 * time.Hour
)

// ChatMessage is one turn of the coach conversation as cached in Redis.
type ChatMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatCache keeps the rolling per-profile conversation history and the
// detected language in Redis, alongside agent session scratch state.
type ChatCache struct {
	client *redis.Client
}

// NewChatCache wires the chat cache.
func NewChatCache(client *redis.Client) *ChatCache {
	return &ChatCache{client: client}
}

// Append pushes a message onto the profile's history, trimming to the
// rolling window. Failures are logged, not returned; the cache is a
// convenience layer over the durable KB.
func (c *ChatCache) Append(ctx context.Context, profileID int64, msg ChatMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := fmt.Sprintf(chatHistoryKeyFmt, profileID)
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -chatHistoryLimit, -1)
	pipe.Expire(ctx, key, chatHistoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Get(logging.CategoryChat).Warn("history append for profile %d failed: %v", profileID, err)
	}
}

// History returns up to limit most recent messages, oldest first.
func (c *ChatCache) History(ctx context.Context, profileID int64, limit int) []ChatMessage {
	if limit <= 0 || limit > chatHistoryLimit {
		limit = chatHistoryLimit
	}
	key := fmt.Sprintf(chatHistoryKeyFmt, profileID)
	raw, err := c.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil
	}
	out := make([]ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// SetLanguage records the profile's detected conversation language.
func (c *ChatCache) SetLanguage(ctx context.Context, profileID int64, lang string) {
	if lang == "" {
		return
	}
	key := fmt.Sprintf(chatLanguageKeyFmt, profileID)
	if err := c.client.Set(ctx, key, lang, chatLanguageTTL).Err(); err != nil {
		logging.Get(logging.CategoryChat).Warn("language set for profile %d failed: %v", profileID, err)
	}
}

// Language returns the cached language or "" when unknown.
func (c *ChatCache) Language(ctx context.Context, profileID int64) string {
	key := fmt.Sprintf(chatLanguageKeyFmt, profileID)
	lang, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return ""
	}
	return lang
}

// SaveAgentSession stores opaque agent scratch state keyed by user and
// session.
func (c *ChatCache) SaveAgentSession(ctx context.Context, userID, sessionID string, state []byte) error {
	key := fmt.Sprintf(agentSessionKeyFmt, userID, sessionID)
	return c.client.Set(ctx, key, state, agentSessionTTL).Err()
}

// LoadAgentSession retrieves agent scratch state, (nil, false) on miss.
func (c *ChatCache) LoadAgentSession(ctx context.Context, userID, sessionID string) ([]byte, bool) {
	key := fmt.Sprintf(agentSessionKeyFmt, userID, sessionID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

// ChatProjectionScheduler debounces chat dataset projection: message
// writes queue an alias, and a projection run fires once the debounce
// window since the alias's last run has passed. An armed timer is never
// pushed forward, so a sustained message stream still projects roughly
// once per window, and the first message after a quiet period projects
// promptly. Failed runs reschedule themselves once.
type ChatProjectionScheduler struct {
	projection *Projection
	debounce   time.Duration
	user       string

	mu      sync.Mutex
	pending map[string]*time.Timer
	lastRun map[string]time.Time
	wg      sync.WaitGroup

	closed   chan struct{}
	stopOnce sync.Once
}

// NewChatProjectionScheduler wires the scheduler. The debounce window
// comes straight from config (minutes in production, milliseconds in
// tests).
func NewChatProjectionScheduler(projection *Projection, debounce time.Duration, user string) *ChatProjectionScheduler {
	return &ChatProjectionScheduler{
		projection: projection,
		debounce:   debounce,
		user:       user,
		pending:    make(map[string]*time.Timer),
		lastRun:    make(map[string]time.Time),
		closed:     make(chan struct{}),
	}
}

// Queue schedules a projection run for the alias at
// max(0, last_run + debounce - now). Repeated calls while a timer is
// armed collapse into that one run.
func (s *ChatProjectionScheduler) Queue(alias string) {
	alias = CanonicalAlias(alias)

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return
	default:
	}

	if _, ok := s.pending[alias]; ok {
		logging.ChatDebug("projection for %s already scheduled", alias)
		return
	}

	delay := s.debounce - time.Since(s.lastRun[alias])
	if delay < 0 {
		delay = 0
	}
	s.arm(alias, delay, true)
	logging.ChatDebug("projection for %s queued in %s (debounce %s)", alias, delay, s.debounce)
}

// arm registers a pending timer. Caller holds s.mu.
func (s *ChatProjectionScheduler) arm(alias string, delay time.Duration, retry bool) {
	s.wg.Add(1)
	s.pending[alias] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.run(alias, retry)
	})
}

// run executes one projection pass for the alias. The last-run stamp
// advances on success and failure alike so the next window is measured
// from this attempt. On failure the alias is rescheduled once; a second
// failure waits for the next message.
func (s *ChatProjectionScheduler) run(alias string, retry bool) {
	s.mu.Lock()
	delete(s.pending, alias)
	s.lastRun[alias] = time.Now()
	s.mu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s.projection.Invalidate(alias)
	if err := s.projection.Project(ctx, alias, s.user, false); err != nil {
		logging.Get(logging.CategoryChat).Warn("chat projection for %s failed: %v", alias, err)
		if retry {
			s.mu.Lock()
			select {
			case <-s.closed:
				s.mu.Unlock()
				return
			default:
			}
			if _, ok := s.pending[alias]; !ok {
				s.arm(alias, s.debounce, false)
			}
			s.mu.Unlock()
		}
		return
	}
	logging.Chat("chat dataset %s projected", alias)
}

// Stop cancels pending timers and waits for in-flight runs to finish.
func (s *ChatProjectionScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		for alias, timer := range s.pending {
			if timer.Stop() {
				s.wg.Done()
			}
			delete(s.pending, alias)
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}
