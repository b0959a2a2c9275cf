// Package coach holds the flow executors: the ask flow answers a
// client question over the knowledge base with an LLM, the plan and
// diet flows call the upstream generation engine.
package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/kb"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/tasks"
)

// ErrKnowledgeBaseEmpty is the terminal failure for an ask request
// against a profile with no retrievable context at all.
var ErrKnowledgeBaseEmpty = errors.New("knowledge_base_empty")

const (
	// historyTurns caps how much recent conversation goes into the prompt.
	historyTurns = 20

	systemPrompt = "You are a professional fitness coach. Answer in the " +
		"client's language, ground every recommendation in the provided " +
		"context and the client's profile, and refuse medical diagnosis."
)

// ChatModel generates a completion for a system+user prompt pair.
// Implementations wrap transient upstream failures via tasks.Retryable.
type ChatModel interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Searcher is the retrieval surface of the knowledge base.
type Searcher interface {
	Search(ctx context.Context, query string, profileID int64, opts kb.SearchOptions) ([]kb.Snippet, error)
}

// Conversation supplies recent history and the client's language.
// Satisfied by *kb.ChatCache.
type Conversation interface {
	History(ctx context.Context, profileID int64, limit int) []kb.ChatMessage
	Language(ctx context.Context, profileID int64) string
}

// AskExecutor answers free-form questions: retrieve snippets, build
// the grounded prompt and complete it with the model.
type AskExecutor struct {
	search Searcher
	conv   Conversation
	model  ChatModel
}

// NewAskExecutor wires the ask flow.
func NewAskExecutor(search Searcher, conv Conversation, model ChatModel) *AskExecutor {
	return &AskExecutor{search: search, conv: conv, model: model}
}

// Execute implements tasks.Executor for the ask flow.
func (e *AskExecutor) Execute(ctx context.Context, req tasks.Request) (map[string]interface{}, error) {
	timer := logging.StartTimer(logging.CategorySearch, "AskExecute")
	defer timer.Stop()

	snippets, err := e.search.Search(ctx, req.Question, req.ProfileID, kb.SearchOptions{
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("ask %s: retrieval: %w", req.RequestID, err)
	}
	if len(snippets) == 0 {
		return nil, ErrKnowledgeBaseEmpty
	}

	prompt := e.buildPrompt(ctx, req, snippets)
	answer, err := e.model.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("ask %s: completion: %w", req.RequestID, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, fmt.Errorf("ask %s: model returned empty answer", req.RequestID)
	}

	return map[string]interface{}{
		"answer":  answer,
		"sources": sourceList(snippets),
	}, nil
}

// buildPrompt assembles context, recent history and the question into
// one user prompt. Sections the profile lacks are simply absent.
func (e *AskExecutor) buildPrompt(ctx context.Context, req tasks.Request, snippets []kb.Snippet) string {
	var sb strings.Builder

	if lang := e.conv.Language(ctx, req.ProfileID); lang != "" {
		fmt.Fprintf(&sb, "Client language: %s\n\n", lang)
	}

	sb.WriteString("Context:\n")
	for _, sn := range snippets {
		fmt.Fprintf(&sb, "- [%s] %s\n", sn.Dataset, sn.Text)
	}

	if history := e.conv.History(ctx, req.ProfileID, historyTurns); len(history) > 0 {
		sb.WriteString("\nRecent conversation:\n")
		for _, msg := range history {
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Text)
		}
	}

	fmt.Fprintf(&sb, "\nQuestion: %s\n", req.Question)
	return sb.String()
}

// sourceList returns the distinct datasets behind the snippets, in
// first-seen order.
func sourceList(snippets []kb.Snippet) []string {
	seen := make(map[string]struct{}, len(snippets))
	var out []string
	for _, sn := range snippets {
		if _, ok := seen[sn.Dataset]; ok {
			continue
		}
		seen[sn.Dataset] = struct{}{}
		out = append(out, sn.Dataset)
	}
	return out
}
