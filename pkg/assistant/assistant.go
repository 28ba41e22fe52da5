// Package assistant provides the in-app AI helper. It talks to an
// OpenAI-compatible chat completion endpoint and keeps a bounded
// per-user conversation history so follow-up questions have context.
package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/looplab/loopcore/pkg/config"
	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/logging"
)

const basePrompt = "You are the LoopLab assistant. You help users plan meetings, " +
	"resolve scheduling questions, and use the app. Keep answers short and practical."

// buildSystemPrompt extends the base prompt with capabilities for the
// caller's role. Unknown or empty roles get the member prompt.
func buildSystemPrompt(role string) string {
	prompt := basePrompt
	switch strings.ToLower(role) {
	case "admin":
		prompt += " The user is an administrator; you can also help with user " +
			"management, moderation, and usage reporting."
	case "teacher", "instructor":
		prompt += " The user is an instructor; you can also help with session " +
			"scheduling, participant management, and recurring series setup."
	}
	return prompt
}

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Service implements the AI assistant
type Service struct {
	client     openai.Client
	model      string
	maxHistory int
	logger     *logging.Logger

	mu       sync.Mutex
	sessions map[string][]Message
}

// NewService creates an assistant backed by cfg's endpoint.
func NewService(cfg config.AssistantConfig, logger *logging.Logger) *Service {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 20
	}
	return &Service{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		maxHistory: maxHistory,
		logger:     logger,
		sessions:   make(map[string][]Message),
	}
}

// Chat sends a user message and returns the assistant's reply. History is
// kept per user and trimmed to the configured window. The role shapes the
// system prompt; pass "" for a regular member.
func (s *Service) Chat(ctx context.Context, userID, role, text string) (string, error) {
	text = strings.TrimSpace(text)
	if userID == "" {
		return "", apperrors.NewValidation("user_id", "user id is required")
	}
	if text == "" {
		return "", apperrors.NewValidation("message", "message is required")
	}

	history := s.snapshot(userID)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(buildSystemPrompt(role)))
	for _, m := range history {
		if m.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(text))

	completion, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       s.model,
		Temperature: openai.Float(0.7),
	})
	if err != nil {
		return "", &apperrors.CapabilityFailure{Capability: "assistant", Err: err}
	}
	if len(completion.Choices) == 0 {
		return "", &apperrors.CapabilityFailure{Capability: "assistant", Err: errors.New("completion returned no choices")}
	}
	reply := completion.Choices[0].Message.Content

	s.remember(userID, Message{Role: "user", Content: text}, Message{Role: "assistant", Content: reply})
	s.logger.Debug("assistant reply", "user_id", userID, "chars", len(reply))
	return reply, nil
}

// Reset clears a user's conversation history.
func (s *Service) Reset(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
}

func (s *Service) snapshot(userID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.sessions[userID]
	out := make([]Message, len(history))
	copy(out, history)
	return out
}

func (s *Service) remember(userID string, turns ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.sessions[userID], turns...)
	if len(history) > s.maxHistory {
		history = history[len(history)-s.maxHistory:]
	}
	s.sessions[userID] = history
}
