package assistant

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplab/loopcore/pkg/config"
	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/logging"
)

func newTestService(maxHistory int) *Service {
	return NewService(config.AssistantConfig{
		APIKey:     "test-key",
		Model:      "test-model",
		MaxHistory: maxHistory,
	}, logging.NewNop())
}

func TestChatValidatesInput(t *testing.T) {
	svc := newTestService(10)
	ctx := context.Background()

	var validation *apperrors.ValidationError

	_, err := svc.Chat(ctx, "", "", "hello")
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "user_id", validation.Field)

	_, err = svc.Chat(ctx, "alice", "", "   ")
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "message", validation.Field)
}

func TestBuildSystemPromptByRole(t *testing.T) {
	member := buildSystemPrompt("")
	assert.True(t, strings.HasPrefix(member, basePrompt))

	admin := buildSystemPrompt("Admin")
	assert.Contains(t, admin, "administrator")

	instructor := buildSystemPrompt("instructor")
	assert.Contains(t, instructor, "instructor")
	assert.Equal(t, instructor, buildSystemPrompt("teacher"))

	// Unknown roles fall back to the member prompt.
	assert.Equal(t, member, buildSystemPrompt("robot"))
}

func TestHistoryTrimmedAndIsolatedPerUser(t *testing.T) {
	svc := newTestService(4)

	for i := 0; i < 4; i++ {
		svc.remember("alice",
			Message{Role: "user", Content: "question"},
			Message{Role: "assistant", Content: "answer"})
	}
	svc.remember("bob", Message{Role: "user", Content: "other"})

	history := svc.snapshot("alice")
	require.Len(t, history, 4)
	assert.Equal(t, "user", history[0].Role)

	assert.Len(t, svc.snapshot("bob"), 1)

	svc.Reset("alice")
	assert.Empty(t, svc.snapshot("alice"))
	assert.Len(t, svc.snapshot("bob"), 1)
}
