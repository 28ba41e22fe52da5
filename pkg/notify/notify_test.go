package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplab/loopcore/pkg/events"
	"github.com/looplab/loopcore/pkg/logging"
	"github.com/looplab/loopcore/pkg/models"
)

type captureSender struct {
	mu     sync.Mutex
	pushes []Push
}

func (s *captureSender) Send(ctx context.Context, push Push) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, push)
	return nil
}

func (s *captureSender) snapshot() []Push {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Push(nil), s.pushes...)
}

func waitForPushes(t *testing.T, sender *captureSender, want int) []Push {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pushes := sender.snapshot(); len(pushes) >= want {
			return pushes
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d pushes, got %d", want, len(sender.snapshot()))
	return nil
}

func testMeeting() *models.Meeting {
	return &models.Meeting{
		ID:           "m1",
		OrganizerID:  "alice",
		Title:        "Design review",
		Participants: []string{"alice", "bob", "carol"},
	}
}

func TestDispatchForwardsAndPushes(t *testing.T) {
	inner := &events.CaptureDispatcher{}
	sender := &captureSender{}
	svc := NewService(inner, sender, logging.NewNop())

	svc.Dispatch(events.Event{
		Type: events.EventMeetingCreated,
		Data: testMeeting(),
	})

	// The wrapped dispatcher always sees the event.
	require.Len(t, inner.Events, 1)

	// The organizer is excluded from invitation pushes.
	pushes := waitForPushes(t, sender, 2)
	users := map[string]bool{}
	for _, push := range pushes {
		users[push.UserID] = true
		assert.Equal(t, "m1", push.Data["meeting_id"])
	}
	assert.False(t, users["alice"])
	assert.True(t, users["bob"])
	assert.True(t, users["carol"])
}

func TestDispatchMeetingStartingPushesEveryone(t *testing.T) {
	inner := &events.CaptureDispatcher{}
	sender := &captureSender{}
	svc := NewService(inner, sender, logging.NewNop())

	svc.Dispatch(events.Event{
		Type: events.EventMeetingStarting,
		Data: testMeeting(),
	})

	pushes := waitForPushes(t, sender, 3)
	assert.Len(t, pushes, 3)
	assert.Contains(t, pushes[0].Body, "starting now")
}

func TestDispatchRealtimeOnlyEventsSkipPush(t *testing.T) {
	inner := &events.CaptureDispatcher{}
	sender := &captureSender{}
	svc := NewService(inner, sender, logging.NewNop())

	svc.Dispatch(events.Event{Type: events.EventPresenceOnline, Data: map[string]string{"user_id": "alice"}})
	svc.Dispatch(events.Event{Type: events.EventStoreChange})

	require.Len(t, inner.Events, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sender.snapshot())
}
