package presence

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
	"github.com/looplab/loopcore/pkg/orchestrator"
	"github.com/looplab/loopcore/pkg/repository"
)

type roomStub struct{}

func (roomStub) AcquireRoom(ctx context.Context, meetingID string) (*models.RoomHandle, error) {
	return &models.RoomHandle{ID: "room-" + meetingID, MeetingID: meetingID, URL: "https://rooms.test/" + meetingID}, nil
}

func (roomStub) ReleaseRoom(ctx context.Context, handle models.RoomHandle) error { return nil }

type leaveRecorder struct {
	mu     sync.Mutex
	leaves []string // "meetingID/userID"
}

func (r *leaveRecorder) RecordLeave(ctx context.Context, meetingID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves = append(r.leaves, meetingID+"/"+userID)
	return nil
}

func newTestTracker() (*Tracker, *leaveRecorder, *events.CaptureDispatcher, *repository.Registry) {
	reg := repository.NewMemoryRegistry()
	leaver := &leaveRecorder{}
	dispatcher := &events.CaptureDispatcher{}
	tracker := NewTracker(reg.Presence, leaver, dispatcher, logging.NewNop(), Config{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    15 * time.Second,
	})
	return tracker, leaver, dispatcher, reg
}

func TestHeartbeatCreatesAndRefreshes(t *testing.T) {
	tracker, _, dispatcher, reg := newTestTracker()
	ctx := context.Background()

	now := time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)
	tracker.WithClock(func() time.Time { return now })

	require.NoError(t, tracker.Heartbeat(ctx, "alice"))

	record, err := reg.Presence.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, record.Status)
	assert.Equal(t, now, record.LastHeartbeat)

	// First contact announces the online transition; repeats do not.
	require.Len(t, dispatcher.Events, 1)
	assert.Equal(t, events.EventPresenceOnline, dispatcher.Events[0].Type)

	require.NoError(t, tracker.Heartbeat(ctx, "alice"))
	assert.Len(t, dispatcher.Events, 1)
}

func TestHeartbeatPreservesInMeetingStatus(t *testing.T) {
	tracker, _, _, reg := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tracker.Heartbeat(ctx, "alice"))
	require.NoError(t, tracker.MarkJoined(ctx, "alice", "m1"))
	require.NoError(t, tracker.Heartbeat(ctx, "alice"))

	record, err := reg.Presence.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceInMeeting, record.Status)
	assert.Equal(t, "m1", record.CurrentMeetingID)
}

func TestQueryOnline(t *testing.T) {
	tracker, _, _, _ := newTestTracker()
	ctx := context.Background()

	now := time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)
	tracker.WithClock(func() time.Time { return now })
	require.NoError(t, tracker.Heartbeat(ctx, "alice"))

	// Two minutes later alice's heartbeat is stale and bob never appeared.
	tracker.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	online, err := tracker.QueryOnline(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.False(t, online["alice"])
	assert.False(t, online["bob"])

	require.NoError(t, tracker.Heartbeat(ctx, "alice"))
	online, err = tracker.QueryOnline(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.True(t, online["alice"])
}

func TestSweepExpiresSilentUsers(t *testing.T) {
	tracker, leaver, dispatcher, reg := newTestTracker()
	ctx := context.Background()

	now := time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)
	tracker.WithClock(func() time.Time { return now })
	require.NoError(t, tracker.Heartbeat(ctx, "alice"))
	require.NoError(t, tracker.MarkJoined(ctx, "alice", "m1"))

	tracker.WithClock(func() time.Time { return now.Add(3 * time.Minute) })
	tracker.Sweep(ctx)

	record, err := reg.Presence.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, record.Status)
	assert.Empty(t, record.CurrentMeetingID)

	// The implicit leave fired exactly once even if the sweeper runs again.
	assert.Equal(t, []string{"m1/alice"}, leaver.leaves)
	tracker.Sweep(ctx)
	assert.Equal(t, []string{"m1/alice"}, leaver.leaves)

	types := make([]string, 0, len(dispatcher.Events))
	for _, event := range dispatcher.Events {
		types = append(types, event.Type)
	}
	assert.Contains(t, types, events.EventPresenceOffline)
}

func TestSessionEndClearsMembershipAndPresence(t *testing.T) {
	reg := repository.NewMemoryRegistry()
	logger := logging.NewNop()
	hook := NewSessionHook(&events.CaptureDispatcher{}, reg.Presence, logger)
	orch := orchestrator.New(reg, roomStub{}, hook, logger, orchestrator.Config{MaxRetries: 3})
	tracker := NewTracker(reg.Presence, orch, hook, logger, Config{HeartbeatTimeout: 90 * time.Second})
	ctx := context.Background()

	start := time.Date(2026, 9, 10, 14, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Meetings.Create(ctx, &models.Meeting{
		ID:           "m1",
		OrganizerID:  "alice",
		Title:        "Standup",
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		Participants: []string{"alice", "bob"},
		Status:       models.MeetingScheduled,
	}))

	_, err := orch.StartSession(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, orch.RecordJoin(ctx, "m1", "bob"))
	require.NoError(t, tracker.MarkJoined(ctx, "bob", "m1"))

	require.NoError(t, orch.EndSession(ctx, "m1", "alice"))

	membership, err := reg.Memberships.Get(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipLeft, membership.State)

	record, err := reg.Presence.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, record.CurrentMeetingID)
	assert.Equal(t, models.PresenceOnline, record.Status)
}

func TestSweepSkipsActiveUsers(t *testing.T) {
	tracker, leaver, _, reg := newTestTracker()
	ctx := context.Background()

	now := time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)
	tracker.WithClock(func() time.Time { return now })
	require.NoError(t, tracker.Heartbeat(ctx, "alice"))

	tracker.WithClock(func() time.Time { return now.Add(30 * time.Second) })
	tracker.Sweep(ctx)

	record, err := reg.Presence.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, record.Status)
	assert.Empty(t, leaver.leaves)
}
