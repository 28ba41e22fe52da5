package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/events"
	"github.com/looplab/loopcore/pkg/logging"
	"github.com/looplab/loopcore/pkg/models"
	"github.com/looplab/loopcore/pkg/repository"
)

// flakyProvider fails room acquisition a set number of times before
// succeeding, and counts releases.
type flakyProvider struct {
	mu        sync.Mutex
	failures  int
	acquired  int
	released  int
}

func (p *flakyProvider) AcquireRoom(ctx context.Context, meetingID string) (*models.RoomHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("conferencing backend unavailable")
	}
	p.acquired++
	return &models.RoomHandle{
		ID:        "room-" + meetingID,
		MeetingID: meetingID,
		URL:       "https://rooms.test/room-" + meetingID,
	}, nil
}

func (p *flakyProvider) ReleaseRoom(ctx context.Context, handle models.RoomHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	return nil
}

func newTestOrchestrator(provider RoomProvider) (*Orchestrator, *repository.Registry, *events.CaptureDispatcher) {
	reg := repository.NewMemoryRegistry()
	dispatcher := &events.CaptureDispatcher{}
	orch := New(reg, provider, dispatcher, logging.NewNop(), Config{
		LiveCeiling:  12 * time.Hour,
		ReminderLead: 10 * time.Minute,
		MaxRetries:   3,
	})
	return orch, reg, dispatcher
}

func seedScheduled(t *testing.T, reg *repository.Registry, participants ...string) *models.Meeting {
	t.Helper()
	start := time.Date(2026, 9, 10, 14, 0, 0, 0, time.UTC)
	meeting := &models.Meeting{
		ID:           "m1",
		OrganizerID:  participants[0],
		Title:        "Standup",
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		Participants: participants,
		Status:       models.MeetingScheduled,
	}
	require.NoError(t, reg.Meetings.Create(context.Background(), meeting))
	return meeting
}

func TestStartSessionTransitionsToLive(t *testing.T) {
	provider := &flakyProvider{}
	orch, reg, dispatcher := newTestOrchestrator(provider)
	ctx := context.Background()
	seedScheduled(t, reg, "alice", "bob")

	handle, err := orch.StartSession(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.NotEmpty(t, handle.URL)

	stored, err := reg.Meetings.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MeetingLive, stored.Status)
	assert.Equal(t, handle.ID, stored.RoomID)
	require.NotNil(t, stored.StartedAt)

	types := eventTypes(dispatcher)
	assert.Contains(t, types, events.EventMeetingStarting)
	assert.Contains(t, types, events.EventSessionStarted)
}

func TestStartSessionIdempotent(t *testing.T) {
	provider := &flakyProvider{}
	orch, reg, _ := newTestOrchestrator(provider)
	ctx := context.Background()
	seedScheduled(t, reg, "alice")

	first, err := orch.StartSession(ctx, "m1")
	require.NoError(t, err)

	second, err := orch.StartSession(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, provider.acquired)
}

func TestStartSessionRoomFailureStaysScheduled(t *testing.T) {
	provider := &flakyProvider{failures: 1}
	orch, reg, _ := newTestOrchestrator(provider)
	ctx := context.Background()
	seedScheduled(t, reg, "alice")

	_, err := orch.StartSession(ctx, "m1")
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	stored, err := reg.Meetings.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MeetingScheduled, stored.Status)

	// The retry succeeds once the backend recovers.
	handle, err := orch.StartSession(ctx, "m1")
	require.NoError(t, err)
	assert.NotNil(t, handle)
}

func TestStartSessionRequiresScheduled(t *testing.T) {
	provider := &flakyProvider{}
	orch, reg, _ := newTestOrchestrator(provider)
	ctx := context.Background()

	meeting := seedScheduled(t, reg, "alice")
	require.NoError(t, repositoryUpdate(reg, meeting.ID, func(m *models.Meeting) {
		m.Status = models.MeetingCancelled
	}))

	_, err := orch.StartSession(ctx, "m1")
	var notScheduled *apperrors.NotScheduledError
	require.ErrorAs(t, err, &notScheduled)
	assert.Equal(t, string(models.MeetingCancelled), notScheduled.Status)
}

func TestEndSessionAuthorization(t *testing.T) {
	provider := &flakyProvider{}
	orch, reg, _ := newTestOrchestrator(provider)
	ctx := context.Background()
	seedScheduled(t, reg, "alice", "bob")

	_, err := orch.StartSession(ctx, "m1")
	require.NoError(t, err)

	err = orch.EndSession(ctx, "m1", "bob")
	var authz *apperrors.AuthorizationError
	require.ErrorAs(t, err, &authz)

	require.NoError(t, orch.EndSession(ctx, "m1", "alice"))
	stored, err := reg.Meetings.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MeetingEnded, stored.Status)
	assert.Empty(t, stored.RoomID)
	assert.Equal(t, 1, provider.released)

	// Ending twice is a no-op.
	require.NoError(t, orch.EndSession(ctx, "m1", "alice"))
}

func TestEndSessionMarksJoinedParticipantsLeft(t *testing.T) {
	provider := &flakyProvider{}
	orch, reg, _ := newTestOrchestrator(provider)
	ctx := context.Background()
	seedScheduled(t, reg, "alice", "bob", "carol")

	_, err := orch.StartSession(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, orch.RecordJoin(ctx, "m1", "alice"))
	require.NoError(t, orch.RecordJoin(ctx, "m1", "bob"))

	require.NoError(t, orch.EndSession(ctx, "m1", "alice"))

	for _, userID := range []string{"alice", "bob"} {
		membership, err := reg.Memberships.Get(ctx, "m1", userID)
		require.NoError(t, err)
		assert.Equal(t, models.MembershipLeft, membership.State, userID)
	}
}

func TestRecordJoinRequiresLiveAndInvite(t *testing.T) {
	provider := &flakyProvider{}
	orch, reg, _ := newTestOrchestrator(provider)
	ctx := context.Background()
	seedScheduled(t, reg, "alice", "bob")

	err := orch.RecordJoin(ctx, "m1", "bob")
	var notLive *apperrors.RoomNotLiveError
	require.ErrorAs(t, err, &notLive)

	_, err = orch.StartSession(ctx, "m1")
	require.NoError(t, err)

	err = orch.RecordJoin(ctx, "m1", "mallory")
	var authz *apperrors.AuthorizationError
	require.ErrorAs(t, err, &authz)

	require.NoError(t, orch.RecordJoin(ctx, "m1", "bob"))
	membership, err := reg.Memberships.Get(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipJoined, membership.State)
}

func TestAllLeftEndsSession(t *testing.T) {
	provider := &flakyProvider{}
	orch, reg, dispatcher := newTestOrchestrator(provider)
	ctx := context.Background()
	seedScheduled(t, reg, "alice", "bob")

	_, err := orch.StartSession(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, orch.RecordJoin(ctx, "m1", "alice"))
	require.NoError(t, orch.RecordJoin(ctx, "m1", "bob"))

	require.NoError(t, orch.RecordLeave(ctx, "m1", "alice"))
	stored, err := reg.Meetings.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MeetingLive, stored.Status)

	require.NoError(t, orch.RecordLeave(ctx, "m1", "bob"))
	stored, err = reg.Meetings.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MeetingEnded, stored.Status)
	assert.Contains(t, eventTypes(dispatcher), events.EventSessionEnded)
}

func TestRecordLeaveNotLiveIsNoop(t *testing.T) {
	provider := &flakyProvider{}
	orch, reg, _ := newTestOrchestrator(provider)
	ctx := context.Background()
	seedScheduled(t, reg, "alice", "bob")

	require.NoError(t, orch.RecordLeave(ctx, "m1", "bob"))
	stored, err := reg.Meetings.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MeetingScheduled, stored.Status)
}

func TestSweepStartsDueAndEndsOverdue(t *testing.T) {
	provider := &flakyProvider{}
	orch, reg, _ := newTestOrchestrator(provider)
	ctx := context.Background()
	meeting := seedScheduled(t, reg, "alice")

	now := meeting.StartTime.Add(time.Minute)
	orch.WithClock(func() time.Time { return now })
	orch.sweep(ctx)

	stored, err := reg.Meetings.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MeetingLive, stored.Status)

	// Past the ceiling the sweeper force-ends the session.
	orch.WithClock(func() time.Time { return now.Add(13 * time.Hour) })
	orch.sweep(ctx)

	stored, err = reg.Meetings.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MeetingEnded, stored.Status)
}

func TestSweepRemindsOncePerMeeting(t *testing.T) {
	provider := &flakyProvider{}
	orch, reg, dispatcher := newTestOrchestrator(provider)
	ctx := context.Background()
	meeting := seedScheduled(t, reg, "alice", "bob")

	// Outside the lead window: no reminder yet.
	orch.WithClock(func() time.Time { return meeting.StartTime.Add(-time.Hour) })
	orch.sweep(ctx)
	assert.NotContains(t, eventTypes(dispatcher), events.EventMeetingReminder)

	// Inside the lead window the reminder fires exactly once.
	orch.WithClock(func() time.Time { return meeting.StartTime.Add(-5 * time.Minute) })
	orch.sweep(ctx)
	orch.sweep(ctx)

	count := 0
	for _, typ := range eventTypes(dispatcher) {
		if typ == events.EventMeetingReminder {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func eventTypes(d *events.CaptureDispatcher) []string {
	types := make([]string, 0, len(d.Events))
	for _, event := range d.Events {
		types = append(types, event.Type)
	}
	return types
}

func repositoryUpdate(reg *repository.Registry, id string, mutate func(*models.Meeting)) error {
	_, err := repository.UpdateMeetingWithRetry(context.Background(), reg.Meetings, id, 3, func(m *models.Meeting) error {
		mutate(m)
		return nil
	})
	return err
}
