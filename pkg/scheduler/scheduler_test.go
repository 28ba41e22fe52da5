package scheduler

import (
	"context"
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

func newTestService() (*Service, *repository.Registry, *events.CaptureDispatcher) {
	reg := repository.NewMemoryRegistry()
	dispatcher := &events.CaptureDispatcher{}
	svc := NewService(reg, dispatcher, logging.NewNop(), 3)
	return svc, reg, dispatcher
}

func baseDraft() Draft {
	start := time.Date(2026, 9, 10, 14, 0, 0, 0, time.UTC)
	return Draft{
		OrganizerID:  "alice",
		Title:        "Design review",
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		Participants: []string{"bob", "carol"},
	}
}

func TestProposeMeetingValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Draft)
		field  string
	}{
		{"missing organizer", func(d *Draft) { d.OrganizerID = "" }, "organizer_id"},
		{"missing title", func(d *Draft) { d.Title = "   " }, "title"},
		{"zero times", func(d *Draft) { d.StartTime = time.Time{}; d.EndTime = time.Time{} }, "start_time"},
		{"end before start", func(d *Draft) { d.EndTime = d.StartTime.Add(-time.Minute) }, "end_time"},
		{"negative capacity", func(d *Draft) { d.MaxAttendees = -1 }, "max_attendees"},
		{"bad recurrence", func(d *Draft) {
			d.Recurrence = &models.RecurrenceRule{Frequency: "monthly", Interval: 1}
		}, "recurrence.frequency"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			draft := baseDraft()
			tc.mutate(&draft)
			_, _, err := svc.ProposeMeeting(ctx, draft)
			var validation *apperrors.ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tc.field, validation.Field)
		})
	}
}

func TestProposeMeetingCreatesScheduled(t *testing.T) {
	svc, reg, dispatcher := newTestService()
	ctx := context.Background()

	meeting, warnings, err := svc.ProposeMeeting(ctx, baseDraft())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, models.MeetingScheduled, meeting.Status)
	assert.Equal(t, []string{"alice", "bob", "carol"}, meeting.Participants)

	stored, err := reg.Meetings.Get(ctx, meeting.ID)
	require.NoError(t, err)
	assert.Equal(t, meeting.Title, stored.Title)

	memberships, err := reg.Memberships.ListByMeeting(ctx, meeting.ID)
	require.NoError(t, err)
	assert.Len(t, memberships, 3)
	for _, m := range memberships {
		if m.UserID == "alice" {
			assert.Equal(t, models.MembershipAccepted, m.State)
		} else {
			assert.Equal(t, models.MembershipInvited, m.State)
		}
	}

	require.NotEmpty(t, dispatcher.Events)
	assert.Equal(t, events.EventMeetingCreated, dispatcher.Events[0].Type)
}

func TestProposeMeetingHardConflictRejects(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	first, _, err := svc.ProposeMeeting(ctx, baseDraft())
	require.NoError(t, err)

	// Same organizer, overlapping window.
	overlapping := baseDraft()
	overlapping.Title = "Second meeting"
	overlapping.StartTime = first.StartTime.Add(30 * time.Minute)
	overlapping.EndTime = first.EndTime.Add(30 * time.Minute)

	_, _, err = svc.ProposeMeeting(ctx, overlapping)
	var conflict *apperrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.ConflictsWith, first.ID)
}

func TestProposeMeetingSoftConflictWarns(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	first, _, err := svc.ProposeMeeting(ctx, baseDraft())
	require.NoError(t, err)

	// Different organizer, but bob is invited to both overlapping meetings.
	second := baseDraft()
	second.OrganizerID = "dave"
	second.Title = "Planning"
	second.Participants = []string{"bob"}

	meeting, warnings, err := svc.ProposeMeeting(ctx, second)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "bob", warnings[0].UserID)
	assert.Equal(t, first.ID, warnings[0].ConflictsWith)
	assert.Equal(t, models.MeetingScheduled, meeting.Status)
}

func TestProposeMeetingAdjacentWindowsDoNotConflict(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	first, _, err := svc.ProposeMeeting(ctx, baseDraft())
	require.NoError(t, err)

	// Back to back: [14,15) then [15,16) for the same organizer.
	next := baseDraft()
	next.Title = "Follow-up"
	next.StartTime = first.EndTime
	next.EndTime = first.EndTime.Add(time.Hour)

	_, warnings, err := svc.ProposeMeeting(ctx, next)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestProposeMeetingKeepsDeviceAssignedID(t *testing.T) {
	svc, _, _ := newTestService()

	draft := baseDraft()
	draft.ID = "device-local-id"
	meeting, _, err := svc.ProposeMeeting(context.Background(), draft)
	require.NoError(t, err)
	assert.Equal(t, "device-local-id", meeting.ID)
}

func TestCancelAuthorization(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	meeting, _, err := svc.ProposeMeeting(ctx, baseDraft())
	require.NoError(t, err)

	err = svc.Cancel(ctx, meeting.ID, "bob")
	var authz *apperrors.AuthorizationError
	require.ErrorAs(t, err, &authz)
	assert.Equal(t, "bob", authz.ActorID)

	require.NoError(t, svc.Cancel(ctx, meeting.ID, "alice"))
	stored, err := svc.Get(ctx, meeting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingCancelled, stored.Status)

	// Cancelling again fails: the meeting is no longer cancellable.
	err = svc.Cancel(ctx, meeting.ID, "alice")
	var validation *apperrors.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestRegisterEnforcesCapacity(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	draft := baseDraft()
	draft.Participants = nil
	draft.MaxAttendees = 2
	meeting, _, err := svc.ProposeMeeting(ctx, draft)
	require.NoError(t, err)

	require.NoError(t, svc.Register(ctx, meeting.ID, "bob"))

	err = svc.Register(ctx, meeting.ID, "carol")
	var validation *apperrors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "capacity", validation.Field)

	// Re-registering an existing participant never hits capacity.
	require.NoError(t, svc.Register(ctx, meeting.ID, "bob"))
}

func TestUnregisterOrganizerRejected(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	meeting, _, err := svc.ProposeMeeting(ctx, baseDraft())
	require.NoError(t, err)

	err = svc.Unregister(ctx, meeting.ID, "alice")
	var validation *apperrors.ValidationError
	require.ErrorAs(t, err, &validation)

	require.NoError(t, svc.Unregister(ctx, meeting.ID, "bob"))
	stored, err := svc.Get(ctx, meeting.ID)
	require.NoError(t, err)
	assert.False(t, stored.HasParticipant("bob"))
}

func TestUpdateScalarFieldsLastWriterWins(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	meeting, _, err := svc.ProposeMeeting(ctx, baseDraft())
	require.NoError(t, err)

	_, applied, err := svc.UpdateScalarFields(ctx, meeting.ID,
		map[string]interface{}{models.FieldTitle: "Renamed on phone"},
		models.FieldClock{Clock: 7, DeviceID: "phone"})
	require.NoError(t, err)
	assert.Equal(t, []string{models.FieldTitle}, applied)

	// An older clock loses and applies nothing.
	updated, applied, err := svc.UpdateScalarFields(ctx, meeting.ID,
		map[string]interface{}{models.FieldTitle: "Stale rename"},
		models.FieldClock{Clock: 5, DeviceID: "tablet"})
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, "Renamed on phone", updated.Title)
}

func TestUpdateScalarFieldsRejectsTerminal(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	meeting, _, err := svc.ProposeMeeting(ctx, baseDraft())
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, meeting.ID, "alice"))

	_, _, err = svc.UpdateScalarFields(ctx, meeting.ID,
		map[string]interface{}{models.FieldTitle: "Too late"},
		models.FieldClock{Clock: 9, DeviceID: "phone"})
	var validation *apperrors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "status", validation.Field)
}

func TestListUpcomingAndPast(t *testing.T) {
	svc, reg, _ := newTestService()
	ctx := context.Background()

	now := time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	upcoming, _, err := svc.ProposeMeeting(ctx, baseDraft())
	require.NoError(t, err)

	past := &models.Meeting{
		ID:          "old-meeting",
		OrganizerID: "alice",
		Title:       "Yesterday",
		StartTime:   now.Add(-25 * time.Hour),
		EndTime:     now.Add(-24 * time.Hour),
		Status:      models.MeetingEnded,
	}
	require.NoError(t, reg.Meetings.Create(ctx, past))

	up, err := svc.ListUpcoming(ctx, 10)
	require.NoError(t, err)
	require.Len(t, up, 1)
	assert.Equal(t, upcoming.ID, up[0].ID)

	ended, err := svc.ListPast(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ended, 1)
	assert.Equal(t, "old-meeting", ended[0].ID)
}
