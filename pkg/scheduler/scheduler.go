// Package scheduler owns meeting entities: validation, conflict detection,
// recurrence expansion, registration, and the Scheduled/Cancelled side of
// the lifecycle. Live-session transitions belong to the orchestrator.
package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/events"
	"github.com/looplab/loopcore/pkg/logging"
	"github.com/looplab/loopcore/pkg/models"
	"github.com/looplab/loopcore/pkg/repository"
)

// Draft is the caller-supplied shape of a new meeting. ID is optional: a
// device that created the meeting offline supplies the id it already handed
// out locally, so queued follow-up mutations keep referring to it.
type Draft struct {
	ID           string                 `json:"id,omitempty"`
	OrganizerID  string                 `json:"organizer_id"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description,omitempty"`
	Location     string                 `json:"location,omitempty"`
	Category     string                 `json:"category,omitempty"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      time.Time              `json:"end_time"`
	Participants []string               `json:"participants"`
	MaxAttendees int                    `json:"max_attendees,omitempty"`
	Recurrence   *models.RecurrenceRule `json:"recurrence,omitempty"`
}

// Warning surfaces a soft scheduling conflict: an invited participant is
// double-booked. It never blocks creation.
type Warning struct {
	UserID        string `json:"user_id"`
	ConflictsWith string `json:"conflicts_with"`
}

// Service implements the scheduling engine
type Service struct {
	meetings    repository.MeetingStore
	memberships repository.MembershipStore
	dispatcher  events.EventDispatcher
	logger      *logging.Logger
	maxRetries  int
	clock       func() time.Time
	newID       func() string
}

// NewService creates a scheduling service
func NewService(reg *repository.Registry, dispatcher events.EventDispatcher, logger *logging.Logger, maxRetries int) *Service {
	return &Service{
		meetings:    reg.Meetings,
		memberships: reg.Memberships,
		dispatcher:  dispatcher,
		logger:      logger,
		maxRetries:  maxRetries,
		clock:       time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// ProposeMeeting validates a draft, checks it for conflicts, and persists
// it as Scheduled. Hard conflicts (organizer double-booked) reject the
// draft; soft conflicts (a participant double-booked) are returned as
// warnings alongside the created meeting.
func (s *Service) ProposeMeeting(ctx context.Context, draft Draft) (*models.Meeting, []Warning, error) {
	if err := validateDraft(draft); err != nil {
		return nil, nil, err
	}

	participants := normalizeParticipants(draft.OrganizerID, draft.Participants)

	overlapping, err := s.meetings.ListOverlapping(ctx, draft.StartTime.UTC(), draft.EndTime.UTC())
	if err != nil {
		return nil, nil, err
	}

	var warnings []Warning
	var hardConflicts []string
	for i := range overlapping {
		existing := &overlapping[i]
		shared := sharedParticipants(existing, participants)
		if len(shared) == 0 {
			continue
		}
		for _, userID := range shared {
			if userID == draft.OrganizerID {
				hardConflicts = append(hardConflicts, existing.ID)
			} else {
				warnings = append(warnings, Warning{UserID: userID, ConflictsWith: existing.ID})
			}
		}
	}
	if len(hardConflicts) > 0 {
		return nil, nil, &apperrors.ConflictError{
			OrganizerID:   draft.OrganizerID,
			ConflictsWith: hardConflicts,
		}
	}

	meetingID := draft.ID
	if meetingID == "" {
		meetingID = s.newID()
	}
	meeting := &models.Meeting{
		ID:           meetingID,
		OrganizerID:  draft.OrganizerID,
		Title:        strings.TrimSpace(draft.Title),
		Description:  draft.Description,
		Location:     draft.Location,
		Category:     draft.Category,
		StartTime:    draft.StartTime.UTC(),
		EndTime:      draft.EndTime.UTC(),
		Recurrence:   draft.Recurrence,
		Participants: participants,
		MaxAttendees: draft.MaxAttendees,
		Status:       models.MeetingScheduled,
		Clocks:       models.FieldClocks{},
	}
	if draft.Recurrence != nil {
		meeting.TemplateID = meeting.ID
	}

	if err := s.meetings.Create(ctx, meeting); err != nil {
		return nil, nil, err
	}

	for _, userID := range participants {
		state := models.MembershipInvited
		if userID == meeting.OrganizerID {
			state = models.MembershipAccepted
		}
		membership := &models.Membership{MeetingID: meeting.ID, UserID: userID, State: state}
		if err := s.memberships.Upsert(ctx, membership); err != nil {
			s.logger.Error("failed to persist membership", "meeting_id", meeting.ID, "user_id", userID, "error", err)
		}
	}

	s.dispatcher.Dispatch(events.Event{
		Type:    events.EventMeetingCreated,
		Channel: "meeting:" + meeting.ID,
		Data:    meeting,
	})
	s.logger.Info("meeting scheduled", "meeting_id", meeting.ID, "organizer_id", meeting.OrganizerID, "warnings", len(warnings))
	return meeting, warnings, nil
}

// Cancel cancels a meeting. Only the organizer may cancel, and only before
// the meeting goes live.
func (s *Service) Cancel(ctx context.Context, meetingID, actorID string) error {
	meeting, err := s.meetings.Get(ctx, meetingID)
	if err != nil {
		return err
	}
	if meeting.OrganizerID != actorID {
		return &apperrors.AuthorizationError{ActorID: actorID, Action: "cancel meeting " + meetingID}
	}
	if meeting.Status != models.MeetingScheduled && meeting.Status != models.MeetingDraft {
		return apperrors.NewValidation("status", "only draft or scheduled meetings can be cancelled")
	}

	updated, err := repository.UpdateMeetingWithRetry(ctx, s.meetings, meetingID, s.maxRetries, func(m *models.Meeting) error {
		if m.Status != models.MeetingScheduled && m.Status != models.MeetingDraft {
			return apperrors.NewValidation("status", "only draft or scheduled meetings can be cancelled")
		}
		m.Status = models.MeetingCancelled
		return nil
	})
	if err != nil {
		return err
	}

	s.dispatcher.Dispatch(events.Event{
		Type:    events.EventMeetingCancelled,
		Channel: "meeting:" + meetingID,
		Data:    updated,
	})
	s.logger.Info("meeting cancelled", "meeting_id", meetingID, "actor_id", actorID)
	return nil
}

// UpdateScalarFields applies scalar field changes with a field clock, so
// online edits participate in the same last-writer-wins order as offline
// mutations drained later. The returned slice names the fields that won
// their clock comparison and were written.
func (s *Service) UpdateScalarFields(ctx context.Context, meetingID string, fields map[string]interface{}, clock models.FieldClock) (*models.Meeting, []string, error) {
	var applied []string
	updated, err := repository.UpdateMeetingWithRetry(ctx, s.meetings, meetingID, s.maxRetries, func(m *models.Meeting) error {
		if m.Terminal() {
			return apperrors.NewValidation("status", "meeting is no longer editable")
		}
		var applyErr error
		applied, applyErr = ApplyScalarFields(m, fields, clock)
		return applyErr
	})
	if err != nil {
		return nil, nil, err
	}
	if len(applied) > 0 {
		s.dispatcher.Dispatch(events.Event{
			Type:    events.EventMeetingUpdated,
			Channel: "meeting:" + meetingID,
			Data:    updated,
		})
	}
	return updated, applied, nil
}

// Register adds a user to a meeting's participant set, enforcing the
// attendee capacity. Registering twice is a no-op reported as success.
func (s *Service) Register(ctx context.Context, meetingID, userID string) error {
	alreadyRegistered := false
	_, err := repository.UpdateMeetingWithRetry(ctx, s.meetings, meetingID, s.maxRetries, func(m *models.Meeting) error {
		if m.Terminal() {
			return apperrors.NewValidation("status", "meeting is no longer open for registration")
		}
		if m.HasParticipant(userID) {
			alreadyRegistered = true
			return nil
		}
		if m.MaxAttendees > 0 && len(m.Participants) >= m.MaxAttendees {
			return apperrors.NewValidation("capacity", "meeting is full")
		}
		m.AddParticipant(userID)
		return nil
	})
	if err != nil {
		return err
	}
	if alreadyRegistered {
		return nil
	}
	return s.memberships.Upsert(ctx, &models.Membership{
		MeetingID: meetingID,
		UserID:    userID,
		State:     models.MembershipAccepted,
	})
}

// Unregister removes a user from the participant set.
func (s *Service) Unregister(ctx context.Context, meetingID, userID string) error {
	_, err := repository.UpdateMeetingWithRetry(ctx, s.meetings, meetingID, s.maxRetries, func(m *models.Meeting) error {
		if userID == m.OrganizerID {
			return apperrors.NewValidation("user_id", "organizer cannot unregister from their own meeting")
		}
		m.RemoveParticipant(userID)
		return nil
	})
	if err != nil {
		return err
	}
	return s.memberships.Upsert(ctx, &models.Membership{
		MeetingID: meetingID,
		UserID:    userID,
		State:     models.MembershipDeclined,
	})
}

// ListUpcoming returns scheduled meetings starting after now.
func (s *Service) ListUpcoming(ctx context.Context, limit int) ([]models.Meeting, error) {
	return s.meetings.ListUpcoming(ctx, s.now(), limit)
}

// ListPast returns ended meetings, most recent first.
func (s *Service) ListPast(ctx context.Context, limit int) ([]models.Meeting, error) {
	return s.meetings.ListPast(ctx, s.now(), limit)
}

// Get returns one meeting.
func (s *Service) Get(ctx context.Context, meetingID string) (*models.Meeting, error) {
	return s.meetings.Get(ctx, meetingID)
}

func validateDraft(draft Draft) error {
	if strings.TrimSpace(draft.OrganizerID) == "" {
		return apperrors.NewValidation("organizer_id", "organizer is required")
	}
	if strings.TrimSpace(draft.Title) == "" {
		return apperrors.NewValidation("title", "title is required")
	}
	if draft.StartTime.IsZero() || draft.EndTime.IsZero() {
		return apperrors.NewValidation("start_time", "start and end times are required")
	}
	if !draft.StartTime.Before(draft.EndTime) {
		return apperrors.NewValidation("end_time", "start must be before end")
	}
	if draft.MaxAttendees < 0 {
		return apperrors.NewValidation("max_attendees", "capacity cannot be negative")
	}
	if draft.Recurrence != nil {
		if err := validateRecurrence(draft.Recurrence); err != nil {
			return err
		}
	}
	return nil
}

func validateRecurrence(rule *models.RecurrenceRule) error {
	if rule.Frequency != models.RecurDaily && rule.Frequency != models.RecurWeekly {
		return apperrors.NewValidation("recurrence.frequency", "frequency must be daily or weekly")
	}
	if rule.Interval < 1 {
		return apperrors.NewValidation("recurrence.interval", "interval must be at least 1")
	}
	if rule.Count < 0 {
		return apperrors.NewValidation("recurrence.count", "count cannot be negative")
	}
	return nil
}

// normalizeParticipants returns a deduplicated participant set that always
// includes the organizer.
func normalizeParticipants(organizerID string, participants []string) []string {
	seen := map[string]bool{organizerID: true}
	out := []string{organizerID}
	for _, id := range participants {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sharedParticipants(existing *models.Meeting, participants []string) []string {
	var shared []string
	for _, id := range participants {
		if existing.HasParticipant(id) {
			shared = append(shared, id)
		}
	}
	return shared
}
