// Package orchestrator maps scheduled meetings onto live video rooms and
// owns the Scheduled -> Live -> Ended transitions. All work for one meeting
// runs on that meeting's serial lane, so its state is never mutated from
// two goroutines at once; independent meetings proceed concurrently.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/events"
	"github.com/looplab/loopcore/pkg/logging"
	"github.com/looplab/loopcore/pkg/metrics"
	"github.com/looplab/loopcore/pkg/models"
	"github.com/looplab/loopcore/pkg/repository"
)

// SystemActor marks transitions triggered by the orchestrator itself
// (wall-clock start, all-left end, live ceiling).
const SystemActor = "system"

// Config tunes the orchestrator.
type Config struct {
	LiveCeiling   time.Duration
	SweepInterval time.Duration
	ReminderLead  time.Duration
	MaxRetries    int
}

// Orchestrator implements the session orchestrator
type Orchestrator struct {
	meetings    repository.MeetingStore
	memberships repository.MembershipStore
	rooms       RoomProvider
	dispatcher  events.EventDispatcher
	logger      *logging.Logger
	cfg         Config
	clock       func() time.Time

	mu       sync.Mutex
	lanes    map[string]*lane
	reminded map[string]bool
}

// lane serializes all work for one meeting id.
type lane struct {
	jobs chan func()
	refs int
}

func (l *lane) loop() {
	for job := range l.jobs {
		job()
	}
}

// New creates an orchestrator
func New(reg *repository.Registry, rooms RoomProvider, dispatcher events.EventDispatcher, logger *logging.Logger, cfg Config) *Orchestrator {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	return &Orchestrator{
		meetings:    reg.Meetings,
		memberships: reg.Memberships,
		rooms:       rooms,
		dispatcher:  dispatcher,
		logger:      logger,
		cfg:         cfg,
		clock:       time.Now,
		lanes:       make(map[string]*lane),
		reminded:    make(map[string]bool),
	}
}

// WithClock overrides the time source. Used by tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

func (o *Orchestrator) now() time.Time { return o.clock().UTC() }

// serialize runs fn on the meeting's lane and waits for it to finish.
func (o *Orchestrator) serialize(meetingID string, fn func()) {
	o.mu.Lock()
	l, ok := o.lanes[meetingID]
	if !ok {
		l = &lane{jobs: make(chan func(), 16)}
		o.lanes[meetingID] = l
		go l.loop()
	}
	l.refs++
	o.mu.Unlock()

	done := make(chan struct{})
	l.jobs <- func() {
		defer close(done)
		fn()
	}
	<-done

	o.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(o.lanes, meetingID)
		close(l.jobs)
	}
	o.mu.Unlock()
}

// StartSession transitions a scheduled meeting to live, acquiring a room
// from the conferencing capability first. If acquisition fails the meeting
// stays Scheduled and the failure is surfaced as retryable. Starting an
// already-live meeting returns the existing room handle.
func (o *Orchestrator) StartSession(ctx context.Context, meetingID string) (*models.RoomHandle, error) {
	return o.startSession(ctx, meetingID, "manual")
}

func (o *Orchestrator) startSession(ctx context.Context, meetingID, trigger string) (*models.RoomHandle, error) {
	var handle *models.RoomHandle
	var outErr error

	o.serialize(meetingID, func() {
		meeting, err := o.meetings.Get(ctx, meetingID)
		if err != nil {
			outErr = err
			return
		}

		if meeting.Status == models.MeetingLive {
			handle = &models.RoomHandle{
				ID:        meeting.RoomID,
				MeetingID: meeting.ID,
				URL:       meeting.RoomURL,
			}
			return
		}
		if meeting.Status != models.MeetingScheduled {
			outErr = &apperrors.NotScheduledError{MeetingID: meetingID, Status: string(meeting.Status)}
			return
		}
		if err := ctx.Err(); err != nil {
			outErr = err
			return
		}

		room, err := o.rooms.AcquireRoom(ctx, meetingID)
		if err != nil {
			metrics.RoomAcquisitionFailures.Inc()
			var capability *apperrors.CapabilityFailure
			if !errors.As(err, &capability) {
				err = &apperrors.CapabilityFailure{Capability: "conferencing", Err: err}
			}
			outErr = err
			o.logger.Warn("room acquisition failed, meeting stays scheduled", "meeting_id", meetingID, "error", err)
			return
		}

		// A cancellation that loses the race with room confirmation ends
		// the session immediately instead of leaving an orphaned room.
		if err := ctx.Err(); err != nil {
			if relErr := o.rooms.ReleaseRoom(context.Background(), *room); relErr != nil {
				o.logger.Error("failed to release room after cancelled start", "meeting_id", meetingID, "error", relErr)
			}
			outErr = err
			return
		}

		now := o.now()
		updated, err := repository.UpdateMeetingWithRetry(ctx, o.meetings, meetingID, o.cfg.MaxRetries, func(m *models.Meeting) error {
			if m.Status == models.MeetingLive {
				return nil
			}
			if m.Status != models.MeetingScheduled {
				return &apperrors.NotScheduledError{MeetingID: meetingID, Status: string(m.Status)}
			}
			m.Status = models.MeetingLive
			m.RoomID = room.ID
			m.RoomURL = room.URL
			m.StartedAt = &now
			return nil
		})
		if err != nil {
			if relErr := o.rooms.ReleaseRoom(context.Background(), *room); relErr != nil {
				o.logger.Error("failed to release room after failed start", "meeting_id", meetingID, "error", relErr)
			}
			outErr = err
			return
		}

		handle = room
		o.mu.Lock()
		delete(o.reminded, meetingID)
		o.mu.Unlock()
		metrics.SessionsStarted.WithLabelValues(trigger).Inc()
		metrics.ActiveRooms.Inc()
		o.dispatcher.Dispatch(events.Event{
			Type:    events.EventMeetingStarting,
			Channel: "meeting:" + meetingID,
			Data:    updated,
		})
		o.dispatcher.Dispatch(events.Event{
			Type:    events.EventSessionStarted,
			Channel: "meeting:" + meetingID,
			Data:    room,
		})
		o.logger.Info("session started", "meeting_id", meetingID, "room_id", room.ID, "trigger", trigger)
	})
	return handle, outErr
}

// EndSession ends a live meeting, releasing its room. Ending an already
// ended meeting is a no-op. Only the organizer or the system may end.
func (o *Orchestrator) EndSession(ctx context.Context, meetingID, actorID string) error {
	return o.endSession(ctx, meetingID, actorID, "requested")
}

func (o *Orchestrator) endSession(ctx context.Context, meetingID, actorID, reason string) error {
	var outErr error
	o.serialize(meetingID, func() {
		meeting, err := o.meetings.Get(ctx, meetingID)
		if err != nil {
			outErr = err
			return
		}
		if meeting.Status == models.MeetingEnded {
			return
		}
		if meeting.Status != models.MeetingLive {
			outErr = &apperrors.RoomNotLiveError{MeetingID: meetingID}
			return
		}
		if actorID != SystemActor && actorID != meeting.OrganizerID {
			outErr = &apperrors.AuthorizationError{ActorID: actorID, Action: "end meeting " + meetingID}
			return
		}

		room := models.RoomHandle{ID: meeting.RoomID, MeetingID: meetingID, URL: meeting.RoomURL}
		if err := o.rooms.ReleaseRoom(ctx, room); err != nil {
			// Room release is best effort; the meeting still ends.
			o.logger.Error("failed to release room", "meeting_id", meetingID, "room_id", room.ID, "error", err)
		}

		updated, err := repository.UpdateMeetingWithRetry(ctx, o.meetings, meetingID, o.cfg.MaxRetries, func(m *models.Meeting) error {
			if m.Status != models.MeetingLive {
				return nil
			}
			m.Status = models.MeetingEnded
			m.RoomID = ""
			m.RoomURL = ""
			return nil
		})
		if err != nil {
			outErr = err
			return
		}

		// Nobody stays joined to an ended session.
		memberships, err := o.memberships.ListByMeeting(ctx, meetingID)
		if err != nil {
			o.logger.Error("failed to list memberships at session end", "meeting_id", meetingID, "error", err)
		} else {
			for _, membership := range memberships {
				if membership.State != models.MembershipJoined {
					continue
				}
				m := membership
				m.State = models.MembershipLeft
				if err := o.memberships.Upsert(ctx, &m); err != nil {
					o.logger.Error("failed to mark participant left at session end",
						"meeting_id", meetingID, "user_id", m.UserID, "error", err)
				}
			}
		}

		metrics.SessionsEnded.WithLabelValues(reason).Inc()
		metrics.ActiveRooms.Dec()
		o.dispatcher.Dispatch(events.Event{
			Type:    events.EventSessionEnded,
			Channel: "meeting:" + meetingID,
			Data:    updated,
		})
		o.logger.Info("session ended", "meeting_id", meetingID, "actor_id", actorID, "reason", reason)
	})
	return outErr
}

// RecordJoin marks a participant joined to a live meeting.
func (o *Orchestrator) RecordJoin(ctx context.Context, meetingID, userID string) error {
	var outErr error
	o.serialize(meetingID, func() {
		meeting, err := o.meetings.Get(ctx, meetingID)
		if err != nil {
			outErr = err
			return
		}
		if meeting.Status != models.MeetingLive {
			outErr = &apperrors.RoomNotLiveError{MeetingID: meetingID}
			return
		}
		if !meeting.HasParticipant(userID) {
			outErr = &apperrors.AuthorizationError{ActorID: userID, Action: "join meeting " + meetingID}
			return
		}
		if err := o.memberships.Upsert(ctx, &models.Membership{
			MeetingID: meetingID,
			UserID:    userID,
			State:     models.MembershipJoined,
		}); err != nil {
			outErr = err
			return
		}
		o.dispatcher.Dispatch(events.Event{
			Type:    events.EventParticipantJoined,
			Channel: "meeting:" + meetingID,
			Data:    map[string]string{"meeting_id": meetingID, "user_id": userID},
		})
	})
	return outErr
}

// RecordLeave marks a participant as having left. When the last joined
// participant leaves, the session ends. Leaving a meeting that is not live
// is a no-op.
func (o *Orchestrator) RecordLeave(ctx context.Context, meetingID, userID string) error {
	var outErr error
	allLeft := false
	o.serialize(meetingID, func() {
		meeting, err := o.meetings.Get(ctx, meetingID)
		if err != nil {
			outErr = err
			return
		}
		if meeting.Status != models.MeetingLive {
			return
		}

		membership, err := o.memberships.Get(ctx, meetingID, userID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			outErr = err
			return
		}
		if membership == nil || membership.State != models.MembershipJoined {
			return
		}

		if err := o.memberships.Upsert(ctx, &models.Membership{
			MeetingID: meetingID,
			UserID:    userID,
			State:     models.MembershipLeft,
		}); err != nil {
			outErr = err
			return
		}
		o.dispatcher.Dispatch(events.Event{
			Type:    events.EventParticipantLeft,
			Channel: "meeting:" + meetingID,
			Data:    map[string]string{"meeting_id": meetingID, "user_id": userID},
		})

		memberships, err := o.memberships.ListByMeeting(ctx, meetingID)
		if err != nil {
			outErr = err
			return
		}
		joined := 0
		for _, m := range memberships {
			if m.State == models.MembershipJoined {
				joined++
			}
		}
		allLeft = joined == 0
	})
	if outErr != nil {
		return outErr
	}
	if allLeft {
		return o.endSession(ctx, meetingID, SystemActor, "all_left")
	}
	return nil
}

// Run drives wall-clock transitions: starting scheduled meetings whose
// start time arrived and ending live meetings that exceeded the ceiling.
// Blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := o.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

// maybeRemind dispatches one reminder per meeting once its start falls
// inside the reminder lead window.
func (o *Orchestrator) maybeRemind(meeting *models.Meeting, now time.Time) {
	if o.cfg.ReminderLead <= 0 {
		return
	}
	if meeting.StartTime.Sub(now) > o.cfg.ReminderLead {
		return
	}

	o.mu.Lock()
	already := o.reminded[meeting.ID]
	o.reminded[meeting.ID] = true
	o.mu.Unlock()
	if already {
		return
	}

	o.dispatcher.Dispatch(events.Event{
		Type:    events.EventMeetingReminder,
		Channel: "meeting:" + meeting.ID,
		Data:    meeting,
	})
	o.logger.Debug("reminder dispatched", "meeting_id", meeting.ID, "starts_in", meeting.StartTime.Sub(now))
}

// sweep performs one pass of wall-clock transitions.
func (o *Orchestrator) sweep(ctx context.Context) {
	now := o.now()

	scheduled, err := o.meetings.ListByStatus(ctx, models.MeetingScheduled)
	if err != nil {
		o.logger.Error("sweep failed to list scheduled meetings", "error", err)
	} else {
		for _, meeting := range scheduled {
			if meeting.StartTime.After(now) {
				o.maybeRemind(&meeting, now)
				continue
			}
			if _, err := o.startSession(ctx, meeting.ID, "sweeper"); err != nil {
				// Retryable failures are retried on the next sweep.
				o.logger.Warn("sweeper could not start session", "meeting_id", meeting.ID, "error", err)
			}
		}
	}

	live, err := o.meetings.ListByStatus(ctx, models.MeetingLive)
	if err != nil {
		o.logger.Error("sweep failed to list live meetings", "error", err)
		return
	}
	for _, meeting := range live {
		startedAt := meeting.StartTime
		if meeting.StartedAt != nil {
			startedAt = *meeting.StartedAt
		}
		if o.cfg.LiveCeiling > 0 && now.Sub(startedAt) > o.cfg.LiveCeiling {
			if err := o.endSession(ctx, meeting.ID, SystemActor, "ceiling"); err != nil {
				o.logger.Warn("sweeper could not end session", "meeting_id", meeting.ID, "error", err)
			}
		}
	}
}
