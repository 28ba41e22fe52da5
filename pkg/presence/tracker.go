// Package presence maintains per-user online/in-meeting state derived from
// heartbeats and room-membership updates. A user silent for longer than the
// timeout window is expired with exactly one implicit leave, keeping the
// orchestrator's all-left end condition correct under silent disconnects.
package presence

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/events"
	"github.com/looplab/loopcore/pkg/logging"
	"github.com/looplab/loopcore/pkg/metrics"
	"github.com/looplab/loopcore/pkg/models"
	"github.com/looplab/loopcore/pkg/repository"
)

// MembershipLeaver is the slice of the orchestrator contract the tracker
// needs to emit implicit leaves. The tracker never mutates meeting records
// directly.
type MembershipLeaver interface {
	RecordLeave(ctx context.Context, meetingID, userID string) error
}

// Config tunes the tracker.
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// Tracker implements the presence tracker
type Tracker struct {
	store      repository.PresenceStore
	leaver     MembershipLeaver
	dispatcher events.EventDispatcher
	logger     *logging.Logger
	cfg        Config
	clock      func() time.Time
}

// NewTracker creates a presence tracker
func NewTracker(store repository.PresenceStore, leaver MembershipLeaver, dispatcher events.EventDispatcher, logger *logging.Logger, cfg Config) *Tracker {
	return &Tracker{
		store:      store,
		leaver:     leaver,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		clock:      time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

func (t *Tracker) now() time.Time { return t.clock().UTC() }

// Heartbeat records a liveness signal for a user, creating the presence
// record on first contact.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) error {
	now := t.now()
	record, err := t.store.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		record = &models.Presence{UserID: userID}
	}

	wasOffline := record.Status == models.PresenceOffline || record.Status == ""
	record.LastHeartbeat = now
	if record.Status != models.PresenceInMeeting {
		record.Status = models.PresenceOnline
	}
	if err := t.store.Upsert(ctx, record); err != nil {
		return err
	}

	metrics.Heartbeats.Inc()
	if wasOffline {
		t.dispatcher.Dispatch(events.Event{
			Type:    events.EventPresenceOnline,
			Channel: "presence",
			Data:    map[string]string{"user_id": userID},
		})
	}
	return nil
}

// MarkJoined records that a user joined a live meeting.
func (t *Tracker) MarkJoined(ctx context.Context, userID, meetingID string) error {
	record, err := t.store.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		record = &models.Presence{UserID: userID, LastHeartbeat: t.now()}
	}
	record.Status = models.PresenceInMeeting
	record.CurrentMeetingID = meetingID
	return t.store.Upsert(ctx, record)
}

// MarkLeft clears a user's in-meeting state.
func (t *Tracker) MarkLeft(ctx context.Context, userID string) error {
	record, err := t.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	record.CurrentMeetingID = ""
	if record.Status == models.PresenceInMeeting {
		record.Status = models.PresenceOnline
	}
	return t.store.Upsert(ctx, record)
}

// QueryOnline reports which of the given users are currently online.
func (t *Tracker) QueryOnline(ctx context.Context, userIDs []string) (map[string]bool, error) {
	records, err := t.store.ListByUserIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Presence, len(records))
	for _, record := range records {
		byID[record.UserID] = record
	}

	now := t.now()
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		record, ok := byID[id]
		out[id] = ok && record.Online(now, t.cfg.HeartbeatTimeout)
	}
	return out, nil
}

// Run expires silent users until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.cfg.SweepInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep performs one expiry pass. Exported so tests and shutdown can run a
// final pass deterministically.
func (t *Tracker) Sweep(ctx context.Context) {
	cutoff := t.now().Add(-t.cfg.HeartbeatTimeout)
	expired, err := t.store.ListExpired(ctx, cutoff)
	if err != nil {
		t.logger.Error("presence sweep failed", "error", err)
		return
	}

	for _, record := range expired {
		meetingID := record.CurrentMeetingID
		record.Status = models.PresenceOffline
		record.CurrentMeetingID = ""
		if err := t.store.Upsert(ctx, &record); err != nil {
			t.logger.Error("failed to expire presence", "user_id", record.UserID, "error", err)
			continue
		}
		metrics.PresenceTimeouts.Inc()

		// The offline transition above happens once per silence window, so
		// the implicit leave fires exactly once.
		if meetingID != "" {
			if err := t.leaver.RecordLeave(ctx, meetingID, record.UserID); err != nil {
				t.logger.Error("implicit leave failed", "user_id", record.UserID, "meeting_id", meetingID, "error", err)
			}
		}
		t.dispatcher.Dispatch(events.Event{
			Type:    events.EventPresenceOffline,
			Channel: "presence",
			Data:    map[string]string{"user_id": record.UserID},
		})
		t.logger.Debug("presence expired", "user_id", record.UserID, "meeting_id", meetingID)
	}
}
