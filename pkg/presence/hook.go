package presence

import (
	"context"
	"time"

	"github.com/looplab/loopcore/pkg/events"
	"github.com/looplab/loopcore/pkg/logging"
	"github.com/looplab/loopcore/pkg/models"
	"github.com/looplab/loopcore/pkg/repository"
)

// SessionHook decorates the event dispatcher and clears in-meeting presence
// when a session ends, so no record keeps pointing at a meeting that is no
// longer live. The orchestrator stays unaware of presence state.
type SessionHook struct {
	next    events.EventDispatcher
	store   repository.PresenceStore
	logger  *logging.Logger
	timeout time.Duration
}

// NewSessionHook wraps next with the session-end presence cleanup.
func NewSessionHook(next events.EventDispatcher, store repository.PresenceStore, logger *logging.Logger) *SessionHook {
	return &SessionHook{
		next:    next,
		store:   store,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Dispatch implements events.EventDispatcher
func (h *SessionHook) Dispatch(event events.Event) {
	h.next.Dispatch(event)

	if event.Type != events.EventSessionEnded {
		return
	}
	meeting, ok := event.Data.(*models.Meeting)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	records, err := h.store.ListInMeeting(ctx, meeting.ID)
	if err != nil {
		h.logger.Error("failed to list in-meeting presence", "meeting_id", meeting.ID, "error", err)
		return
	}
	for _, record := range records {
		record.CurrentMeetingID = ""
		if record.Status == models.PresenceInMeeting {
			record.Status = models.PresenceOnline
		}
		if err := h.store.Upsert(ctx, &record); err != nil {
			h.logger.Error("failed to clear in-meeting presence",
				"meeting_id", meeting.ID, "user_id", record.UserID, "error", err)
		}
	}
}
