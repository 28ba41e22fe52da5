// Package notify turns application events into push notifications. The
// service decorates the event dispatcher so every core service that emits
// realtime events also feeds the push pipeline without knowing about it.
package notify

import (
	"context"
	"time"

	"github.com/looplab/loopcore/pkg/events"
	"github.com/looplab/loopcore/pkg/logging"
	"github.com/looplab/loopcore/pkg/models"
)

// Push is one outbound notification.
type Push struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// PushSender is the boundary to the external push capability. Delivery is
// fire-and-forget; failures are logged, never propagated to the caller.
type PushSender interface {
	Send(ctx context.Context, push Push) error
}

// LogSender writes pushes to the log instead of delivering them. It is the
// default sender when no push backend is configured.
type LogSender struct {
	Logger *logging.Logger
}

// Send implements PushSender
func (s *LogSender) Send(ctx context.Context, push Push) error {
	s.Logger.Info("push notification",
		"user_id", push.UserID, "title", push.Title, "body", push.Body)
	return nil
}

// Service decorates an EventDispatcher with push side effects.
type Service struct {
	next    events.EventDispatcher
	sender  PushSender
	logger  *logging.Logger
	timeout time.Duration
}

// NewService wraps next so that dispatched events also produce pushes.
func NewService(next events.EventDispatcher, sender PushSender, logger *logging.Logger) *Service {
	return &Service{
		next:    next,
		sender:  sender,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Dispatch implements events.EventDispatcher
func (s *Service) Dispatch(event events.Event) {
	s.next.Dispatch(event)

	pushes := s.translate(event)
	if len(pushes) == 0 {
		return
	}
	// Push delivery must never block the dispatching service.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		for _, push := range pushes {
			if err := s.sender.Send(ctx, push); err != nil {
				s.logger.Warn("push delivery failed", "user_id", push.UserID, "type", event.Type, "error", err)
			}
		}
	}()
}

// translate maps an event to the pushes it warrants. Events not listed
// here stay realtime-only.
func (s *Service) translate(event events.Event) []Push {
	switch event.Type {
	case events.EventMeetingCreated:
		meeting, ok := event.Data.(*models.Meeting)
		if !ok {
			return nil
		}
		return fanOut(meeting, meeting.OrganizerID, "Meeting invitation",
			"You are invited to "+meeting.Title)
	case events.EventMeetingStarting:
		meeting, ok := event.Data.(*models.Meeting)
		if !ok {
			return nil
		}
		return fanOut(meeting, "", "Meeting starting",
			meeting.Title+" is starting now")
	case events.EventMeetingReminder:
		meeting, ok := event.Data.(*models.Meeting)
		if !ok {
			return nil
		}
		return fanOut(meeting, "", "Meeting reminder",
			meeting.Title+" starts soon")
	case events.EventMeetingCancelled:
		meeting, ok := event.Data.(*models.Meeting)
		if !ok {
			return nil
		}
		return fanOut(meeting, meeting.OrganizerID, "Meeting cancelled",
			meeting.Title+" was cancelled")
	default:
		return nil
	}
}

// fanOut builds one push per participant, skipping the excluded user.
func fanOut(meeting *models.Meeting, exclude, title, body string) []Push {
	pushes := make([]Push, 0, len(meeting.Participants))
	for _, userID := range meeting.Participants {
		if userID == exclude {
			continue
		}
		pushes = append(pushes, Push{
			UserID: userID,
			Title:  title,
			Body:   body,
			Data:   map[string]string{"meeting_id": meeting.ID},
		})
	}
	return pushes
}
