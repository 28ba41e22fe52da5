// Package events carries application events from the core services to
// connected clients over the websocket hub. The store change feed and the
// session orchestrator publish here; the notification dispatcher decorates
// the same interface for push side effects.
package events

import (
	"time"
)

// Event type constants
const (
	EventMeetingCreated    = "meeting.created"
	EventMeetingUpdated    = "meeting.updated"
	EventMeetingCancelled  = "meeting.cancelled"
	EventMeetingStarting   = "meeting.starting"
	EventMeetingReminder   = "meeting.reminder"
	EventSessionStarted    = "session.started"
	EventSessionEnded      = "session.ended"
	EventParticipantJoined = "participant.joined"
	EventParticipantLeft   = "participant.left"
	EventPresenceOnline    = "presence.online"
	EventPresenceOffline   = "presence.offline"
	EventStoreChange       = "store.change"
)

// Event represents an application event to be dispatched to connected clients
type Event struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"` // subscriber filter, e.g. "meeting:<id>"
	UserID    string      `json:"user_id,omitempty"` // send only to this user's connections
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventDispatcher sends events to connected clients. Dispatch is
// fire-and-forget; no delivery confirmation is required by the core.
type EventDispatcher interface {
	Dispatch(event Event)
}

// HubEventDispatcher implements EventDispatcher using the websocket hub
type HubEventDispatcher struct {
	hub *Hub
}

// NewHubEventDispatcher creates a new event dispatcher backed by a hub
func NewHubEventDispatcher(hub *Hub) *HubEventDispatcher {
	return &HubEventDispatcher{hub: hub}
}

// Dispatch sends an event to connected clients:
// - if UserID is set, only that user's connections receive it
// - if Channel is set, only subscribers of that channel receive it
// - otherwise it is broadcast to all connections
func (d *HubEventDispatcher) Dispatch(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.UserID != "" {
		d.hub.SendToUser(event.UserID, event)
		return
	}
	if event.Channel != "" {
		d.hub.BroadcastToChannel(event.Channel, event)
		return
	}
	d.hub.Broadcast(event)
}

// NopDispatcher discards all events. Useful in tests.
type NopDispatcher struct{}

// Dispatch implements EventDispatcher
func (NopDispatcher) Dispatch(Event) {}

// CaptureDispatcher records dispatched events for test assertions.
type CaptureDispatcher struct {
	Events []Event
}

// Dispatch implements EventDispatcher
func (d *CaptureDispatcher) Dispatch(event Event) {
	d.Events = append(d.Events, event)
}
