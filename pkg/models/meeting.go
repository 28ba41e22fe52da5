package models

import "time"

// MeetingStatus represents the lifecycle state of a meeting.
type MeetingStatus string

const (
	MeetingDraft     MeetingStatus = "draft"
	MeetingScheduled MeetingStatus = "scheduled"
	MeetingLive      MeetingStatus = "live"
	MeetingEnded     MeetingStatus = "ended"
	MeetingCancelled MeetingStatus = "cancelled"
)

// RecurrenceFrequency enumerates supported recurrence frequencies.
type RecurrenceFrequency string

const (
	RecurDaily  RecurrenceFrequency = "daily"
	RecurWeekly RecurrenceFrequency = "weekly"
)

// RecurrenceRule describes how a meeting template repeats. Occurrences are
// expanded lazily over a bounded horizon, never materialized as an
// unbounded series.
type RecurrenceRule struct {
	Frequency RecurrenceFrequency `json:"frequency"`
	Interval  int                 `json:"interval"`
	Count     int                 `json:"count,omitempty"`
	Until     *time.Time          `json:"until,omitempty"`
}

// FieldClock records the logical clock and originating device of the last
// accepted write to a scalar field. Used for deterministic last-writer-wins
// resolution during reconciliation.
type FieldClock struct {
	Clock    int64  `json:"clock"`
	DeviceID string `json:"device_id"`
}

// Beats reports whether this clock dominates other under the
// (logical clock, then device id) total order.
func (c FieldClock) Beats(other FieldClock) bool {
	if c.Clock != other.Clock {
		return c.Clock > other.Clock
	}
	return c.DeviceID > other.DeviceID
}

// FieldClocks maps scalar field names to their last-writer clocks.
type FieldClocks map[string]FieldClock

// Meeting represents a scheduled or live meeting. Times are absolute UTC
// instants; display-timezone conversion is the caller's concern.
type Meeting struct {
	ID           string          `json:"id" gorm:"primaryKey"`
	TemplateID   string          `json:"template_id,omitempty" gorm:"index"`
	OrganizerID  string          `json:"organizer_id" gorm:"index"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Location     string          `json:"location,omitempty"`
	Category     string          `json:"category,omitempty"`
	StartTime    time.Time       `json:"start_time" gorm:"index"`
	EndTime      time.Time       `json:"end_time" gorm:"index"`
	Recurrence   *RecurrenceRule `json:"recurrence,omitempty" gorm:"serializer:json"`
	Participants []string        `json:"participants" gorm:"serializer:json"`
	MaxAttendees int             `json:"max_attendees,omitempty"`
	Status       MeetingStatus   `json:"status" gorm:"index"`
	RoomID       string          `json:"room_id,omitempty"`
	RoomURL      string          `json:"room_url,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	Clocks       FieldClocks     `json:"clocks,omitempty" gorm:"serializer:json"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// HasParticipant reports whether userID is in the participant set.
func (m *Meeting) HasParticipant(userID string) bool {
	for _, id := range m.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// AddParticipant adds userID to the participant set if absent.
func (m *Meeting) AddParticipant(userID string) {
	if !m.HasParticipant(userID) {
		m.Participants = append(m.Participants, userID)
	}
}

// RemoveParticipant removes userID from the participant set.
func (m *Meeting) RemoveParticipant(userID string) {
	out := m.Participants[:0]
	for _, id := range m.Participants {
		if id != userID {
			out = append(out, id)
		}
	}
	m.Participants = out
}

// Overlaps reports whether the [start,end) windows of two meetings overlap.
func (m *Meeting) Overlaps(other *Meeting) bool {
	return m.StartTime.Before(other.EndTime) && other.StartTime.Before(m.EndTime)
}

// Terminal reports whether the meeting reached a terminal state.
func (m *Meeting) Terminal() bool {
	return m.Status == MeetingEnded || m.Status == MeetingCancelled
}
