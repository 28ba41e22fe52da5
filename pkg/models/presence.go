package models

import "time"

// PresenceStatus represents the status of user presence.
type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceOffline   PresenceStatus = "offline"
	PresenceInMeeting PresenceStatus = "in_meeting"
)

// Presence represents user presence state. Records are created on first
// heartbeat and only ever updated, never deleted. CurrentMeetingID is
// non-empty only while the user is joined to a live meeting.
type Presence struct {
	UserID           string         `json:"user_id" gorm:"primaryKey"`
	Status           PresenceStatus `json:"status" gorm:"index"`
	LastHeartbeat    time.Time      `json:"last_heartbeat"`
	CurrentMeetingID string         `json:"current_meeting_id,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Online reports whether the presence counts as online given a timeout
// window ending at now.
func (p *Presence) Online(now time.Time, timeout time.Duration) bool {
	if p.Status == PresenceOffline {
		return false
	}
	return now.Sub(p.LastHeartbeat) <= timeout
}
