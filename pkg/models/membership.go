package models

import "time"

// MembershipState represents a participant's join state for one meeting.
// Joined and Left are meaningful only while the meeting is live.
type MembershipState string

const (
	MembershipInvited  MembershipState = "invited"
	MembershipAccepted MembershipState = "accepted"
	MembershipDeclined MembershipState = "declined"
	MembershipJoined   MembershipState = "joined"
	MembershipLeft     MembershipState = "left"
)

// Membership is the (meeting, user) join-state pair.
type Membership struct {
	MeetingID string          `json:"meeting_id" gorm:"primaryKey"`
	UserID    string          `json:"user_id" gorm:"primaryKey"`
	State     MembershipState `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}
