package models

import "time"

// MutationOp enumerates the operations a client can queue while offline.
type MutationOp string

const (
	OpCreateMeeting MutationOp = "create_meeting"
	OpUpdateMeeting MutationOp = "update_meeting"
	OpCancelMeeting MutationOp = "cancel_meeting"
	OpJoinMeeting   MutationOp = "join_meeting"
	OpLeaveMeeting  MutationOp = "leave_meeting"
)

// Scalar field names carried in PendingMutation.Fields. Participant-set
// changes travel as Join/Leave ops, never as scalar fields.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldLocation    = "location"
	FieldStartTime   = "start_time"
	FieldEndTime     = "end_time"
)

// PendingMutation is an uncommitted local change queued while offline and
// drained on reconnect. Mutations for the same meeting are applied in
// logical-clock order; cross-meeting mutations are independent.
type PendingMutation struct {
	ID           string                 `json:"id" gorm:"primaryKey"`
	MeetingID    string                 `json:"meeting_id" gorm:"index"`
	DeviceID     string                 `json:"device_id"`
	LogicalClock int64                  `json:"logical_clock"`
	Op           MutationOp             `json:"op"`
	Fields       map[string]interface{} `json:"fields,omitempty" gorm:"serializer:json"`
	UserID       string                 `json:"user_id,omitempty"`
	BaseVersion  int64                  `json:"base_version"`
	EnqueuedAt   time.Time              `json:"enqueued_at"`
}

// Clock returns the mutation's field clock for last-writer-wins comparison.
func (m *PendingMutation) Clock() FieldClock {
	return FieldClock{Clock: m.LogicalClock, DeviceID: m.DeviceID}
}

// ConflictResolution enumerates how a divergence was settled.
type ConflictResolution string

const (
	ResolutionLocalWon  ConflictResolution = "local_won"
	ResolutionRemoteWon ConflictResolution = "remote_won"
	ResolutionMerged    ConflictResolution = "merged"
	ResolutionDiscarded ConflictResolution = "discarded"
)

// ConflictRecord captures both sides of a divergent mutation and the
// resolution outcome. Records are surfaced to the caller; the reconciler
// never resolves a membership change silently.
type ConflictRecord struct {
	ID          string             `json:"id" gorm:"primaryKey"`
	MeetingID   string             `json:"meeting_id" gorm:"index"`
	Field       string             `json:"field"`
	LocalValue  string             `json:"local_value"`
	RemoteValue string             `json:"remote_value"`
	LocalClock  FieldClock         `json:"local_clock" gorm:"embedded;embeddedPrefix:local_"`
	RemoteClock FieldClock         `json:"remote_clock" gorm:"embedded;embeddedPrefix:remote_"`
	Resolution  ConflictResolution `json:"resolution"`
	CreatedAt   time.Time          `json:"created_at"`
}
