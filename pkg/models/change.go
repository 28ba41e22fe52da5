package models

import "time"

// ChangeOp enumerates store change-event kinds.
type ChangeOp string

const (
	ChangeCreate ChangeOp = "create"
	ChangeUpdate ChangeOp = "update"
)

// Store collection names used in change events.
const (
	CollectionMeetings    = "meetings"
	CollectionMemberships = "memberships"
	CollectionPresence    = "presence"
)

// ChangeEvent is one entry of the store change feed. Seq is a monotonic
// global sequence number; subscribers resume from the last sequence they
// observed after a reconnect.
type ChangeEvent struct {
	Seq        int64       `json:"seq" gorm:"primaryKey;autoIncrement"`
	Collection string      `json:"collection" gorm:"index"`
	RecordID   string      `json:"record_id" gorm:"index"`
	Op         ChangeOp    `json:"op"`
	Payload    interface{} `json:"payload,omitempty" gorm:"serializer:json"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// RoomHandle is an opaque reference to a live video session provided by the
// external conferencing capability.
type RoomHandle struct {
	ID         string    `json:"id"`
	MeetingID  string    `json:"meeting_id"`
	URL        string    `json:"url"`
	AcquiredAt time.Time `json:"acquired_at"`
}
