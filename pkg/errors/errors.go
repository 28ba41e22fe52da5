// Package errors defines the fault taxonomy shared by the meeting core.
// Every condition here is recoverable at meeting-instance granularity;
// nothing in this package represents a process-fatal state.
package errors

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ValidationError reports a malformed draft or request. It is raised
// locally and never reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidation creates a ValidationError for a field.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthorizationError reports that an actor lacks rights for an action.
type AuthorizationError struct {
	ActorID string
	Action  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s is not allowed to %s", e.ActorID, e.Action)
}

// ConflictError reports a hard scheduling conflict: the organizer is
// double-booked against one or more existing meetings.
type ConflictError struct {
	MeetingID     string
	OrganizerID   string
	ConflictsWith []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("organizer %s double-booked against %v", e.OrganizerID, e.ConflictsWith)
}

// VersionConflict reports a stale optimistic write. It triggers a bounded
// reconciliation retry before being surfaced to the caller.
type VersionConflict struct {
	Collection string
	ID         string
	Expected   int64
	Actual     int64
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("stale write on %s/%s: expected version %d, found %d",
		e.Collection, e.ID, e.Expected, e.Actual)
}

// CapabilityFailure reports that an external capability (room acquisition,
// push delivery, assistant backend) failed. Always retryable; never
// swallowed by automatic retry loops.
type CapabilityFailure struct {
	Capability string
	Err        error
}

func (e *CapabilityFailure) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.Capability, e.Err)
}

func (e *CapabilityFailure) Unwrap() error { return e.Err }

// NotScheduledError reports a session start against a meeting that is not
// in the Scheduled state.
type NotScheduledError struct {
	MeetingID string
	Status    string
}

func (e *NotScheduledError) Error() string {
	return fmt.Sprintf("meeting %s cannot start from status %s", e.MeetingID, e.Status)
}

// RoomNotLiveError reports a join/leave against a meeting with no live room.
type RoomNotLiveError struct {
	MeetingID string
}

func (e *RoomNotLiveError) Error() string {
	return fmt.Sprintf("meeting %s has no live room", e.MeetingID)
}

// IsRetryable reports whether the caller may retry the failed operation
// without changing the request.
func IsRetryable(err error) bool {
	var capability *CapabilityFailure
	var version *VersionConflict
	return errors.As(err, &capability) || errors.As(err, &version)
}
