// Package repository provides the typed read/write facade over the
// authoritative store. Writes are optimistic: callers pass the version they
// read, and a mismatch surfaces as errors.VersionConflict. Every committed
// write is appended to a global change feed that subscribers can resume
// from after a reconnect.
package repository

import (
	"context"
	"time"

	"github.com/looplab/loopcore/pkg/models"
)

// MeetingStore persists meetings
type MeetingStore interface {
	Create(ctx context.Context, meeting *models.Meeting) error
	Get(ctx context.Context, id string) (*models.Meeting, error)
	// Update applies the meeting state if the stored version still equals
	// expectedVersion, bumping the version on success.
	Update(ctx context.Context, meeting *models.Meeting, expectedVersion int64) error
	// ListOverlapping returns non-terminal meetings whose [start,end)
	// window overlaps the given window.
	ListOverlapping(ctx context.Context, start, end time.Time) ([]models.Meeting, error)
	ListByStatus(ctx context.Context, status models.MeetingStatus) ([]models.Meeting, error)
	ListByTemplate(ctx context.Context, templateID string) ([]models.Meeting, error)
	ListUpcoming(ctx context.Context, after time.Time, limit int) ([]models.Meeting, error)
	ListPast(ctx context.Context, before time.Time, limit int) ([]models.Meeting, error)
}

// MembershipStore persists participant join states
type MembershipStore interface {
	Upsert(ctx context.Context, membership *models.Membership) error
	Get(ctx context.Context, meetingID, userID string) (*models.Membership, error)
	ListByMeeting(ctx context.Context, meetingID string) ([]models.Membership, error)
}

// PresenceStore persists presence records
type PresenceStore interface {
	Upsert(ctx context.Context, presence *models.Presence) error
	Get(ctx context.Context, userID string) (*models.Presence, error)
	ListByUserIDs(ctx context.Context, userIDs []string) ([]models.Presence, error)
	// ListInMeeting returns records whose current meeting id is meetingID.
	ListInMeeting(ctx context.Context, meetingID string) ([]models.Presence, error)
	// ListExpired returns records still marked online or in-meeting whose
	// last heartbeat is older than cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]models.Presence, error)
}

// MutationStore persists the offline mutation queue
type MutationStore interface {
	Enqueue(ctx context.Context, mutation *models.PendingMutation) error
	// ListPending returns all queued mutations ordered by meeting id, then
	// logical clock, then device id.
	ListPending(ctx context.Context) ([]models.PendingMutation, error)
	Delete(ctx context.Context, id string) error
}

// ConflictStore persists conflict records
type ConflictStore interface {
	Record(ctx context.Context, conflict *models.ConflictRecord) error
	ListByMeeting(ctx context.Context, meetingID string) ([]models.ConflictRecord, error)
}

// Watcher exposes the store change feed. The returned channel replays
// events with Seq > fromSeq and then streams live changes until ctx is
// cancelled; it is restartable by calling Watch again with the last
// observed sequence.
type Watcher interface {
	Watch(ctx context.Context, fromSeq int64) (<-chan models.ChangeEvent, error)
}

// Registry bundles all stores behind one handle
type Registry struct {
	Meetings    MeetingStore
	Memberships MembershipStore
	Presence    PresenceStore
	Mutations   MutationStore
	Conflicts   ConflictStore
	Feed        Watcher
}
