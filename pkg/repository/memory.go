package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/models"
)

// memoryBackend holds all in-memory collections plus the change log. It
// backs the device-local queue and the test registry.
type memoryBackend struct {
	mu          sync.RWMutex
	meetings    map[string]models.Meeting
	memberships map[string]models.Membership // key: meetingID/userID
	presence    map[string]models.Presence
	mutations   map[string]models.PendingMutation
	conflicts   []models.ConflictRecord
	changes     []models.ChangeEvent
	nextSeq     int64
	feed        *changeFeed
}

// NewMemoryRegistry builds a fully in-memory store registry. Used by tests
// and as the device-local pending-mutation queue.
func NewMemoryRegistry() *Registry {
	b := &memoryBackend{
		meetings:    make(map[string]models.Meeting),
		memberships: make(map[string]models.Membership),
		presence:    make(map[string]models.Presence),
		mutations:   make(map[string]models.PendingMutation),
	}
	b.feed = newChangeFeed(func(ctx context.Context, fromSeq int64) ([]models.ChangeEvent, error) {
		b.mu.RLock()
		defer b.mu.RUnlock()
		var out []models.ChangeEvent
		for _, event := range b.changes {
			if event.Seq > fromSeq {
				out = append(out, event)
			}
		}
		return out, nil
	})
	return &Registry{
		Meetings:    &memoryMeetingStore{b},
		Memberships: &memoryMembershipStore{b},
		Presence:    &memoryPresenceStore{b},
		Mutations:   &memoryMutationStore{b},
		Conflicts:   &memoryConflictStore{b},
		Feed:        b.feed,
	}
}

// appendChangeLocked records a change event; callers hold b.mu.
func (b *memoryBackend) appendChangeLocked(collection, recordID string, op models.ChangeOp, payload interface{}) models.ChangeEvent {
	b.nextSeq++
	event := models.ChangeEvent{
		Seq:        b.nextSeq,
		Collection: collection,
		RecordID:   recordID,
		Op:         op,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	b.changes = append(b.changes, event)
	return event
}

type memoryMeetingStore struct{ b *memoryBackend }

func (s *memoryMeetingStore) Create(ctx context.Context, meeting *models.Meeting) error {
	s.b.mu.Lock()
	now := time.Now().UTC()
	meeting.CreatedAt = now
	meeting.UpdatedAt = now
	if meeting.Version == 0 {
		meeting.Version = 1
	}
	s.b.meetings[meeting.ID] = *meeting
	event := s.b.appendChangeLocked(models.CollectionMeetings, meeting.ID, models.ChangeCreate, *meeting)
	s.b.mu.Unlock()
	s.b.feed.publish(event)
	return nil
}

func (s *memoryMeetingStore) Get(ctx context.Context, id string) (*models.Meeting, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	meeting, ok := s.b.meetings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := meeting
	return &copied, nil
}

func (s *memoryMeetingStore) Update(ctx context.Context, meeting *models.Meeting, expectedVersion int64) error {
	s.b.mu.Lock()
	current, ok := s.b.meetings[meeting.ID]
	if !ok {
		s.b.mu.Unlock()
		return apperrors.ErrNotFound
	}
	if current.Version != expectedVersion {
		s.b.mu.Unlock()
		return &apperrors.VersionConflict{
			Collection: models.CollectionMeetings,
			ID:         meeting.ID,
			Expected:   expectedVersion,
			Actual:     current.Version,
		}
	}
	meeting.Version = expectedVersion + 1
	meeting.UpdatedAt = time.Now().UTC()
	s.b.meetings[meeting.ID] = *meeting
	event := s.b.appendChangeLocked(models.CollectionMeetings, meeting.ID, models.ChangeUpdate, *meeting)
	s.b.mu.Unlock()
	s.b.feed.publish(event)
	return nil
}

func (s *memoryMeetingStore) ListOverlapping(ctx context.Context, start, end time.Time) ([]models.Meeting, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	var out []models.Meeting
	for _, meeting := range s.b.meetings {
		if meeting.Status != models.MeetingScheduled && meeting.Status != models.MeetingLive {
			continue
		}
		if meeting.StartTime.Before(end) && start.Before(meeting.EndTime) {
			out = append(out, meeting)
		}
	}
	sortMeetingsByStart(out)
	return out, nil
}

func (s *memoryMeetingStore) ListByStatus(ctx context.Context, status models.MeetingStatus) ([]models.Meeting, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	var out []models.Meeting
	for _, meeting := range s.b.meetings {
		if meeting.Status == status {
			out = append(out, meeting)
		}
	}
	sortMeetingsByStart(out)
	return out, nil
}

func (s *memoryMeetingStore) ListByTemplate(ctx context.Context, templateID string) ([]models.Meeting, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	var out []models.Meeting
	for _, meeting := range s.b.meetings {
		if meeting.TemplateID == templateID {
			out = append(out, meeting)
		}
	}
	sortMeetingsByStart(out)
	return out, nil
}

func (s *memoryMeetingStore) ListUpcoming(ctx context.Context, after time.Time, limit int) ([]models.Meeting, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	var out []models.Meeting
	for _, meeting := range s.b.meetings {
		if meeting.Status == models.MeetingScheduled && meeting.StartTime.After(after) {
			out = append(out, meeting)
		}
	}
	sortMeetingsByStart(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryMeetingStore) ListPast(ctx context.Context, before time.Time, limit int) ([]models.Meeting, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	var out []models.Meeting
	for _, meeting := range s.b.meetings {
		if meeting.Status == models.MeetingEnded && meeting.EndTime.Before(before) {
			out = append(out, meeting)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortMeetingsByStart(meetings []models.Meeting) {
	sort.Slice(meetings, func(i, j int) bool {
		if meetings[i].StartTime.Equal(meetings[j].StartTime) {
			return meetings[i].ID < meetings[j].ID
		}
		return meetings[i].StartTime.Before(meetings[j].StartTime)
	})
}

type memoryMembershipStore struct{ b *memoryBackend }

func membershipKey(meetingID, userID string) string { return meetingID + "/" + userID }

func (s *memoryMembershipStore) Upsert(ctx context.Context, membership *models.Membership) error {
	s.b.mu.Lock()
	membership.UpdatedAt = time.Now().UTC()
	key := membershipKey(membership.MeetingID, membership.UserID)
	s.b.memberships[key] = *membership
	event := s.b.appendChangeLocked(models.CollectionMemberships, key, models.ChangeUpdate, *membership)
	s.b.mu.Unlock()
	s.b.feed.publish(event)
	return nil
}

func (s *memoryMembershipStore) Get(ctx context.Context, meetingID, userID string) (*models.Membership, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	membership, ok := s.b.memberships[membershipKey(meetingID, userID)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := membership
	return &copied, nil
}

func (s *memoryMembershipStore) ListByMeeting(ctx context.Context, meetingID string) ([]models.Membership, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	var out []models.Membership
	for _, membership := range s.b.memberships {
		if membership.MeetingID == meetingID {
			out = append(out, membership)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

type memoryPresenceStore struct{ b *memoryBackend }

func (s *memoryPresenceStore) Upsert(ctx context.Context, presence *models.Presence) error {
	s.b.mu.Lock()
	presence.UpdatedAt = time.Now().UTC()
	s.b.presence[presence.UserID] = *presence
	event := s.b.appendChangeLocked(models.CollectionPresence, presence.UserID, models.ChangeUpdate, *presence)
	s.b.mu.Unlock()
	s.b.feed.publish(event)
	return nil
}

func (s *memoryPresenceStore) Get(ctx context.Context, userID string) (*models.Presence, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	presence, ok := s.b.presence[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := presence
	return &copied, nil
}

func (s *memoryPresenceStore) ListByUserIDs(ctx context.Context, userIDs []string) ([]models.Presence, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	var out []models.Presence
	for _, id := range userIDs {
		if presence, ok := s.b.presence[id]; ok {
			out = append(out, presence)
		}
	}
	return out, nil
}

func (s *memoryPresenceStore) ListInMeeting(ctx context.Context, meetingID string) ([]models.Presence, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	var out []models.Presence
	for _, presence := range s.b.presence {
		if presence.CurrentMeetingID == meetingID {
			out = append(out, presence)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memoryPresenceStore) ListExpired(ctx context.Context, cutoff time.Time) ([]models.Presence, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	var out []models.Presence
	for _, presence := range s.b.presence {
		if presence.Status != models.PresenceOffline && presence.LastHeartbeat.Before(cutoff) {
			out = append(out, presence)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

type memoryMutationStore struct{ b *memoryBackend }

func (s *memoryMutationStore) Enqueue(ctx context.Context, mutation *models.PendingMutation) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if mutation.EnqueuedAt.IsZero() {
		mutation.EnqueuedAt = time.Now().UTC()
	}
	s.b.mutations[mutation.ID] = *mutation
	return nil
}

func (s *memoryMutationStore) ListPending(ctx context.Context) ([]models.PendingMutation, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	out := make([]models.PendingMutation, 0, len(s.b.mutations))
	for _, mutation := range s.b.mutations {
		out = append(out, mutation)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MeetingID != out[j].MeetingID {
			return out[i].MeetingID < out[j].MeetingID
		}
		if out[i].LogicalClock != out[j].LogicalClock {
			return out[i].LogicalClock < out[j].LogicalClock
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}

func (s *memoryMutationStore) Delete(ctx context.Context, id string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.mutations, id)
	return nil
}

type memoryConflictStore struct{ b *memoryBackend }

func (s *memoryConflictStore) Record(ctx context.Context, conflict *models.ConflictRecord) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = time.Now().UTC()
	}
	s.b.conflicts = append(s.b.conflicts, *conflict)
	return nil
}

func (s *memoryConflictStore) ListByMeeting(ctx context.Context, meetingID string) ([]models.ConflictRecord, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	var out []models.ConflictRecord
	for _, conflict := range s.b.conflicts {
		if conflict.MeetingID == meetingID {
			out = append(out, conflict)
		}
	}
	return out, nil
}
