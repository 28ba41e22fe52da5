package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/models"
)

// appendChange persists a change event inside tx. The caller publishes the
// returned event to the feed after the transaction commits.
func appendChange(tx *gorm.DB, collection, recordID string, op models.ChangeOp, payload interface{}) (*models.ChangeEvent, error) {
	event := &models.ChangeEvent{
		Collection: collection,
		RecordID:   recordID,
		Op:         op,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	if err := tx.Create(event).Error; err != nil {
		return nil, err
	}
	return event, nil
}

// gormMeetingStore implements MeetingStore
type gormMeetingStore struct {
	db   *gorm.DB
	feed *changeFeed
}

func (s *gormMeetingStore) Create(ctx context.Context, meeting *models.Meeting) error {
	now := time.Now().UTC()
	meeting.CreatedAt = now
	meeting.UpdatedAt = now
	if meeting.Version == 0 {
		meeting.Version = 1
	}

	var event *models.ChangeEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(meeting).Error; err != nil {
			return err
		}
		var txErr error
		event, txErr = appendChange(tx, models.CollectionMeetings, meeting.ID, models.ChangeCreate, meeting)
		return txErr
	})
	if err != nil {
		return err
	}
	s.feed.publish(*event)
	return nil
}

func (s *gormMeetingStore) Get(ctx context.Context, id string) (*models.Meeting, error) {
	var meeting models.Meeting
	err := s.db.WithContext(ctx).First(&meeting, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &meeting, nil
}

func (s *gormMeetingStore) Update(ctx context.Context, meeting *models.Meeting, expectedVersion int64) error {
	meeting.Version = expectedVersion + 1
	meeting.UpdatedAt = time.Now().UTC()

	var event *models.ChangeEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Meeting{}).
			Where("id = ? AND version = ?", meeting.ID, expectedVersion).
			Select("*").
			Omit("id", "created_at").
			Updates(meeting)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var current models.Meeting
			if err := tx.First(&current, "id = ?", meeting.ID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return apperrors.ErrNotFound
				}
				return err
			}
			return &apperrors.VersionConflict{
				Collection: models.CollectionMeetings,
				ID:         meeting.ID,
				Expected:   expectedVersion,
				Actual:     current.Version,
			}
		}
		var txErr error
		event, txErr = appendChange(tx, models.CollectionMeetings, meeting.ID, models.ChangeUpdate, meeting)
		return txErr
	})
	if err != nil {
		meeting.Version = expectedVersion
		return err
	}
	s.feed.publish(*event)
	return nil
}

func (s *gormMeetingStore) ListOverlapping(ctx context.Context, start, end time.Time) ([]models.Meeting, error) {
	var meetings []models.Meeting
	err := s.db.WithContext(ctx).
		Where("start_time < ? AND end_time > ?", end, start).
		Where("status IN ?", []models.MeetingStatus{models.MeetingScheduled, models.MeetingLive}).
		Find(&meetings).Error
	return meetings, err
}

func (s *gormMeetingStore) ListByStatus(ctx context.Context, status models.MeetingStatus) ([]models.Meeting, error) {
	var meetings []models.Meeting
	err := s.db.WithContext(ctx).Where("status = ?", status).Find(&meetings).Error
	return meetings, err
}

func (s *gormMeetingStore) ListByTemplate(ctx context.Context, templateID string) ([]models.Meeting, error) {
	var meetings []models.Meeting
	err := s.db.WithContext(ctx).
		Where("template_id = ?", templateID).
		Order("start_time asc").
		Find(&meetings).Error
	return meetings, err
}

func (s *gormMeetingStore) ListUpcoming(ctx context.Context, after time.Time, limit int) ([]models.Meeting, error) {
	var meetings []models.Meeting
	err := s.db.WithContext(ctx).
		Where("start_time > ? AND status = ?", after, models.MeetingScheduled).
		Order("start_time asc").
		Limit(limit).
		Find(&meetings).Error
	return meetings, err
}

func (s *gormMeetingStore) ListPast(ctx context.Context, before time.Time, limit int) ([]models.Meeting, error) {
	var meetings []models.Meeting
	err := s.db.WithContext(ctx).
		Where("end_time < ? AND status = ?", before, models.MeetingEnded).
		Order("end_time desc").
		Limit(limit).
		Find(&meetings).Error
	return meetings, err
}

// gormMembershipStore implements MembershipStore
type gormMembershipStore struct {
	db   *gorm.DB
	feed *changeFeed
}

func (s *gormMembershipStore) Upsert(ctx context.Context, membership *models.Membership) error {
	membership.UpdatedAt = time.Now().UTC()

	var event *models.ChangeEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "meeting_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).Create(membership).Error; err != nil {
			return err
		}
		var txErr error
		event, txErr = appendChange(tx, models.CollectionMemberships,
			membership.MeetingID+"/"+membership.UserID, models.ChangeUpdate, membership)
		return txErr
	})
	if err != nil {
		return err
	}
	s.feed.publish(*event)
	return nil
}

func (s *gormMembershipStore) Get(ctx context.Context, meetingID, userID string) (*models.Membership, error) {
	var membership models.Membership
	err := s.db.WithContext(ctx).
		First(&membership, "meeting_id = ? AND user_id = ?", meetingID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

func (s *gormMembershipStore) ListByMeeting(ctx context.Context, meetingID string) ([]models.Membership, error) {
	var memberships []models.Membership
	err := s.db.WithContext(ctx).Where("meeting_id = ?", meetingID).Find(&memberships).Error
	return memberships, err
}

// gormPresenceStore implements PresenceStore
type gormPresenceStore struct {
	db   *gorm.DB
	feed *changeFeed
}

func (s *gormPresenceStore) Upsert(ctx context.Context, presence *models.Presence) error {
	presence.UpdatedAt = time.Now().UTC()

	var event *models.ChangeEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "last_heartbeat", "current_meeting_id", "updated_at"}),
		}).Create(presence).Error; err != nil {
			return err
		}
		var txErr error
		event, txErr = appendChange(tx, models.CollectionPresence, presence.UserID, models.ChangeUpdate, presence)
		return txErr
	})
	if err != nil {
		return err
	}
	s.feed.publish(*event)
	return nil
}

func (s *gormPresenceStore) Get(ctx context.Context, userID string) (*models.Presence, error) {
	var presence models.Presence
	err := s.db.WithContext(ctx).First(&presence, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &presence, nil
}

func (s *gormPresenceStore) ListByUserIDs(ctx context.Context, userIDs []string) ([]models.Presence, error) {
	var records []models.Presence
	err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&records).Error
	return records, err
}

func (s *gormPresenceStore) ListInMeeting(ctx context.Context, meetingID string) ([]models.Presence, error) {
	var records []models.Presence
	err := s.db.WithContext(ctx).Where("current_meeting_id = ?", meetingID).Find(&records).Error
	return records, err
}

func (s *gormPresenceStore) ListExpired(ctx context.Context, cutoff time.Time) ([]models.Presence, error) {
	var records []models.Presence
	err := s.db.WithContext(ctx).
		Where("status <> ? AND last_heartbeat < ?", models.PresenceOffline, cutoff).
		Find(&records).Error
	return records, err
}

// gormMutationStore implements MutationStore
type gormMutationStore struct {
	db *gorm.DB
}

func (s *gormMutationStore) Enqueue(ctx context.Context, mutation *models.PendingMutation) error {
	if mutation.EnqueuedAt.IsZero() {
		mutation.EnqueuedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(mutation).Error
}

func (s *gormMutationStore) ListPending(ctx context.Context) ([]models.PendingMutation, error) {
	var mutations []models.PendingMutation
	err := s.db.WithContext(ctx).
		Order("meeting_id asc, logical_clock asc, device_id asc").
		Find(&mutations).Error
	return mutations, err
}

func (s *gormMutationStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.PendingMutation{}, "id = ?", id).Error
}

// gormConflictStore implements ConflictStore
type gormConflictStore struct {
	db *gorm.DB
}

func (s *gormConflictStore) Record(ctx context.Context, conflict *models.ConflictRecord) error {
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(conflict).Error
}

func (s *gormConflictStore) ListByMeeting(ctx context.Context, meetingID string) ([]models.ConflictRecord, error) {
	var conflicts []models.ConflictRecord
	err := s.db.WithContext(ctx).
		Where("meeting_id = ?", meetingID).
		Order("created_at asc").
		Find(&conflicts).Error
	return conflicts, err
}
