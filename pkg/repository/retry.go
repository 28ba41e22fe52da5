package repository

import (
	"context"
	"errors"

	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/models"
)

// UpdateMeetingWithRetry fetches the meeting, applies mutate, and writes it
// back optimistically. On VersionConflict it refetches and retries up to
// attempts times before surfacing the conflict to the caller. Errors from
// mutate abort immediately.
func UpdateMeetingWithRetry(ctx context.Context, store MeetingStore, id string, attempts int, mutate func(*models.Meeting) error) (*models.Meeting, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		meeting, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(meeting); err != nil {
			return nil, err
		}
		err = store.Update(ctx, meeting, meeting.Version)
		if err == nil {
			return meeting, nil
		}
		var conflict *apperrors.VersionConflict
		if !errors.As(err, &conflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
