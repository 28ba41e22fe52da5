package scheduler

import (
	"fmt"
	"time"

	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/models"
)

// ApplyScalarFields writes scalar field values onto a meeting under the
// field-level last-writer-wins discipline: a value is applied only when its
// clock beats the field's recorded last-writer clock. The returned slice
// names the fields that were actually applied; fields that lost the clock
// comparison are skipped, not errors.
func ApplyScalarFields(m *models.Meeting, fields map[string]interface{}, clock models.FieldClock) ([]string, error) {
	if m.Clocks == nil {
		m.Clocks = models.FieldClocks{}
	}

	var applied []string
	for field, value := range fields {
		existing, tracked := m.Clocks[field]
		if tracked && !clock.Beats(existing) {
			continue
		}
		if err := setScalarField(m, field, value); err != nil {
			return applied, err
		}
		m.Clocks[field] = clock
		applied = append(applied, field)
	}

	if !m.StartTime.Before(m.EndTime) {
		return applied, apperrors.NewValidation("end_time", "start must be before end")
	}
	return applied, nil
}

func setScalarField(m *models.Meeting, field string, value interface{}) error {
	switch field {
	case models.FieldTitle:
		s, err := stringValue(field, value)
		if err != nil {
			return err
		}
		m.Title = s
	case models.FieldDescription:
		s, err := stringValue(field, value)
		if err != nil {
			return err
		}
		m.Description = s
	case models.FieldLocation:
		s, err := stringValue(field, value)
		if err != nil {
			return err
		}
		m.Location = s
	case models.FieldStartTime:
		t, err := timeValue(field, value)
		if err != nil {
			return err
		}
		m.StartTime = t
	case models.FieldEndTime:
		t, err := timeValue(field, value)
		if err != nil {
			return err
		}
		m.EndTime = t
	default:
		return apperrors.NewValidation(field, "unknown scalar field")
	}
	return nil
}

func stringValue(field string, value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", apperrors.NewValidation(field, fmt.Sprintf("expected string, got %T", value))
	}
	return s, nil
}

// timeValue accepts time.Time directly or an RFC 3339 string, the form
// field values take after JSON round-tripping through the mutation queue.
func timeValue(field string, value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, apperrors.NewValidation(field, "expected RFC 3339 timestamp")
		}
		return t.UTC(), nil
	default:
		return time.Time{}, apperrors.NewValidation(field, fmt.Sprintf("expected timestamp, got %T", value))
	}
}
