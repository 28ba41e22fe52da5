package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/looplab/loopcore/pkg/models"
)

// Expansion horizon: occurrences are materialized at most this many at a
// time and never further out than the rolling window.
const (
	maxOccurrencesAhead = 8
	expansionWindow     = 90 * 24 * time.Hour
)

// Occurrence is one concrete time window derived from a recurrence rule.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// ExpandRule computes the occurrence windows of a rule from the template's
// first window, bounded by the horizon (count and rolling window) and by
// the rule's own Count/Until limits. The template's first window is itself
// occurrence zero and is not returned.
func ExpandRule(rule models.RecurrenceRule, first Occurrence, now time.Time) []Occurrence {
	step := ruleStep(rule)
	if step <= 0 {
		return nil
	}

	horizon := now.Add(expansionWindow)
	duration := first.End.Sub(first.Start)

	// Rule count limits total occurrences including the first.
	remaining := maxOccurrencesAhead
	if rule.Count > 0 && rule.Count-1 < remaining {
		remaining = rule.Count - 1
	}

	var out []Occurrence
	start := first.Start
	for len(out) < remaining {
		start = start.Add(step)
		if start.After(horizon) {
			break
		}
		if rule.Until != nil && start.After(*rule.Until) {
			break
		}
		out = append(out, Occurrence{Start: start, End: start.Add(duration)})
	}
	return out
}

func ruleStep(rule models.RecurrenceRule) time.Duration {
	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}
	switch rule.Frequency {
	case models.RecurDaily:
		return time.Duration(interval) * 24 * time.Hour
	case models.RecurWeekly:
		return time.Duration(interval) * 7 * 24 * time.Hour
	default:
		return 0
	}
}

// ListOccurrences returns the materialized occurrences of a recurring
// meeting template, expanding the series lazily as the window advances.
// Missing occurrences inside the horizon are created as Scheduled meetings
// sharing the template id but with distinct occurrence ids.
func (s *Service) ListOccurrences(ctx context.Context, templateID string) ([]models.Meeting, error) {
	template, err := s.meetings.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if template.Recurrence == nil {
		return []models.Meeting{*template}, nil
	}

	existing, err := s.meetings.ListByTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	existingStarts := make(map[int64]bool, len(existing))
	for _, occurrence := range existing {
		existingStarts[occurrence.StartTime.Unix()] = true
	}

	windows := ExpandRule(*template.Recurrence,
		Occurrence{Start: template.StartTime, End: template.EndTime}, s.now())

	for _, window := range windows {
		if existingStarts[window.Start.Unix()] {
			continue
		}
		occurrence := &models.Meeting{
			ID:           s.newID(),
			TemplateID:   templateID,
			OrganizerID:  template.OrganizerID,
			Title:        template.Title,
			Description:  template.Description,
			Location:     template.Location,
			Category:     template.Category,
			StartTime:    window.Start,
			EndTime:      window.End,
			Participants: append([]string(nil), template.Participants...),
			MaxAttendees: template.MaxAttendees,
			Status:       models.MeetingScheduled,
			Clocks:       models.FieldClocks{},
		}
		if err := s.meetings.Create(ctx, occurrence); err != nil {
			return nil, err
		}
		existing = append(existing, *occurrence)
		s.logger.Debug("occurrence materialized", "template_id", templateID, "meeting_id", occurrence.ID, "start", window.Start)
	}

	sortByStart(existing)
	return existing, nil
}

func sortByStart(meetings []models.Meeting) {
	sort.Slice(meetings, func(i, j int) bool {
		return meetings[i].StartTime.Before(meetings[j].StartTime)
	})
}
