package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/looplab/loopcore/pkg/models"
)

// ResolutionKind enumerates overlap resolution outcomes.
type ResolutionKind string

const (
	ResolutionAllow      ResolutionKind = "allow"
	ResolutionReject     ResolutionKind = "reject"
	ResolutionReschedule ResolutionKind = "reschedule"
)

// Resolution is the outcome of resolving a candidate meeting against an
// existing one. Reschedule carries a suggested window after the existing
// meeting ends.
type Resolution struct {
	Kind           ResolutionKind `json:"kind"`
	SuggestedStart time.Time      `json:"suggested_start,omitempty"`
	SuggestedEnd   time.Time      `json:"suggested_end,omitempty"`
	AffectedUsers  []string       `json:"affected_users,omitempty"`
}

// ResolveOverlap classifies the overlap between an existing meeting and a
// candidate. An organizer double-booking is a hard conflict (reject, with a
// reschedule suggestion); shared non-organizer participants allow with the
// affected users listed; disjoint participant sets always allow.
func ResolveOverlap(existing, candidate *models.Meeting) Resolution {
	if !existing.Overlaps(candidate) {
		return Resolution{Kind: ResolutionAllow}
	}

	var affected []string
	organizerBooked := false
	for _, userID := range candidate.Participants {
		if !existing.HasParticipant(userID) {
			continue
		}
		if userID == candidate.OrganizerID {
			organizerBooked = true
		} else {
			affected = append(affected, userID)
		}
	}

	if organizerBooked {
		// A single slot suggestion cannot repair a recurring series.
		if candidate.Recurrence != nil {
			return Resolution{
				Kind:          ResolutionReject,
				AffectedUsers: append([]string{candidate.OrganizerID}, affected...),
			}
		}
		duration := candidate.EndTime.Sub(candidate.StartTime)
		return Resolution{
			Kind:           ResolutionReschedule,
			SuggestedStart: existing.EndTime,
			SuggestedEnd:   existing.EndTime.Add(duration),
			AffectedUsers:  append([]string{candidate.OrganizerID}, affected...),
		}
	}
	return Resolution{Kind: ResolutionAllow, AffectedUsers: affected}
}

// CheckDraft resolves a draft against every overlapping meeting without
// persisting anything. Clients call this before submitting so the app can
// offer the suggested window instead of surfacing a rejection after the
// fact. The worst outcome across all overlaps is returned first.
func (s *Service) CheckDraft(ctx context.Context, draft Draft) ([]Resolution, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	overlapping, err := s.meetings.ListOverlapping(ctx, draft.StartTime.UTC(), draft.EndTime.UTC())
	if err != nil {
		return nil, err
	}

	candidate := &models.Meeting{
		OrganizerID:  draft.OrganizerID,
		StartTime:    draft.StartTime.UTC(),
		EndTime:      draft.EndTime.UTC(),
		Recurrence:   draft.Recurrence,
		Participants: normalizeParticipants(draft.OrganizerID, draft.Participants),
	}

	var out []Resolution
	for i := range overlapping {
		resolution := ResolveOverlap(&overlapping[i], candidate)
		if resolution.Kind == ResolutionAllow && len(resolution.AffectedUsers) == 0 {
			continue
		}
		out = append(out, resolution)
	}
	sortResolutions(out)
	return out, nil
}

func resolutionRank(kind ResolutionKind) int {
	switch kind {
	case ResolutionReject:
		return 0
	case ResolutionReschedule:
		return 1
	default:
		return 2
	}
}

func sortResolutions(resolutions []Resolution) {
	sort.SliceStable(resolutions, func(i, j int) bool {
		return resolutionRank(resolutions[i].Kind) < resolutionRank(resolutions[j].Kind)
	})
}
