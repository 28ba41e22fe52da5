// Package reconciler merges locally-queued offline mutations with
// server-confirmed state. Mutations replay in ascending logical-clock order
// per meeting against authoritative state fetched just in time; scalar
// divergence resolves by field-level last-writer-wins and participant-set
// changes merge additively, with explicit leaves never lost. Meeting
// records are only ever mutated through the scheduling engine and the
// orchestrator, which own the per-meeting write discipline.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/logging"
	"github.com/looplab/loopcore/pkg/metrics"
	"github.com/looplab/loopcore/pkg/models"
	"github.com/looplab/loopcore/pkg/orchestrator"
	"github.com/looplab/loopcore/pkg/repository"
	"github.com/looplab/loopcore/pkg/scheduler"
)

// Outcome classifies how a drained mutation was settled.
type Outcome string

const (
	// OutcomeApplied means the mutation (or part of it) reached the
	// authoritative state.
	OutcomeApplied Outcome = "applied"
	// OutcomeSuperseded means a later authoritative write dominated the
	// mutation entirely; replaying it was a no-op.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeConflicted means the mutation could not be applied as
	// written; a ConflictRecord holds both versions and the resolution.
	OutcomeConflicted Outcome = "conflicted"
	// OutcomeRetry means a transient failure interrupted the replay; the
	// mutation stays queued for the next drain.
	OutcomeRetry Outcome = "retry"
)

// Result reports the fate of one drained mutation.
type Result struct {
	Mutation  models.PendingMutation  `json:"mutation"`
	Outcome   Outcome                 `json:"outcome"`
	Conflicts []models.ConflictRecord `json:"conflicts,omitempty"`
	Err       error                   `json:"-"`
}

// Reconciler drains the pending-mutation queue
type Reconciler struct {
	scheduler *scheduler.Service
	orch      *orchestrator.Orchestrator
	meetings  repository.MeetingStore
	mutations repository.MutationStore
	conflicts repository.ConflictStore
	logger    *logging.Logger
	newID     func() string
}

// New creates a reconciler
func New(sched *scheduler.Service, orch *orchestrator.Orchestrator, reg *repository.Registry, logger *logging.Logger) *Reconciler {
	return &Reconciler{
		scheduler: sched,
		orch:      orch,
		meetings:  reg.Meetings,
		mutations: reg.Mutations,
		conflicts: reg.Conflicts,
		logger:    logger,
		newID:     func() string { return uuid.New().String() },
	}
}

// Enqueue queues a mutation made while offline.
func (r *Reconciler) Enqueue(ctx context.Context, mutation *models.PendingMutation) error {
	if mutation.MeetingID == "" {
		return apperrors.NewValidation("meeting_id", "meeting id is required")
	}
	if mutation.DeviceID == "" {
		return apperrors.NewValidation("device_id", "device id is required")
	}
	if mutation.LogicalClock <= 0 {
		return apperrors.NewValidation("logical_clock", "logical clock must be positive")
	}
	if mutation.ID == "" {
		mutation.ID = r.newID()
	}
	if mutation.EnqueuedAt.IsZero() {
		mutation.EnqueuedAt = time.Now().UTC()
	}
	return r.mutations.Enqueue(ctx, mutation)
}

// Drain replays all pending mutations in logical-clock order per meeting,
// invoking yield for each result as it is produced. Yield returning false
// stops the drain early; remaining mutations stay queued. Drain is finite
// and restartable: a new call picks up whatever the previous cycle left.
func (r *Reconciler) Drain(ctx context.Context, yield func(Result) bool) error {
	pending, err := r.mutations.ListPending(ctx)
	if err != nil {
		return err
	}

	for _, mutation := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		result := r.replay(ctx, mutation)
		metrics.ReconcileOutcomes.WithLabelValues(string(result.Outcome)).Inc()

		// Mutations are destroyed once reconciled or discarded after a
		// terminal conflict; transient failures keep them queued.
		if result.Outcome != OutcomeRetry {
			if err := r.mutations.Delete(ctx, mutation.ID); err != nil {
				r.logger.Error("failed to delete drained mutation", "mutation_id", mutation.ID, "error", err)
			}
		}
		if !yield(result) {
			return nil
		}
	}
	return nil
}

// replay applies one mutation against just-fetched authoritative state.
func (r *Reconciler) replay(ctx context.Context, mutation models.PendingMutation) Result {
	switch mutation.Op {
	case models.OpCreateMeeting:
		return r.replayCreate(ctx, mutation)
	case models.OpUpdateMeeting:
		return r.replayUpdate(ctx, mutation)
	case models.OpCancelMeeting:
		return r.replayCancel(ctx, mutation)
	case models.OpJoinMeeting:
		return r.replayJoin(ctx, mutation)
	case models.OpLeaveMeeting:
		return r.replayLeave(ctx, mutation)
	default:
		return r.conflicted(ctx, mutation, "op", string(mutation.Op), "", models.FieldClock{},
			models.ResolutionDiscarded, fmt.Errorf("unknown mutation op %q", mutation.Op))
	}
}

func (r *Reconciler) replayCreate(ctx context.Context, mutation models.PendingMutation) Result {
	if _, err := r.meetings.Get(ctx, mutation.MeetingID); err == nil {
		// The meeting already reached the store through another device.
		return Result{Mutation: mutation, Outcome: OutcomeSuperseded}
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
	}

	draft, err := draftFromFields(mutation)
	if err != nil {
		return r.conflicted(ctx, mutation, "draft", encode(mutation.Fields), "", models.FieldClock{},
			models.ResolutionDiscarded, err)
	}
	_, _, err = r.scheduler.ProposeMeeting(ctx, draft)
	if err != nil {
		var conflict *apperrors.ConflictError
		var validation *apperrors.ValidationError
		if errors.As(err, &conflict) || errors.As(err, &validation) {
			return r.conflicted(ctx, mutation, "draft", encode(mutation.Fields), "", models.FieldClock{},
				models.ResolutionDiscarded, err)
		}
		return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
	}
	return Result{Mutation: mutation, Outcome: OutcomeApplied}
}

func (r *Reconciler) replayUpdate(ctx context.Context, mutation models.PendingMutation) Result {
	meeting, err := r.meetings.Get(ctx, mutation.MeetingID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return r.conflicted(ctx, mutation, "meeting", encode(mutation.Fields), "deleted", models.FieldClock{},
				models.ResolutionDiscarded, err)
		}
		return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
	}
	if meeting.Terminal() {
		return r.conflicted(ctx, mutation, "status", encode(mutation.Fields), string(meeting.Status), models.FieldClock{},
			models.ResolutionDiscarded, nil)
	}

	// Snapshot the pre-update clocks and values; the update mutates them.
	priorClocks := make(models.FieldClocks, len(meeting.Clocks))
	for field, clock := range meeting.Clocks {
		priorClocks[field] = clock
	}
	priorValues := make(map[string]string, len(mutation.Fields))
	for field := range mutation.Fields {
		priorValues[field] = scalarValue(meeting, field)
	}

	_, applied, err := r.scheduler.UpdateScalarFields(ctx, mutation.MeetingID, mutation.Fields, mutation.Clock())
	if err != nil {
		var validation *apperrors.ValidationError
		if errors.As(err, &validation) {
			return r.conflicted(ctx, mutation, validation.Field, encode(mutation.Fields), "", priorClocks[validation.Field],
				models.ResolutionDiscarded, err)
		}
		return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
	}

	if len(applied) == 0 {
		// Every field was dominated by a later authoritative write.
		return Result{Mutation: mutation, Outcome: OutcomeSuperseded}
	}

	// Fields another device also wrote since the base version were settled
	// by the clock comparison; keep a record of each contested field.
	appliedSet := make(map[string]bool, len(applied))
	for _, field := range applied {
		appliedSet[field] = true
	}
	fields := make([]string, 0, len(mutation.Fields))
	for field := range mutation.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var records []models.ConflictRecord
	for _, field := range fields {
		prior, tracked := priorClocks[field]
		if !tracked || prior.DeviceID == mutation.DeviceID {
			continue
		}
		resolution := models.ResolutionRemoteWon
		if appliedSet[field] {
			resolution = models.ResolutionLocalWon
		}
		records = append(records, r.recordContested(ctx, mutation, field,
			encode(mutation.Fields[field]), priorValues[field], prior, resolution))
	}
	return Result{Mutation: mutation, Outcome: OutcomeApplied, Conflicts: records}
}

func (r *Reconciler) replayCancel(ctx context.Context, mutation models.PendingMutation) Result {
	meeting, err := r.meetings.Get(ctx, mutation.MeetingID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return Result{Mutation: mutation, Outcome: OutcomeSuperseded}
		}
		return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
	}
	if meeting.Status == models.MeetingCancelled {
		return Result{Mutation: mutation, Outcome: OutcomeSuperseded}
	}

	err = r.scheduler.Cancel(ctx, mutation.MeetingID, mutation.UserID)
	if err != nil {
		var authz *apperrors.AuthorizationError
		var validation *apperrors.ValidationError
		if errors.As(err, &authz) || errors.As(err, &validation) {
			// The meeting went live or ended before the cancel arrived.
			return r.conflicted(ctx, mutation, "status", string(models.MeetingCancelled), string(meeting.Status), models.FieldClock{},
				models.ResolutionDiscarded, err)
		}
		return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
	}
	return Result{Mutation: mutation, Outcome: OutcomeApplied}
}

// replayJoin merges a queued join additively: on a live meeting the user
// joins the room, otherwise the join lands as a registration.
func (r *Reconciler) replayJoin(ctx context.Context, mutation models.PendingMutation) Result {
	meeting, err := r.meetings.Get(ctx, mutation.MeetingID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return r.conflicted(ctx, mutation, "meeting", mutation.UserID, "deleted", models.FieldClock{},
				models.ResolutionDiscarded, err)
		}
		return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
	}
	if meeting.Terminal() {
		return r.conflicted(ctx, mutation, "membership", string(models.MembershipJoined), string(meeting.Status), models.FieldClock{},
			models.ResolutionDiscarded, nil)
	}

	var records []models.ConflictRecord
	if !meeting.HasParticipant(mutation.UserID) {
		if err := r.scheduler.Register(ctx, mutation.MeetingID, mutation.UserID); err != nil {
			var validation *apperrors.ValidationError
			if errors.As(err, &validation) {
				return r.conflicted(ctx, mutation, validation.Field, string(models.MembershipJoined), validation.Reason, models.FieldClock{},
					models.ResolutionDiscarded, err)
			}
			return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
		}
		// The remote participant set did not have the user; the join landed
		// as an additive merge.
		records = append(records, r.recordContested(ctx, mutation, "participants",
			mutation.UserID, "", models.FieldClock{}, models.ResolutionMerged))
	}

	if meeting.Status == models.MeetingLive {
		if err := r.orch.RecordJoin(ctx, mutation.MeetingID, mutation.UserID); err != nil {
			return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
		}
	}
	return Result{Mutation: mutation, Outcome: OutcomeApplied, Conflicts: records}
}

// replayLeave applies an explicit leave; leaves are never silently lost.
func (r *Reconciler) replayLeave(ctx context.Context, mutation models.PendingMutation) Result {
	meeting, err := r.meetings.Get(ctx, mutation.MeetingID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return Result{Mutation: mutation, Outcome: OutcomeSuperseded}
		}
		return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
	}

	switch meeting.Status {
	case models.MeetingLive:
		if err := r.orch.RecordLeave(ctx, mutation.MeetingID, mutation.UserID); err != nil {
			return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
		}
	case models.MeetingEnded, models.MeetingCancelled:
		// The session is over; the leave has nothing left to do.
		return Result{Mutation: mutation, Outcome: OutcomeSuperseded}
	default:
		if mutation.UserID == meeting.OrganizerID {
			return r.conflicted(ctx, mutation, "user_id", string(models.MembershipLeft), "organizer", models.FieldClock{},
				models.ResolutionDiscarded, nil)
		}
		if err := r.scheduler.Unregister(ctx, mutation.MeetingID, mutation.UserID); err != nil {
			return Result{Mutation: mutation, Outcome: OutcomeRetry, Err: err}
		}
	}
	return Result{Mutation: mutation, Outcome: OutcomeApplied}
}

// conflicted records a ConflictRecord for a mutation that could not be
// applied as written and reports the terminal outcome. remoteClock is zero
// when the remote side of the divergence is not a clocked scalar.
func (r *Reconciler) conflicted(ctx context.Context, mutation models.PendingMutation, field, localValue, remoteValue string, remoteClock models.FieldClock, resolution models.ConflictResolution, cause error) Result {
	record := &models.ConflictRecord{
		ID:          r.newID(),
		MeetingID:   mutation.MeetingID,
		Field:       field,
		LocalValue:  localValue,
		RemoteValue: remoteValue,
		LocalClock:  mutation.Clock(),
		RemoteClock: remoteClock,
		Resolution:  resolution,
	}
	if err := r.conflicts.Record(ctx, record); err != nil {
		r.logger.Error("failed to record conflict", "mutation_id", mutation.ID, "error", err)
	}
	r.logger.Warn("mutation conflicted", "mutation_id", mutation.ID, "meeting_id", mutation.MeetingID, "field", field, "cause", cause)
	return Result{
		Mutation:  mutation,
		Outcome:   OutcomeConflicted,
		Conflicts: []models.ConflictRecord{*record},
		Err:       cause,
	}
}

// recordContested writes a ConflictRecord for one contested scalar field of
// an applied update, settled by the field clock comparison.
func (r *Reconciler) recordContested(ctx context.Context, mutation models.PendingMutation, field, localValue, remoteValue string, remoteClock models.FieldClock, resolution models.ConflictResolution) models.ConflictRecord {
	record := models.ConflictRecord{
		ID:          r.newID(),
		MeetingID:   mutation.MeetingID,
		Field:       field,
		LocalValue:  localValue,
		RemoteValue: remoteValue,
		LocalClock:  mutation.Clock(),
		RemoteClock: remoteClock,
		Resolution:  resolution,
	}
	if err := r.conflicts.Record(ctx, &record); err != nil {
		r.logger.Error("failed to record conflict", "mutation_id", mutation.ID, "error", err)
	}
	return record
}

// scalarValue reads a meeting's scalar field as a string for conflict
// records.
func scalarValue(m *models.Meeting, field string) string {
	switch field {
	case models.FieldTitle:
		return m.Title
	case models.FieldDescription:
		return m.Description
	case models.FieldLocation:
		return m.Location
	case models.FieldStartTime:
		return m.StartTime.Format(time.RFC3339)
	case models.FieldEndTime:
		return m.EndTime.Format(time.RFC3339)
	}
	return ""
}

// draftFromFields rebuilds a meeting draft from a queued create mutation.
func draftFromFields(mutation models.PendingMutation) (scheduler.Draft, error) {
	raw, err := json.Marshal(mutation.Fields)
	if err != nil {
		return scheduler.Draft{}, err
	}
	var draft scheduler.Draft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return scheduler.Draft{}, err
	}
	draft.ID = mutation.MeetingID
	if draft.OrganizerID == "" {
		draft.OrganizerID = mutation.UserID
	}
	return draft, nil
}

func encode(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
