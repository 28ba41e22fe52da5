package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/looplab/loopcore/pkg/errors"
	"github.com/looplab/loopcore/pkg/models"
	"github.com/looplab/loopcore/pkg/reconciler"
	"github.com/looplab/loopcore/pkg/scheduler"
)

func (s *Server) handleProposeMeeting(w http.ResponseWriter, r *http.Request) {
	var draft scheduler.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		respondError(w, apperrors.NewValidation("body", "invalid json"))
		return
	}
	if draft.OrganizerID == "" {
		draft.OrganizerID = actorID(r)
	}

	meeting, warnings, err := s.scheduler.ProposeMeeting(r.Context(), draft)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"meeting":  meeting,
		"warnings": warnings,
	})
}

func (s *Server) handleCheckDraft(w http.ResponseWriter, r *http.Request) {
	var draft scheduler.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		respondError(w, apperrors.NewValidation("body", "invalid json"))
		return
	}
	if draft.OrganizerID == "" {
		draft.OrganizerID = actorID(r)
	}

	resolutions, err := s.scheduler.CheckDraft(r.Context(), draft)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"resolutions": resolutions})
}

func (s *Server) handleListMeetings(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		meetings []models.Meeting
		err      error
	)
	if r.URL.Query().Get("scope") == "past" {
		meetings, err = s.scheduler.ListPast(r.Context(), limit)
	} else {
		meetings, err = s.scheduler.ListUpcoming(r.Context(), limit)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"meetings": meetings})
}

func (s *Server) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	meeting, err := s.scheduler.Get(r.Context(), chi.URLParam(r, "meetingID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meeting)
}

func (s *Server) handleListOccurrences(w http.ResponseWriter, r *http.Request) {
	occurrences, err := s.scheduler.ListOccurrences(r.Context(), chi.URLParam(r, "meetingID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"occurrences": occurrences})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.conflicts.ListByMeeting(r.Context(), chi.URLParam(r, "meetingID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

func (s *Server) handleCancelMeeting(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Cancel(r.Context(), chi.URLParam(r, "meetingID"), actorID(r)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	handle, err := s.orch.StartSession(r.Context(), chi.URLParam(r, "meetingID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, handle)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.EndSession(r.Context(), chi.URLParam(r, "meetingID"), actorID(r)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	meetingID := chi.URLParam(r, "meetingID")
	userID := actorID(r)
	if userID == "" {
		respondError(w, apperrors.NewValidation("user_id", "X-User-ID header is required"))
		return
	}

	if err := s.orch.RecordJoin(r.Context(), meetingID, userID); err != nil {
		respondError(w, err)
		return
	}
	if err := s.tracker.MarkJoined(r.Context(), userID, meetingID); err != nil {
		s.logger.Error("failed to mark presence joined", "user_id", userID, "meeting_id", meetingID, "error", err)
	}

	meeting, err := s.scheduler.Get(r.Context(), meetingID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"room_id":  meeting.RoomID,
		"room_url": meeting.RoomURL,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	meetingID := chi.URLParam(r, "meetingID")
	userID := actorID(r)
	if userID == "" {
		respondError(w, apperrors.NewValidation("user_id", "X-User-ID header is required"))
		return
	}

	if err := s.orch.RecordLeave(r.Context(), meetingID, userID); err != nil {
		respondError(w, err)
		return
	}
	if err := s.tracker.MarkLeft(r.Context(), userID); err != nil {
		s.logger.Error("failed to mark presence left", "user_id", userID, "error", err)
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	userID := actorID(r)
	if userID == "" {
		respondError(w, apperrors.NewValidation("user_id", "X-User-ID header is required"))
		return
	}
	if err := s.tracker.Heartbeat(r.Context(), userID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueryPresence(w http.ResponseWriter, r *http.Request) {
	var userIDs []string
	if v := r.URL.Query()["user_id"]; len(v) > 0 {
		userIDs = v
	}
	if len(userIDs) == 0 {
		respondError(w, apperrors.NewValidation("user_id", "at least one user_id is required"))
		return
	}

	online, err := s.tracker.QueryOnline(r.Context(), userIDs)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"online": online})
}

func (s *Server) handleEnqueueMutation(w http.ResponseWriter, r *http.Request) {
	var mutation models.PendingMutation
	if err := json.NewDecoder(r.Body).Decode(&mutation); err != nil {
		respondError(w, apperrors.NewValidation("body", "invalid json"))
		return
	}
	if mutation.UserID == "" {
		mutation.UserID = actorID(r)
	}
	if err := s.reconciler.Enqueue(r.Context(), &mutation); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"mutation_id": mutation.ID})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	var results []reconciler.Result
	err := s.reconciler.Drain(r.Context(), func(result reconciler.Result) bool {
		results = append(results, result)
		return true
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleAssistantChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
		Role    string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperrors.NewValidation("body", "invalid json"))
		return
	}

	reply, err := s.assistant.Chat(r.Context(), actorID(r), req.Role, req.Message)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"reply": reply})
}
