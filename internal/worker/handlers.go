package worker

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	gormdb "github.com/thebtf/storyprompt/internal/db/gorm"
	"github.com/thebtf/storyprompt/internal/lifecycle"
	"github.com/thebtf/storyprompt/pkg/models"
)

// maxBodyBytes caps request bodies; transcripts are the largest payload.
const maxBodyBytes = 1 << 20

// defaultHistoryLimit applies when the history request names no limit.
const defaultHistoryLimit = 50

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

// errorBody is the generic body for failures the client can only retry.
var errorBody = map[string]any{"error": "something went wrong, please retry", "retryable": true}

type saveStoryRequest struct {
	UserID         string `json:"userId"`
	Transcript     string `json:"transcript"`
	Lesson         string `json:"lesson,omitempty"`
	SourcePromptID string `json:"sourcePromptId,omitempty"`
	Year           int    `json:"year,omitempty"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type useRequest struct {
	StoryID string `json:"storyId"`
}

type entitlementRequest struct {
	Paid *bool `json:"paid"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func decodeJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.Join(errBadRequest, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrPromptNotFound),
		errors.Is(err, models.ErrProfileNotFound),
		errors.Is(err, gormdb.ErrStoryNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrQueueMismatch):
		return http.StatusConflict
	case errors.Is(err, models.ErrPromptLocked):
		return http.StatusLocked
	case errors.Is(err, errBadRequest),
		errors.Is(err, lifecycle.ErrInvalidStory),
		errors.Is(err, lifecycle.ErrUnlistableState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with its mapped status. Unexpected errors are logged
// and answered with the generic retryable body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeJSON(w, status, errorBody)
		return
	}
	msg := err.Error()
	if errors.Is(err, errBadRequest) {
		msg = "invalid request body"
	}
	writeJSON(w, status, map[string]any{"error": msg, "retryable": false})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	if !s.ready.Load() {
		status = "starting"
	}
	resp := map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.store != nil {
		resp["db_driver"] = s.store.Driver()
		if err := s.store.Ping(); err != nil {
			resp["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleSaveStory(w http.ResponseWriter, r *http.Request) {
	var req saveStoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.pipeline.SaveStory(r.Context(), &models.Story{
		UserID:         strings.TrimSpace(req.UserID),
		Transcript:     req.Transcript,
		Lesson:         req.Lesson,
		SourcePromptID: req.SourcePromptID,
		Year:           req.Year,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Service) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	state := models.PromptState(r.URL.Query().Get("state"))
	if state == "" {
		state = models.StateActive
	}
	prompts, err := s.manager.List(r.Context(), userID, state)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if prompts == nil {
		prompts = []*models.Prompt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "prompts": prompts})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, errBadRequest)
			return
		}
		limit = n
	}
	history, err := s.manager.History(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []*models.PromptHistory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Service) handleSeedStarters(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.pipeline.SeedStarters(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if prompts == nil {
		prompts = []*models.Prompt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

func (s *Service) handleQueuePrompt(w http.ResponseWriter, r *http.Request) {
	p, err := s.manager.Queue(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "promptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleDismissPrompt(w http.ResponseWriter, r *http.Request) {
	p, err := s.manager.Dismiss(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "promptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "promptID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleReorderQueue(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := s.manager.Reorder(r.Context(), userID, req.IDs); err != nil {
		writeError(w, r, err)
		return
	}
	queue, err := s.manager.List(r.Context(), userID, models.StateQueued)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": queue})
}

func (s *Service) handleMarkShown(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.manager.MarkShown(r.Context(), chi.URLParam(r, "userID"), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

func (s *Service) handleUsePrompt(w http.ResponseWriter, r *http.Request) {
	var req useRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.StoryID) == "" {
		writeError(w, r, errBadRequest)
		return
	}
	userID := chi.URLParam(r, "userID")
	if _, err := s.storyStore.GetStory(r.Context(), userID, req.StoryID); err != nil {
		writeError(w, r, err)
		return
	}
	h, err := s.manager.RecordAgainst(r.Context(), userID, chi.URLParam(r, "promptID"), req.StoryID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Service) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profileStore.GetProfile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleMilestones(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	progress, err := s.pipeline.Progress(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	runs, err := s.runStore.ListRuns(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*models.MilestoneRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": progress, "runs": runs})
}

func (s *Service) handleSetEntitlement(w http.ResponseWriter, r *http.Request) {
	var req entitlementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Paid == nil {
		writeError(w, r, errBadRequest)
		return
	}
	unlocked, err := s.manager.SetPaid(r.Context(), chi.URLParam(r, "userID"), *req.Paid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paid": *req.Paid, "unlocked": unlocked})
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.sseBroadcaster.HandleSSE(w, r, chi.URLParam(r, "userID"))
}
