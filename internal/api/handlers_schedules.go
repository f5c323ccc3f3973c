package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sitepatrol/internal/core"
)

type createScheduleRequest struct {
	CronExpression string `json:"cron_expression"`
	TimeZone       string `json:"time_zone"`
	Enabled        *bool  `json:"enabled"`
}

type updateScheduleRequest struct {
	CronExpression *string `json:"cron_expression"`
	TimeZone       *string `json:"time_zone"`
	Enabled        *bool   `json:"enabled"`
}

type scheduleResponse struct {
	ID              string  `json:"id"`
	PatrolTaskID    string  `json:"patrol_task_id"`
	CronExpression  string  `json:"cron_expression"`
	TimeZone        string  `json:"time_zone"`
	Enabled         bool    `json:"enabled"`
	LastExecutionAt *string `json:"last_execution_at,omitempty"`
	NextExecutionAt *string `json:"next_execution_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req createScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sched := &core.PatrolSchedule{
		ID:             core.NewID(),
		PatrolTaskID:   taskID,
		CronExpression: strings.TrimSpace(req.CronExpression),
		TimeZone:       strings.TrimSpace(req.TimeZone),
		Enabled:        req.Enabled == nil || *req.Enabled,
	}
	if sched.TimeZone == "" {
		sched.TimeZone = s.timeZone
	}
	if err := s.previewNext(sched); err != nil {
		s.writeFailure(w, "create schedule", err)
		return
	}
	if err := s.store.InsertSchedule(r.Context(), sched); err != nil {
		s.writeFailure(w, "create schedule", err)
		return
	}
	s.reloadSchedules(r.Context())
	writeJSON(w, http.StatusCreated, scheduleToResponse(sched))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		s.writeFailure(w, "load task", err)
		return
	}
	schedules, err := s.store.ListSchedules(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, "list schedules", err)
		return
	}
	res := make([]scheduleResponse, 0, len(schedules))
	for _, sched := range schedules {
		res = append(res, scheduleToResponse(sched))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.writeFailure(w, "load schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sched))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.writeFailure(w, "load schedule", err)
		return
	}
	var req updateScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CronExpression != nil {
		sched.CronExpression = strings.TrimSpace(*req.CronExpression)
	}
	if req.TimeZone != nil {
		sched.TimeZone = strings.TrimSpace(*req.TimeZone)
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	if err := s.previewNext(sched); err != nil {
		s.writeFailure(w, "update schedule", err)
		return
	}
	if err := s.store.UpdateSchedule(r.Context(), sched); err != nil {
		s.writeFailure(w, "update schedule", err)
		return
	}
	s.reloadSchedules(r.Context())
	writeJSON(w, http.StatusOK, scheduleToResponse(sched))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.Context(), chi.URLParam(r, "scheduleID")); err != nil {
		s.writeFailure(w, "delete schedule", err)
		return
	}
	s.reloadSchedules(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadSchedules(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.ReloadSchedules(r.Context()); err != nil {
		s.writeFailure(w, "reload schedules", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// previewNext validates the schedule and fills NextExecutionAt for the
// response. The scheduler recomputes and persists it on reload.
func (s *Server) previewNext(sched *core.PatrolSchedule) error {
	schedule, err := core.ParseSchedule(sched.CronExpression, sched.TimeZone)
	if err != nil {
		return err
	}
	if !sched.Enabled {
		sched.NextExecutionAt = nil
		return nil
	}
	next := schedule.Next(s.now()).UTC()
	sched.NextExecutionAt = &next
	return nil
}

func scheduleToResponse(sched *core.PatrolSchedule) scheduleResponse {
	return scheduleResponse{
		ID:              sched.ID,
		PatrolTaskID:    sched.PatrolTaskID,
		CronExpression:  sched.CronExpression,
		TimeZone:        sched.TimeZone,
		Enabled:         sched.Enabled,
		LastExecutionAt: formatOptional(sched.LastExecutionAt),
		NextExecutionAt: formatOptional(sched.NextExecutionAt),
		CreatedAt:       sched.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       sched.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}
