package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sitepatrol/internal/core"
	"sitepatrol/internal/events"
	"sitepatrol/internal/queue"
)

type createTaskRequest struct {
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	Targets            []core.PatrolTarget `json:"targets"`
	Config             map[string]any      `json:"config"`
	NotificationEmails []string            `json:"notification_emails"`
	Enabled            *bool               `json:"enabled"`
}

type updateTaskRequest struct {
	Name               *string             `json:"name"`
	Description        *string             `json:"description"`
	Targets            []core.PatrolTarget `json:"targets"`
	Config             map[string]any      `json:"config"`
	NotificationEmails []string            `json:"notification_emails"`
	Enabled            *bool               `json:"enabled"`
}

type taskResponse struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Description        string              `json:"description,omitempty"`
	Targets            []core.PatrolTarget `json:"targets"`
	Config             map[string]any      `json:"config"`
	NotificationEmails []string            `json:"notification_emails"`
	Enabled            bool                `json:"enabled"`
	CreatedAt          string              `json:"created_at"`
	UpdatedAt          string              `json:"updated_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	task := &core.PatrolTask{
		ID:                 core.NewID(),
		Name:               req.Name,
		Description:        req.Description,
		Targets:            req.Targets,
		Config:             req.Config,
		NotificationEmails: req.NotificationEmails,
		Enabled:            req.Enabled == nil || *req.Enabled,
	}
	if err := core.NormalizeTask(task); err != nil {
		s.writeFailure(w, "create task", err)
		return
	}
	if err := s.store.InsertTask(r.Context(), task); err != nil {
		s.writeFailure(w, "create task", err)
		return
	}
	if s.events != nil {
		s.events.EmitSync(r.Context(), events.Event{
			Type:   events.TaskCreated,
			Time:   s.now().UTC(),
			TaskID: task.ID,
			Data:   map[string]any{"name": task.Name, "targets": len(task.Targets)},
		})
	}

	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	tasks, err := s.store.ListTasks(r.Context(), enabledOnly)
	if err != nil {
		s.writeFailure(w, "list tasks", err)
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeFailure(w, "load task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, "load task", err)
		return
	}

	var req updateTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		task.Name = *req.Name
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Targets != nil {
		task.Targets = req.Targets
	}
	if req.Config != nil {
		task.Config = req.Config
	}
	if req.NotificationEmails != nil {
		task.NotificationEmails = req.NotificationEmails
	}
	enabledChanged := req.Enabled != nil && *req.Enabled != task.Enabled
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}

	if err := core.NormalizeTask(task); err != nil {
		s.writeFailure(w, "update task", err)
		return
	}
	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		s.writeFailure(w, "update task", err)
		return
	}
	if enabledChanged {
		s.reloadSchedules(r.Context())
	}

	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.writeFailure(w, "delete task", err)
		return
	}
	s.reloadSchedules(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleRunTask queues a manual execution on the high-priority lane and
// answers before it starts.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	exec, err := s.dispatcher.Prepare(r.Context(), taskID, core.TriggerManual)
	if err != nil {
		s.writeFailure(w, "start patrol", err)
		return
	}
	s.queue.Enqueue(s.dispatcher.Job(exec, queue.PriorityHigh))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": exec.ID,
		"status":       string(exec.Status),
	})
}

func taskToResponse(task *core.PatrolTask) taskResponse {
	emails := task.NotificationEmails
	if emails == nil {
		emails = []string{}
	}
	config := task.Config
	if config == nil {
		config = map[string]any{}
	}
	return taskResponse{
		ID:                 task.ID,
		Name:               task.Name,
		Description:        task.Description,
		Targets:            task.Targets,
		Config:             config,
		NotificationEmails: emails,
		Enabled:            task.Enabled,
		CreatedAt:          task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
