package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sitepatrol/internal/core"
)

type executionResponse struct {
	ID           string                  `json:"id"`
	PatrolTaskID string                  `json:"patrol_task_id"`
	Trigger      string                  `json:"trigger"`
	Status       string                  `json:"status"`
	StartedAt    *string                 `json:"started_at,omitempty"`
	CompletedAt  *string                 `json:"completed_at,omitempty"`
	TotalURLs    int                     `json:"total_urls"`
	PassedURLs   int                     `json:"passed_urls"`
	FailedURLs   int                     `json:"failed_urls"`
	TestResults  []core.PatrolTestResult `json:"test_results,omitempty"`
	EmailSent    bool                    `json:"email_sent"`
	EmailSentAt  *string                 `json:"email_sent_at,omitempty"`
	Error        *string                 `json:"error,omitempty"`
	DurationMs   *int64                  `json:"duration_ms,omitempty"`
	CreatedAt    string                  `json:"created_at"`
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeFailure(w, "load execution", err)
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(exec, true))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		s.writeFailure(w, "load task", err)
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	execs, err := s.store.ListExecutions(r.Context(), taskID, limit, offset)
	if err != nil {
		s.writeFailure(w, "list executions", err)
		return
	}

	resp := make([]executionResponse, 0, len(execs))
	for _, exec := range execs {
		resp = append(resp, executionToResponse(exec, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

// executionToResponse renders an execution; per-URL results are only
// included when withResults is set.
func executionToResponse(exec *core.PatrolExecution, withResults bool) executionResponse {
	res := executionResponse{
		ID:           exec.ID,
		PatrolTaskID: exec.PatrolTaskID,
		Trigger:      string(exec.Trigger),
		Status:       string(exec.Status),
		StartedAt:    formatOptional(exec.StartedAt),
		CompletedAt:  formatOptional(exec.CompletedAt),
		TotalURLs:    exec.TotalURLs,
		PassedURLs:   exec.PassedURLs,
		FailedURLs:   exec.FailedURLs,
		EmailSent:    exec.EmailSent,
		EmailSentAt:  formatOptional(exec.EmailSentAt),
		Error:        exec.ErrorMessage,
		DurationMs:   exec.DurationMs,
		CreatedAt:    exec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if withResults {
		res.TestResults = exec.TestResults
	}
	return res
}
