package api

import (
	"net/http"
	"strings"
	"time"

	"sitepatrol/internal/core"
)

type cronPreviewRequest struct {
	Expr     string `json:"expr"`
	TimeZone string `json:"time_zone,omitempty"`
	Now      string `json:"now,omitempty"`
	Count    int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	TimeZone  string   `json:"time_zone,omitempty"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression is required"})
		return
	}
	tz := strings.TrimSpace(req.TimeZone)
	if tz == "" {
		tz = s.timeZone
	}
	schedule, err := core.ParseSchedule(expr, tz)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	base := s.now()
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed
		}
	}

	loc, _ := core.LoadLocation(tz)
	times := core.NextOccurrences(schedule, base, count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.In(loc).Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, TimeZone: loc.String(), NextTimes: formatted})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "browser pool is not running")
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}
