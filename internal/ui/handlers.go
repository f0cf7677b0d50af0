package ui

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/kiln/pkg/model"
)

// Backend supplies the data the dashboard renders.
type Backend interface {
	ListJobs(ctx context.Context, opts model.ListOptions) ([]model.JobInfo, int, error)
	JobDetail(ctx context.Context, id string) (model.JobInfo, []byte, error)
	Workers() []model.WorkerInfo
}

// UI serves a read-only HTML view of jobs and workers.
type UI struct {
	backend   Backend
	logger    *slog.Logger
	startTime time.Time
}

// New creates a new UI handler.
func New(backend Backend, logger *slog.Logger) *UI {
	return &UI{
		backend:   backend,
		logger:    logger.With("component", "ui"),
		startTime: time.Now(),
	}
}

// HandleDashboard renders connected workers and the most recent jobs.
func (ui *UI) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	jobs, total, err := ui.backend.ListJobs(r.Context(), model.ListOptions{Limit: 10})
	if err != nil {
		ui.renderError(w, "Failed to list jobs", err)
		return
	}
	workers := ui.backend.Workers()

	stats := map[string]int{}
	for _, job := range jobs {
		stats[string(job.State)]++
	}
	capacity, free := 0, 0
	for _, wk := range workers {
		capacity += wk.Capacity
		free += wk.Free
	}

	data := map[string]any{
		"Title":     "Dashboard - kiln",
		"Jobs":      jobs,
		"JobCount":  total,
		"Workers":   workers,
		"Capacity":  capacity,
		"BusySlots": capacity - free,
		"Stats":     stats,
		"Uptime":    time.Since(ui.startTime).Round(time.Second).String(),
	}
	ui.render(w, http.StatusOK, "dashboard", data)
}

// HandleJobList renders one page of jobs.
func (ui *UI) HandleJobList(w http.ResponseWriter, r *http.Request) {
	opts := ui.parseListOptions(r)
	jobs, total, err := ui.backend.ListJobs(r.Context(), opts)
	if err != nil {
		ui.renderError(w, "Failed to list jobs", err)
		return
	}

	data := map[string]any{
		"Title":      "Jobs - kiln",
		"Jobs":       jobs,
		"State":      string(opts.State),
		"States":     []model.JobState{model.JobStateQueued, model.JobStateAssigned, model.JobStateRunning, model.JobStateSucceeded, model.JobStateFailed},
		"Pagination": ui.buildPagination(opts, total),
	}
	ui.render(w, http.StatusOK, "jobs/list", data)
}

// HandleJobDetail renders a job with its log. Unfinished jobs tail the log
// over the SSE endpoint from the rendered offset.
func (ui *UI) HandleJobDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, log, err := ui.backend.JobDetail(r.Context(), id)
	if err != nil {
		ui.logger.Debug("job not available", "id", id, "error", err)
		ui.renderNotFound(w, "Job "+id+" is not available: "+err.Error())
		return
	}

	data := map[string]any{
		"Title":  "Job " + id + " - kiln",
		"Job":    job,
		"Log":    string(log),
		"Offset": len(log),
		"Live":   !job.State.IsTerminal(),
	}
	ui.render(w, http.StatusOK, "jobs/detail", data)
}

// HandleWorkers renders the connected workers.
func (ui *UI) HandleWorkers(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"Title":   "Workers - kiln",
		"Workers": ui.backend.Workers(),
	}
	ui.render(w, http.StatusOK, "workers", data)
}

func (ui *UI) parseListOptions(r *http.Request) model.ListOptions {
	opts := model.ListOptions{
		Limit:  20,
		Offset: 0,
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 100 {
			opts.Limit = n
		}
	}

	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	if state := r.URL.Query().Get("state"); state != "" {
		opts.State = model.JobState(strings.ToLower(state))
	}

	return opts
}

func (ui *UI) buildPagination(opts model.ListOptions, total int) map[string]any {
	return map[string]any{
		"Total":      total,
		"Limit":      opts.Limit,
		"Offset":     opts.Offset,
		"HasMore":    opts.Offset+opts.Limit < total,
		"HasPrev":    opts.Offset > 0,
		"NextOffset": opts.Offset + opts.Limit,
		"PrevOffset": max(0, opts.Offset-opts.Limit),
	}
}

func (ui *UI) render(w http.ResponseWriter, status int, template string, data map[string]any) {
	var buf bytes.Buffer
	if err := renderTemplate(&buf, template, data); err != nil {
		ui.logger.Error("template render failed", "template", template, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (ui *UI) renderError(w http.ResponseWriter, message string, err error) {
	ui.logger.Error(message, "error", err)
	data := map[string]any{
		"Title":   "Error - kiln",
		"Message": message,
	}
	ui.render(w, http.StatusInternalServerError, "error", data)
}

func (ui *UI) renderNotFound(w http.ResponseWriter, message string) {
	data := map[string]any{
		"Title":   "Not Found - kiln",
		"Message": message,
	}
	ui.render(w, http.StatusNotFound, "error", data)
}
