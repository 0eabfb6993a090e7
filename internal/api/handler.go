package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/easycronjobs/engine/internal/dispatch"
	"github.com/easycronjobs/engine/internal/jobs"
	"github.com/easycronjobs/engine/internal/schedule"
)

// Handler serves the engine's operational surface: run history, manual
// triggers, lifecycle flips, spec validation and next-fire previews.
// Product-side CRUD (teams, billing, blog) lives elsewhere.
type Handler struct {
	store   *jobs.Store
	trigger *dispatch.Trigger
	plans   jobs.PlanChecker
	logger  *logrus.Logger
}

func NewHandler(store *jobs.Store, trigger *dispatch.Trigger, plans jobs.PlanChecker, logger *logrus.Logger) *Handler {
	return &Handler{store: store, trigger: trigger, plans: plans, logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "api"})
}

// GetRuns implements the ledger query surface: filter by job ids,
// category, state, date range and job-name search; sort; paginate.
func (h *Handler) GetRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.RunFilter{
		CategoryID: q.Get("category"),
		NameSearch: q.Get("q"),
		SortKey:    q.Get("sort"),
		SortDesc:   q.Get("order") == "desc",
	}
	if v := q.Get("job_id"); v != "" {
		f.JobIDs = strings.Split(v, ",")
	}
	if v := q.Get("state"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.States = append(f.States, jobs.RunState(strings.ToUpper(s)))
		}
	}
	if t, ok := parseTime(q.Get("from")); ok {
		f.From = &t
	}
	if t, ok := parseTime(q.Get("to")); ok {
		f.To = &t
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(q.Get("page_size"))
	if size <= 0 || size > 200 {
		size = 50
	}
	f.Limit = size
	f.Offset = (page - 1) * size

	runs, err := h.store.QueryRuns(r.Context(), f)
	if err != nil {
		h.logger.WithError(err).Error("run query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "page": page, "page_size": size})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// RunNow is the manual trigger: an out-of-schedule fire through the same
// dispatch path as scheduled ones.
func (h *Handler) RunNow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	if job.Status != jobs.JobEnabled {
		writeError(w, http.StatusConflict, "job is disabled")
		return
	}
	run, err := h.trigger.EnqueueImmediateRun(r.Context(), job, jobs.EventManualTrigger)
	if errors.Is(err, dispatch.ErrOverlap) {
		writeError(w, http.StatusConflict, "job already has an execution in flight")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("job_id", id).Error("manual trigger failed")
		writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

// Enable re-activates a job: recompute the next fire time, and honor
// runOnDeploy with an immediate fire.
func (h *Handler) Enable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.SetJobStatus(r.Context(), id, jobs.JobEnabled); err != nil {
		h.statusError(w, err)
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.statusError(w, err)
		return
	}
	next, err := schedule.NextFire(job.Schedule, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := h.store.SetNextFire(r.Context(), id, next); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	if job.Execution.RunOnDeploy {
		if _, err := h.trigger.EnqueueImmediateRun(r.Context(), job, jobs.EventRunOnDeploy); err != nil {
			if errors.Is(err, dispatch.ErrOverlap) {
				h.logger.WithField("job_id", id).Info("run-on-deploy suppressed by concurrency policy")
			} else {
				h.logger.WithError(err).WithField("job_id", id).Error("run-on-deploy trigger failed")
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": jobs.JobEnabled, "next_fire_at": next})
}

func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.SetJobStatus(r.Context(), id, jobs.JobDisabled); err != nil {
		h.statusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": jobs.JobDisabled})
}

type updateSpecRequest struct {
	TeamPlan     string                    `json:"team_plan"`
	Name         *string                   `json:"name,omitempty"`
	Description  *string                   `json:"description,omitempty"`
	CategoryID   *string                   `json:"category_id,omitempty"`
	Schedule     *jobs.ScheduleSpec        `json:"schedule,omitempty"`
	Execution    *jobs.ExecutionPolicy     `json:"execution,omitempty"`
	Request      *jobs.OutboundRequestSpec `json:"request,omitempty"`
	Notification *jobs.NotificationPolicy  `json:"notification,omitempty"`
}

// UpdateSpec validates and persists a spec mutation, then rebuilds the
// job's next fire time so edits take effect without waiting for a run.
func (h *Handler) UpdateSpec(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req updateSpecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load failed")
		return
	}

	// Validate the merged result, not just the patch.
	candidate := *job
	if req.Name != nil {
		candidate.Name = *req.Name
	}
	if req.CategoryID != nil {
		candidate.CategoryID = *req.CategoryID
	}
	if req.Schedule != nil {
		candidate.Schedule = *req.Schedule
	}
	if req.Execution != nil {
		candidate.Execution = *req.Execution
	}
	if req.Request != nil {
		candidate.Request = *req.Request
	}
	if req.Notification != nil {
		candidate.Notification = *req.Notification
	}
	if err := jobs.Validate(&candidate, req.TeamPlan, h.plans); err != nil {
		var verr *jobs.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": verr.Fields})
			return
		}
		writeError(w, http.StatusInternalServerError, "validation failed")
		return
	}

	updated, err := h.store.UpdateJobSpec(r.Context(), jobs.UpdateJobSpecParams{
		ID:           id,
		Name:         req.Name,
		Description:  req.Description,
		CategoryID:   req.CategoryID,
		Schedule:     req.Schedule,
		Execution:    req.Execution,
		Request:      req.Request,
		Notification: req.Notification,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}

	if updated.Status == jobs.JobEnabled {
		next, err := schedule.NextFire(updated.Schedule, time.Now().UTC())
		if err == nil {
			_ = h.store.SetNextFire(r.Context(), id, next)
			updated.NextFireAt = next
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": updated})
}

// Preview returns the job's next fire times, computed by the same
// evaluator the dispatcher uses.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	if count <= 0 || count > 50 {
		count = 5
	}
	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	times, err := schedule.NextFireTimes(job.Schedule, time.Now().UTC(), count)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"next_executions": times})
}

func (h *Handler) statusError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	h.logger.WithError(err).Error("status update failed")
	writeError(w, http.StatusInternalServerError, "update failed")
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, err == nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
