package handlers

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/taskfabric/internal/domain"
	"github.com/yungbote/taskfabric/internal/http/response"
	pkgerrors "github.com/yungbote/taskfabric/internal/pkg/errors"
	"github.com/yungbote/taskfabric/internal/registry"
	"github.com/yungbote/taskfabric/internal/state"
	"github.com/yungbote/taskfabric/internal/submit"
)

var jobIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

type JobHandler struct {
	submit *submit.Service
	state  state.Store
	reg    *registry.Registry
}

func NewJobHandler(sub *submit.Service, st state.Store, reg *registry.Registry) *JobHandler {
	return &JobHandler{submit: sub, state: st, reg: reg}
}

type submitRequest struct {
	JobType    string         `json:"job_type" binding:"required"`
	Parameters map[string]any `json:"parameters"`
}

// POST /api/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	receipt, err := h.submit.Submit(c.Request.Context(), req.JobType, req.Parameters)
	if err != nil {
		var paramErr *domain.InvalidParametersError
		switch {
		case errors.As(err, &paramErr), errors.Is(err, pkgerrors.ErrInvalidArgument):
			response.RespondError(c, http.StatusBadRequest, "invalid_parameters", err)
		default:
			response.RespondError(c, http.StatusInternalServerError, "submit_failed", err)
		}
		return
	}
	payload := gin.H{
		"job_id":  receipt.JobID,
		"status":  receipt.Status,
		"existed": receipt.Existed,
	}
	if receipt.Existed {
		response.RespondOK(c, payload)
		return
	}
	response.RespondAccepted(c, payload)
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if !jobIDPattern.MatchString(jobID) {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", errors.New("job id must be 64 hex characters"))
		return
	}
	job, err := h.state.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_job_failed", err)
		return
	}
	progress, err := h.state.GetStageProgress(c.Request.Context(), jobID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_job_failed", err)
		return
	}
	response.RespondOK(c, gin.H{
		"job":            job,
		"stage_progress": progress,
	})
}

// GET /api/jobs/:id/tasks
func (h *JobHandler) ListTasks(c *gin.Context) {
	jobID := c.Param("id")
	if !jobIDPattern.MatchString(jobID) {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", errors.New("job id must be 64 hex characters"))
		return
	}
	var filter state.TaskFilter
	if raw := c.Query("stage"); raw != "" {
		stage, err := strconv.Atoi(raw)
		if err != nil || stage < 1 {
			response.RespondError(c, http.StatusBadRequest, "invalid_stage", errors.New("stage must be a positive integer"))
			return
		}
		filter.Stage = &stage
	}
	if raw := c.Query("status"); raw != "" {
		status := domain.TaskStatus(raw)
		switch status {
		case domain.TaskQueued, domain.TaskProcessing, domain.TaskCompleted, domain.TaskFailed:
			filter.Status = &status
		default:
			response.RespondError(c, http.StatusBadRequest, "invalid_status", errors.New("unknown task status"))
			return
		}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			response.RespondError(c, http.StatusBadRequest, "invalid_limit", errors.New("limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	if _, err := h.state.GetJob(c.Request.Context(), jobID); errors.Is(err, pkgerrors.ErrNotFound) {
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	} else if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_tasks_failed", err)
		return
	}

	tasks, err := h.state.GetTasks(c.Request.Context(), jobID, filter)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_tasks_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"tasks": tasks, "count": len(tasks)})
}

type failRequest struct {
	Reason string `json:"reason"`
}

// POST /api/jobs/:id/fail
func (h *JobHandler) FailJob(c *gin.Context) {
	jobID := c.Param("id")
	if !jobIDPattern.MatchString(jobID) {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", errors.New("job id must be 64 hex characters"))
		return
	}
	var req failRequest
	_ = c.ShouldBindJSON(&req)

	err := h.submit.FailJob(c.Request.Context(), jobID, req.Reason)
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	case errors.Is(err, pkgerrors.ErrConflict):
		response.RespondError(c, http.StatusConflict, "job_already_terminal", err)
		return
	case err != nil:
		response.RespondError(c, http.StatusInternalServerError, "fail_job_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"job_id": jobID, "status": domain.JobFailed})
}

// GET /api/job-types
func (h *JobHandler) ListJobTypes(c *gin.Context) {
	types := h.reg.JobTypes()
	out := make([]gin.H, 0, len(types))
	for _, t := range types {
		def, ok := h.reg.JobDef(t)
		if !ok {
			continue
		}
		out = append(out, gin.H{
			"job_type":     def.JobType,
			"description":  def.Description,
			"total_stages": def.TotalStages(),
		})
	}
	response.RespondOK(c, gin.H{"job_types": out})
}
