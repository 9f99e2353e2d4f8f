package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/db"
)

type CreateJobRequest struct {
	ProjectID int64 `json:"project_id" binding:"required"`
	Priority  int   `json:"priority"`
}

type JobResponse struct {
	ID        int64       `json:"id"`
	ProjectID int64       `json:"project_id"`
	State     db.JobState `json:"state"`
	Priority  int         `json:"priority"`
	DeviceID  *int64      `json:"device_id"`
	CreatedAt time.Time   `json:"created_at"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}

type ListJobsResponse struct {
	Jobs   []JobResponse `json:"jobs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// JobCounter reports how many jobs are in each state.
type JobCounter interface {
	CountByState(ctx context.Context) (map[db.JobState]int, error)
}

type JobHandler struct {
	fleet  Fleet
	counts JobCounter
}

func NewJobHandler(fleet Fleet, counts JobCounter) *JobHandler {
	return &JobHandler{fleet: fleet, counts: counts}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	job, err := h.fleet.SubmitJob(c.Request.Context(), req.ProjectID, req.Priority)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, jobToResponse(job))
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	filter := db.JobFilter{State: db.JobState(c.Query("state"))}

	if v := c.Query("device_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			badRequest(c, "invalid device_id")
			return
		}
		filter.DeviceID = id
	}

	filter.Limit = 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			badRequest(c, "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "invalid offset")
			return
		}
		filter.Offset = n
	}

	jobs, err := h.fleet.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	responses := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		responses = append(responses, jobToResponse(j))
	}
	c.JSON(http.StatusOK, ListJobsResponse{Jobs: responses, Limit: filter.Limit, Offset: filter.Offset})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	job, err := h.fleet.GetJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

// GetJobStats returns the number of jobs per state, with every state present.
func (h *JobHandler) GetJobStats(c *gin.Context) {
	counts, err := h.counts.CountByState(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make(map[db.JobState]int, 5)
	for _, s := range []db.JobState{db.JobQueued, db.JobDispatching, db.JobPrinting, db.JobCompleted, db.JobFailed} {
		resp[s] = counts[s]
	}
	c.JSON(http.StatusOK, resp)
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs/:id", h.GetJob)
	if h.counts != nil {
		r.GET("/stats/jobs", h.GetJobStats)
	}
}

func jobToResponse(j *db.Job) JobResponse {
	return JobResponse{
		ID:        j.ID,
		ProjectID: j.ProjectID,
		State:     j.State,
		Priority:  j.Priority,
		DeviceID:  j.DeviceID,
		CreatedAt: j.CreatedAt,
		StartedAt: j.StartedAt,
		EndedAt:   j.EndedAt,
	}
}
