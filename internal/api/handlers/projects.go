package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/material"
)

// CreateProjectRequest registers a project file already present in the
// uploads directory.
type CreateProjectRequest struct {
	Name         string              `json:"name" binding:"required"`
	File         string              `json:"file" binding:"required"`
	Hash         string              `json:"hash" binding:"required"`
	PrintTime    int64               `json:"print_time"`
	Materials    []material.Material `json:"materials" binding:"required"`
	PrinterModel string              `json:"printer_model"`
}

type ProjectResponse struct {
	ID           int64               `json:"id"`
	Name         string              `json:"name"`
	Hash         string              `json:"hash"`
	PrintTime    int64               `json:"print_time"`
	Materials    []material.Material `json:"materials"`
	PrinterModel string              `json:"printer_model"`
	CreatedAt    time.Time           `json:"created_at"`
}

type ProjectHandler struct {
	fleet Fleet
}

func NewProjectHandler(fleet Fleet) *ProjectHandler {
	return &ProjectHandler{fleet: fleet}
}

func (h *ProjectHandler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	project, err := h.fleet.RegisterProject(c.Request.Context(), core.ProjectInput{
		Name:         req.Name,
		File:         req.File,
		Hash:         req.Hash,
		PrintTime:    req.PrintTime,
		Materials:    req.Materials,
		PrinterModel: req.PrinterModel,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, projectToResponse(project))
}

func (h *ProjectHandler) ListProjects(c *gin.Context) {
	projects, err := h.fleet.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	responses := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		responses = append(responses, projectToResponse(p))
	}
	c.JSON(http.StatusOK, responses)
}

func (h *ProjectHandler) GetProject(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	project, err := h.fleet.GetProject(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, projectToResponse(project))
}

func (h *ProjectHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/projects", h.ListProjects)
	r.POST("/projects", h.CreateProject)
	r.GET("/projects/:id", h.GetProject)
}

func projectToResponse(p *db.Project) ProjectResponse {
	return ProjectResponse{
		ID:           p.ID,
		Name:         p.Name,
		Hash:         p.Hash,
		PrintTime:    p.PrintTime,
		Materials:    p.Materials,
		PrinterModel: p.PrinterModel,
		CreatedAt:    p.CreatedAt,
	}
}
