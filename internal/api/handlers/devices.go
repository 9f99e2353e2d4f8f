package handlers

import (
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/material"
)

// ThumbnailsPath is where the router serves captured frames.
const ThumbnailsPath = "/assets/thumbnails"

type CreateDeviceRequest struct {
	Name       string              `json:"name" binding:"required"`
	Host       string              `json:"host" binding:"required"`
	Serial     string              `json:"serial" binding:"required"`
	AccessCode string              `json:"access_code" binding:"required"`
	Materials  []material.Material `json:"materials"`
}

// UpdateDeviceRequest replaces a device's settings. An empty access code
// keeps the stored one.
type UpdateDeviceRequest struct {
	Name       string              `json:"name" binding:"required"`
	Host       string              `json:"host" binding:"required"`
	Serial     string              `json:"serial" binding:"required"`
	AccessCode string              `json:"access_code"`
	Materials  []material.Material `json:"materials"`
}

type ClearDeviceRequest struct {
	Success *bool `json:"success" binding:"required"`
}

type DeviceResponse struct {
	ID            int64               `json:"id"`
	Name          string              `json:"name"`
	Host          string              `json:"host"`
	Serial        string              `json:"serial"`
	Materials     []material.Material `json:"materials"`
	SystemStatus  db.SystemStatus     `json:"system_status"`
	PrinterStatus db.PrinterStatus    `json:"printer_status"`
	CurrentJobID  *int64              `json:"current_job_id"`
	Camera        string              `json:"camera,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type DeviceHandler struct {
	fleet Fleet
}

func NewDeviceHandler(fleet Fleet) *DeviceHandler {
	return &DeviceHandler{fleet: fleet}
}

func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices, err := h.fleet.ListDevices(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	responses := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		responses = append(responses, deviceToResponse(d))
	}
	c.JSON(http.StatusOK, responses)
}

func (h *DeviceHandler) CreateDevice(c *gin.Context) {
	var req CreateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	device, err := h.fleet.AddDevice(c.Request.Context(), core.DeviceInput{
		Name:       req.Name,
		Materials:  req.Materials,
		Host:       req.Host,
		Serial:     req.Serial,
		AccessCode: req.AccessCode,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, deviceToResponse(device))
}

func (h *DeviceHandler) GetDevice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	device, err := h.fleet.GetDevice(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deviceToResponse(device))
}

func (h *DeviceHandler) UpdateDevice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req UpdateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	device, err := h.fleet.UpdateDevice(c.Request.Context(), id, core.DeviceInput{
		Name:       req.Name,
		Materials:  req.Materials,
		Host:       req.Host,
		Serial:     req.Serial,
		AccessCode: req.AccessCode,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deviceToResponse(device))
}

func (h *DeviceHandler) DeleteDevice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.fleet.RemoveDevice(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeviceHandler) ClearDevice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req ClearDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	device, err := h.fleet.ClearDevice(c.Request.Context(), id, *req.Success)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deviceToResponse(device))
}

func (h *DeviceHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/devices", h.ListDevices)
	r.POST("/devices", h.CreateDevice)
	r.GET("/devices/:id", h.GetDevice)
	r.PUT("/devices/:id", h.UpdateDevice)
	r.DELETE("/devices/:id", h.DeleteDevice)
	r.POST("/devices/:id/clear", h.ClearDevice)
}

func deviceToResponse(d *db.Device) DeviceResponse {
	materials := d.Materials
	if materials == nil {
		materials = []material.Material{}
	}
	resp := DeviceResponse{
		ID:            d.ID,
		Name:          d.Name,
		Host:          d.Options.Host,
		Serial:        d.Options.Serial,
		Materials:     materials,
		SystemStatus:  d.SystemStatus,
		PrinterStatus: d.PrinterStatus,
		CurrentJobID:  d.CurrentJobID,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.Camera != "" {
		resp.Camera = path.Join(ThumbnailsPath, d.Camera)
	}
	return resp
}
