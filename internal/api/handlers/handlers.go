package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/protocol"
	"github.com/orrn/printfleet/internal/scheduler"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Fleet is the operator surface of core.Fleet.
type Fleet interface {
	ListDevices(ctx context.Context) ([]*db.Device, error)
	GetDevice(ctx context.Context, id int64) (*db.Device, error)
	AddDevice(ctx context.Context, in core.DeviceInput) (*db.Device, error)
	UpdateDevice(ctx context.Context, id int64, in core.DeviceInput) (*db.Device, error)
	RemoveDevice(ctx context.Context, id int64) error
	ClearDevice(ctx context.Context, id int64, success bool) (*db.Device, error)

	RegisterProject(ctx context.Context, in core.ProjectInput) (*db.Project, error)
	GetProject(ctx context.Context, id int64) (*db.Project, error)
	ListProjects(ctx context.Context) ([]*db.Project, error)

	SubmitJob(ctx context.Context, projectID int64, priority int) (*db.Job, error)
	GetJob(ctx context.Context, id int64) (*db.Job, error)
	ListJobs(ctx context.Context, filter db.JobFilter) ([]*db.Job, error)

	QueueTime(ctx context.Context) (int, error)
	Stats() scheduler.Stats
}

// statusFor maps an error to the HTTP status the API answers with.
func statusFor(err error) int {
	var validationErr *core.ValidationError
	var connErr *protocol.ConnectionError
	var clientErr *protocol.ClientError

	switch {
	case errors.As(err, &validationErr), errors.Is(err, core.ErrIncompatibleMaterials):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrDeviceRemoved):
		return http.StatusGone
	case errors.Is(err, core.ErrDeviceNotFound), errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, core.ErrProjectNotFound), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDeviceNotIdle):
		return http.StatusConflict
	case errors.As(err, &connErr), errors.As(err, &clientErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	kind := core.ClassifyError(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, ErrorResponse{Error: core.KindUnknownError, Message: "internal error"})
		return
	}
	c.JSON(status, ErrorResponse{Error: kind.Name, Message: kind.Message})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: core.KindValidationError, Message: message})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}
