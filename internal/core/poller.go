package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/protocol"
)

var subtaskPattern = regexp.MustCompile(`^opx([0-9a-v]{6})`)

// Poller reconciles one device's reported state into its record.
type Poller struct {
	repo    Repository
	client  DeviceClient
	removed *tombstones
	now     Clock
	logger  *slog.Logger

	// queueDispatch is called when a clear device reports it is idle.
	queueDispatch func(deviceID int64)
}

func newPoller(repo Repository, client DeviceClient, removed *tombstones, now Clock, logger *slog.Logger) *Poller {
	return &Poller{
		repo:          repo,
		client:        client,
		removed:       removed,
		now:           now,
		logger:        logger.With("component", "poller"),
		queueDispatch: func(int64) {},
	}
}

func (p *Poller) RunUpdate(ctx context.Context, deviceID int64) error {
	device, err := loadDevice(ctx, p.repo.Devices, p.removed, deviceID)
	if err != nil {
		return err
	}
	logger := p.logger.With("device_id", deviceID)

	device.SystemStatus.State = db.SystemUpdating
	if err := p.repo.Devices.Save(ctx, device); err != nil {
		return fmt.Errorf("failed to mark device updating: %w", err)
	}

	state, err := p.client.FetchState(ctx, target(device))
	if err != nil {
		p.markError(ctx, deviceID, err, logger)
		return err
	}

	device, err = loadDevice(ctx, p.repo.Devices, p.removed, deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrDeviceRemoved) {
			logger.Debug("device disappeared during update")
			return nil
		}
		return err
	}

	oldState := device.PrinterStatus.State
	newState := printerState(state.Stage)

	device.PrinterStatus = db.PrinterStatus{
		State:          newState,
		Errors:         hmsErrors(state.Errors),
		CurrentJobName: state.JobName,
		Progress:       float64(state.Percent) / 100,
		TimeRemaining:  state.RemainingMinutes,
	}
	device.SystemStatus.State = db.SystemGood
	device.SystemStatus.Errors = []db.StatusError{}

	jobID, hasJob := decodeSubtask(state.JobName)
	wasActive := oldState == db.PrinterPrinting || oldState == db.PrinterIdle

	dispatch := (newState == db.PrinterIdle || newState == db.PrinterFinished) && device.SystemStatus.IsClear
	if newState == db.PrinterFinished && wasActive {
		logger.Info("print finished", "job_name", state.JobName)
	}
	if newState == db.PrinterPaused && wasActive {
		logger.Info("print paused", "job_name", state.JobName)
	}
	if newState == db.PrinterPrinting && hasJob &&
		(oldState == db.PrinterUnknown || oldState == db.PrinterFinished || oldState == db.PrinterIdle) {
		p.attachJob(ctx, device, jobID, logger)
	}

	if err := p.repo.Devices.Save(ctx, device); err != nil {
		return fmt.Errorf("failed to save device state: %w", err)
	}

	if dispatch {
		p.queueDispatch(deviceID)
	}
	return nil
}

// attachJob records that the device started printing jobID on its own, for
// example after a restart of this service. Only a queued job, or one already
// printing on this device, is attached; a job is never moved off another
// device or out of a final state.
func (p *Poller) attachJob(ctx context.Context, device *db.Device, jobID int64, logger *slog.Logger) {
	logger = logger.With("job_id", jobID)
	if device.CurrentJobID != nil && *device.CurrentJobID != jobID {
		logger.Warn("device already holds another job, not attaching", "current_job_id", *device.CurrentJobID)
		return
	}

	job, err := p.repo.Jobs.Get(ctx, jobID)
	if err != nil {
		logger.Warn("device is printing an unknown job", "error", err)
		return
	}

	switch {
	case job.State == db.JobPrinting && job.DeviceID != nil && *job.DeviceID == device.ID:
		// Already ours; keep the original start time.
	case job.State == db.JobQueued:
		startedAt := p.now()
		job.State = db.JobPrinting
		job.DeviceID = &device.ID
		job.StartedAt = &startedAt
		if err := p.repo.Jobs.Save(ctx, job); err != nil {
			logger.Error("failed to attach job", "error", err)
			return
		}
		logger.Info("print started")
	default:
		var owner int64
		if job.DeviceID != nil {
			owner = *job.DeviceID
		}
		logger.Warn("reported job cannot be attached", "state", job.State, "job_device_id", owner)
		return
	}

	device.CurrentJobID = &job.ID
	device.SystemStatus.IsClear = false
}

func (p *Poller) markError(ctx context.Context, deviceID int64, cause error, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	device, err := loadDevice(ctx, p.repo.Devices, p.removed, deviceID)
	if err != nil {
		return
	}
	device.SystemStatus = db.SystemStatus{
		State:   db.SystemError,
		Errors:  []db.StatusError{ClassifyError(cause)},
		IsClear: false,
	}
	if err := p.repo.Devices.Save(ctx, device); err != nil {
		logger.Error("failed to record device error", "error", err)
	}
}

func printerState(s protocol.Stage) db.PrinterState {
	switch s {
	case protocol.StageIdle:
		return db.PrinterIdle
	case protocol.StagePrinting:
		return db.PrinterPrinting
	case protocol.StagePaused:
		return db.PrinterPaused
	case protocol.StageFinished:
		return db.PrinterFinished
	default:
		return db.PrinterUnknown
	}
}

func hmsErrors(codes []protocol.HMS) []db.StatusError {
	errs := make([]db.StatusError, 0, len(codes))
	for _, h := range codes {
		errs = append(errs, db.StatusError{Name: h.Name(), Message: h.Message()})
	}
	return errs
}

func decodeSubtask(name string) (int64, bool) {
	m := subtaskPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 32, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
