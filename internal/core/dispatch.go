package core

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/material"
	"github.com/orrn/printfleet/internal/metrics"
	"github.com/orrn/printfleet/internal/protocol"
)

const (
	defaultPageSize = 10
	subtaskPrefix   = "opx"
)

type DispatchConfig struct {
	// UploadsDir holds project files; Project.File is relative to it.
	UploadsDir string
	// StagingDir is the directory on the device SD card that receives jobs.
	StagingDir string
	PageSize   int
}

// Dispatcher picks the next compatible job for a device and starts it.
type Dispatcher struct {
	repo     Repository
	client   DeviceClient
	stager   Stager
	notifier Notifier
	recorder DispatchRecorder
	removed  *tombstones
	cfg      DispatchConfig
	now      Clock
	logger   *slog.Logger
}

func newDispatcher(repo Repository, client DeviceClient, stager Stager, notifier Notifier,
	recorder DispatchRecorder, removed *tombstones, cfg DispatchConfig, now Clock, logger *slog.Logger) *Dispatcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = "/printfleet"
	}
	return &Dispatcher{
		repo:     repo,
		client:   client,
		stager:   stager,
		notifier: notifier,
		recorder: recorder,
		removed:  removed,
		cfg:      cfg,
		now:      now,
		logger:   logger.With("component", "dispatcher"),
	}
}

// RunDispatch transfers the best queued job to the device and waits for the
// print to start. Finding nothing to print is not an error. On any failure
// after a job was chosen, the job goes back to the queue and the device back
// to GOOD before the error is returned.
func (d *Dispatcher) RunDispatch(ctx context.Context, deviceID int64) error {
	device, err := loadDevice(ctx, d.repo.Devices, d.removed, deviceID)
	if err != nil {
		return err
	}
	logger := d.logger.With("device_id", deviceID)

	device.SystemStatus.State = db.SystemDispatching
	if err := d.repo.Devices.Save(ctx, device); err != nil {
		return fmt.Errorf("failed to mark device dispatching: %w", err)
	}

	job, project, err := d.nextJob(ctx, device)
	if err != nil {
		d.restore(ctx, device, nil)
		return err
	}
	if job == nil {
		logger.Debug("nothing to dispatch")
		d.recorder.RecordDispatch(metrics.DispatchNoJob)
		d.restore(ctx, device, nil)
		return nil
	}
	logger = logger.With("job_id", job.ID)

	job.State = db.JobDispatching
	if err := d.repo.Jobs.Save(ctx, job); err != nil {
		d.restore(ctx, device, nil)
		return fmt.Errorf("failed to mark job dispatching: %w", err)
	}

	if err := d.start(ctx, device, job, project, logger); err != nil {
		logger.Warn("dispatch failed, rolling back", "error", err)
		d.recorder.RecordDispatch(metrics.DispatchRolledBack)
		d.restore(ctx, device, job)
		return err
	}

	// The device is printing. Storage errors past this point are logged,
	// never returned, so the dispatch loop does not retry onto a busy device.
	ctx = context.WithoutCancel(ctx)
	startedAt := d.now()
	job.State = db.JobPrinting
	job.StartedAt = &startedAt
	job.DeviceID = &device.ID
	jobErr := d.repo.Jobs.Save(ctx, job)
	if jobErr != nil {
		logger.Error("failed to mark job printing", "error", jobErr)
	}

	device.PrinterStatus.State = db.PrinterPrinting
	device.SystemStatus = db.SystemStatus{State: db.SystemGood, Errors: []db.StatusError{}}
	device.CurrentJobID = &job.ID
	if err := d.repo.Devices.Save(ctx, device); err != nil {
		logger.Error("failed to update device after dispatch", "error", err)
	}

	logger.Info("job dispatched", "project", project.Name)
	d.recorder.RecordDispatch(metrics.DispatchStarted)
	if jobErr == nil {
		d.notifier.SendJob(job)
	}
	return nil
}

// nextJob pages through the queue and returns the first job whose materials
// the device can print.
func (d *Dispatcher) nextJob(ctx context.Context, device *db.Device) (*db.Job, *db.Project, error) {
	for offset := 0; ; offset += d.cfg.PageSize {
		jobs, err := d.repo.Jobs.ListQueued(ctx, d.cfg.PageSize, offset)
		if err != nil {
			return nil, nil, err
		}
		for _, job := range jobs {
			project, err := d.repo.Projects.Get(ctx, job.ProjectID)
			if err != nil {
				d.logger.Warn("skipping job with unreadable project", "job_id", job.ID, "error", err)
				continue
			}
			if material.CompatibleList(device.Materials, project.Materials) {
				return job, project, nil
			}
		}
		if len(jobs) < d.cfg.PageSize {
			return nil, nil, nil
		}
	}
}

func (d *Dispatcher) start(ctx context.Context, device *db.Device, job *db.Job, project *db.Project, logger *slog.Logger) error {
	remote := RemotePath(d.cfg.StagingDir, job.ID, project.Name)
	local := filepath.Join(d.cfg.UploadsDir, filepath.FromSlash(project.File))

	progress := func(fraction float64) {
		device.SystemStatus.Progress = fraction
		if err := d.repo.Devices.Save(ctx, device); err != nil {
			logger.Debug("failed to persist transfer progress", "error", err)
		}
	}

	logger.Info("staging project file", "remote", remote)
	if err := d.stager.Stage(ctx, device.Options.Host, device.Options.AccessCode, local, remote, progress); err != nil {
		return err
	}

	t := target(device)
	cmd := protocol.NewProjectFile("file:///sdcard"+remote, SubtaskName(project.ID), project.Hash)
	if err := d.client.SendCommand(ctx, t, cmd); err != nil {
		return err
	}
	return d.client.AwaitStage(ctx, t, protocol.StagePrinting)
}

// restore puts the device back to GOOD and, when given, the job back in the
// queue. It runs even when ctx was cancelled.
func (d *Dispatcher) restore(ctx context.Context, device *db.Device, job *db.Job) {
	ctx = context.WithoutCancel(ctx)

	if job != nil {
		job.State = db.JobQueued
		job.DeviceID = nil
		job.StartedAt = nil
		if err := d.repo.Jobs.Save(ctx, job); err != nil {
			d.logger.Error("failed to requeue job", "job_id", job.ID, "error", err)
		}
	}

	device.SystemStatus.State = db.SystemGood
	device.SystemStatus.Progress = 0
	if err := d.repo.Devices.Save(ctx, device); err != nil {
		d.logger.Error("failed to restore device status", "device_id", device.ID, "error", err)
	}
}

// RemotePath is where a job's file is staged on the device.
func RemotePath(stagingDir string, jobID int64, projectName string) string {
	return path.Join("/", stagingDir, base32ID(jobID)+"-"+projectName+".3mf")
}

// SubtaskName tags a print so later status reports can be traced back.
func SubtaskName(projectID int64) string {
	return subtaskPrefix + base32ID(projectID)
}

func base32ID(id int64) string {
	s := strconv.FormatInt(id, 32)
	if len(s) < 6 {
		s = strings.Repeat("0", 6-len(s)) + s
	}
	return s
}
