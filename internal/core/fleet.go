package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/material"
	"github.com/orrn/printfleet/internal/scheduler"
)

const (
	DefaultPollInterval    = 10 * time.Second
	DefaultCaptureInterval = 30 * time.Second
)

type FleetConfig struct {
	PollInterval    time.Duration
	CaptureInterval time.Duration
	Retry           scheduler.RetryPolicy
	Dispatch        DispatchConfig
	ThumbnailsDir   string
}

// Deps are the collaborators a Fleet drives. Notifier, Recorder, Clock and
// Logger are optional.
type Deps struct {
	Repo     Repository
	Client   DeviceClient
	Stager   Stager
	Camera   Camera
	Notifier Notifier
	Recorder DispatchRecorder
	Clock    Clock
	Logger   *slog.Logger
}

// Fleet owns the per-device task loops and the operator actions that touch
// them.
type Fleet struct {
	scheduler *scheduler.Scheduler
	repo      Repository
	notifier  Notifier
	removed   *tombstones
	now       Clock
	logger    *slog.Logger

	dispatcher *Dispatcher
	poller     *Poller
	capturer   *Capturer

	update   *scheduler.Recurring
	dispatch *scheduler.Recurring
	capture  *scheduler.Recurring

	mu      sync.Mutex
	running bool
}

func NewFleet(s *scheduler.Scheduler, cfg FleetConfig, deps Deps) *Fleet {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CaptureInterval < 0 {
		cfg.CaptureInterval = DefaultCaptureInterval
	}
	if cfg.Retry == (scheduler.RetryPolicy{}) {
		cfg.Retry = scheduler.DefaultRetry
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = utcNow
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	removed := newTombstones()
	f := &Fleet{
		scheduler: s,
		repo:      deps.Repo,
		notifier:  deps.Notifier,
		removed:   removed,
		now:       deps.Clock,
		logger:    deps.Logger.With("component", "fleet"),
	}

	f.dispatcher = newDispatcher(deps.Repo, deps.Client, deps.Stager, deps.Notifier, deps.Recorder,
		removed, cfg.Dispatch, deps.Clock, deps.Logger)
	f.poller = newPoller(deps.Repo, deps.Client, removed, deps.Clock, deps.Logger)
	f.capturer = newCapturer(deps.Repo, deps.Camera, cfg.ThumbnailsDir, removed, deps.Logger)

	f.update = f.family(scheduler.ClassUpdate, f.poller.RunUpdate, cfg.PollInterval, cfg.Retry, deps.Logger)
	f.dispatch = f.family(scheduler.ClassDispatch, f.dispatcher.RunDispatch, 0, cfg.Retry, deps.Logger)
	f.capture = f.family(scheduler.ClassCapture, f.capturer.RunCapture, cfg.CaptureInterval, cfg.Retry, deps.Logger)

	f.poller.queueDispatch = func(id int64) { f.QueueDispatch(id) }
	return f
}

func (f *Fleet) family(class scheduler.Class, work scheduler.WorkFunc, interval time.Duration,
	retry scheduler.RetryPolicy, logger *slog.Logger) *scheduler.Recurring {
	r := scheduler.NewRecurring(f.scheduler, class, work, logger)
	r.Interval = interval
	r.Retry = retry
	r.Terminal = IsTerminal
	return r
}

// Start resets every device to unknown status and starts its update and
// capture loops. Nothing from a previous run is resumed.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}

	devices, err := f.repo.Devices.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	for _, d := range devices {
		d.SystemStatus = db.DefaultSystemStatus()
		d.PrinterStatus = db.DefaultPrinterStatus()
		if err := f.repo.Devices.Save(ctx, d); err != nil {
			return fmt.Errorf("failed to reset device %d: %w", d.ID, err)
		}
	}
	for _, d := range devices {
		f.Watch(d.ID)
	}

	f.running = true
	f.logger.Info("fleet started", "devices", len(devices))
	return nil
}

func (f *Fleet) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return f.scheduler.Stop(ctx)
}

// Watch makes sure the device has update and capture loops; loops already
// pending are left alone.
func (f *Fleet) Watch(deviceID int64) {
	f.update.Queue(deviceID)
	f.capture.Queue(deviceID)
}

// QueueDispatch asks for a dispatch attempt on the device. It returns false
// when one is already pending.
func (f *Fleet) QueueDispatch(deviceID int64) bool {
	return f.dispatch.Queue(deviceID)
}

func (f *Fleet) Dispatcher() *Dispatcher { return f.dispatcher }
func (f *Fleet) Poller() *Poller         { return f.poller }
func (f *Fleet) Capturer() *Capturer     { return f.capturer }

func (f *Fleet) Stats() scheduler.Stats {
	return f.scheduler.Stats()
}

func (f *Fleet) QueueTime(ctx context.Context) (int, error) {
	return QueueTime(ctx, f.repo)
}

type DeviceInput struct {
	Name      string
	Materials []material.Material
	Host      string
	Serial    string
	// AccessCode left empty on update keeps the stored one.
	AccessCode string
}

func (in DeviceInput) validate(requireCode bool) error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return &ValidationError{Field: "name", Message: "must not be empty"}
	case strings.TrimSpace(in.Host) == "":
		return &ValidationError{Field: "host", Message: "must not be empty"}
	case strings.TrimSpace(in.Serial) == "":
		return &ValidationError{Field: "serial", Message: "must not be empty"}
	case requireCode && in.AccessCode == "":
		return &ValidationError{Field: "access_code", Message: "must not be empty"}
	}
	for i, m := range in.Materials {
		if strings.TrimSpace(m.Type) == "" {
			return &ValidationError{Field: fmt.Sprintf("materials[%d].type", i), Message: "must not be empty"}
		}
	}
	return nil
}

func (f *Fleet) AddDevice(ctx context.Context, in DeviceInput) (*db.Device, error) {
	if err := in.validate(true); err != nil {
		return nil, err
	}
	d := &db.Device{
		Name:          strings.TrimSpace(in.Name),
		Materials:     in.Materials,
		Options:       db.DeviceOptions{Host: in.Host, Serial: in.Serial, AccessCode: in.AccessCode},
		SystemStatus:  db.DefaultSystemStatus(),
		PrinterStatus: db.DefaultPrinterStatus(),
	}
	if err := f.repo.Devices.Create(ctx, d); err != nil {
		return nil, err
	}
	f.logger.Info("device added", "device_id", d.ID, "name", d.Name)
	f.Watch(d.ID)
	return d, nil
}

// UpdateDevice replaces a device's settings and revives its loops, which may
// have given up while the settings were wrong.
func (f *Fleet) UpdateDevice(ctx context.Context, id int64, in DeviceInput) (*db.Device, error) {
	if err := in.validate(false); err != nil {
		return nil, err
	}
	d, err := loadDevice(ctx, f.repo.Devices, f.removed, id)
	if err != nil {
		return nil, err
	}
	d.Name = strings.TrimSpace(in.Name)
	d.Materials = in.Materials
	d.Options.Host = in.Host
	d.Options.Serial = in.Serial
	if in.AccessCode != "" {
		d.Options.AccessCode = in.AccessCode
	}
	if err := f.repo.Devices.Save(ctx, d); err != nil {
		return nil, err
	}
	f.Watch(id)
	return d, nil
}

// RemoveDevice deletes a device. Loops still pending for it end with
// ErrDeviceRemoved the next time they run.
func (f *Fleet) RemoveDevice(ctx context.Context, id int64) error {
	if f.removed.has(id) {
		return fmt.Errorf("device %d: %w", id, ErrDeviceRemoved)
	}
	f.removed.add(id)
	if err := f.repo.Devices.Delete(ctx, id); err != nil {
		f.removed.remove(id)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("device %d: %w", id, ErrDeviceNotFound)
		}
		return err
	}
	f.logger.Info("device removed", "device_id", id)
	return nil
}

func (f *Fleet) GetDevice(ctx context.Context, id int64) (*db.Device, error) {
	return loadDevice(ctx, f.repo.Devices, f.removed, id)
}

// ClearDevice is the operator confirming the build plate is empty. The
// current job, if any, ends as COMPLETED or FAILED per success, and the device
// is offered the next job without waiting for its next poll.
func (f *Fleet) ClearDevice(ctx context.Context, id int64, success bool) (*db.Device, error) {
	d, err := loadDevice(ctx, f.repo.Devices, f.removed, id)
	if err != nil {
		return nil, err
	}
	if d.PrinterStatus.State != db.PrinterIdle && d.PrinterStatus.State != db.PrinterFinished {
		return nil, fmt.Errorf("device %d is %s: %w", id, d.PrinterStatus.State, ErrDeviceNotIdle)
	}

	var ended *db.Job
	if d.CurrentJobID != nil {
		job, err := f.repo.Jobs.Get(ctx, *d.CurrentJobID)
		switch {
		case err == nil:
			endedAt := f.now()
			job.State = db.JobFailed
			if success {
				job.State = db.JobCompleted
			}
			job.EndedAt = &endedAt
			if err := f.repo.Jobs.Save(ctx, job); err != nil {
				return nil, err
			}
			ended = job
		case errors.Is(err, db.ErrNotFound):
			f.logger.Warn("current job of device no longer exists", "device_id", id, "job_id", *d.CurrentJobID)
		default:
			return nil, err
		}
	}

	d.CurrentJobID = nil
	d.SystemStatus.IsClear = true
	if err := f.repo.Devices.Save(ctx, d); err != nil {
		return nil, err
	}

	if ended != nil {
		f.logger.Info("job ended", "device_id", id, "job_id", ended.ID, "state", ended.State)
		f.notifier.SendJob(ended)
	}
	f.Watch(id)
	f.QueueDispatch(id)
	return d, nil
}
