package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy bounds how often a failing task is re-submitted.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

var DefaultRetry = RetryPolicy{MaxRetries: 10, Delay: time.Second}

// WorkFunc is the body of a recurring task for one device.
type WorkFunc func(ctx context.Context, deviceID int64) error

// Recurring binds a task family to a scheduler. Every device gets at most one
// task of the family at a time; the family decides on its own continuation:
// after success it re-submits itself after Interval (zero means one-shot),
// after failure it re-submits after Retry.Delay until the attempt count passes
// Retry.MaxRetries or Terminal reports the error as final.
type Recurring struct {
	Class    Class
	Interval time.Duration
	Retry    RetryPolicy
	Terminal func(error) bool
	Work     WorkFunc

	scheduler *Scheduler
	logger    *slog.Logger
}

func NewRecurring(s *Scheduler, class Class, work WorkFunc, logger *slog.Logger) *Recurring {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recurring{
		Class:     class,
		Retry:     DefaultRetry,
		Work:      work,
		scheduler: s,
		logger:    logger.With("task_class", class.String()),
	}
}

// Queue submits the first attempt for a device without delay. It returns
// false when the device already has a task of this family pending.
func (r *Recurring) Queue(deviceID int64) bool {
	return r.queue(deviceID, 0, 0)
}

// QueueAfter submits the first attempt for a device after delay.
func (r *Recurring) QueueAfter(deviceID int64, delay time.Duration) bool {
	return r.queue(deviceID, 0, delay)
}

func (r *Recurring) queue(deviceID int64, attempt int, delay time.Duration) bool {
	logger := r.logger.With("device_id", deviceID)
	if attempt > r.Retry.MaxRetries {
		logger.Error("task failed too many times, giving up", "attempts", attempt)
		r.scheduler.abandoned(r.Class)
		return false
	}

	task := &Task{
		ID:       TaskID(r.Class, deviceID),
		Class:    r.Class,
		DeviceID: deviceID,
		Run: func(ctx context.Context) (any, error) {
			return nil, r.Work(ctx, deviceID)
		},
		OnSuccess: func(any) {
			if r.Interval > 0 {
				r.queue(deviceID, 0, r.Interval)
			}
		},
		OnFailure: func(err error) {
			if r.Terminal != nil && r.Terminal(err) {
				logger.Warn("task stopped", "error", err)
				return
			}
			logger.Warn("task failed, retrying", "attempt", attempt+1, "error", err)
			r.queue(deviceID, attempt+1, r.Retry.Delay)
		},
	}
	return r.scheduler.SubmitDelayed(task, delay)
}
