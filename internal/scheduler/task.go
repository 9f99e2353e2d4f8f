package scheduler

import (
	"context"
	"fmt"
)

// Class identifies the workflow family a task belongs to.
type Class int

const (
	ClassUpdate Class = iota
	ClassDispatch
	ClassCapture
)

func (c Class) String() string {
	switch c {
	case ClassUpdate:
		return "update"
	case ClassDispatch:
		return "dispatch"
	case ClassCapture:
		return "capture"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ParseClass is the inverse of Class.String.
func ParseClass(s string) (Class, error) {
	switch s {
	case "update":
		return ClassUpdate, nil
	case "dispatch":
		return ClassDispatch, nil
	case "capture":
		return ClassCapture, nil
	}
	return 0, fmt.Errorf("unknown task class %q", s)
}

// TaskID builds the canonical id of a class's task for a device, e.g. "dispatch:7".
func TaskID(class Class, deviceID int64) string {
	return fmt.Sprintf("%s:%d", class, deviceID)
}

// Task is one unit of scheduled work. Run receives the scheduler's worker
// context, which is cancelled on Stop.
type Task struct {
	ID       string
	Class    Class
	DeviceID int64
	Priority bool

	Run       func(ctx context.Context) (any, error)
	OnSuccess func(result any)
	OnFailure func(err error)
}

// Stats is a point-in-time view of the scheduler's sets.
type Stats struct {
	Queued  int `json:"queued"`
	Delayed int `json:"delayed"`
	Active  int `json:"active"`
}

// PanicError wraps a value recovered from a task's run func.
type PanicError struct {
	TaskID string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.TaskID, e.Value)
}
