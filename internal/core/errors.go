package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/protocol"
)

var (
	ErrDeviceNotFound        = errors.New("device not found")
	ErrDeviceRemoved         = errors.New("device was removed")
	ErrDeviceNotIdle         = errors.New("device is not idle")
	ErrIncompatibleMaterials = errors.New("no device can print these materials")
	ErrJobNotFound           = errors.New("job not found")
	ErrProjectNotFound       = errors.New("project not found")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Error kinds as persisted in device status errors.
const (
	KindDeviceNotFound        = "DeviceNotFound"
	KindDeviceRemoved         = "DeviceRemoved"
	KindDeviceNotIdle         = "DeviceNotIdle"
	KindConnectionError       = "ConnectionError"
	KindClientError           = "ClientError"
	KindIncompatibleMaterials = "IncompatibleMaterials"
	KindValidationError       = "ValidationError"
	KindUnknownError          = "UnknownError"
)

// ClassifyError maps err to the {name, message} pair stored on a device.
func ClassifyError(err error) db.StatusError {
	var connErr *protocol.ConnectionError
	var clientErr *protocol.ClientError
	var validationErr *ValidationError

	switch {
	case errors.As(err, &connErr):
		return db.StatusError{Name: KindConnectionError, Message: connErr.Message}
	case errors.As(err, &clientErr):
		return db.StatusError{Name: KindClientError, Message: clientErr.Message}
	case errors.Is(err, ErrDeviceRemoved):
		return db.StatusError{Name: KindDeviceRemoved, Message: err.Error()}
	case errors.Is(err, ErrDeviceNotFound):
		return db.StatusError{Name: KindDeviceNotFound, Message: err.Error()}
	case errors.Is(err, ErrDeviceNotIdle):
		return db.StatusError{Name: KindDeviceNotIdle, Message: err.Error()}
	case errors.Is(err, ErrIncompatibleMaterials):
		return db.StatusError{Name: KindIncompatibleMaterials, Message: err.Error()}
	case errors.As(err, &validationErr):
		return db.StatusError{Name: KindValidationError, Message: validationErr.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return db.StatusError{Name: KindConnectionError, Message: "connection timeout"}
	default:
		msg := "unknown error"
		if err != nil {
			msg = err.Error()
		}
		return db.StatusError{Name: KindUnknownError, Message: msg}
	}
}

// IsTerminal reports whether a recurring device task should stop for good.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrDeviceRemoved)
}

// tombstones remembers devices removed while their loops may still be
// pending.
type tombstones struct {
	mu  sync.RWMutex
	ids map[int64]bool
}

func newTombstones() *tombstones {
	return &tombstones{ids: make(map[int64]bool)}
}

func (t *tombstones) add(id int64) {
	t.mu.Lock()
	t.ids[id] = true
	t.mu.Unlock()
}

func (t *tombstones) remove(id int64) {
	t.mu.Lock()
	delete(t.ids, id)
	t.mu.Unlock()
}

func (t *tombstones) has(id int64) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ids[id]
}

// loadDevice fetches a device, distinguishing removed devices from ones that
// never existed.
func loadDevice(ctx context.Context, devices DeviceStore, removed *tombstones, id int64) (*db.Device, error) {
	if removed.has(id) {
		return nil, fmt.Errorf("device %d: %w", id, ErrDeviceRemoved)
	}
	d, err := devices.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			if removed.has(id) {
				return nil, fmt.Errorf("device %d: %w", id, ErrDeviceRemoved)
			}
			return nil, fmt.Errorf("device %d: %w", id, ErrDeviceNotFound)
		}
		return nil, err
	}
	return d, nil
}
