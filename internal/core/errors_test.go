package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/protocol"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"connection", &protocol.ConnectionError{Message: "connection refused"}, KindConnectionError},
		{"wrapped connection", fmt.Errorf("fetch: %w", &protocol.ConnectionError{Message: "x"}), KindConnectionError},
		{"client", &protocol.ClientError{Message: "timeout"}, KindClientError},
		{"removed", fmt.Errorf("device 1: %w", ErrDeviceRemoved), KindDeviceRemoved},
		{"not found", fmt.Errorf("device 1: %w", ErrDeviceNotFound), KindDeviceNotFound},
		{"not idle", ErrDeviceNotIdle, KindDeviceNotIdle},
		{"materials", ErrIncompatibleMaterials, KindIncompatibleMaterials},
		{"validation", &ValidationError{Field: "name", Message: "must not be empty"}, KindValidationError},
		{"deadline", context.DeadlineExceeded, KindConnectionError},
		{"other", errors.New("disk full"), KindUnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err).Name)
		})
	}
}

func TestClassifyErrorKeepsProtocolMessage(t *testing.T) {
	got := ClassifyError(&protocol.ConnectionError{Message: "connection timeout", Err: context.DeadlineExceeded})
	assert.Equal(t, db.StatusError{Name: KindConnectionError, Message: "connection timeout"}, got)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(fmt.Errorf("device 3: %w", ErrDeviceRemoved)))
	assert.False(t, IsTerminal(ErrDeviceNotFound))
	assert.False(t, IsTerminal(&protocol.ConnectionError{Message: "x"}))
	assert.False(t, IsTerminal(nil))
}

func TestTombstonesNilSafe(t *testing.T) {
	var ts *tombstones
	assert.False(t, ts.has(1))

	ts = newTombstones()
	ts.add(1)
	assert.True(t, ts.has(1))
	ts.remove(1)
	assert.False(t, ts.has(1))
}
