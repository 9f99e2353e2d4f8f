package db

import (
	"time"

	"github.com/orrn/printfleet/internal/material"
)

type SystemState string

const (
	SystemUnknown     SystemState = "UNKNOWN"
	SystemError       SystemState = "ERROR"
	SystemGood        SystemState = "GOOD"
	SystemUpdating    SystemState = "UPDATING"
	SystemDispatching SystemState = "DISPATCHING"
)

type PrinterState string

const (
	PrinterUnknown  PrinterState = "UNKNOWN"
	PrinterIdle     PrinterState = "IDLE"
	PrinterPrinting PrinterState = "PRINTING"
	PrinterPaused   PrinterState = "PAUSED"
	PrinterFinished PrinterState = "FINISHED"
)

type JobState string

const (
	JobQueued      JobState = "QUEUED"
	JobDispatching JobState = "DISPATCHING"
	JobPrinting    JobState = "PRINTING"
	JobCompleted   JobState = "COMPLETED"
	JobFailed      JobState = "FAILED"
)

func (s JobState) Valid() bool {
	switch s {
	case JobQueued, JobDispatching, JobPrinting, JobCompleted, JobFailed:
		return true
	}
	return false
}

// StatusError is a persisted, already classified error.
type StatusError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type SystemStatus struct {
	State    SystemState   `json:"state"`
	Errors   []StatusError `json:"errors"`
	Progress float64       `json:"progress"`
	IsClear  bool          `json:"is_clear"`
}

type PrinterStatus struct {
	State          PrinterState  `json:"state"`
	Errors         []StatusError `json:"errors"`
	CurrentJobName string        `json:"current_job_name"`
	Progress       float64       `json:"progress"`
	TimeRemaining  int           `json:"time_remaining"`
}

// DefaultSystemStatus and DefaultPrinterStatus are the statuses a device
// holds before its first successful poll.
func DefaultSystemStatus() SystemStatus {
	return SystemStatus{State: SystemUnknown, Errors: []StatusError{}}
}

func DefaultPrinterStatus() PrinterStatus {
	return PrinterStatus{State: PrinterUnknown, Errors: []StatusError{}, CurrentJobName: "UNKNOWN"}
}

type DeviceOptions struct {
	Host       string `json:"host"`
	Serial     string `json:"serial"`
	AccessCode string `json:"access_code,omitempty"`
}

type Device struct {
	ID            int64               `json:"id"`
	Name          string              `json:"name"`
	Materials     []material.Material `json:"materials"`
	Options       DeviceOptions       `json:"options"`
	SystemStatus  SystemStatus        `json:"system_status"`
	PrinterStatus PrinterStatus       `json:"printer_status"`
	CurrentJobID  *int64              `json:"current_job_id"`
	Camera        string              `json:"camera"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type Project struct {
	ID           int64               `json:"id"`
	Name         string              `json:"name"`
	File         string              `json:"file"`
	Hash         string              `json:"hash"`
	PrintTime    int64               `json:"print_time"`
	Materials    []material.Material `json:"materials"`
	PrinterModel string              `json:"printer_model"`
	CreatedAt    time.Time           `json:"created_at"`
}

type Job struct {
	ID        int64      `json:"id"`
	ProjectID int64      `json:"project_id"`
	State     JobState   `json:"state"`
	Priority  int        `json:"priority"`
	DeviceID  *int64     `json:"device_id"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"encrypted"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JobFilter struct {
	State    JobState
	DeviceID int64
	Limit    int
	Offset   int
}
