package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stage is the device's print stage reduced to the states the fleet tracks.
type Stage string

const (
	StageUnknown  Stage = "UNKNOWN"
	StageIdle     Stage = "IDLE"
	StagePrinting Stage = "PRINTING"
	StagePaused   Stage = "PAUSED"
	StageFinished Stage = "FINISHED"
)

var gcodeStages = map[string]Stage{
	"IDLE":    StageIdle,
	"PREPARE": StagePrinting,
	"SLICING": StagePrinting,
	"RUNNING": StagePrinting,
	"PAUSE":   StagePaused,
	"FINISH":  StageFinished,
	"FAILED":  StageFinished,
}

// StageFromGcodeState maps the device's gcode_state field.
func StageFromGcodeState(s string) Stage {
	if stage, ok := gcodeStages[strings.ToUpper(s)]; ok {
		return stage
	}
	return StageUnknown
}

// HMS is a health-management code reported by the device.
type HMS struct {
	Attr int64 `json:"attr"`
	Code int64 `json:"code"`
}

// Name formats the code the way the device firmware and wiki print it.
func (h HMS) Name() string {
	return fmt.Sprintf("%04X_%04X_%04X_%04X",
		(h.Attr>>16)&0xFFFF, h.Attr&0xFFFF, (h.Code>>16)&0xFFFF, h.Code&0xFFFF)
}

func (h HMS) Message() string {
	return "device reported HMS_" + h.Name()
}

type envelope struct {
	Print *printReport `json:"print"`
}

type printReport struct {
	Command       string `json:"command"`
	Result        string `json:"result"`
	Reason        string `json:"reason"`
	GcodeState    string `json:"gcode_state"`
	SubtaskName   string `json:"subtask_name"`
	Percent       *int   `json:"mc_percent"`
	RemainingTime *int   `json:"mc_remaining_time"`
	HMS           []HMS  `json:"hms"`
}

// State is a full state snapshot of a device.
type State struct {
	Stage            Stage
	JobName          string
	Percent          int
	RemainingMinutes int
	Errors           []HMS
}

func decodeEnvelope(payload []byte) (*printReport, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return env.Print, nil
}

func (r *printReport) state() State {
	s := State{
		Stage:   StageFromGcodeState(r.GcodeState),
		JobName: r.SubtaskName,
		Errors:  r.HMS,
	}
	if r.Percent != nil {
		s.Percent = *r.Percent
	}
	if r.RemainingTime != nil {
		s.RemainingMinutes = *r.RemainingTime
	}
	return s
}

// Command is a request published under the "print" key of a request frame.
// Replies are correlated by the echoed command name.
type Command interface {
	CommandName() string
}

type pushAll struct {
	Pushing struct {
		SequenceID string `json:"sequence_id"`
		Command    string `json:"command"`
	} `json:"pushing"`
}

func pushAllPayload() []byte {
	var p pushAll
	p.Pushing.SequenceID = "0"
	p.Pushing.Command = "pushall"
	b, _ := json.Marshal(p)
	return b
}

// ProjectFile starts printing a plate from an uploaded project archive.
type ProjectFile struct {
	Param       string `json:"param"`
	URL         string `json:"url"`
	SubtaskName string `json:"subtask_name"`
	MD5         string `json:"md5"`

	FlowCali      bool   `json:"flow_cali"`
	LayerInspect  bool   `json:"layer_inspect"`
	Timelapse     bool   `json:"timelapse"`
	VibrationCali bool   `json:"vibration_cali"`
	BedLeveling   bool   `json:"bed_leveling"`
	BedType       string `json:"bed_type"`
	UseAMS        bool   `json:"use_ams"`

	ProfileID  string `json:"profile_id"`
	ProjectID  string `json:"project_id"`
	SequenceID string `json:"sequence_id"`
	SubtaskID  string `json:"subtask_id"`
	TaskID     string `json:"task_id"`
}

func (ProjectFile) CommandName() string { return "project_file" }

func (p ProjectFile) MarshalJSON() ([]byte, error) {
	type alias ProjectFile
	return json.Marshal(struct {
		Command string `json:"command"`
		alias
	}{p.CommandName(), alias(p)})
}

// NewProjectFile fills in the fixed print options the fleet always uses.
func NewProjectFile(url, subtaskName, md5 string) ProjectFile {
	return ProjectFile{
		Param:         "Metadata/plate_1.gcode",
		URL:           url,
		SubtaskName:   subtaskName,
		MD5:           md5,
		FlowCali:      true,
		LayerInspect:  true,
		Timelapse:     false,
		VibrationCali: true,
		BedLeveling:   true,
		BedType:       "textured_plate",
		UseAMS:        true,
		ProfileID:     "0",
		ProjectID:     "0",
		SequenceID:    "0",
		SubtaskID:     "0",
		TaskID:        "0",
	}
}

func encodeCommand(cmd Command) ([]byte, error) {
	return json.Marshal(struct {
		Print Command `json:"print"`
	}{cmd})
}
