package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/material"
)

var md5Pattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

type ProjectInput struct {
	Name         string
	File         string
	Hash         string
	PrintTime    int64
	Materials    []material.Material
	PrinterModel string
}

// RegisterProject stores the metadata of an already uploaded project file.
func (f *Fleet) RegisterProject(ctx context.Context, in ProjectInput) (*db.Project, error) {
	name := strings.TrimSpace(in.Name)
	hash := strings.ToLower(strings.TrimSpace(in.Hash))
	switch {
	case name == "":
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	case strings.ContainsAny(name, `/\`):
		return nil, &ValidationError{Field: "name", Message: "must not contain path separators"}
	case strings.TrimSpace(in.File) == "":
		return nil, &ValidationError{Field: "file", Message: "must not be empty"}
	case !md5Pattern.MatchString(hash):
		return nil, &ValidationError{Field: "hash", Message: "must be an md5 hex digest"}
	case in.PrintTime < 0:
		return nil, &ValidationError{Field: "print_time", Message: "must not be negative"}
	case len(in.Materials) == 0:
		return nil, &ValidationError{Field: "materials", Message: "must not be empty"}
	}

	p := &db.Project{
		Name:         name,
		File:         in.File,
		Hash:         hash,
		PrintTime:    in.PrintTime,
		Materials:    in.Materials,
		PrinterModel: in.PrinterModel,
	}
	if err := f.repo.Projects.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (f *Fleet) GetProject(ctx context.Context, id int64) (*db.Project, error) {
	p, err := f.repo.Projects.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("project %d: %w", id, ErrProjectNotFound)
	}
	return p, err
}

// SubmitJob queues a print of the project. It is rejected when no device in
// the fleet could ever print the project's materials. Clear idle devices are
// asked to dispatch right away instead of waiting for their next poll.
func (f *Fleet) SubmitJob(ctx context.Context, projectID int64, priority int) (*db.Job, error) {
	project, err := f.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	devices, err := f.repo.Devices.List(ctx)
	if err != nil {
		return nil, err
	}

	var ready []int64
	compatible := false
	for _, d := range devices {
		if !material.CompatibleList(d.Materials, project.Materials) {
			continue
		}
		compatible = true
		if d.SystemStatus.IsClear && d.SystemStatus.State == db.SystemGood &&
			(d.PrinterStatus.State == db.PrinterIdle || d.PrinterStatus.State == db.PrinterFinished) {
			ready = append(ready, d.ID)
		}
	}
	if !compatible {
		return nil, fmt.Errorf("project %d: %w", projectID, ErrIncompatibleMaterials)
	}

	job := &db.Job{ProjectID: project.ID, State: db.JobQueued, Priority: priority, CreatedAt: f.now()}
	if err := f.repo.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	f.logger.Info("job queued", "job_id", job.ID, "project_id", project.ID, "priority", priority)

	for _, id := range ready {
		f.QueueDispatch(id)
	}
	return job, nil
}

func (f *Fleet) GetJob(ctx context.Context, id int64) (*db.Job, error) {
	j, err := f.repo.Jobs.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	return j, err
}

func (f *Fleet) ListJobs(ctx context.Context, filter db.JobFilter) ([]*db.Job, error) {
	if filter.State != "" && !filter.State.Valid() {
		return nil, &ValidationError{Field: "state", Message: fmt.Sprintf("unknown job state %q", filter.State)}
	}
	return f.repo.Jobs.List(ctx, filter)
}

func (f *Fleet) ListDevices(ctx context.Context) ([]*db.Device, error) {
	return f.repo.Devices.List(ctx)
}

func (f *Fleet) ListProjects(ctx context.Context) ([]*db.Project, error) {
	return f.repo.Projects.List(ctx)
}
