package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orrn/printfleet/internal/material"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type DeviceOperations struct {
	store *Store
}

func (o *DeviceOperations) Create(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	args, err := o.encode(d)
	if err != nil {
		return err
	}
	result, err := o.store.db.ExecContext(ctx, InsertDevice, append(args, d.CreatedAt, d.UpdatedAt)...)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get device id: %w", err)
	}
	d.ID = id
	return nil
}

func (o *DeviceOperations) Get(ctx context.Context, id int64) (*Device, error) {
	d, err := o.scan(o.store.db.QueryRowContext(ctx, GetDeviceByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (o *DeviceOperations) List(ctx context.Context) ([]*Device, error) {
	rows, err := o.store.db.QueryContext(ctx, ListDevices)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := o.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Save writes every mutable column of d.
func (o *DeviceOperations) Save(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now().UTC()
	args, err := o.encode(d)
	if err != nil {
		return err
	}
	result, err := o.store.db.ExecContext(ctx, UpdateDevice, append(args, d.UpdatedAt, d.ID)...)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("device %d: %w", d.ID, ErrNotFound)
	}
	return nil
}

// Delete removes the device and detaches any job that referenced it.
func (o *DeviceOperations) Delete(ctx context.Context, id int64) error {
	tx, err := o.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, DetachJobsFromDevice, id); err != nil {
		return fmt.Errorf("failed to detach jobs: %w", err)
	}
	result, err := tx.ExecContext(ctx, DeleteDevice, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// encode returns the column values shared by insert and update, in
// statement order up to camera.
func (o *DeviceOperations) encode(d *Device) ([]any, error) {
	materials, err := json.Marshal(nonNilMaterials(d.Materials))
	if err != nil {
		return nil, fmt.Errorf("failed to encode materials: %w", err)
	}
	system, err := json.Marshal(d.SystemStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to encode system status: %w", err)
	}
	printer, err := json.Marshal(d.PrinterStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to encode printer status: %w", err)
	}
	sealed, err := o.store.sealer.Seal(d.Options.AccessCode)
	if err != nil {
		return nil, err
	}
	return []any{
		d.Name, string(materials), d.Options.Host, d.Options.Serial, sealed,
		string(system), string(printer), d.CurrentJobID, d.Camera,
	}, nil
}

func (o *DeviceOperations) scan(row rowScanner) (*Device, error) {
	d := &Device{}
	var materials, system, printer, sealed string
	if err := row.Scan(
		&d.ID, &d.Name, &materials, &d.Options.Host, &d.Options.Serial, &sealed,
		&system, &printer, &d.CurrentJobID, &d.Camera, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(materials), &d.Materials); err != nil {
		return nil, fmt.Errorf("failed to decode materials: %w", err)
	}
	if err := json.Unmarshal([]byte(system), &d.SystemStatus); err != nil {
		return nil, fmt.Errorf("failed to decode system status: %w", err)
	}
	if err := json.Unmarshal([]byte(printer), &d.PrinterStatus); err != nil {
		return nil, fmt.Errorf("failed to decode printer status: %w", err)
	}
	code, err := o.store.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open access code of device %d: %w", d.ID, err)
	}
	d.Options.AccessCode = code
	return d, nil
}

type ProjectOperations struct {
	store *Store
}

func (o *ProjectOperations) Create(ctx context.Context, p *Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	materials, err := json.Marshal(nonNilMaterials(p.Materials))
	if err != nil {
		return fmt.Errorf("failed to encode materials: %w", err)
	}
	result, err := o.store.db.ExecContext(ctx, InsertProject,
		p.Name, p.File, p.Hash, p.PrintTime, string(materials), p.PrinterModel, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get project id: %w", err)
	}
	p.ID = id
	return nil
}

func (o *ProjectOperations) Get(ctx context.Context, id int64) (*Project, error) {
	p, err := scanProject(o.store.db.QueryRowContext(ctx, GetProjectByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

func (o *ProjectOperations) List(ctx context.Context) ([]*Project, error) {
	rows, err := o.store.db.QueryContext(ctx, ListProjects)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func scanProject(row rowScanner) (*Project, error) {
	p := &Project{}
	var materials string
	if err := row.Scan(&p.ID, &p.Name, &p.File, &p.Hash, &p.PrintTime, &materials, &p.PrinterModel, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(materials), &p.Materials); err != nil {
		return nil, fmt.Errorf("failed to decode materials: %w", err)
	}
	return p, nil
}

type JobOperations struct {
	store *Store
}

func (o *JobOperations) Create(ctx context.Context, j *Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.State == "" {
		j.State = JobQueued
	}
	result, err := o.store.db.ExecContext(ctx, InsertJob,
		j.ProjectID, j.State, j.Priority, j.DeviceID, j.CreatedAt, j.StartedAt, j.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get job id: %w", err)
	}
	j.ID = id
	return nil
}

func (o *JobOperations) Get(ctx context.Context, id int64) (*Job, error) {
	j, err := scanJob(o.store.db.QueryRowContext(ctx, GetJobByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListQueued pages through QUEUED jobs, highest priority first, oldest first
// within a priority.
func (o *JobOperations) ListQueued(ctx context.Context, limit, offset int) ([]*Job, error) {
	rows, err := o.store.db.QueryContext(ctx, ListQueuedJobs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	return collectJobs(rows)
}

func (o *JobOperations) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var conditions []string
	var args []any

	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, filter.State)
	}
	if filter.DeviceID > 0 {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}

	query := "SELECT id, project_id, state, priority, device_id, created_at, started_at, ended_at FROM jobs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := o.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (o *JobOperations) Save(ctx context.Context, j *Job) error {
	result, err := o.store.db.ExecContext(ctx, UpdateJob,
		j.State, j.Priority, j.DeviceID, j.StartedAt, j.EndedAt, j.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d: %w", j.ID, ErrNotFound)
	}
	return nil
}

func (o *JobOperations) CountByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := o.store.db.QueryContext(ctx, CountJobsByState)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	err := row.Scan(&j.ID, &j.ProjectID, &j.State, &j.Priority, &j.DeviceID, &j.CreatedAt, &j.StartedAt, &j.EndedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

type SettingsOperations struct {
	store *Store
}

func (o *SettingsOperations) Get(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{Key: key}
	err := o.store.db.QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.Encrypted, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("setting %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) Set(ctx context.Context, key, value string, encrypted bool) error {
	if _, err := o.store.db.ExecContext(ctx, SetSetting, key, value, encrypted); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// SetIfAbsent stores value only when key has no value yet.
func (o *SettingsOperations) SetIfAbsent(ctx context.Context, key, value string, encrypted bool) error {
	if _, err := o.store.db.ExecContext(ctx, InsertSettingIfAbsent, key, value, encrypted); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) Delete(ctx context.Context, key string) error {
	if _, err := o.store.db.ExecContext(ctx, DeleteSetting, key); err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

func nonNilMaterials(m []material.Material) []material.Material {
	if m == nil {
		return []material.Material{}
	}
	return m
}
