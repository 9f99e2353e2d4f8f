package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/material"
	"github.com/orrn/printfleet/internal/protocol"
	"github.com/orrn/printfleet/internal/transfer"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory stand-in for the SQLite store. Records are copied
// in and out so callers never share memory with the store.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	devices  map[int64]db.Device
	jobs     map[int64]db.Job
	projects map[int64]db.Project
	saves    int

	// failJobSave, when set, is consulted before a job is written.
	failJobSave func(j *db.Job) error
	// listErr is returned by Devices.List when set.
	listErr error
}

func newMemStore() *memStore {
	return &memStore{
		devices:  make(map[int64]db.Device),
		jobs:     make(map[int64]db.Job),
		projects: make(map[int64]db.Project),
	}
}

func (m *memStore) repo() Repository {
	return Repository{Devices: memDevices{m}, Jobs: memJobs{m}, Projects: memProjects{m}}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func copyDevice(d db.Device) *db.Device {
	d.Materials = append([]material.Material(nil), d.Materials...)
	d.SystemStatus.Errors = append([]db.StatusError(nil), d.SystemStatus.Errors...)
	d.PrinterStatus.Errors = append([]db.StatusError(nil), d.PrinterStatus.Errors...)
	if d.CurrentJobID != nil {
		id := *d.CurrentJobID
		d.CurrentJobID = &id
	}
	return &d
}

func copyJob(j db.Job) *db.Job {
	if j.DeviceID != nil {
		id := *j.DeviceID
		j.DeviceID = &id
	}
	return &j
}

func (m *memStore) device(id int64) *db.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil
	}
	return copyDevice(d)
}

func (m *memStore) job(id int64) *db.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	return copyJob(j)
}

type memDevices struct{ m *memStore }

func (s memDevices) Create(_ context.Context, d *db.Device) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d.ID = s.m.id()
	s.m.devices[d.ID] = *copyDevice(*d)
	return nil
}

func (s memDevices) Get(_ context.Context, id int64) (*db.Device, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d, ok := s.m.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, db.ErrNotFound)
	}
	return copyDevice(d), nil
}

func (s memDevices) List(_ context.Context) ([]*db.Device, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.listErr != nil {
		return nil, s.m.listErr
	}
	out := make([]*db.Device, 0, len(s.m.devices))
	for _, d := range s.m.devices {
		out = append(out, copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memDevices) Save(_ context.Context, d *db.Device) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.devices[d.ID]; !ok {
		return fmt.Errorf("device %d: %w", d.ID, db.ErrNotFound)
	}
	s.m.devices[d.ID] = *copyDevice(*d)
	s.m.saves++
	return nil
}

func (s memDevices) Delete(_ context.Context, id int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.devices[id]; !ok {
		return fmt.Errorf("device %d: %w", id, db.ErrNotFound)
	}
	delete(s.m.devices, id)
	for jid, j := range s.m.jobs {
		if j.DeviceID != nil && *j.DeviceID == id {
			j.DeviceID = nil
			s.m.jobs[jid] = j
		}
	}
	return nil
}

type memJobs struct{ m *memStore }

func (s memJobs) Create(_ context.Context, j *db.Job) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	j.ID = s.m.id()
	if j.State == "" {
		j.State = db.JobQueued
	}
	s.m.jobs[j.ID] = *copyJob(*j)
	return nil
}

func (s memJobs) Get(_ context.Context, id int64) (*db.Job, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	j, ok := s.m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, db.ErrNotFound)
	}
	return copyJob(j), nil
}

func (s memJobs) ListQueued(_ context.Context, limit, offset int) ([]*db.Job, error) {
	all, _ := s.List(context.Background(), db.JobFilter{State: db.JobQueued, Limit: 1 << 30})
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s memJobs) List(_ context.Context, filter db.JobFilter) ([]*db.Job, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*db.Job
	for _, j := range s.m.jobs {
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if filter.DeviceID > 0 && (j.DeviceID == nil || *j.DeviceID != filter.DeviceID) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memJobs) Save(_ context.Context, j *db.Job) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failJobSave != nil {
		if err := s.m.failJobSave(j); err != nil {
			return err
		}
	}
	if _, ok := s.m.jobs[j.ID]; !ok {
		return fmt.Errorf("job %d: %w", j.ID, db.ErrNotFound)
	}
	s.m.jobs[j.ID] = *copyJob(*j)
	return nil
}

type memProjects struct{ m *memStore }

func (s memProjects) Create(_ context.Context, p *db.Project) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p.ID = s.m.id()
	s.m.projects[p.ID] = *p
	return nil
}

func (s memProjects) Get(_ context.Context, id int64) (*db.Project, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %d: %w", id, db.ErrNotFound)
	}
	return &p, nil
}

func (s memProjects) List(_ context.Context) ([]*db.Project, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*db.Project, 0, len(s.m.projects))
	for _, p := range s.m.projects {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// fakeClient serves a scripted state per serial and records commands.
type fakeClient struct {
	mu       sync.Mutex
	states   map[string]protocol.State
	fetchErr error
	sendErr  error
	awaitErr error
	commands []protocol.Command
	// onSend, when set, runs after a successful SendCommand.
	onSend func(t protocol.Target)
}

func newFakeClient() *fakeClient {
	return &fakeClient{states: make(map[string]protocol.State)}
}

func (c *fakeClient) setState(serial string, st protocol.State) {
	c.mu.Lock()
	c.states[serial] = st
	c.mu.Unlock()
}

func (c *fakeClient) FetchState(_ context.Context, t protocol.Target) (protocol.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchErr != nil {
		return protocol.State{}, c.fetchErr
	}
	st, ok := c.states[t.Serial]
	if !ok {
		return protocol.State{Stage: protocol.StageIdle}, nil
	}
	return st, nil
}

func (c *fakeClient) SendCommand(_ context.Context, t protocol.Target, cmd protocol.Command) error {
	c.mu.Lock()
	if c.sendErr != nil {
		defer c.mu.Unlock()
		return c.sendErr
	}
	c.commands = append(c.commands, cmd)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return nil
}

func (c *fakeClient) AwaitStage(context.Context, protocol.Target, protocol.Stage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitErr
}

func (c *fakeClient) sent() []protocol.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Command(nil), c.commands...)
}

type stageCall struct {
	host, accessCode, local, remote string
}

type fakeStager struct {
	mu    sync.Mutex
	err   error
	calls []stageCall
	// during runs between the progress reports.
	during func()
}

func (s *fakeStager) Stage(_ context.Context, host, accessCode, local, remote string, progress transfer.ProgressFunc) error {
	s.mu.Lock()
	s.calls = append(s.calls, stageCall{host, accessCode, local, remote})
	err, during := s.err, s.during
	s.mu.Unlock()
	if err != nil {
		return err
	}
	progress(0.5)
	if during != nil {
		during()
	}
	progress(1)
	return nil
}

func (s *fakeStager) staged() []stageCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stageCall(nil), s.calls...)
}

type fakeCamera struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (c *fakeCamera) Capture(context.Context, string, string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if len(c.frames) == 0 {
		return []byte{0xFF, 0xD8, 0xFF, 0xE0, 0xFF, 0xD9}, nil
	}
	f := c.frames[0]
	if len(c.frames) > 1 {
		c.frames = c.frames[1:]
	}
	return f, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []db.Job
}

func (n *fakeNotifier) SendJob(job *db.Job) {
	n.mu.Lock()
	n.jobs = append(n.jobs, *copyJob(*job))
	n.mu.Unlock()
}

func (n *fakeNotifier) sent() []db.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]db.Job(nil), n.jobs...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *fakeRecorder) RecordDispatch(outcome string) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func (r *fakeRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

var (
	pla     = material.Material{Type: "PLA", Color: "#FFFFFF", Name: "PLA Basic"}
	plaRed  = material.Material{Type: "PLA", Color: "#FF0000", Name: "PLA color"}
	petg    = material.Material{Type: "PETG", Color: "#000000", Name: "PETG"}
	md5Hash = "0123456789abcdef0123456789abcdef"
)

// seedDevice stores a clear, idle, healthy device.
func seedDevice(t interface{ Helper() }, m *memStore, serial string, materials ...material.Material) *db.Device {
	t.Helper()
	d := &db.Device{
		Name:      "printer-" + serial,
		Materials: materials,
		Options:   db.DeviceOptions{Host: "10.0.0." + serial, Serial: serial, AccessCode: "code-" + serial},
		SystemStatus: db.SystemStatus{
			State:   db.SystemGood,
			Errors:  []db.StatusError{},
			IsClear: true,
		},
		PrinterStatus: db.PrinterStatus{State: db.PrinterIdle, Errors: []db.StatusError{}},
	}
	_ = memDevices{m}.Create(context.Background(), d)
	return d
}

func seedProject(m *memStore, name string, printTime int64, materials ...material.Material) *db.Project {
	p := &db.Project{
		Name:      name,
		File:      name + ".3mf",
		Hash:      md5Hash,
		PrintTime: printTime,
		Materials: materials,
	}
	_ = memProjects{m}.Create(context.Background(), p)
	return p
}

func seedJob(m *memStore, projectID int64, priority int, createdAt time.Time) *db.Job {
	j := &db.Job{ProjectID: projectID, State: db.JobQueued, Priority: priority, CreatedAt: createdAt}
	_ = memJobs{m}.Create(context.Background(), j)
	return j
}
