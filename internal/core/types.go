package core

import (
	"context"
	"time"

	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/protocol"
	"github.com/orrn/printfleet/internal/transfer"
)

type DeviceStore interface {
	Create(ctx context.Context, d *db.Device) error
	Get(ctx context.Context, id int64) (*db.Device, error)
	List(ctx context.Context) ([]*db.Device, error)
	Save(ctx context.Context, d *db.Device) error
	Delete(ctx context.Context, id int64) error
}

type JobStore interface {
	Create(ctx context.Context, j *db.Job) error
	Get(ctx context.Context, id int64) (*db.Job, error)
	ListQueued(ctx context.Context, limit, offset int) ([]*db.Job, error)
	List(ctx context.Context, filter db.JobFilter) ([]*db.Job, error)
	Save(ctx context.Context, j *db.Job) error
}

type ProjectStore interface {
	Create(ctx context.Context, p *db.Project) error
	Get(ctx context.Context, id int64) (*db.Project, error)
	List(ctx context.Context) ([]*db.Project, error)
}

// Repository groups the persistence the workflows read and write.
type Repository struct {
	Devices  DeviceStore
	Jobs     JobStore
	Projects ProjectStore
}

func NewRepository(s *db.Store) Repository {
	return Repository{Devices: s.Devices, Jobs: s.Jobs, Projects: s.Projects}
}

// DeviceClient talks to a device's message broker.
type DeviceClient interface {
	FetchState(ctx context.Context, t protocol.Target) (protocol.State, error)
	SendCommand(ctx context.Context, t protocol.Target, cmd protocol.Command) error
	AwaitStage(ctx context.Context, t protocol.Target, stage protocol.Stage) error
}

// Stager copies a project file onto a device.
type Stager interface {
	Stage(ctx context.Context, host, accessCode, localPath, remotePath string, progress transfer.ProgressFunc) error
}

type Camera interface {
	Capture(ctx context.Context, host, accessCode string) ([]byte, error)
}

// Notifier delivers job updates to the outside world. Delivery is best
// effort and must not block.
type Notifier interface {
	SendJob(job *db.Job)
}

type DispatchRecorder interface {
	RecordDispatch(outcome string)
}

type Clock func() time.Time

func utcNow() time.Time {
	return time.Now().UTC()
}

func target(d *db.Device) protocol.Target {
	return protocol.Target{
		Host:       d.Options.Host,
		Serial:     d.Options.Serial,
		AccessCode: d.Options.AccessCode,
	}
}

type nopNotifier struct{}

func (nopNotifier) SendJob(*db.Job) {}

type nopRecorder struct{}

func (nopRecorder) RecordDispatch(string) {}
