package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printfleet/internal/db"
)

type countingRecorder struct {
	delivered atomic.Int32
	failed    atomic.Int32
}

func (r *countingRecorder) RecordWebhook(ok bool) {
	if ok {
		r.delivered.Add(1)
	} else {
		r.failed.Add(1)
	}
}

func newTestSender(t *testing.T, url, secret string, rec Recorder) *Sender {
	t.Helper()
	s := NewSender(Config{
		URL:         url,
		Secret:      secret,
		InstanceID:  "test",
		RetryCount:  3,
		RetryDelay:  10 * time.Millisecond,
		Timeout:     time.Second,
		WorkerCount: 1,
	}, rec, nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestSendJobDeliversSignedPayload(t *testing.T) {
	type received struct {
		header http.Header
		body   []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header.Clone(), body: body}
	}))
	defer srv.Close()

	rec := &countingRecorder{}
	s := newTestSender(t, srv.URL, "s3cret", rec)

	started := time.Now().UTC()
	deviceID := int64(4)
	s.SendJob(&db.Job{ID: 9, ProjectID: 2, State: db.JobPrinting, DeviceID: &deviceID, StartedAt: &started})

	var r received
	select {
	case r = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}

	assert.Equal(t, "application/json", r.header.Get("Content-Type"))
	assert.Equal(t, "job_started", r.header.Get("X-Webhook-Event"))
	assert.Equal(t, Sign(r.body, []byte("s3cret")), r.header.Get("X-Webhook-Signature"))

	var p Payload
	require.NoError(t, json.Unmarshal(r.body, &p))
	assert.Equal(t, EventJobStarted, p.Event)
	assert.Equal(t, r.header.Get("X-Webhook-Delivery"), p.Delivery)
	require.NotNil(t, p.Data)
	assert.Equal(t, int64(9), p.Data.ID)
	assert.Equal(t, db.JobPrinting, p.Data.State)

	bearer := strings.TrimPrefix(r.header.Get("Authorization"), "Bearer ")
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(bearer, claims, func(*jwt.Token) (any, error) { return []byte("s3cret"), nil },
		jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	assert.Equal(t, "printfleet:test", claims.Issuer)
	assert.Equal(t, p.Delivery, claims.ID)

	require.Eventually(t, func() bool { return rec.delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	rec := &countingRecorder{}
	s := newTestSender(t, srv.URL, "", rec)
	s.SendJob(&db.Job{ID: 1, State: db.JobCompleted})

	require.Eventually(t, func() bool { return rec.delivered.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	rec := &countingRecorder{}
	s := newTestSender(t, srv.URL, "", rec)
	s.SendJob(&db.Job{ID: 1, State: db.JobFailed})

	require.Eventually(t, func() bool { return rec.failed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNoSignatureWithoutSecret(t *testing.T) {
	var mu sync.Mutex
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		header = r.Header.Clone()
		mu.Unlock()
	}))
	defer srv.Close()

	rec := &countingRecorder{}
	s := newTestSender(t, srv.URL, "", rec)
	s.SendJob(&db.Job{ID: 1, State: db.JobQueued})

	require.Eventually(t, func() bool { return rec.delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, header.Get("X-Webhook-Signature"))
	assert.Empty(t, header.Get("Authorization"))
	assert.Equal(t, "job_updated", header.Get("X-Webhook-Event"))
}

func TestDisabledSenderIsNoop(t *testing.T) {
	rec := &countingRecorder{}
	s := NewSender(Config{}, rec, nil)
	s.Start()
	s.SendJob(&db.Job{ID: 1})
	s.Stop()

	assert.False(t, s.Enabled())
	assert.Zero(t, rec.delivered.Load()+rec.failed.Load())
}

func TestEventForJob(t *testing.T) {
	assert.Equal(t, EventJobStarted, EventForJob(&db.Job{State: db.JobPrinting}))
	assert.Equal(t, EventJobCompleted, EventForJob(&db.Job{State: db.JobCompleted}))
	assert.Equal(t, EventJobFailed, EventForJob(&db.Job{State: db.JobFailed}))
	assert.Equal(t, EventJobUpdated, EventForJob(&db.Job{State: db.JobDispatching}))
}

func TestTestDeliversPing(t *testing.T) {
	var event atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		event.Store(r.Header.Get("X-Webhook-Event"))
	}))
	defer srv.Close()

	s := NewSender(Config{URL: srv.URL}, nil, nil)
	require.NoError(t, s.Test())
	assert.Equal(t, "test", event.Load())

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer failing.Close()

	var statusErr *StatusError
	require.ErrorAs(t, NewSender(Config{URL: failing.URL}, nil, nil).Test(), &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.Code)

	assert.ErrorIs(t, NewSender(Config{}, nil, nil).Test(), ErrDisabled)
}
