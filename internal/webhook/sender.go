package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/orrn/printfleet/internal/db"
)

type Event string

const (
	EventJobStarted   Event = "job_started"
	EventJobCompleted Event = "job_completed"
	EventJobFailed    Event = "job_failed"
	EventJobUpdated   Event = "job_updated"
	EventTest         Event = "test"
)

var ErrDisabled = errors.New("webhook is not configured")

// EventForJob names the event a job in its current state represents.
func EventForJob(job *db.Job) Event {
	switch job.State {
	case db.JobPrinting:
		return EventJobStarted
	case db.JobCompleted:
		return EventJobCompleted
	case db.JobFailed:
		return EventJobFailed
	default:
		return EventJobUpdated
	}
}

type Payload struct {
	Event     Event     `json:"event"`
	Delivery  string    `json:"delivery"`
	Timestamp time.Time `json:"timestamp"`
	Data      *db.Job   `json:"data"`
}

// Recorder counts delivery outcomes.
type Recorder interface {
	RecordWebhook(delivered bool)
}

type Config struct {
	URL string
	// Secret signs the body (X-Webhook-Signature) and the bearer token.
	Secret      string
	InstanceID  string
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type task struct {
	payload *Payload
	attempt int
}

type Sender struct {
	url        string
	secret     []byte
	issuer     string
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	queue      chan *task
	stopCh     chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
	recorder   Recorder
	logger     *slog.Logger
}

func NewSender(config Config, recorder Recorder, logger *slog.Logger) *Sender {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		url:    config.URL,
		secret: []byte(config.Secret),
		issuer: "printfleet:" + config.InstanceID,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryCount: config.RetryCount,
		retryDelay: config.RetryDelay,
		workers:    config.WorkerCount,
		queue:      make(chan *task, config.QueueSize),
		stopCh:     make(chan struct{}),
		recorder:   recorder,
		logger:     logger.With("component", "webhook"),
	}
}

func (s *Sender) Enabled() bool {
	return s.url != ""
}

func (s *Sender) Start() {
	if !s.Enabled() {
		return
	}
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop ends the workers; deliveries still queued are dropped.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SendJob queues a delivery of job. It never blocks; a full queue drops the
// delivery with a log line.
func (s *Sender) SendJob(job *db.Job) {
	if !s.Enabled() || job == nil {
		return
	}

	select {
	case <-s.stopCh:
		return
	default:
	}

	snapshot := *job
	t := &task{payload: &Payload{
		Event:     EventForJob(&snapshot),
		Delivery:  uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data:      &snapshot,
	}}

	select {
	case s.queue <- t:
	default:
		s.logger.Warn("queue full, dropping webhook", "event", t.payload.Event, "job_id", job.ID)
		s.record(false)
	}
}

// Test delivers one ping synchronously, without retries, so an operator can
// check the receiver.
func (s *Sender) Test() error {
	if !s.Enabled() {
		return ErrDisabled
	}
	return s.sendRequest(&Payload{
		Event:     EventTest,
		Delivery:  uuid.NewString(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			err := s.sendWithRetry(t)
			if err != nil {
				s.logger.Error("failed to deliver webhook",
					"worker", id, "event", t.payload.Event, "job_id", t.payload.Data.ID,
					"attempts", t.attempt, "error", err)
			}
			s.record(err == nil)
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Client() {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.logger.Warn("retrying webhook",
				"attempt", t.attempt, "max", s.retryCount, "backoff", backoff, "error", err)

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// StatusError is a non-2xx response from the receiver.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http error: %d", e.Code)
}

// Client reports whether the receiver rejected the request itself; those
// are not retried.
func (e *StatusError) Client() bool {
	return e.Code >= 400 && e.Code < 500
}

func (s *Sender) sendRequest(payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", string(payload.Event))
	req.Header.Set("X-Webhook-Delivery", payload.Delivery)

	if len(s.secret) > 0 {
		req.Header.Set("X-Webhook-Signature", Sign(body, s.secret))
		token, err := s.token(payload)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// token is a short-lived HS256 JWT identifying this instance to the receiver.
func (s *Sender) token(payload *Payload) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   string(payload.Event),
		ID:        payload.Delivery,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Sender) record(delivered bool) {
	if s.recorder != nil {
		s.recorder.RecordWebhook(delivered)
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
