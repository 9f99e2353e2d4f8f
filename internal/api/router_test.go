package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printfleet/internal/api/handlers"
	"github.com/orrn/printfleet/internal/api/middleware"
	"github.com/orrn/printfleet/internal/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// statsOnly implements just Stats; any other call panics on the nil
// embedded interface.
type statsOnly struct {
	handlers.Fleet
}

func (statsOnly) Stats() scheduler.Stats { return scheduler.Stats{Active: 1} }

func newRouter(t *testing.T, logs *bytes.Buffer) (*gin.Engine, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame.jpg"), []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0o644))

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("printfleet_tasks_submitted_total 0\n"))
	})
	r := NewRouter(Options{
		Fleet:         statsOnly{},
		Metrics:       metrics,
		MetricsPath:   "/metrics",
		ThumbnailsDir: dir,
		Logger:        slog.New(slog.NewTextHandler(logs, nil)),
	})
	return r, dir
}

func get(r http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouterServesAuxiliaryRoutes(t *testing.T) {
	var logs bytes.Buffer
	r, _ := newRouter(t, &logs)

	w := get(r, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(r, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "printfleet_tasks_submitted_total")

	w = get(r, "/assets/thumbnails/frame.jpg", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, w.Body.Bytes())

	w = get(r, "/api/scheduler", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"queued":0,"delayed":0,"active":1}`, w.Body.String())
}

func TestRouterWithoutWebhookHasNoTestRoute(t *testing.T) {
	var logs bytes.Buffer
	r, _ := newRouter(t, &logs)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/test", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDAndLogging(t *testing.T) {
	var logs bytes.Buffer
	r, _ := newRouter(t, &logs)

	w := get(r, "/healthz", nil)
	id := w.Header().Get(middleware.RequestIDHeader)
	assert.Len(t, id, 36)
	assert.Contains(t, logs.String(), "request_id="+id)
	assert.Contains(t, logs.String(), "path=/healthz")

	w = get(r, "/healthz", http.Header{middleware.RequestIDHeader: {"abc-123"}})
	assert.Equal(t, "abc-123", w.Header().Get(middleware.RequestIDHeader))

	w = get(r, "/healthz", http.Header{middleware.RequestIDHeader: {strings.Repeat("x", 100)}})
	assert.Len(t, w.Header().Get(middleware.RequestIDHeader), 36)
}

func TestRecoveryAnswersPanicsWith500(t *testing.T) {
	var logs bytes.Buffer
	r, _ := newRouter(t, &logs)

	w := get(r, "/api/devices", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, logs.String(), "handler panicked")
}
