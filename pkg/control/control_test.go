package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/imu-capture/pkg/capture"
	"github.com/txn2/imu-capture/pkg/health"
	"github.com/txn2/imu-capture/pkg/session"
	"github.com/txn2/imu-capture/pkg/sink"
)

const (
	ctlTestLabel   = "awake"
	ctlTestVersion = "v1.2.3"
	ctlTestWait    = 2 * time.Second
	ctlTestTick    = 5 * time.Millisecond
	formType       = "application/x-www-form-urlencoded"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	handler *Handler
	rec     *capture.Recorder
	clock   *fakeClock
	checker *health.Checker
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   &fakeClock{now: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)},
		checker: health.NewChecker(),
		dir:     t.TempDir(),
	}
	rec, err := capture.NewRecorder(
		capture.Config{OutputDir: f.dir, MaxDuration: 24 * time.Hour},
		sink.NewManager(sink.Config{Labels: true}),
		capture.WithClock(f.clock.Now),
	)
	require.NoError(t, err)
	rec.StartWorker()
	t.Cleanup(func() { _ = rec.Close(context.Background()) })
	f.rec = rec

	h, err := New(Config{
		Recorder: rec,
		Health:   f.checker,
		Live:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		Labels:   []string{"awake", "asleep"},
		Version:  ctlTestVersion,
	})
	require.NoError(t, err)
	f.handler = h
	return f
}

func (f *fixture) do(method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestNew_RequiresRecorder(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestPage(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	body := w.Body.String()
	assert.Contains(t, body, "Idle")
	assert.Contains(t, body, "0m 0s")
	assert.Contains(t, body, `<option value="asleep">`)
	assert.Contains(t, body, ctlTestVersion)

	_, _, err := f.rec.Start(time.Minute, nil)
	require.NoError(t, err)
	body = f.do(http.MethodGet, "/", "", "").Body.String()
	assert.Contains(t, body, "Recording")
	assert.Contains(t, body, "1m 0s")
}

func TestPage_EscapesError(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/?error="+url.QueryEscape("<script>x</script>"), "", "")
	assert.NotContains(t, w.Body.String(), "<script>x</script>")
	assert.Contains(t, w.Body.String(), "&lt;script&gt;")
}

func TestFormFlow(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/start", formType, "duration=1&label="+ctlTestLabel)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	st := f.rec.Status()
	require.True(t, st.Active)
	assert.Equal(t, time.Minute, st.Duration)
	assert.Equal(t, ctlTestLabel, st.Label)

	w = f.do(http.MethodGet, "/remaining", "", "")
	assert.Equal(t, "1m 0s", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	w = f.do(http.MethodPost, "/label", formType, "label=asleep")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "asleep", f.rec.Status().Label)

	w = f.do(http.MethodPost, "/stop", formType, "")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.False(t, f.rec.Status().Active)

	w = f.do(http.MethodPost, "/stop", formType, "")
	assert.Equal(t, http.StatusSeeOther, w.Code, "stop while idle is benign")
}

func TestFormStart_LabelCarriesForward(t *testing.T) {
	f := newFixture(t)
	f.rec.SetLabel("previous")

	f.do(http.MethodPost, "/start", formType, "duration=2")
	assert.Equal(t, "previous", f.rec.Status().Label)
}

func TestFormStart_Invalid(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{"", "duration=abc", "duration=0", "duration=-3", "duration=100000"} {
		w := f.do(http.MethodPost, "/start", formType, body)
		assert.Equal(t, http.StatusSeeOther, w.Code, body)
		assert.Contains(t, w.Header().Get("Location"), "/?error=", body)
		assert.False(t, f.rec.Status().Active, body)
	}
}

func TestRemaining_Expiry(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/start", formType, "duration=1")

	assert.Equal(t, "1m 0s", f.do(http.MethodGet, "/remaining", "", "").Body.String())
	f.clock.Advance(61 * time.Second)
	assert.Equal(t, "0m 0s", f.do(http.MethodGet, "/remaining", "", "").Body.String())
	assert.False(t, f.rec.Status().Active, "querying remaining time expires the session")
}

func TestAPI_StartStop(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/session/start", "application/json",
		`{"duration_seconds": 90, "label": "awake"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decode[startResponse](t, w)
	assert.True(t, resp.Started)
	assert.True(t, resp.Session.Active)
	assert.Equal(t, int64(90), resp.Session.DurationSeconds)
	assert.Equal(t, "1m 30s", resp.Session.Remaining)
	assert.Equal(t, ctlTestLabel, resp.Session.Label)

	w = f.do(http.MethodPost, "/api/v1/session/start", "application/json", `{"duration_minutes": 5}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[startResponse](t, w)
	assert.False(t, resp.Started, "running session is kept")
	assert.Equal(t, int64(90), resp.Session.DurationSeconds)

	w = f.do(http.MethodGet, "/api/v1/session", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[sessionView](t, w)
	assert.Equal(t, resp.Session.ID, view.ID)

	w = f.do(http.MethodPost, "/api/v1/session/stop", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[session.Info](t, w)
	assert.Equal(t, view.ID, info.ID)

	w = f.do(http.MethodPost, "/api/v1/session/stop", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "no active session")
}

func TestAPI_StartValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
		{name: "no duration", body: `{}`, want: http.StatusBadRequest},
		{name: "both durations", body: `{"duration_minutes": 1, "duration_seconds": 60}`, want: http.StatusBadRequest},
		{name: "too long", body: `{"duration_minutes": 100000}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/v1/session/start", "application/json", tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.NotEmpty(t, decode[map[string]string](t, w)["error"])
		})
	}
	assert.False(t, f.rec.Status().Active)
}

func TestAPI_StartSinkUnavailable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.dir))
	require.NoError(t, os.WriteFile(f.dir, nil, 0o600))

	w := f.do(http.MethodPost, "/api/v1/session/start", "application/json", `{"duration_minutes": 1}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, f.rec.Status().Active)
}

func TestAPI_SetLabel(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPut, "/api/v1/session/label", "application/json", `{"label": "asleep"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "asleep", decode[sessionView](t, w).Label)

	w = f.do(http.MethodPut, "/api/v1/session/label", "application/json", `{"label": ""}`)
	require.Equal(t, http.StatusOK, w.Code, "empty label clears it")
	assert.Empty(t, f.rec.Status().Label)

	w = f.do(http.MethodPut, "/api/v1/session/label", "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/api/v1/session/label", "application/json", `nope`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_SessionsAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, l := range []string{"a", "b", "a"} {
		label := l
		_, _, err := f.rec.Start(time.Minute, &label)
		require.NoError(t, err)
		f.rec.Ingest(ctx, []byte("1000,0.1,0.2,9.8,0.01,-0.02,0.00,512"), nil)
		_, err = f.rec.Stop()
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	require.Eventually(t, func() bool {
		w := f.do(http.MethodGet, "/api/v1/sessions", "", "")
		var resp historyResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || len(resp.Data) != 3 {
			return false
		}
		for _, e := range resp.Data {
			if !e.Ended() {
				return false
			}
		}
		return true
	}, ctlTestWait, ctlTestTick)

	w := f.do(http.MethodGet, "/api/v1/sessions?label=a&per_page=1&page=2", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[historyResponse](t, w)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "a", resp.Data[0].Label)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 1, resp.PerPage)
	assert.Equal(t, int64(1), resp.Data[0].Rows)

	w = f.do(http.MethodGet, "/api/v1/stats", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[statsResponse](t, w)
	assert.Equal(t, ctlTestVersion, stats.Version)
	assert.Equal(t, int64(3), stats.Stats.Appended)
	assert.Equal(t, int64(3), stats.Stats.Sessions)
	assert.False(t, stats.Session.Active)
}

func TestRoutes_MethodsAndOptional(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/start", "", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/nope", "", "").Code)
	assert.Equal(t, http.StatusTeapot, f.do(http.MethodGet, "/ws/live", "", "").Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/readyz", "", "").Code)
	f.checker.SetReady()
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz", "", "").Code)

	bare, err := New(Config{Recorder: f.rec})
	require.NoError(t, err)
	w := httptest.NewRecorder()
	bare.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("x: %w", session.ErrInvalidDuration), want: http.StatusBadRequest},
		{err: capture.ErrNoActiveSession, want: http.StatusConflict},
		{err: fmt.Errorf("%w: disk full", sink.ErrSinkUnavailable), want: http.StatusServiceUnavailable},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestPage_TemplateEmbedded(t *testing.T) {
	fh, err := templateFS.Open("templates/index.html")
	require.NoError(t, err)
	defer func() { _ = fh.Close() }()
	data, err := io.ReadAll(fh)
	require.NoError(t, err)
	assert.Contains(t, string(data), `action="/start"`)
}
