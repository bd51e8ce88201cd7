// Package control serves the HTTP surface that starts, stops and labels
// capture sessions.
package control

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/txn2/imu-capture/pkg/capture"
	"github.com/txn2/imu-capture/pkg/journal"
	"github.com/txn2/imu-capture/pkg/session"
	"github.com/txn2/imu-capture/pkg/sink"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 16

// Recorder is the capture operations the control surface drives.
type Recorder interface {
	Start(duration time.Duration, label *string) (session.Info, bool, error)
	Stop() (session.Info, error)
	SetLabel(label string)
	Status() session.Status
	Remaining() string
	Stats() capture.Stats
	History(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers interface {
	LivenessHandler() http.HandlerFunc
	ReadinessHandler() http.HandlerFunc
}

// Config wires a Handler.
type Config struct {
	Recorder Recorder

	// Live serves the websocket feed. Optional.
	Live http.Handler

	// Health serves /healthz and /readyz. Optional.
	Health HealthHandlers

	// Labels lists suggested labels shown on the page.
	Labels []string

	// Version is shown on the page and in /api/v1/stats.
	Version string
}

// Handler routes control requests.
type Handler struct {
	router *mux.Router
	cfg    Config
}

// New creates the control handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	h := &Handler{router: mux.NewRouter(), cfg: cfg}
	h.registerRoutes()
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	r := h.router

	r.HandleFunc("/", h.page).Methods(http.MethodGet)
	r.HandleFunc("/start", h.formStart).Methods(http.MethodPost)
	r.HandleFunc("/stop", h.formStop).Methods(http.MethodPost)
	r.HandleFunc("/label", h.formLabel).Methods(http.MethodPost)
	r.HandleFunc("/remaining", h.remaining).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/session", h.getSession).Methods(http.MethodGet)
	api.HandleFunc("/session/start", h.startSession).Methods(http.MethodPost)
	api.HandleFunc("/session/stop", h.stopSession).Methods(http.MethodPost)
	api.HandleFunc("/session/label", h.setLabel).Methods(http.MethodPut)
	api.HandleFunc("/sessions", h.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.stats).Methods(http.MethodGet)

	if h.cfg.Live != nil {
		r.Handle("/ws/live", h.cfg.Live).Methods(http.MethodGet)
	}
	if h.cfg.Health != nil {
		r.HandleFunc("/healthz", h.cfg.Health.LivenessHandler()).Methods(http.MethodGet)
		r.HandleFunc("/readyz", h.cfg.Health.ReadinessHandler()).Methods(http.MethodGet)
	}
}

// statusFor maps recorder errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrNoActiveSession):
		return http.StatusConflict
	case errors.Is(err, sink.ErrSinkUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Verify interface compliance.
var _ Recorder = (*capture.Recorder)(nil)
