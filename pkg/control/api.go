package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/txn2/imu-capture/pkg/capture"
	"github.com/txn2/imu-capture/pkg/journal"
	"github.com/txn2/imu-capture/pkg/session"
)

// sessionView is the JSON shape of the session state.
type sessionView struct {
	Active           bool       `json:"active"`
	ID               string     `json:"id,omitempty"`
	Label            string     `json:"label"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	DurationSeconds  int64      `json:"duration_seconds,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	Remaining        string     `json:"remaining"`
}

func newSessionView(st session.Status) sessionView {
	v := sessionView{
		Active:           st.Active,
		ID:               st.ID,
		Label:            st.Label,
		RemainingSeconds: st.RemainingSeconds(),
		Remaining:        session.FormatRemaining(st.RemainingSeconds()),
	}
	if st.Active {
		started := st.StartedAt
		v.StartedAt = &started
		v.DurationSeconds = int64(st.Duration / time.Second)
	}
	return v
}

// startRequest is the body of POST /api/v1/session/start. Exactly one of
// the duration fields must be set.
type startRequest struct {
	DurationMinutes float64 `json:"duration_minutes"`
	DurationSeconds int64   `json:"duration_seconds"`
	Label           *string `json:"label"`
}

func (req startRequest) duration() (time.Duration, error) {
	switch {
	case req.DurationMinutes > 0 && req.DurationSeconds > 0:
		return 0, errors.New("set only one of duration_minutes and duration_seconds")
	case req.DurationMinutes > 0:
		return time.Duration(req.DurationMinutes * float64(time.Minute)), nil
	case req.DurationSeconds > 0:
		return time.Duration(req.DurationSeconds) * time.Second, nil
	default:
		return 0, errors.New("duration_minutes or duration_seconds must be positive")
	}
}

type startResponse struct {
	Started bool        `json:"started"`
	Session sessionView `json:"session"`
}

type labelRequest struct {
	Label *string `json:"label"`
}

type historyResponse struct {
	Data    []journal.Entry `json:"data"`
	Page    int             `json:"page"`
	PerPage int             `json:"per_page"`
}

type statsResponse struct {
	Version string        `json:"version,omitempty"`
	Stats   capture.Stats `json:"stats"`
	Session sessionView   `json:"session"`
}

// getSession handles GET /api/v1/session.
func (h *Handler) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newSessionView(h.cfg.Recorder.Status()))
}

// startSession handles POST /api/v1/session/start. It answers 201 when a
// session was started and 200 when one was already running.
func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d, err := req.duration()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, started, err := h.cfg.Recorder.Start(d, req.Label)
	if err != nil {
		slog.Warn("session start failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	status := http.StatusOK
	if started {
		status = http.StatusCreated
	}
	writeJSON(w, status, startResponse{Started: started, Session: newSessionView(h.cfg.Recorder.Status())})
}

// stopSession handles POST /api/v1/session/stop.
func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.cfg.Recorder.Stop()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// setLabel handles PUT /api/v1/session/label.
func (h *Handler) setLabel(w http.ResponseWriter, r *http.Request) {
	var req labelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Label == nil {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}
	h.cfg.Recorder.SetLabel(*req.Label)
	writeJSON(w, http.StatusOK, newSessionView(h.cfg.Recorder.Status()))
}

// listSessions handles GET /api/v1/sessions.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := parseHistoryFilter(r.URL.Query())
	entries, err := h.cfg.Recorder.History(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Data:    entries,
		Page:    filter.Offset/filter.EffectiveLimit() + 1,
		PerPage: filter.EffectiveLimit(),
	})
}

// stats handles GET /api/v1/stats.
func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Version: h.cfg.Version,
		Stats:   h.cfg.Recorder.Stats(),
		Session: newSessionView(h.cfg.Recorder.Status()),
	})
}

// parseHistoryFilter reads label, since (RFC 3339), per_page and page.
func parseHistoryFilter(q url.Values) journal.Filter {
	f := journal.Filter{Label: q.Get("label")}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}
	if v := q.Get("per_page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Offset = (n - 1) * f.EffectiveLimit()
		}
	}
	return f
}
