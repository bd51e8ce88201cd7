package control

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/txn2/imu-capture/pkg/session"
)

type pageData struct {
	Status    session.Status
	Remaining string
	Labels    []string
	Version   string
	Error     string
}

// page renders the control form.
func (h *Handler) page(w http.ResponseWriter, r *http.Request) {
	st := h.cfg.Recorder.Status()
	data := pageData{
		Status:    st,
		Remaining: session.FormatRemaining(st.RemainingSeconds()),
		Labels:    h.cfg.Labels,
		Version:   h.cfg.Version,
		Error:     r.URL.Query().Get("error"),
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		slog.Error("rendering control page failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// formStart handles POST /start with a duration in minutes and an
// optional label.
func (h *Handler) formStart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		redirectWithError(w, r, "invalid form")
		return
	}

	minutes, err := strconv.ParseFloat(strings.TrimSpace(r.PostFormValue("duration")), 64)
	if err != nil || minutes <= 0 {
		redirectWithError(w, r, "duration must be a positive number of minutes")
		return
	}

	var label *string
	if _, ok := r.PostForm["label"]; ok {
		l := strings.TrimSpace(r.PostFormValue("label"))
		label = &l
	}

	if _, _, err := h.cfg.Recorder.Start(time.Duration(minutes*float64(time.Minute)), label); err != nil {
		slog.Warn("start from form failed", "error", err)
		redirectWithError(w, r, err.Error())
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// formStop handles POST /stop. Stopping while idle is not an error here.
func (h *Handler) formStop(w http.ResponseWriter, r *http.Request) {
	_, _ = h.cfg.Recorder.Stop()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// formLabel handles POST /label.
func (h *Handler) formLabel(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		redirectWithError(w, r, "invalid form")
		return
	}
	h.cfg.Recorder.SetLabel(strings.TrimSpace(r.PostFormValue("label")))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// remaining handles GET /remaining.
func (h *Handler) remaining(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(h.cfg.Recorder.Remaining()))
}

func redirectWithError(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, "/?error="+url.QueryEscape(msg), http.StatusSeeOther)
}
