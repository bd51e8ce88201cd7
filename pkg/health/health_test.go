package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goroutineCount = 100

func probe(t *testing.T, h http.HandlerFunc) (int, healthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func TestChecker_StateTransitions(t *testing.T) {
	hc := NewChecker()
	assert.Equal(t, "starting", hc.State())
	assert.False(t, hc.IsReady())

	hc.SetReady()
	assert.Equal(t, "ready", hc.State())
	assert.True(t, hc.IsReady())

	hc.SetDraining()
	assert.Equal(t, "draining", hc.State())
	assert.False(t, hc.IsReady())
}

func TestLivenessHandler(t *testing.T) {
	hc := NewChecker()
	code, body := probe(t, hc.LivenessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
}

func TestReadinessHandler(t *testing.T) {
	hc := NewChecker()

	code, body := probe(t, hc.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "starting", body.Status)

	hc.SetReady()
	code, body = probe(t, hc.ReadinessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body.Status)

	hc.SetDraining()
	code, body = probe(t, hc.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "draining", body.Status)
}

func TestReadinessHandler_FailedCheck(t *testing.T) {
	hc := NewChecker()
	hc.AddCheck("output_dir", func(context.Context) error { return nil })
	hc.AddCheck("database", func(context.Context) error { return errors.New("connection refused") })
	hc.SetReady()

	code, body := probe(t, hc.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, map[string]string{"database": "connection refused"}, body.Failed)
}

func TestChecker_RunHonorsTimeout(t *testing.T) {
	hc := NewChecker()
	hc.timeout = 0
	hc.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	failed := hc.Run(context.Background())
	assert.Contains(t, failed, "slow")
}

func TestChecker_ConcurrentAccess(t *testing.T) {
	hc := NewChecker()
	var wg sync.WaitGroup
	for i := range goroutineCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				hc.SetReady()
			case 1:
				hc.SetDraining()
			default:
				_ = hc.State()
				_ = hc.Run(context.Background())
			}
		}()
	}
	wg.Wait()
	assert.Contains(t, []string{"ready", "draining"}, hc.State())
}
