package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing() CheckFunc {
	return func(context.Context) error { return nil }
}

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

// drive runs every probe n times, standing in for the background ticker.
func drive(h *Health, n int) {
	for range n {
		for _, p := range h.probes {
			p.run(context.Background())
		}
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestLiveEndpoint(t *testing.T) {
	t.Run("all passing", func(t *testing.T) {
		h := New()
		h.AddLivenessCheck("goroutines", time.Second, passing())

		w := httptest.NewRecorder()
		h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", decode(t, w).Status)
	})

	t.Run("failing past threshold", func(t *testing.T) {
		h := New()
		h.AddLivenessCheck("db", time.Second, failing("connection refused"))
		drive(h, defaultFailureThreshold)

		w := httptest.NewRecorder()
		h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decode(t, w)
		assert.Equal(t, "unhealthy", body.Status)
		assert.Equal(t, "connection refused", body.Checks["db"])
	})

	t.Run("failing below threshold stays healthy", func(t *testing.T) {
		h := New()
		h.AddLivenessCheck("flaky", time.Second, failing("temporary"))
		drive(h, defaultFailureThreshold-1)

		w := httptest.NewRecorder()
		h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("not marked ready", func(t *testing.T) {
		h := New()

		w := httptest.NewRecorder()
		h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, decode(t, w).Checks, "_readiness")
	})

	t.Run("ready and passing", func(t *testing.T) {
		h := New()
		h.AddReadinessCheck("database", time.Second, passing())
		h.SetReady(true)

		w := httptest.NewRecorder()
		h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("drained during shutdown", func(t *testing.T) {
		h := New()
		h.SetReady(true)
		h.SetReady(false)

		w := httptest.NewRecorder()
		h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("readiness check failing", func(t *testing.T) {
		h := New()
		h.AddReadinessCheck("database", time.Second, failing("pool exhausted"))
		h.SetReady(true)
		drive(h, defaultFailureThreshold)

		assert.False(t, h.IsReady())
		w := httptest.NewRecorder()
		h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestRecoveryAfterFailure(t *testing.T) {
	calls := 0
	h := New()
	h.AddReadinessCheck("database", time.Second, func(context.Context) error {
		calls++
		if calls <= defaultFailureThreshold {
			return errors.New("down")
		}
		return nil
	})
	h.SetReady(true)

	drive(h, defaultFailureThreshold)
	assert.False(t, h.IsReady())

	drive(h, defaultSuccessThreshold)
	assert.True(t, h.IsReady())
}

func TestStartRunsProbes(t *testing.T) {
	h := New()
	seen := make(chan struct{}, 1)
	h.AddLivenessCheck("probe", time.Second, func(context.Context) error {
		select {
		case seen <- struct{}{}:
		default:
		}
		return nil
	})

	h.Start(context.Background(), 10*time.Millisecond)
	defer h.Stop()

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("probe never ran")
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestDatabasePingCheck(t *testing.T) {
	assert.NoError(t, DatabasePingCheck(fakePinger{})(context.Background()))
	assert.Error(t, DatabasePingCheck(fakePinger{err: errors.New("refused")})(context.Background()))
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(1_000_000)(context.Background()))
	assert.Error(t, GoroutineCountCheck(0)(context.Background()))
}
