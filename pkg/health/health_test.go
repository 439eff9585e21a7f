package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quintadata/transfergov/pkg/store/runlog"
)

type fakeRuns struct {
	entry *runlog.Entry
	err   error
}

func (f *fakeRuns) Latest(context.Context) (*runlog.Entry, error) { return f.entry, f.err }

type fakePinger struct{ err error }

func (f *fakePinger) PingContext(context.Context) error { return f.err }

func probe(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthUnhealthyWithoutRuns(t *testing.T) {
	s := New(":0", &fakeRuns{}, nil)
	code, body := probe(t, s, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "transfergov", body["service"])
	assert.Equal(t, "unhealthy", body["status"])
	assert.Nil(t, body["last_execution"])
}

func TestHealthFreshness(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		age  time.Duration
		want string
	}{
		{"fresh", 2 * time.Hour, "healthy"},
		{"just under degraded", 24*time.Hour + 59*time.Minute, "healthy"},
		{"stale", 26 * time.Hour, "degraded"},
		{"very stale", 72 * time.Hour, "unhealthy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entry := &runlog.Entry{
				ID:         "r1",
				Status:     runlog.StatusSuccess,
				FinishedAt: now.Add(-tc.age),
			}
			s := New(":0", &fakeRuns{entry: entry}, nil)
			s.now = func() time.Time { return now }
			code, body := probe(t, s, "/health")
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, tc.want, body["status"])
			require.NotNil(t, body["last_execution"])
		})
	}
}

func TestHealthSurvivesRunLogError(t *testing.T) {
	s := New(":0", &fakeRuns{err: errors.New("db gone")}, nil)
	code, body := probe(t, s, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unknown", body["status"])
}

func TestHealthSchedulerDegraded(t *testing.T) {
	now := time.Now()
	entry := &runlog.Entry{ID: "r1", Status: runlog.StatusSuccess, FinishedAt: now.Add(-time.Hour)}
	s := New(":0", &fakeRuns{entry: entry}, nil)
	s.SetDegraded("scheduler missed its last tick")
	code, body := probe(t, s, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["error"], "missed")

	s.SetDegraded("")
	_, body = probe(t, s, "/health")
	assert.Equal(t, "healthy", body["status"])
}

func TestReady(t *testing.T) {
	s := New(":0", &fakeRuns{}, &fakePinger{})
	code, body := probe(t, s, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ready"])
}

func TestReadyDatabaseDown(t *testing.T) {
	s := New(":0", &fakeRuns{}, &fakePinger{err: errors.New("connection refused")})
	code, body := probe(t, s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["ready"])
}

func TestReadyNoPool(t *testing.T) {
	s := New(":0", &fakeRuns{}, nil)
	code, _ := probe(t, s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRateLimit(t *testing.T) {
	s := New(":0", &fakeRuns{}, nil)
	h := s.Handler()
	var last int
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	// A different client address gets its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.10:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdown(t *testing.T) {
	s := New("127.0.0.1:0", &fakeRuns{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
