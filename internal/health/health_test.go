package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("engine", true, healthy)
	c.RegisterFunc("history", false, PingCheck("history", func(context.Context) error { return errors.New("locked") }))

	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical component not yet checked")

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusUnhealthy, results["history"].Status)
	assert.Equal(t, "locked", results["history"].Error)
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc("engine", true, CustomCheck(func() error { return errors.New("stopped") }))
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
	assert.Equal(t, []string{"engine", "history"}, c.Names())
}

func TestCheckRecoversPanicAndTimeout(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("boom", false, func(context.Context) CheckResult { panic("bad") })
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			time.Sleep(time.Second)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	assert.Equal(t, "check panicked", results["boom"].Message)
	assert.Equal(t, "bad", results["boom"].Error)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Less(t, results["slow"].Duration, time.Second)
	assert.Equal(t, results, c.Results())
}

func TestFileCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mappings.json")

	assert.Equal(t, StatusDegraded, FileCheck(path, true)(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, FileCheck(path, false)(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, FileCheck(dir, false)(context.Background()).Status)

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0600))
	r := FileCheck(path, false)(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.EqualValues(t, 2, r.Details["size"])
}

func TestDiskSpaceCheck(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, DiskSpaceCheck(dir, 1)(context.Background()).Status)
	assert.Equal(t, StatusDegraded, DiskSpaceCheck(dir, ^uint64(0))(context.Background()).Status)
	assert.Equal(t, StatusUnknown, DiskSpaceCheck(filepath.Join(dir, "missing"), 1)(context.Background()).Status)
}

func TestHandlers(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("engine", true, healthy)

	rec := httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?full=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.Ready)
	assert.Contains(t, report.Components, "engine")

	c.RegisterFunc("engine", true, CustomCheck(func() error { return errors.New("stopped") }))
	rec = httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Empty(t, report.Components)
}
