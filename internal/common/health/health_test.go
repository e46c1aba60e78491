package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiChecker(t *testing.T) {
	ok := FunctionChecker(func() error { return nil })
	redisDown := FunctionChecker(func() error { return errors.New("redis is down") })
	dockerDown := FunctionChecker(func() error { return errors.New("docker is down") })

	assert.NoError(t, NewMultiChecker(ok, ok).Check())

	err := NewMultiChecker(ok, redisDown, dockerDown).Check()
	assert.ErrorContains(t, err, "redis is down")
	assert.ErrorContains(t, err, "docker is down")
}

func TestStartupCompleteChecker(t *testing.T) {
	checker := NewStartupCompleteChecker()
	assert.Error(t, checker.Check())
	checker.MarkComplete()
	assert.NoError(t, checker.Check())
}

func TestHealthCheckHttpHandler(t *testing.T) {
	startup := NewStartupCompleteChecker()
	redisDown := FunctionChecker(func() error { return errors.New("redis is down") })
	mux := http.NewServeMux()
	SetupHttpMux(mux, NewMultiChecker(startup, redisDown))

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	var report Report
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &report))
	assert.Equal(t, []string{"startup is not complete", "redis is down"}, report.Failures)

	recorder = httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestHealthCheckHttpHandler_Passing(t *testing.T) {
	startup := NewStartupCompleteChecker()
	startup.MarkComplete()
	mux := http.NewServeMux()
	SetupHttpMux(mux, startup)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Empty(t, recorder.Body.String())
}

func TestHealthCheckHttpHandler_SingleFailure(t *testing.T) {
	mux := http.NewServeMux()
	SetupHttpMux(mux, NewStartupCompleteChecker())

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	var report Report
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &report))
	assert.Equal(t, []string{"startup is not complete"}, report.Failures)
}
