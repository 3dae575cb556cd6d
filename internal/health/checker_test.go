package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) statusBody {
	t.Helper()
	var body statusBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestHandleLiveAlwaysOK(t *testing.T) {
	c := NewChecker()
	c.AddNamedReadinessCheck("broken", func() error { return errors.New("down") })

	rr := httptest.NewRecorder()
	c.HandleLive(rr, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decodeBody(t, rr).Status)
}

func TestHandleReadyOKWithNoChecks(t *testing.T) {
	c := NewChecker()

	rr := httptest.NewRecorder()
	c.HandleReady(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Checks)
}

func TestHandleReadyFailsWhenAnyCheckFails(t *testing.T) {
	c := NewChecker()
	c.AddNamedReadinessCheck("db", func() error { return nil })
	c.AddNamedReadinessCheck("queue", func() error { return errors.New("not connected") })

	rr := httptest.NewRecorder()
	c.HandleReady(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "unavailable", body.Status)
	require.Len(t, body.Checks, 2)
	assert.Equal(t, "db", body.Checks[0].Name)
	assert.True(t, body.Checks[0].OK)
	assert.Equal(t, "queue", body.Checks[1].Name)
	assert.False(t, body.Checks[1].OK)
	assert.Equal(t, "not connected", body.Checks[1].Error)
}

func TestHandleHealthMatchesHandleReady(t *testing.T) {
	c := NewChecker()
	c.AddNamedReadinessCheck("ok-check", func() error { return nil })

	rr := httptest.NewRecorder()
	c.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestNATSCheckWrapsBoolProbe(t *testing.T) {
	connected := true
	check := NATSCheck(func() bool { return connected })
	assert.NoError(t, check())

	connected = false
	assert.Error(t, check())
}

func TestSQSCheckPassesThroughError(t *testing.T) {
	wantErr := errors.New("no visibility")
	check := SQSCheck(func() error { return wantErr })
	assert.Equal(t, wantErr, check())
}

func TestAddReadinessCheckRunsUnnamed(t *testing.T) {
	c := NewChecker()
	c.AddReadinessCheck(func() error { return errors.New("fail") })

	rr := httptest.NewRecorder()
	c.HandleReady(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	body := decodeBody(t, rr)
	require.Len(t, body.Checks, 1)
	assert.Equal(t, "check", body.Checks[0].Name)
	assert.False(t, body.Checks[0].OK)
}
