package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiRequest(t *testing.T, s *APIServer, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestAPIStatusReflectsSession(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")

	cfg := controllerConfig(t)
	cfg.HTTPAddr = ":0"
	api := NewAPIServer(cfg, testLogger(), h.ctrl)

	rec := apiRequest(t, api, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "curated", resp.Mode)
	assert.Equal(t, "TBS", resp.StationID)
	assert.Equal(t, "TBS Radio", resp.Station)
	assert.Equal(t, "playing", resp.Status)
	assert.Equal(t, "http://stream.example/TBS/playlist.m3u8", resp.StreamURL)
}

func TestAPINextDispatchesSwitch(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")

	cfg := controllerConfig(t)
	api := NewAPIServer(cfg, testLogger(), h.ctrl)

	rec := apiRequest(t, api, http.MethodPost, "/api/next")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), CmdSelectNext.String())

	waitPlaying(t, h, "QRR")
}

func TestAPIPrevious(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")

	cfg := controllerConfig(t)
	api := NewAPIServer(cfg, testLogger(), h.ctrl)

	rec := apiRequest(t, api, http.MethodPost, "/api/previous")
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitPlaying(t, h, "LFR")
}

func TestAPIShutdownBypassesPrompt(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")

	cfg := controllerConfig(t)
	api := NewAPIServer(cfg, testLogger(), h.ctrl)

	rec := apiRequest(t, api, http.MethodPost, "/api/shutdown")
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-h.shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown request never fired")
	}
}

func TestAPIUnknownRoute(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")

	api := NewAPIServer(controllerConfig(t), testLogger(), h.ctrl)
	rec := apiRequest(t, api, http.MethodPost, "/api/volume")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
