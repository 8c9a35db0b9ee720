package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"example.com/dbcgate/internal/config"
)

func loadConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join("..", "..", "testdata", "fragments", "vehicle.yaml"))
	require.NoError(t, err)
	return cfg
}

func TestNewHTTPServer(t *testing.T) {
	cfg := loadConfig(t)
	log := zaptest.NewLogger(t)
	db, err := cfg.LoadDatabase(log)
	require.NoError(t, err)

	srv, err := newHTTPServer(cfg, db, log)
	require.NoError(t, err)
	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 60*time.Second, srv.WriteTimeout)

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewHTTPServerWithoutMetrics(t *testing.T) {
	cfg := loadConfig(t)
	off := false
	cfg.Server.Metrics = &off
	db, err := cfg.LoadDatabase(zaptest.NewLogger(t))
	require.NoError(t, err)

	srv, err := newHTTPServer(cfg, db, zaptest.NewLogger(t))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNewHTTPServerRequiresDatabase(t *testing.T) {
	_, err := newHTTPServer(loadConfig(t), nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}
