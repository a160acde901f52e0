package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/protoreg/pkg/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.APIKey = "test-key"
	cfg.BaseDir = t.TempDir()
	cfg.DBPath = filepath.Join(t.TempDir(), "registry.db")
	return cfg
}

func TestNew_BuildsAHealthyServer(t *testing.T) {
	t.Parallel()
	srv, err := New(testConfig(t))
	require.NoError(t, err)
	require.NotNil(t, srv.httpServer)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.httpServer.Handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	_, err := New(cfg)
	assert.Error(t, err)
}
