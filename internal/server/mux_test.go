package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klyro-app/klyro-sync/internal/auth"
	"github.com/klyro-app/klyro-sync/internal/config"
	"github.com/klyro-app/klyro-sync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, ready bool) (*httptest.Server, string) {
	t.Helper()

	key, hash, err := auth.GenerateKey()
	require.NoError(t, err)

	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mcp:" + auth.RequestKeyName(r.Context())))
	})

	srv := httptest.NewServer(NewMux(MuxConfig{
		Keys:       auth.NewKeyring([]config.APIKeyEntry{{Name: "phone", Hash: hash}}),
		MCPHandler: mcp,
		Logger:     logging.Discard(),
		Ready:      func() bool { return ready },
	}))
	t.Cleanup(srv.Close)

	return srv, key
}

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestMux_MCPRequiresKey(t *testing.T) {
	srv, key := testServer(t, true)

	status, _ := get(t, srv.URL+"/mcp", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := get(t, srv.URL+"/mcp", key)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "mcp:phone", body)
}

func TestMux_Metrics(t *testing.T) {
	srv, _ := testServer(t, true)

	status, body := get(t, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "klyro_probe_state")
}

func TestMux_Healthz(t *testing.T) {
	srv, _ := testServer(t, true)

	status, body := get(t, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)

	srv, _ = testServer(t, false)

	status, _ = get(t, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
