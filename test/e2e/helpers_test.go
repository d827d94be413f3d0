package e2e_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/klyro-app/klyro-sync/internal/auth"
	"github.com/klyro-app/klyro-sync/internal/cloud"
	"github.com/klyro-app/klyro-sync/internal/cloud/cloudtest"
	"github.com/klyro-app/klyro-sync/internal/config"
	"github.com/klyro-app/klyro-sync/internal/diary"
	"github.com/klyro-app/klyro-sync/internal/launch"
	"github.com/klyro-app/klyro-sync/internal/logging"
	"github.com/klyro-app/klyro-sync/internal/mcpserver"
	"github.com/klyro-app/klyro-sync/internal/models"
	"github.com/klyro-app/klyro-sync/internal/probe"
	"github.com/klyro-app/klyro-sync/internal/products"
	"github.com/klyro-app/klyro-sync/internal/server"
	"github.com/klyro-app/klyro-sync/internal/state"
	"github.com/klyro-app/klyro-sync/internal/storage"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const testUserID = "424242"

// device is one mini-app install: its own local database, host bridge,
// probe and store, all talking to a shared cloud host.
type device struct {
	Local *state.State
	Store *storage.Store
	Probe *probe.Probe
	Book  *diary.Book
}

// newDevice brings up a device against host and waits for the probe to
// settle. A nil host gives a device outside Telegram.
func newDevice(t *testing.T, host *cloudtest.Host, userID string) *device {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.Cleanup(func() {
		cancel()
		<-done
	})

	var h cloud.Host

	if host != nil {
		b := cloud.NewBridge(host.URL, logging.Discard())
		h = b

		go func() {
			defer close(done)
			_ = b.Run(ctx)
		}()

		require.Eventually(t, func() bool { return b.Supports(cloud.MethodGet) }, 5*time.Second, 10*time.Millisecond)
	} else {
		close(done)
	}

	local, err := state.LoadAt(filepath.Join(t.TempDir(), "local.db"), state.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	p := probe.New(h, probe.Config{Interval: 10 * time.Millisecond}, logging.Discard())
	p.Start(ctx)
	p.Wait(ctx)

	s := storage.New(local, p, launch.NewSession(userID), storage.Options{ReadTimeout: time.Second}, logging.Discard())
	t.Cleanup(s.Close)

	return &device{
		Local: local,
		Store: s,
		Probe: p,
		Book:  diary.New(s, logging.Discard()),
	}
}

// flush waits for the device's queued cloud writes.
func (d *device) flush(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, d.Store.Flush(ctx))
}

// harness serves one device's MCP tools over HTTP behind API keys, the
// way "klyro serve" wires them.
type harness struct {
	URL    string
	Key    string
	Client *http.Client
}

func newHarness(t *testing.T, d *device) *harness {
	t.Helper()

	key, hash, err := auth.GenerateKey()
	require.NoError(t, err)

	db, err := products.Open(context.Background(), d.Store, &products.Catalog{
		Version: "e2e",
		Products: []models.Product{
			{ID: "oats", Name: "Овсянка", Calories: 370, Protein: 13, Fat: 7, Carbs: 60, Aliases: []string{"oatmeal"}},
		},
	}, logging.Discard())
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "klyro-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Store:    d.Store,
		Book:     d.Book,
		Products: db,
		Probe:    d.Probe,
		UserID:   func() string { return testUserID },
		Logger:   logging.Discard(),
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       auth.NewKeyring([]config.APIKeyEntry{{Name: "e2e", Hash: hash}}),
		MCPHandler: mcpHandler,
		Logger:     logging.Discard(),
		Ready:      func() bool { return d.Probe.State().Terminal() },
	}))
	t.Cleanup(ts.Close)

	return &harness{URL: ts.URL, Key: key, Client: ts.Client()}
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, path, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), "GET", h.URL+path, nil)
	require.NoError(t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent")

	return tc.Text
}
