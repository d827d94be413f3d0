// Package cloudtest provides an in-process Telegram host that serves the
// CloudStorage custom methods over the bridge protocol.
package cloudtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// Host is a fake mini-app host. All connections share one store, so two
// bridges dialing the same Host behave like two devices of one user.
type Host struct {
	URL string

	srv     *httptest.Server
	version string

	mu     sync.Mutex
	values map[string]string
	fail   map[string]string
	calls  map[string]int
}

// NewHost starts a host that announces version on every connection.
// The server is closed when the test ends.
func NewHost(t testing.TB, version string) *Host {
	t.Helper()

	h := &Host{
		version: version,
		values:  make(map[string]string),
		fail:    make(map[string]string),
		calls:   make(map[string]int),
	}

	h.srv = httptest.NewServer(http.HandlerFunc(h.serveWS))
	h.URL = "ws" + strings.TrimPrefix(h.srv.URL, "http")
	t.Cleanup(h.srv.Close)

	return h
}

// Set seeds a value as if another device had written it.
func (h *Host) Set(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.values[key] = value
}

// Value returns the stored value for key.
func (h *Host) Value(key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.values[key]

	return v, ok
}

// FailMethod makes every call to method answer with errMsg.
func (h *Host) FailMethod(method, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.fail[method] = errMsg
}

// Calls returns how many times method was invoked.
func (h *Host) Calls(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.calls[method]
}

func (h *Host) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	info, _ := json.Marshal(map[string]any{
		"eventType": "host_info",
		"eventData": map[string]string{"version": h.version},
	})
	if err := conn.Write(ctx, websocket.MessageText, info); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if gjson.GetBytes(data, "eventType").Str != "web_app_invoke_custom_method" {
			continue
		}

		resp := h.handle(gjson.GetBytes(data, "eventData"))
		if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
			return
		}
	}
}

func (h *Host) handle(req gjson.Result) []byte {
	method := req.Get("method").Str
	data := map[string]any{"req_id": req.Get("req_id").Str}

	h.mu.Lock()
	h.calls[method]++

	if msg, ok := h.fail[method]; ok {
		data["error"] = msg
	} else {
		switch method {
		case "getStorageValues":
			out := make(map[string]string)
			for _, k := range req.Get("params.keys").Array() {
				out[k.Str] = h.values[k.Str]
			}

			data["result"] = out
		case "saveStorageValue":
			h.values[req.Get("params.key").Str] = req.Get("params.value").Str
			data["result"] = true
		case "deleteStorageValues":
			for _, k := range req.Get("params.keys").Array() {
				delete(h.values, k.Str)
			}

			data["result"] = true
		default:
			data["error"] = "UNKNOWN_METHOD"
		}
	}
	h.mu.Unlock()

	resp, _ := json.Marshal(map[string]any{
		"eventType": "custom_method_invoked",
		"eventData": data,
	})

	return resp
}
