package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// bridgeReadLimit bounds a single host event. Values are capped at
	// 4KB, so batched reads stay well under this.
	bridgeReadLimit = 1024 * 1024

	// minCloudStorageVersion is the first Bot API version whose hosts
	// ship CloudStorage.
	minCloudStorageVersion = "6.9"
)

// Host bridge event types.
const (
	eventInvoke   = "web_app_invoke_custom_method"
	eventInvoked  = "custom_method_invoked"
	eventHostInfo = "host_info"
)

var errBridgeClosed = errors.New("bridge connection closed")

// wsConn abstracts the WebSocket connection so the bridge can be tested
// without a real host. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type envelope struct {
	EventType string `json:"eventType"`
	EventData any    `json:"eventData"`
}

type invokeData struct {
	ReqID  string `json:"req_id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type invokeResult struct {
	result json.RawMessage
	err    string
}

// Bridge talks to the Telegram host over a WebSocket and exposes its
// CloudStorage. It implements both Host and Storage: CloudStorage()
// returns the bridge itself once a connection is up.
type Bridge struct {
	url    string
	header http.Header
	logger *slog.Logger

	mu      sync.Mutex
	conn    wsConn
	version string
	pending map[string]chan invokeResult

	// writeMu serializes frames; coder/websocket allows one writer.
	writeMu sync.Mutex
}

// NewBridge creates a bridge for the host at url. Nothing is dialed until
// Run is called.
func NewBridge(url string, logger *slog.Logger) *Bridge {
	return &Bridge{
		url:     url,
		header:  http.Header{"User-Agent": []string{"klyro-sync"}},
		logger:  logger,
		pending: make(map[string]chan invokeResult),
	}
}

// Run connects to the host and keeps the connection alive until ctx is
// cancelled, reconnecting with exponential backoff.
func (b *Bridge) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		conn, _, err := websocket.Dial(ctx, b.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
			HTTPHeader: b.header,
		})
		if err == nil {
			backoff = reconnectMin
			conn.SetReadLimit(bridgeReadLimit)

			b.logger.Info("host bridge connected", slog.String("url", b.url))
			err = b.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.logger.Warn("host bridge disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff/jitterDivisor) + 1))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// serve installs conn and reads host events until the connection fails.
func (b *Bridge) serve(ctx context.Context, conn wsConn) error {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	defer b.drop(conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading host event: %w", err)
		}

		b.handleEvent(data)
	}
}

// drop clears the connection and fails every in-flight call.
func (b *Bridge) drop(conn wsConn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.version = ""
	}

	pending := b.pending
	b.pending = make(map[string]chan invokeResult)
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- invokeResult{err: errBridgeClosed.Error()}
	}

	conn.Close(websocket.StatusNormalClosure, "bridge closing")
}

func (b *Bridge) handleEvent(data []byte) {
	switch eventType := gjson.GetBytes(data, "eventType").Str; eventType {
	case eventHostInfo:
		version := gjson.GetBytes(data, "eventData.version").String()

		b.mu.Lock()
		b.version = version
		b.mu.Unlock()

		b.logger.Debug("host info received", slog.String("version", version))

	case eventInvoked:
		reqID := gjson.GetBytes(data, "eventData.req_id").Str

		b.mu.Lock()
		ch, ok := b.pending[reqID]
		delete(b.pending, reqID)
		b.mu.Unlock()

		if !ok {
			b.logger.Debug("dropping response for unknown request", slog.String("req_id", reqID))
			return
		}

		res := invokeResult{err: gjson.GetBytes(data, "eventData.error").String()}
		if r := gjson.GetBytes(data, "eventData.result"); r.Exists() {
			res.result = json.RawMessage(r.Raw)
		}

		ch <- res

	default:
		b.logger.Debug("ignoring host event", slog.String("event_type", eventType))
	}
}

// CloudStorage returns the bridge once a host connection is up, nil
// before that.
func (b *Bridge) CloudStorage() Storage {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}

	return b
}

// Version returns the Bot API version the host announced, or "".
func (b *Bridge) Version() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.version
}

// Supports reports whether the connected host can serve method.
func (b *Bridge) Supports(method string) bool {
	switch method {
	case MethodGet, MethodSave, MethodDelete:
	default:
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.conn != nil && versionAtLeast(b.version, minCloudStorageVersion)
}

// GetItem reads a single key.
func (b *Bridge) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := ValidateKey(key); err != nil {
		return "", false, err
	}

	raw, err := b.invoke(ctx, MethodGet, map[string]any{"keys": []string{key}})
	if err != nil {
		return "", false, err
	}

	value := gjson.GetBytes(raw, key).String()

	return value, value != "", nil
}

// SetItem stores a single key.
func (b *Bridge) SetItem(ctx context.Context, key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if err := ValidateValue(value); err != nil {
		return err
	}

	_, err := b.invoke(ctx, MethodSave, map[string]any{"key": key, "value": value})

	return err
}

// RemoveItem deletes a single key.
func (b *Bridge) RemoveItem(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	_, err := b.invoke(ctx, MethodDelete, map[string]any{"keys": []string{key}})

	return err
}

// invoke sends a custom method call and waits for its response or ctx.
func (b *Bridge) invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	// coder/websocket closes the connection when a write's context ends.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	reqID := uuid.NewString()
	ch := make(chan invokeResult, 1)

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return nil, errBridgeClosed
	}

	b.pending[reqID] = ch
	b.mu.Unlock()

	payload, err := json.Marshal(envelope{
		EventType: eventInvoke,
		EventData: invokeData{ReqID: reqID, Method: method, Params: params},
	})
	if err != nil {
		b.forget(reqID)
		return nil, fmt.Errorf("marshalling %s request: %w", method, err)
	}

	b.writeMu.Lock()
	err = conn.Write(ctx, websocket.MessageText, payload)
	b.writeMu.Unlock()

	if err != nil {
		b.forget(reqID)
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		b.forget(reqID)
		return nil, fmt.Errorf("waiting for %s response: %w", method, ctx.Err())
	case res := <-ch:
		if res.err != "" {
			return nil, fmt.Errorf("%s: %s", method, res.err)
		}

		return res.result, nil
	}
}

func (b *Bridge) forget(reqID string) {
	b.mu.Lock()
	delete(b.pending, reqID)
	b.mu.Unlock()
}

// versionAtLeast compares dotted numeric versions. An empty version is
// older than everything.
func versionAtLeast(version, min string) bool {
	if version == "" {
		return false
	}

	have := strings.Split(version, ".")
	want := strings.Split(min, ".")

	for i := 0; i < len(have) || i < len(want); i++ {
		h, w := 0, 0
		if i < len(have) {
			h, _ = strconv.Atoi(have[i])
		}

		if i < len(want) {
			w, _ = strconv.Atoi(want[i])
		}

		if h != w {
			return h > w
		}
	}

	return true
}
