// Package profile is a client for the Klyro profile API. Every failure it
// reports matches ErrServiceUnavailable so callers handle one case.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	klyroerrors "github.com/klyro-app/klyro-sync/internal/errors"
	"github.com/klyro-app/klyro-sync/internal/launch"
	"github.com/klyro-app/klyro-sync/internal/metrics"
	"github.com/klyro-app/klyro-sync/internal/models"
)

const (
	// InitDataHeader carries the signed launch payload.
	InitDataHeader = "X-Telegram-Init-Data"

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// DefaultFetchTimeout bounds a profile GET.
	DefaultFetchTimeout = 5 * time.Second

	// DefaultSaveTimeout bounds a profile POST.
	DefaultSaveTimeout = 10 * time.Second

	// DefaultResolveTimeout bounds each wait for launch credentials.
	DefaultResolveTimeout = 1500 * time.Millisecond

	// resolvePollInterval is the wait between credential checks.
	resolvePollInterval = 100 * time.Millisecond
)

// ServiceError is any profile API failure: no identity, network error,
// timeout or unexpected status.
type ServiceError struct {
	Op     string
	Status int
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("profile %s: status %d: %v", e.Op, e.Status, e.Err)
	}

	return fmt.Sprintf("profile %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func (e *ServiceError) Is(target error) bool {
	return target == klyroerrors.ErrServiceUnavailable
}

// AuthRequired reports whether the API rejected the launch credentials.
func (e *ServiceError) AuthRequired() bool {
	return e.Status == http.StatusUnauthorized || errors.Is(e.Err, klyroerrors.ErrNoIdentity)
}

// InitResult is the response of POST /api/init.
type InitResult struct {
	UserID     string `json:"user_id"`
	HasProfile bool   `json:"has_profile"`
}

type saveRequest struct {
	TelegramUserID string `json:"telegram_user_id"`
	models.Profile
}

// Client talks to the profile API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	source     launch.Source
	logger     *slog.Logger

	fetchTimeout   time.Duration
	saveTimeout    time.Duration
	resolveTimeout time.Duration
}

// Option adjusts a Client.
type Option func(*Client)

// WithTimeouts overrides the GET and POST request timeouts.
func WithTimeouts(fetch, save time.Duration) Option {
	return func(c *Client) {
		c.fetchTimeout = fetch
		c.saveTimeout = save
	}
}

// WithResolveTimeout overrides how long each credential wait lasts.
func WithResolveTimeout(d time.Duration) Option {
	return func(c *Client) { c.resolveTimeout = d }
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so init data never reaches a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a profile API client for baseURL. If httpClient is
// nil, a client with the same-host redirect policy is created; request
// timeouts come from the per-call contexts.
func NewClient(baseURL string, httpClient *http.Client, source launch.Source, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{CheckRedirect: sameHostRedirectPolicy}
	}

	c := &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(baseURL, "/"),
		source:         source,
		logger:         logger,
		fetchTimeout:   DefaultFetchTimeout,
		saveTimeout:    DefaultSaveTimeout,
		resolveTimeout: DefaultResolveTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// poll calls get every resolvePollInterval until it returns a non-empty
// value, timeout passes or ctx ends. It returns "" on timeout.
func poll(ctx context.Context, timeout time.Duration, get func() string) string {
	if v := get(); v != "" {
		return v
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	tick := time.NewTicker(resolvePollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ""
		case <-deadline.C:
			return get()
		case <-tick.C:
			if v := get(); v != "" {
				return v
			}
		}
	}
}

// ResolveUserID waits up to timeout for the launch credentials to carry a
// user id. The signed init data wins over the unsafe copy. It returns ""
// when no id shows up in time.
func (c *Client) ResolveUserID(ctx context.Context, timeout time.Duration) string {
	return poll(ctx, timeout, func() string { return launch.UserID(c.source) })
}

func (c *Client) resolveInitData(ctx context.Context) string {
	return poll(ctx, c.resolveTimeout, c.source.InitData)
}

// FetchProfile returns the stored profile, or nil when the API has none
// for this user.
func (c *Client) FetchProfile(ctx context.Context) (*models.Profile, error) {
	const op = "fetch"

	userID := c.ResolveUserID(ctx, c.resolveTimeout)
	if userID == "" {
		return nil, c.fail(op, &ServiceError{Op: op, Err: klyroerrors.ErrNoIdentity})
	}

	initData := c.resolveInitData(ctx)

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	endpoint := c.baseURL + "/api/profile?" + url.Values{"telegram_user_id": {userID}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, c.fail(op, &ServiceError{Op: op, Err: fmt.Errorf("creating request: %w", err)})
	}

	status, body, err := c.do(req, initData)
	if err != nil {
		return nil, c.fail(op, &ServiceError{Op: op, Err: err})
	}

	switch {
	case status == http.StatusNotFound:
		metrics.ProfileRequests.WithLabelValues(op, "not_found").Inc()
		c.logger.Debug("no profile on server", slog.String("user_id", userID))

		return nil, nil
	case !successful(status):
		return nil, c.fail(op, statusError(op, status, body))
	}

	var p models.Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, c.fail(op, &ServiceError{Op: op, Status: status, Err: fmt.Errorf("decoding profile: %w", err)})
	}

	metrics.ProfileRequests.WithLabelValues(op, "ok").Inc()

	return &p, nil
}

// SaveProfile stores p for the current user and returns the profile as
// the API saved it.
func (c *Client) SaveProfile(ctx context.Context, p models.Profile) (*models.Profile, error) {
	const op = "save"

	userID := c.ResolveUserID(ctx, c.resolveTimeout)
	if userID == "" {
		return nil, c.fail(op, &ServiceError{Op: op, Err: klyroerrors.ErrNoIdentity})
	}

	var saved models.Profile
	if err := c.post(ctx, op, "/api/profile", saveRequest{TelegramUserID: userID, Profile: p}, &saved); err != nil {
		return nil, err
	}

	metrics.ProfileRequests.WithLabelValues(op, "ok").Inc()

	return &saved, nil
}

// Init registers the launch with the API and reports whether the user
// already has a profile.
func (c *Client) Init(ctx context.Context) (*InitResult, error) {
	const op = "init"

	var res InitResult
	if err := c.post(ctx, op, "/api/init", struct{}{}, &res); err != nil {
		return nil, err
	}

	metrics.ProfileRequests.WithLabelValues(op, "ok").Inc()

	return &res, nil
}

// post sends a JSON POST and decodes a 2xx response into result.
func (c *Client) post(ctx context.Context, op, endpoint string, body, result any) error {
	initData := c.resolveInitData(ctx)

	payload, err := json.Marshal(body)
	if err != nil {
		return c.fail(op, &ServiceError{Op: op, Err: fmt.Errorf("marshalling request body: %w", err)})
	}

	ctx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return c.fail(op, &ServiceError{Op: op, Err: fmt.Errorf("creating request: %w", err)})
	}

	req.Header.Set("Content-Type", "application/json")

	status, respBody, err := c.do(req, initData)
	if err != nil {
		return c.fail(op, &ServiceError{Op: op, Err: err})
	}

	if !successful(status) {
		return c.fail(op, statusError(op, status, respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return c.fail(op, &ServiceError{Op: op, Status: status, Err: fmt.Errorf("decoding response: %w", err)})
	}

	return nil
}

func successful(status int) bool {
	return status >= 200 && status < 300
}

// do sends req with the init data header and reads the capped body.
func (c *Client) do(req *http.Request, initData string) (int, []byte, error) {
	req.Header.Set("Accept", "application/json")

	if initData != "" {
		req.Header.Set(InitDataHeader, initData)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sending request to %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response from %s: %w", req.URL.Path, err)
	}

	return resp.StatusCode, body, nil
}

func (c *Client) fail(op string, err *ServiceError) error {
	result := "error"
	if err.AuthRequired() {
		result = "auth_required"
	}

	metrics.ProfileRequests.WithLabelValues(op, result).Inc()
	c.logger.Warn("profile service unavailable",
		slog.String("op", op),
		slog.Int("status", err.Status),
		slog.String("error", err.Err.Error()),
	)

	return err
}

func statusError(op string, status int, body []byte) *ServiceError {
	var apiErr struct {
		Error string `json:"error"`
	}

	msg := sanitizeResponseBody(body)
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}

	if msg == "" {
		msg = http.StatusText(status)
	}

	return &ServiceError{Op: op, Status: status, Err: errors.New(msg)}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
