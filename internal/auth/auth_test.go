package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klyro-app/klyro-sync/internal/config"
	"github.com/klyro-app/klyro-sync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testKeyring(t *testing.T) (*Keyring, string) {
	t.Helper()

	key, hash, err := GenerateKey()
	require.NoError(t, err)

	return NewKeyring([]config.APIKeyEntry{{Name: "laptop", Hash: hash}}), key
}

// echoHandler writes the authenticated key name.
func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(RequestKeyName(r.Context()) + "@" + RequestRemoteIP(r.Context())))
	})
}

func request(h http.Handler, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "10.0.0.7:41000"

	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

// --- Keys ---

func TestGenerateKey(t *testing.T) {
	key, hash, err := GenerateKey()
	require.NoError(t, err)

	assert.True(t, len(key) == len(APIKeyPrefix)+2*apiKeyBytes)
	assert.Equal(t, APIKeyPrefix, key[:len(APIKeyPrefix)])
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)))

	other, _, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestHashKey_RequiresPrefix(t *testing.T) {
	_, err := HashKey("plain-password")
	assert.Error(t, err)
}

func TestKeyring_Validate(t *testing.T) {
	kr, key := testKeyring(t)

	name, ok := kr.Validate(key)
	assert.True(t, ok)
	assert.Equal(t, "laptop", name)

	// Second check is served from the accepted cache.
	name, ok = kr.Validate(key)
	assert.True(t, ok)
	assert.Equal(t, "laptop", name)
	assert.Len(t, kr.accepted, 1)

	_, ok = kr.Validate(key + "x")
	assert.False(t, ok)

	_, ok = kr.Validate("no-prefix")
	assert.False(t, ok)
}

func TestKeyring_Empty(t *testing.T) {
	var kr *Keyring
	assert.Zero(t, kr.Len())

	_, ok := NewKeyring(nil).Validate(APIKeyPrefix + "abc")
	assert.False(t, ok)
}

func TestRandomHex(t *testing.T) {
	assert.Len(t, RandomHex(16), 32)
	assert.NotEqual(t, RandomHex(16), RandomHex(16))
}

// --- Middleware ---

func TestMiddleware_ValidKey(t *testing.T) {
	kr, key := testKeyring(t)
	h := Middleware(kr, logging.Discard())(echoHandler())

	rec := request(h, "Bearer "+key)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "laptop@10.0.0.7", rec.Body.String())
}

func TestMiddleware_MissingToken(t *testing.T) {
	kr, _ := testKeyring(t)
	h := Middleware(kr, logging.Discard())(echoHandler())

	rec := request(h, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="klyro"`, rec.Header().Get("WWW-Authenticate"))

	rec = request(h, "Basic dXNlcjpwYXNz")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_InvalidKey(t *testing.T) {
	kr, _ := testKeyring(t)
	h := Middleware(kr, logging.Discard())(echoHandler())

	rec := request(h, "Bearer kl_wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestMiddleware_OpenWithoutKeys(t *testing.T) {
	h := Middleware(NewKeyring(nil), logging.Discard())(echoHandler())

	rec := request(h, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "@10.0.0.7", rec.Body.String())
}

func TestMiddleware_RateLimitsFailures(t *testing.T) {
	kr, key := testKeyring(t)
	h := Middleware(kr, logging.Discard())(echoHandler())

	for range rateLimitMaxFail {
		assert.Equal(t, http.StatusUnauthorized, request(h, "Bearer kl_guess").Code)
	}

	rec := request(h, "Bearer "+key)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "even a valid key is refused while blocked")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestFailureLimiter_WindowExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := newFailureLimiter()
	rl.now = func() time.Time { return now }

	for range rateLimitMaxFail {
		rl.record("1.2.3.4")
	}

	assert.True(t, rl.blocked("1.2.3.4"))
	assert.False(t, rl.blocked("5.6.7.8"))

	now = now.Add(rateLimitWindow + time.Second)
	assert.False(t, rl.blocked("1.2.3.4"))
	assert.NotContains(t, rl.failures, "1.2.3.4")
}
