package launch

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initData(user string) string {
	v := url.Values{}
	v.Set("query_id", "AAF")
	if user != "" {
		v.Set("user", user)
	}
	v.Set("auth_date", "1700000000")
	v.Set("hash", "c0ffee")

	return v.Encode()
}

func TestParse_FullPayload(t *testing.T) {
	raw := initData(`{"id":42,"first_name":"Ann","username":"ann"}`)

	creds, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "42", creds.UserID)
	assert.Equal(t, "ann", creds.Username)
	assert.Equal(t, "c0ffee", creds.Hash)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), creds.AuthDate)
	assert.Equal(t, raw, creds.Raw)
}

func TestParse_LargeID(t *testing.T) {
	creds, err := Parse(initData(`{"id":9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", creds.UserID)
}

func TestParse_StringID(t *testing.T) {
	creds, err := Parse(initData(`{"id":"77"}`))
	require.NoError(t, err)
	assert.Equal(t, "77", creds.UserID)
}

func TestParse_NullID(t *testing.T) {
	for _, user := range []string{`{"id":null}`, `{"id":true}`, `{"id":{"n":1}}`, `{"id":""}`, `{"id":[42]}`} {
		creds, err := Parse(initData(user))
		require.NoError(t, err, user)
		assert.Empty(t, creds.UserID, user)
	}
}

func TestUserID_NullIDFallsBackToUnsafe(t *testing.T) {
	src := StaticSource{Data: initData(`{"id":null}`), UserID: "42"}
	assert.Equal(t, "42", UserID(src))
}

func TestParse_NoUser(t *testing.T) {
	creds, err := Parse(initData(""))
	require.NoError(t, err)
	assert.Empty(t, creds.UserID)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bad escape", "user=%zz"},
		{"user not json", "user=" + url.QueryEscape("{id:")},
		{"bad auth_date", "auth_date=yesterday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestUserID_PrefersInitData(t *testing.T) {
	src := StaticSource{Data: initData(`{"id":42}`), UserID: "99"}
	assert.Equal(t, "42", UserID(src))
}

func TestUserID_FallsBackToUnsafe(t *testing.T) {
	assert.Equal(t, "99", UserID(StaticSource{UserID: "99"}))
	assert.Equal(t, "99", UserID(StaticSource{Data: initData(""), UserID: "99"}))
	assert.Empty(t, UserID(StaticSource{}))
}

func TestSession_ResolveOnce(t *testing.T) {
	s := NewSession("")
	assert.Empty(t, s.UserID())

	assert.False(t, s.Resolve(""))
	assert.True(t, s.Resolve("42"))
	assert.False(t, s.Resolve("43"))
	assert.Equal(t, "42", s.UserID())
}

func TestSession_ConcurrentResolve(t *testing.T) {
	s := NewSession("")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for _, id := range []string{"1", "2", "3", "4"} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if s.Resolve(id) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.NotEmpty(t, s.UserID())
}
