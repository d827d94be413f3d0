// Package launch handles the credentials Telegram hands a mini-app at
// launch: the URL-encoded init data and the user identity inside it.
package launch

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Credentials is the parsed form of an init data payload.
type Credentials struct {
	UserID   string
	Username string
	AuthDate time.Time
	Hash     string

	// Raw is the payload exactly as received. It is what the profile API
	// expects in the X-Telegram-Init-Data header.
	Raw string
}

// Parse decodes a URL-encoded init data payload. The user id comes from
// the JSON "user" field; a payload without one parses with an empty
// UserID.
func Parse(initData string) (*Credentials, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("parsing init data: %w", err)
	}

	creds := &Credentials{
		Hash: values.Get("hash"),
		Raw:  initData,
	}

	if user := values.Get("user"); user != "" {
		if !gjson.Valid(user) {
			return nil, fmt.Errorf("init data user field is not valid JSON")
		}

		// Telegram ids exceed float64 precision in theory; keep the raw
		// digits rather than going through a number. Any other JSON type
		// is treated as no id.
		switch id := gjson.Get(user, "id"); id.Type {
		case gjson.Number:
			creds.UserID = id.Raw
		case gjson.String:
			creds.UserID = strings.TrimSpace(id.Str)
		}

		creds.Username = gjson.Get(user, "username").Str
	}

	if ts := values.Get("auth_date"); ts != "" {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing auth_date: %w", err)
		}

		creds.AuthDate = time.Unix(sec, 0).UTC()
	}

	return creds, nil
}

// Source supplies launch credentials. Both values may be empty for an
// unbounded time after launch.
type Source interface {
	// InitData returns the signed URL-encoded payload.
	InitData() string

	// UnsafeUserID returns the user id from the host's unsigned copy of
	// the launch data.
	UnsafeUserID() string
}

// StaticSource is a Source with fixed values, typically taken from
// configuration.
type StaticSource struct {
	Data   string
	UserID string
}

func (s StaticSource) InitData() string     { return s.Data }
func (s StaticSource) UnsafeUserID() string { return s.UserID }

// UserID extracts the user id from src, preferring the signed init data
// over the unsafe copy. It returns "" when neither carries one.
func UserID(src Source) string {
	if data := src.InitData(); data != "" {
		if creds, err := Parse(data); err == nil && creds.UserID != "" {
			return creds.UserID
		}
	}

	return src.UnsafeUserID()
}

// Session holds the user id resolved for this process. It is written by
// the launch code and read by the store, which never sets it.
type Session struct {
	mu     sync.RWMutex
	userID string
}

// NewSession creates a session with a known user id, or an empty one.
func NewSession(userID string) *Session {
	return &Session{userID: userID}
}

// UserID returns the resolved user id, or "" while unknown.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.userID
}

// Resolve records the user id. Once set it does not change for the
// session; later calls are ignored and report false.
func (s *Session) Resolve(userID string) bool {
	if userID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID != "" {
		return false
	}

	s.userID = userID

	return true
}
