// Package snapshot encodes the user's datasets into a single versioned
// JSON document for backup and restore.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	klyroerrors "github.com/klyro-app/klyro-sync/internal/errors"
	"github.com/klyro-app/klyro-sync/internal/models"
	"github.com/tidwall/gjson"
)

// Version is written into every exported document.
const Version = "1.0"

// supportedMajor is the document major version Decode accepts.
const supportedMajor = "1"

// Data is the set of datasets a snapshot carries. A nil field is an
// absent dataset and is encoded as null.
type Data struct {
	Profile    *models.Profile
	Diary      models.Diary
	Activities json.RawMessage
	Settings   *models.Settings
}

// Document is the on-disk snapshot format.
type Document struct {
	Version        string           `json:"version"`
	ExportDate     time.Time        `json:"exportDate"`
	TelegramUserID *string          `json:"telegramUserId"`
	UserData       *models.Profile  `json:"userData"`
	Diary          models.Diary     `json:"diary"`
	Activities     json.RawMessage  `json:"activities"`
	Settings       *models.Settings `json:"settings"`
}

// Data returns the datasets held by the document.
func (d *Document) Data() Data {
	return Data{
		Profile:    d.UserData,
		Diary:      d.Diary,
		Activities: d.Activities,
		Settings:   d.Settings,
	}
}

// UserID returns the exporting user's id, or "".
func (d *Document) UserID() string {
	if d.TelegramUserID == nil {
		return ""
	}

	return *d.TelegramUserID
}

// MalformedError reports a document that cannot be imported.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed snapshot: %s: %v", e.Reason, e.Err)
	}

	return "malformed snapshot: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool {
	return target == klyroerrors.ErrMalformedSnapshot
}

// Encode builds a document from data. An empty userID is encoded as null.
func Encode(data Data, userID string, now time.Time) ([]byte, error) {
	doc := Document{
		Version:    Version,
		ExportDate: now.UTC(),
		UserData:   data.Profile,
		Diary:      data.Diary,
		Activities: data.Activities,
		Settings:   data.Settings,
	}

	if userID != "" {
		doc.TelegramUserID = &userID
	}

	if len(doc.Activities) > 0 && !json.Valid(doc.Activities) {
		return nil, fmt.Errorf("encoding snapshot: activities are not valid JSON")
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	return out, nil
}

// Decode parses a document. It fails with *MalformedError when raw is not
// a JSON object, has no version marker, has a version from an unknown
// major release, or has datasets of the wrong shape. Decode never writes
// anything.
func Decode(raw []byte) (*Document, error) {
	raw = bytes.TrimSpace(raw)

	if !gjson.ValidBytes(raw) {
		return nil, &MalformedError{Reason: "not valid JSON"}
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, &MalformedError{Reason: "document is not an object"}
	}

	version := root.Get("version")
	if version.Type != gjson.String || version.Str == "" {
		return nil, &MalformedError{Reason: "missing version"}
	}

	if major, _, _ := strings.Cut(version.Str, "."); major != supportedMajor {
		return nil, &MalformedError{Reason: fmt.Sprintf("unsupported version %q", version.Str)}
	}

	for field, want := range map[string]func(gjson.Result) bool{
		"userData":   gjson.Result.IsObject,
		"diary":      gjson.Result.IsObject,
		"activities": gjson.Result.IsArray,
		"settings":   gjson.Result.IsObject,
	} {
		v := root.Get(field)
		if v.Exists() && v.Type != gjson.Null && !want(v) {
			return nil, &MalformedError{Reason: fmt.Sprintf("%s has the wrong shape", field)}
		}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &MalformedError{Reason: "decoding document", Err: err}
	}

	if string(doc.Activities) == "null" {
		doc.Activities = nil
	}

	return &doc, nil
}
