package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klyro-app/klyro-sync/internal/models"
	"github.com/klyro-app/klyro-sync/internal/storage"
)

// Collect reads every dataset from the local tier. A stored value that no
// longer parses is logged and left out of the result.
func Collect(s *storage.Store, logger *slog.Logger) (Data, error) {
	raw := make(map[string]string)

	for _, key := range []string{storage.KeyUserData, storage.KeyDiary, storage.KeyActivities, storage.KeyUnits} {
		v, ok, err := s.ReadSync(key)
		if err != nil {
			return Data{}, err
		}

		if ok && v != "" {
			raw[key] = v
		}
	}

	skip := func(key string, err error) {
		logger.Warn("skipping unreadable dataset",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	var data Data

	if v, ok := raw[storage.KeyUserData]; ok {
		var p models.Profile
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			skip(storage.KeyUserData, err)
		} else {
			data.Profile = &p
		}
	}

	if v, ok := raw[storage.KeyDiary]; ok {
		var d models.Diary
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			skip(storage.KeyDiary, err)
		} else {
			data.Diary = d
		}
	}

	if v, ok := raw[storage.KeyActivities]; ok {
		if json.Valid([]byte(v)) {
			data.Activities = json.RawMessage(v)
		} else {
			skip(storage.KeyActivities, errors.New("not valid JSON"))
		}
	}

	if v, ok := raw[storage.KeyUnits]; ok {
		data.Settings = &models.Settings{Units: v}
	}

	return data, nil
}

// Export encodes the local datasets into a document.
func Export(s *storage.Store, userID string, now time.Time, logger *slog.Logger) ([]byte, error) {
	data, err := Collect(s, logger)
	if err != nil {
		return nil, err
	}

	return Encode(data, userID, now)
}

// Import decodes raw and writes every dataset it carries through the
// store. Nothing is written unless the whole document decodes. Absent or
// null datasets leave the stored value alone. When a local write fails
// part way, for example on the storage quota, datasets already written
// are restored to their previous values.
func Import(ctx context.Context, s *storage.Store, raw []byte) (*Document, error) {
	doc, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	if err := Apply(ctx, s, doc.Data()); err != nil {
		return nil, err
	}

	return doc, nil
}

// write is one dataset ready to store, with the value it replaces.
type write struct {
	key   string
	value string
	prev  string
	found bool
}

// Apply writes every present dataset in data through the store. Either
// all of them are written or, on a local write failure, none are left
// changed.
func Apply(ctx context.Context, s *storage.Store, data Data) error {
	var writes []write

	add := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", key, err)
		}

		writes = append(writes, write{key: key, value: string(b)})

		return nil
	}

	if data.Profile != nil {
		if err := add(storage.KeyUserData, *data.Profile); err != nil {
			return err
		}
	}

	if data.Diary != nil {
		if err := add(storage.KeyDiary, data.Diary); err != nil {
			return err
		}
	}

	if len(data.Activities) > 0 {
		writes = append(writes, write{key: storage.KeyActivities, value: string(data.Activities)})
	}

	if data.Settings != nil && data.Settings.Units != "" {
		writes = append(writes, write{key: storage.KeyUnits, value: data.Settings.Units})
	}

	for i := range writes {
		prev, found, err := s.ReadSync(writes[i].key)
		if err != nil {
			return fmt.Errorf("reading %s before import: %w", writes[i].key, err)
		}

		writes[i].prev, writes[i].found = prev, found
	}

	for i, w := range writes {
		if err := s.Write(ctx, w.key, w.value); err != nil {
			return errors.Join(err, rollback(ctx, s, writes[:i]))
		}
	}

	return nil
}

// rollback restores applied writes in reverse order.
func rollback(ctx context.Context, s *storage.Store, applied []write) error {
	var errs []error

	for i := len(applied) - 1; i >= 0; i-- {
		w := applied[i]

		var err error
		if w.found {
			err = s.Write(ctx, w.key, w.prev)
		} else {
			err = s.Remove(ctx, w.key)
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", w.key, err))
		}
	}

	return errors.Join(errs...)
}
