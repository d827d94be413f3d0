// Package diary keeps the food diary, activities and settings on top of
// the dual-tier store.
package diary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klyro-app/klyro-sync/internal/models"
	"github.com/klyro-app/klyro-sync/internal/storage"
)

// Book is the diary of one session. Mutations are read-modify-write on
// the whole diary and are serialized per Book.
type Book struct {
	store  *storage.Store
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New creates a Book backed by store.
func New(store *storage.Store, logger *slog.Logger) *Book {
	return &Book{store: store, logger: logger, now: time.Now}
}

// Load returns the whole diary, preferring the cloud copy. A missing
// diary is empty, not an error.
func (b *Book) Load(ctx context.Context) (models.Diary, error) {
	d, ok, err := storage.GetJSON[models.Diary](ctx, b.store, storage.KeyDiary)
	if err != nil {
		return nil, fmt.Errorf("loading diary: %w", err)
	}

	if !ok || d == nil {
		d = models.Diary{}
	}

	return d, nil
}

// Dates returns the days that have entries, oldest first.
func (b *Book) Dates(ctx context.Context) ([]string, error) {
	d, err := b.Load(ctx)
	if err != nil {
		return nil, err
	}

	dates := make([]string, 0, len(d))
	for date := range d {
		dates = append(dates, date)
	}

	sort.Strings(dates)

	return dates, nil
}

// Entries returns the entries logged on date in logging order.
func (b *Book) Entries(ctx context.Context, date string) ([]models.DiaryEntry, error) {
	if err := checkDate(date); err != nil {
		return nil, err
	}

	d, err := b.Load(ctx)
	if err != nil {
		return nil, err
	}

	return d[date], nil
}

// Add appends e to date. A missing id or timestamp is filled in. The
// stored entry is returned.
func (b *Book) Add(ctx context.Context, date string, e models.DiaryEntry) (models.DiaryEntry, error) {
	if err := checkDate(date); err != nil {
		return models.DiaryEntry{}, err
	}

	if e.Name == "" {
		return models.DiaryEntry{}, fmt.Errorf("entry name is required")
	}

	if e.Grams < 0 || e.Kcal < 0 || e.Protein < 0 || e.Fat < 0 || e.Carbs < 0 {
		return models.DiaryEntry{}, fmt.Errorf("entry values must not be negative")
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.Load(ctx)
	if err != nil {
		return models.DiaryEntry{}, err
	}

	d[date] = append(d[date], e)

	if err := storage.PutJSON(ctx, b.store, storage.KeyDiary, d); err != nil {
		return models.DiaryEntry{}, err
	}

	b.logger.Debug("diary entry added",
		slog.String("date", date),
		slog.String("id", e.ID),
		slog.String("name", e.Name),
	)

	return e, nil
}

// Remove deletes the entry with id from date. It reports false when no
// such entry exists.
func (b *Book) Remove(ctx context.Context, date, id string) (bool, error) {
	if err := checkDate(date); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.Load(ctx)
	if err != nil {
		return false, err
	}

	entries := d[date]
	kept := entries[:0:0]

	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}

	if len(kept) == len(entries) {
		return false, nil
	}

	if len(kept) == 0 {
		delete(d, date)
	} else {
		d[date] = kept
	}

	if err := storage.PutJSON(ctx, b.store, storage.KeyDiary, d); err != nil {
		return false, err
	}

	return true, nil
}

// Totals sums the nutrients logged on date.
func (b *Book) Totals(ctx context.Context, date string) (models.Totals, error) {
	entries, err := b.Entries(ctx, date)
	if err != nil {
		return models.Totals{}, err
	}

	var t models.Totals
	for _, e := range entries {
		t.Kcal += e.Kcal
		t.Protein += e.Protein
		t.Fat += e.Fat
		t.Carbs += e.Carbs
	}

	return t, nil
}

// Activities returns the stored activities list as raw JSON, or an empty
// array.
func (b *Book) Activities(ctx context.Context) (json.RawMessage, error) {
	raw, ok, err := b.store.Read(ctx, storage.KeyActivities)
	if err != nil {
		return nil, fmt.Errorf("loading activities: %w", err)
	}

	if !ok || raw == "" {
		return json.RawMessage("[]"), nil
	}

	return json.RawMessage(raw), nil
}

// SetActivities replaces the activities list. It must be a JSON array.
func (b *Book) SetActivities(ctx context.Context, activities json.RawMessage) error {
	var items []json.RawMessage
	if err := json.Unmarshal(activities, &items); err != nil {
		return fmt.Errorf("activities must be a JSON array: %w", err)
	}

	return b.store.Write(ctx, storage.KeyActivities, string(activities))
}

// Units returns the unit system from the local tier without waiting on
// the cloud, defaulting to metric.
func (b *Book) Units() string {
	units, ok, err := b.store.ReadSync(storage.KeyUnits)
	if err != nil {
		b.logger.Warn("reading units setting", slog.String("error", err.Error()))
		return models.UnitsMetric
	}

	if !ok || units == "" {
		return models.UnitsMetric
	}

	return units
}

// SetUnits stores the unit system.
func (b *Book) SetUnits(ctx context.Context, units string) error {
	switch units {
	case models.UnitsMetric, models.UnitsImperial:
	default:
		return fmt.Errorf("unknown units %q", units)
	}

	return b.store.Write(ctx, storage.KeyUnits, units)
}

// Today returns the current date key.
func (b *Book) Today() string {
	return b.now().Format(models.DateLayout)
}

func checkDate(date string) error {
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
	}

	return nil
}
