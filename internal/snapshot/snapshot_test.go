package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	klyroerrors "github.com/klyro-app/klyro-sync/internal/errors"
	"github.com/klyro-app/klyro-sync/internal/launch"
	"github.com/klyro-app/klyro-sync/internal/logging"
	"github.com/klyro-app/klyro-sync/internal/models"
	"github.com/klyro-app/klyro-sync/internal/state"
	"github.com/klyro-app/klyro-sync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var exportTime = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

func sampleData() Data {
	return Data{
		Profile: &models.Profile{
			Age: 30, Height: 180, Weight: 75.5,
			Gender: models.GenderMale, Goal: models.GoalLose, Activity: models.ActivityModerate,
		},
		Diary: models.Diary{
			"2024-03-14": {
				{
					ID: "a1", Name: "Oatmeal", Grams: 150, Kcal: 102.5, Protein: 3.7, Fat: 2.1, Carbs: 17.3,
					Timestamp: time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC),
				},
				{
					ID: "a2", Name: "Apple", Grams: 120, Kcal: 62.4, Protein: 0.5, Fat: 0.2, Carbs: 14,
					Timestamp: time.Date(2024, 3, 14, 12, 15, 30, 500, time.UTC),
				},
				{
					ID: "a3_activity", Name: "Активность: Бег", Kcal: 250,
					Timestamp:  time.Date(2024, 3, 14, 18, 0, 0, 0, time.UTC),
					IsActivity: true,
				},
			},
		},
		Activities: json.RawMessage(`[{"type":"walk","minutes":30}]`),
		Settings:   &models.Settings{Units: models.UnitsMetric},
	}
}

func testStore(t *testing.T, userID string) (*storage.Store, *state.State) {
	t.Helper()

	local, err := state.LoadAt(filepath.Join(t.TempDir(), "local.db"), state.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	s := storage.New(local, nil, launch.NewSession(userID), storage.Options{}, logging.Discard())
	t.Cleanup(s.Close)

	return s, local
}

// --- Encode ---

func TestEncode_Shape(t *testing.T) {
	out, err := Encode(sampleData(), "42", exportTime)
	require.NoError(t, err)

	assert.Equal(t, "1.0", gjson.GetBytes(out, "version").Str)
	assert.Equal(t, "2024-03-15T09:30:00Z", gjson.GetBytes(out, "exportDate").Str)
	assert.Equal(t, "42", gjson.GetBytes(out, "telegramUserId").Str)
	assert.Equal(t, int64(30), gjson.GetBytes(out, "userData.age").Int())
	assert.Equal(t, "Apple", gjson.GetBytes(out, "diary.2024-03-14.1.name").Str)
	assert.Equal(t, "walk", gjson.GetBytes(out, "activities.0.type").Str)
	assert.Equal(t, "metric", gjson.GetBytes(out, "settings.units").Str)
}

func TestEncode_AbsentDatasetsAreNull(t *testing.T) {
	out, err := Encode(Data{}, "", exportTime)
	require.NoError(t, err)

	for _, field := range []string{"telegramUserId", "userData", "diary", "activities", "settings"} {
		v := gjson.GetBytes(out, field)
		assert.True(t, v.Exists(), "%s must be present", field)
		assert.Equal(t, gjson.Null, v.Type, "%s must be null", field)
	}
}

func TestEncode_InvalidActivities(t *testing.T) {
	_, err := Encode(Data{Activities: json.RawMessage(`[oops`)}, "", exportTime)
	assert.Error(t, err)
}

// --- Round trip ---

func TestRoundTrip(t *testing.T) {
	full := sampleData()

	tests := []struct {
		name string
		data Data
	}{
		{"full", full},
		{"empty", Data{}},
		{"profile only", Data{Profile: full.Profile}},
		{"diary only", Data{Diary: full.Diary}},
		{"settings only", Data{Settings: full.Settings}},
		{"activities only", Data{Activities: full.Activities}},
		{"empty diary", Data{Diary: models.Diary{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Encode(tt.data, "42", exportTime)
			require.NoError(t, err)

			doc, err := Decode(out)
			require.NoError(t, err)

			got := doc.Data()
			assert.Equal(t, tt.data.Profile, got.Profile)
			assert.Equal(t, tt.data.Diary, got.Diary)
			assert.Equal(t, tt.data.Settings, got.Settings)

			if tt.data.Activities == nil {
				assert.Nil(t, got.Activities)
			} else {
				assert.JSONEq(t, string(tt.data.Activities), string(got.Activities))
			}

			assert.Equal(t, "42", doc.UserID())
			assert.True(t, exportTime.Equal(doc.ExportDate))
		})
	}
}

func TestRoundTrip_KeepsActivityMarker(t *testing.T) {
	raw := []byte(`{"version":"1.0","diary":{"2024-03-14":[` +
		`{"id":"1_activity","name":"Активность: Бег","grams":0,"kcal":250,"protein":0,"fat":0,"carbs":0,` +
		`"timestamp":"2024-03-14T18:00:00.000Z","isActivity":true},` +
		`{"id":"2","name":"Tea","grams":200,"kcal":2,"protein":0,"fat":0,"carbs":0,"timestamp":"2024-03-14T19:00:00.000Z"}]}}`)

	doc, err := Decode(raw)
	require.NoError(t, err)

	entries := doc.Diary["2024-03-14"]
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsActivity)
	assert.False(t, entries[1].IsActivity)

	out, err := Encode(doc.Data(), "42", exportTime)
	require.NoError(t, err)

	assert.True(t, gjson.GetBytes(out, `diary.2024-03-14.0.isActivity`).Bool())
	assert.False(t, gjson.GetBytes(out, `diary.2024-03-14.1.isActivity`).Exists(), "food entries carry no marker")
}

// --- Decode ---

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"version": "1.0"`},
		{"empty", ``},
		{"array", `[1,2,3]`},
		{"missing version", `{"userData": null}`},
		{"empty version", `{"version": ""}`},
		{"numeric version", `{"version": 1}`},
		{"future major", `{"version": "2.0"}`},
		{"diary is array", `{"version": "1.0", "diary": []}`},
		{"activities is object", `{"version": "1.0", "activities": {}}`},
		{"bad entry", `{"version": "1.0", "diary": {"2024-01-01": [{"grams": "lots"}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)

			var me *MalformedError
			assert.True(t, errors.As(err, &me))
			assert.True(t, errors.Is(err, klyroerrors.ErrMalformedSnapshot))
		})
	}
}

func TestDecode_MinorVersionAccepted(t *testing.T) {
	doc, err := Decode([]byte(`{"version": "1.3", "settings": {"units": "imperial"}}`))
	require.NoError(t, err)
	assert.Equal(t, "imperial", doc.Settings.Units)
	assert.Empty(t, doc.UserID())
}

// --- Export / Import through the store ---

func TestExport_ReadsLocalTier(t *testing.T) {
	s, local := testStore(t, "42")

	require.NoError(t, local.Set("user_data", `{"age":25,"height":165,"weight":60,"gender":"female","goal":"maintain"}`))
	require.NoError(t, local.Set("units", "imperial"))
	require.NoError(t, local.Set("diary", `{not json`))

	out, err := Export(s, "42", exportTime, logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, int64(25), gjson.GetBytes(out, "userData.age").Int())
	assert.Equal(t, "imperial", gjson.GetBytes(out, "settings.units").Str)
	assert.Equal(t, gjson.Null, gjson.GetBytes(out, "diary").Type, "unreadable diary is exported as null")
	assert.Equal(t, gjson.Null, gjson.GetBytes(out, "activities").Type)
}

func TestImport_WritesPresentDatasets(t *testing.T) {
	s, local := testStore(t, "42")
	require.NoError(t, local.Set("activities", `["keep"]`))

	raw, err := Encode(Data{Profile: sampleData().Profile, Settings: &models.Settings{Units: "imperial"}}, "42", exportTime)
	require.NoError(t, err)

	_, err = Import(context.Background(), s, raw)
	require.NoError(t, err)

	p, ok, err := storage.GetJSONSync[models.Profile](s, storage.KeyUserData)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *sampleData().Profile, p)

	units, _, _ := local.Get("units")
	assert.Equal(t, "imperial", units)

	activities, _, _ := local.Get("activities")
	assert.Equal(t, `["keep"]`, activities, "null datasets leave stored values alone")
}

func TestImport_MissingVersionLeavesDataUntouched(t *testing.T) {
	s, local := testStore(t, "42")
	require.NoError(t, local.Set("user_data", `{"age":30}`))
	require.NoError(t, local.Set("units", "metric"))

	raw := []byte(`{"userData": {"age": 99}, "settings": {"units": "imperial"}}`)

	_, err := Import(context.Background(), s, raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, klyroerrors.ErrMalformedSnapshot))

	v, _, _ := local.Get("user_data")
	assert.Equal(t, `{"age":30}`, v)

	v, _, _ = local.Get("units")
	assert.Equal(t, "metric", v)
}

func TestImport_QuotaFailureRestoresEarlierDatasets(t *testing.T) {
	local, err := state.LoadAt(filepath.Join(t.TempDir(), "local.db"), state.Options{QuotaBytes: 300})
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	s := storage.New(local, nil, launch.NewSession("42"), storage.Options{}, logging.Discard())
	t.Cleanup(s.Close)

	require.NoError(t, local.Set("user_data", `{"age":30}`))

	big := models.Diary{"2024-03-14": {{ID: "x", Name: strings.Repeat("ж", 400), Grams: 1}}}
	raw, err := Encode(Data{Profile: sampleData().Profile, Diary: big}, "42", exportTime)
	require.NoError(t, err)

	_, err = Import(context.Background(), s, raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, klyroerrors.ErrLocalPersistence))
	assert.True(t, errors.Is(err, klyroerrors.ErrQuotaExceeded))

	v, _, _ := local.Get("user_data")
	assert.Equal(t, `{"age":30}`, v, "profile written before the failure is restored")

	_, found, _ := local.Get("diary")
	assert.False(t, found)
}

func TestImport_QuotaFailureRemovesNewDatasets(t *testing.T) {
	local, err := state.LoadAt(filepath.Join(t.TempDir(), "local.db"), state.Options{QuotaBytes: 300})
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	s := storage.New(local, nil, launch.NewSession("42"), storage.Options{}, logging.Discard())
	t.Cleanup(s.Close)

	raw, err := Encode(Data{
		Profile:    sampleData().Profile,
		Activities: json.RawMessage(`["` + strings.Repeat("a", 400) + `"]`),
	}, "42", exportTime)
	require.NoError(t, err)

	_, err = Import(context.Background(), s, raw)
	require.Error(t, err)

	keys, err := local.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestExportImport_AcrossStores(t *testing.T) {
	src, _ := testStore(t, "42")
	ctx := context.Background()

	require.NoError(t, Apply(ctx, src, sampleData()))

	raw, err := Export(src, "42", exportTime, logging.Discard())
	require.NoError(t, err)

	dst, _ := testStore(t, "42")
	_, err = Import(ctx, dst, raw)
	require.NoError(t, err)

	got, err := Collect(dst, logging.Discard())
	require.NoError(t, err)

	want := sampleData()
	assert.Equal(t, want.Profile, got.Profile)
	assert.Equal(t, want.Diary, got.Diary)
	assert.Equal(t, want.Settings, got.Settings)
	assert.JSONEq(t, string(want.Activities), string(got.Activities))
}
