package fieldsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordJSON(t *testing.T) {
	rec := Record{
		ID:        "p1",
		UpdatedAt: time.Date(2025, 4, 1, 9, 0, 0, 123456789, time.UTC),
		Synced:    true,
		Fields:    map[string]any{"name": "Harbor tower", "floors": 12},
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"p1","updated_at":"2025-04-01T09:00:00.123456Z","name":"Harbor tower","floors":12}`, string(data))

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, "p1", back.ID)
	require.False(t, back.Synced, "synced never travels")
	require.False(t, back.Deleted)
	require.Equal(t, "Harbor tower", back.Fields["name"])
	require.True(t, back.UpdatedAt.Equal(time.Date(2025, 4, 1, 9, 0, 0, 123456000, time.UTC)))
}

func TestRecordJSON_TombstoneAndPeerFlags(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p1","updated_at":"2025-04-01T11:00:00+02:00","deleted":true,"synced":true}`), &rec))
	require.True(t, rec.Deleted)
	require.False(t, rec.Synced)
	require.Empty(t, rec.Fields)
	require.Equal(t, "2025-04-01T09:00:00.000000Z", FormatTime(rec.UpdatedAt))

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"p1","updated_at":"2025-04-01T09:00:00.000000Z","deleted":true}`, string(data))

	require.ErrorIs(t, json.Unmarshal([]byte(`{"id":7}`), &rec), ErrInvalidRecord)
	require.ErrorIs(t, json.Unmarshal([]byte(`{"id":"p1","updated_at":"soon"}`), &rec), ErrInvalidRecord)
}

func TestRecordValidateAndClone(t *testing.T) {
	require.ErrorIs(t, Record{}.validate(), ErrInvalidRecord)
	require.ErrorIs(t, Record{ID: "x", Fields: map[string]any{"updated_at": "now"}}.validate(), ErrInvalidRecord)
	require.NoError(t, Record{ID: "x", Fields: map[string]any{"name": "ok"}}.validate())

	orig := project("p1", base, "Original")
	cp := orig.Clone()
	cp.Fields["name"] = "Changed"
	require.Equal(t, "Original", orig.Fields["name"])
}

func TestTimeFormat(t *testing.T) {
	at := time.Date(2025, 4, 1, 9, 0, 0, 5000, time.FixedZone("CEST", 2*3600))
	require.Equal(t, "2025-04-01T07:00:00.000005Z", FormatTime(at))

	// fixed width keeps lexical and chronological order identical
	require.Less(t, FormatTime(base), FormatTime(base.Add(time.Microsecond)))

	parsed, err := ParseTime("2025-04-01T07:00:00.000005Z")
	require.NoError(t, err)
	require.True(t, parsed.Equal(at))

	_, err = ParseTime("01/04/2025")
	require.Error(t, err)
}

func TestActionAndCollectionValidation(t *testing.T) {
	require.True(t, ActionInsert.Valid())
	require.True(t, ActionUpdate.Valid())
	require.True(t, ActionDelete.Valid())
	require.False(t, Action("upsert").Valid())

	for _, ok := range []string{"projects", "time_entries", "a", "docs2"} {
		require.NoError(t, ValidateCollection(ok), ok)
	}
	for _, bad := range []string{"", "Projects", "_sync_queue", "2docs", "time-entries", "drop table", "sqlite_master"} {
		require.ErrorIs(t, ValidateCollection(bad), ErrInvalidCollection, bad)
	}
}

func TestSameContent(t *testing.T) {
	a := Record{ID: "p1", UpdatedAt: base, Fields: map[string]any{"hours": 8}}
	b := Record{ID: "p1", UpdatedAt: base, Fields: map[string]any{"hours": 8.0}}
	require.True(t, sameContent(a, b))

	b.UpdatedAt = base.Add(time.Second)
	require.False(t, sameContent(a, b))

	b.UpdatedAt = base
	b.Fields["hours"] = 9
	require.False(t, sameContent(a, b))
}

func TestRecordJSON_LargeIntegers(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{"id":"permit","updated_at":"2025-04-01T09:00:00.000000Z","permit_no":9007199254740993,"area":12.5}`), &rec))
	require.Equal(t, json.Number("9007199254740993"), rec.Fields["permit_no"])
	require.Equal(t, json.Number("12.5"), rec.Fields["area"])

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.Contains(t, string(data), `"permit_no":9007199254740993`)

	fields, err := decodeFields(`{"permit_no":9007199254740993}`)
	require.NoError(t, err)
	n, err := fields["permit_no"].(json.Number).Int64()
	require.NoError(t, err)
	require.Equal(t, int64(9007199254740993), n)

	_, err = decodeFields(`{"a":1} {"b":2}`)
	require.Error(t, err)
}
