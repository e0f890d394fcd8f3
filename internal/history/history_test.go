package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	h, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOpenAppliesMigrations(t *testing.T) {
	h := openTest(t)
	v, err := h.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, v)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	h, err := Open(path)
	require.NoError(t, err)
	_, err = h.Record(Entry{Key: "brb", Trigger: "space", Injector: "recorder", OK: true, Time: base})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h, err = Open(path)
	require.NoError(t, err)
	defer h.Close()
	got, err := h.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "brb", got[0].Key)
}

func TestRecordAndRecent(t *testing.T) {
	h := openTest(t)

	entries := []Entry{
		{Key: "brb", Trigger: "space", Injector: "uinput", Duration: 1500 * time.Microsecond, OK: true, Time: base},
		{Key: "addr", Trigger: "enter", Injector: "xdotool", OK: false, Error: "injection failed", Time: base.Add(time.Second)},
		{Key: "brb", Trigger: "tab", Injector: "uinput", OK: true, Time: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		id, err := h.Record(e)
		require.NoError(t, err)
		assert.Positive(t, id)
	}

	got, err := h.Recent(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tab", got[0].Trigger)
	assert.Equal(t, "addr", got[1].Key)
	assert.False(t, got[1].OK)
	assert.Equal(t, "injection failed", got[1].Error)
	assert.True(t, got[1].Time.Equal(base.Add(time.Second)))

	all, err := h.Recent(10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 1500*time.Microsecond, all[2].Duration)
	assert.Empty(t, all[2].Error)

	none, err := h.Recent(0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordDefaultsTime(t *testing.T) {
	h := openTest(t)
	before := time.Now()
	_, err := h.Record(Entry{Key: "k", Trigger: "space", Injector: "none"})
	require.NoError(t, err)

	got, err := h.Recent(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Time.Before(before.Truncate(time.Microsecond)))
}

func TestStats(t *testing.T) {
	h := openTest(t)

	record := func(key string, ok bool, at time.Time) {
		_, err := h.Record(Entry{Key: key, Trigger: "space", Injector: "recorder", OK: ok, Time: at})
		require.NoError(t, err)
	}
	record("brb", true, base)
	record("omw", true, base.Add(time.Minute))
	record("brb", false, base.Add(2*time.Minute))
	record("brb", true, base.Add(3*time.Minute))
	record("addr", true, base.Add(4*time.Minute))

	s, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 1, s.Failures)
	require.Len(t, s.Keys, 3)

	assert.Equal(t, KeyStat{Key: "brb", Count: 3, Failures: 1, LastUsed: time.Unix(0, base.Add(3*time.Minute).UnixNano())}, s.Keys[0])
	// Ties on count order by key.
	assert.Equal(t, "addr", s.Keys[1].Key)
	assert.Equal(t, "omw", s.Keys[2].Key)
}

func TestStatsEmpty(t *testing.T) {
	h := openTest(t)
	s, err := h.Stats()
	require.NoError(t, err)
	assert.Zero(t, s.Total)
	assert.Empty(t, s.Keys)
}

func TestPrune(t *testing.T) {
	h := openTest(t)
	for i := 0; i < 5; i++ {
		_, err := h.Record(Entry{Key: "k", Trigger: "space", Injector: "recorder", OK: true, Time: base.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}

	n, err := h.Prune(base.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	left, err := h.Recent(10)
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestRollback(t *testing.T) {
	h := openTest(t)
	require.NoError(t, rollback(h.db))
	v, err := h.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, migrate(h.db))
	v, err = h.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestClosed(t *testing.T) {
	h := openTest(t)
	require.NoError(t, h.Ping(context.Background()))
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.ErrorIs(t, h.Ping(context.Background()), ErrClosed)

	_, err := h.Record(Entry{Key: "k"})
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = h.Recent(1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.Stats()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.Prune(time.Now())
	assert.ErrorIs(t, err, ErrClosed)
}
