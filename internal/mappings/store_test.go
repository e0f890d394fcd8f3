package mappings

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, mutate func(*Options)) (*Store, *fakeClock) {
	t.Helper()
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)}
	opts := Options{
		Path:       filepath.Join(dir, "mappings.json"),
		Limits:     testLimits,
		MaxBackups: 3,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := Open(opts)
	require.NoError(t, err)
	return s, clock
}

func TestOpenMissingFile(t *testing.T) {
	s, _ := newTestStore(t, nil)
	assert.Equal(t, 0, s.Table().Len())
	assert.NoFileExists(t, s.Path())
}

func TestOpenDropsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"BRB": "be right back", "this-key-is-way-too-long-for-the-configured-limit-of-fifty": "x"}`), 0600))

	s, err := Open(Options{Path: path, Limits: testLimits, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	assert.Equal(t, []string{"brb"}, s.Table().Keys())
}

func TestOpenRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	require.NoError(t, os.WriteFile(path, []byte(`["not", "an", "object"]`), 0600))

	_, err := Open(Options{Path: path})
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestAddPersists(t *testing.T) {
	s, _ := newTestStore(t, nil)

	_, err := s.Add("brb", "be right back")
	require.NoError(t, err)

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	if filepath.Separator == '/' {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	reopened, err := Open(Options{Path: s.Path(), Limits: testLimits})
	require.NoError(t, err)
	v, ok := reopened.Table().Get("brb")
	require.True(t, ok)
	assert.Equal(t, "be right back", v)
}

func TestAddRejectsInvalid(t *testing.T) {
	s, _ := newTestStore(t, nil)

	_, err := s.Add("", "x")
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.NoFileExists(t, s.Path(), "failed add must not write")
}

func TestRemoveAndClear(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Add("brb", "be right back")
	require.NoError(t, err)
	_, err = s.Add("omw", "on my way")
	require.NoError(t, err)

	_, err = s.Remove("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	table, err := s.Remove("BRB")
	require.NoError(t, err)
	assert.Equal(t, []string{"omw"}, table.Keys())

	require.NoError(t, s.Clear())
	assert.Equal(t, 0, s.Table().Len())
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestOnChange(t *testing.T) {
	s, _ := newTestStore(t, nil)

	var got []*Table
	s.OnChange(func(t *Table) { got = append(got, t) })

	_, err := s.Add("brb", "be right back")
	require.NoError(t, err)
	_, err = s.Add("", "nope")
	require.Error(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Len())
}

func TestImportMergeAndReplace(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Add("old", "value")
	require.NoError(t, err)

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "in.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("brb: be right back\nOMW: on my way\n"), 0600))

	n, err := s.Import(yamlPath, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"brb", "old", "omw"}, s.Table().Keys())

	tomlPath := filepath.Join(dir, "in.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("ty = \"thank you\"\n"), 0600))

	_, err = s.Import(tomlPath, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"ty"}, s.Table().Keys())
}

func TestImportRejectsWholeFileOnInvalidEntry(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Add("keep", "me")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	long := make([]byte, 51)
	for i := range long {
		long[i] = 'k'
	}
	require.NoError(t, os.WriteFile(path, []byte(`{"ok": "fine", "`+string(long)+`": "x"}`), 0600))

	_, err = s.Import(path, true)
	assert.ErrorIs(t, err, ErrKeyTooLong)
	assert.Equal(t, []string{"keep"}, s.Table().Keys())
}

func TestExport(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Add("brb", "be right back")
	require.NoError(t, err)

	dir := t.TempDir()
	for _, name := range []string{"out.json", "out.yaml", "out.toml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, s.Export(path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		table, err := Decode(data, FormatForPath(path))
		require.NoError(t, err, name)
		assert.Equal(t, s.Table().Map(), table.Map(), name)
	}
}

func TestBackupAndRestore(t *testing.T) {
	s, clock := newTestStore(t, nil)
	_, err := s.Add("brb", "be right back")
	require.NoError(t, err)

	path, err := s.Backup()
	require.NoError(t, err)
	assert.Equal(t, "mappings_backup_20240301_120000.json", filepath.Base(path))

	clock.Advance(time.Minute)
	require.NoError(t, s.Clear())

	backups, err := s.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)

	clock.Advance(time.Minute)
	table, err := s.Restore(backups[0].Name)
	require.NoError(t, err)
	assert.Equal(t, []string{"brb"}, table.Keys())
	assert.Equal(t, []string{"brb"}, s.Table().Keys())
}

func TestRestoreRejectsOtherNames(t *testing.T) {
	s, _ := newTestStore(t, nil)

	for _, name := range []string{"../mappings.json", "notes.json", "mappings_backup_x.json"} {
		_, err := s.Restore(name)
		assert.ErrorIs(t, err, ErrBadBackupName, name)
	}
}

func TestAutoBackupInterval(t *testing.T) {
	s, clock := newTestStore(t, func(o *Options) {
		o.AutoBackup = true
		o.BackupInterval = 24 * time.Hour
	})

	// First save has no previous file to back up.
	_, err := s.Add("a", "1")
	require.NoError(t, err)
	backups, _ := s.Backups()
	assert.Len(t, backups, 0)

	_, err = s.Add("b", "2")
	require.NoError(t, err)
	backups, _ = s.Backups()
	require.Len(t, backups, 1)

	// Within the interval no new backup is made.
	clock.Advance(time.Hour)
	_, err = s.Add("c", "3")
	require.NoError(t, err)
	backups, _ = s.Backups()
	assert.Len(t, backups, 1)

	clock.Advance(24 * time.Hour)
	_, err = s.Add("d", "4")
	require.NoError(t, err)
	backups, _ = s.Backups()
	assert.Len(t, backups, 2)
}

func TestBackupPruning(t *testing.T) {
	s, clock := newTestStore(t, nil)
	_, err := s.Add("a", "1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Backup()
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	backups, err := s.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, "mappings_backup_20240301_120002.json", backups[0].Name)
}

func TestSetLimitsRenormalizes(t *testing.T) {
	s, _ := newTestStore(t, func(o *Options) { o.Limits.CaseSensitive = true })
	_, err := s.Add("BRB", "be right back")
	require.NoError(t, err)
	assert.Equal(t, []string{"BRB"}, s.Table().Keys())

	l := testLimits
	l.CaseSensitive = false
	s.SetLimits(l)
	assert.Equal(t, []string{"brb"}, s.Table().Keys())
}

func TestReloadSuppressesUnchanged(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Add("brb", "be right back")
	require.NoError(t, err)

	calls := 0
	s.OnChange(func(*Table) { calls++ })

	_, err = s.Reload()
	require.NoError(t, err)
	assert.Equal(t, 0, calls)

	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"omw": "on my way"}`), 0600))
	table, err := s.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"omw"}, table.Keys())
}

func TestWatchPicksUpExternalEdit(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Add("brb", "be right back")
	require.NoError(t, err)

	changed := make(chan *Table, 4)
	s.OnChange(func(t *Table) { changed <- t })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	// Give the watcher a moment to register.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"ty": "thank you"}`), 0600))

	select {
	case table := <-changed:
		assert.Equal(t, []string{"ty"}, table.Keys())
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload the edited file")
	}
}

func TestWatchKeepsTableOnBadEdit(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Add("brb", "be right back")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"brb": `), 0600))
	time.Sleep(400 * time.Millisecond)

	assert.Equal(t, []string{"brb"}, s.Table().Keys())
}
