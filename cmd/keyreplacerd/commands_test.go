package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyreplacer/internal/history"
	"keyreplacer/internal/mappings"
)

// runCmd runs one command against the config dir of a testConfig.
func runCmd(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{args[0], "-config-dir", dir}, args[1:]...)
	err := run(full, &out)
	return out.String(), err
}

func adminDir(t *testing.T) string {
	_, path := testConfig(t)
	return filepath.Dir(path)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "be right back", "be right back"},
		{"exact width", strings.Repeat("x", 80), strings.Repeat("x", 80)},
		{"long", strings.Repeat("x", 81), strings.Repeat("x", 80) + "..."},
		{"counts runes", strings.Repeat("é", 81), strings.Repeat("é", 80) + "..."},
		{"keeps clusters whole", strings.Repeat("a", 79) + "e\u0301zz", strings.Repeat("a", 79) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.in, 80))
		})
	}
}

func TestAddListRemove(t *testing.T) {
	dir := adminDir(t)

	out, err := runCmd(t, dir, "add", "BRB", "be right back")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Added mapping: BRB → be right back")

	_, err = runCmd(t, dir, "add", "sig", strings.Repeat("y", 100))
	require.NoError(t, err)

	out, err = runCmd(t, dir, "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Found 2 mappings:", lines[0])
	assert.Equal(t, fmt.Sprintf("%-20s → %s", "brb", "be right back"), lines[2])
	assert.Equal(t, fmt.Sprintf("%-20s → %s...", "sig", strings.Repeat("y", 80)), lines[3])

	_, err = runCmd(t, dir, "remove", "brb")
	require.NoError(t, err)
	_, err = runCmd(t, dir, "remove", "brb")
	assert.ErrorIs(t, err, mappings.ErrNotFound)

	_, err = runCmd(t, dir, "add", "only-key")
	assert.ErrorIs(t, err, errUsage)
}

func TestListEmpty(t *testing.T) {
	out, err := runCmd(t, adminDir(t), "list")
	require.NoError(t, err)
	assert.Equal(t, "No mappings found.\n", out)
}

func TestAddRejectsTooLongKey(t *testing.T) {
	_, err := runCmd(t, adminDir(t), "add", strings.Repeat("k", 51), "v")
	assert.ErrorIs(t, err, mappings.ErrKeyTooLong)
}

func TestExportClearImport(t *testing.T) {
	dir := adminDir(t)
	_, err := runCmd(t, dir, "add", "brb", "be right back")
	require.NoError(t, err)
	_, err = runCmd(t, dir, "add", "omw", "on my way")
	require.NoError(t, err)

	exported := filepath.Join(t.TempDir(), "out.yaml")
	out, err := runCmd(t, dir, "export", exported)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 mappings")

	out, err = runCmd(t, dir, "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 2 mappings")

	out, err = runCmd(t, dir, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No mappings found.")

	out, err = runCmd(t, dir, "import", exported)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 mappings")
	assert.Contains(t, out, "Total mappings: 2")

	extra := filepath.Join(t.TempDir(), "extra.json")
	require.NoError(t, os.WriteFile(extra, []byte(`{"ty": "thank you"}`), 0600))
	out, err = runCmd(t, dir, "import", "-replace", extra)
	require.NoError(t, err)
	assert.Contains(t, out, "Total mappings: 1")

	_, err = runCmd(t, dir, "import", filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "file not found")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"x": 1}`), 0600))
	_, err = runCmd(t, dir, "import", bad)
	assert.ErrorIs(t, err, mappings.ErrInvalidDocument)
}

func TestBackupRestore(t *testing.T) {
	dir := adminDir(t)
	_, err := runCmd(t, dir, "add", "brb", "be right back")
	require.NoError(t, err)

	out, err := runCmd(t, dir, "backup")
	require.NoError(t, err)
	assert.Contains(t, out, "Backed up 1 mappings")

	out, err = runCmd(t, dir, "backups")
	require.NoError(t, err)
	name := strings.Fields(strings.Split(strings.TrimSpace(out), "\n")[0])[0]
	assert.True(t, strings.HasPrefix(name, "mappings_backup_"), name)

	_, err = runCmd(t, dir, "remove", "brb")
	require.NoError(t, err)

	out, err = runCmd(t, dir, "restore", name)
	require.NoError(t, err)
	assert.Contains(t, out, "Restored 1 mappings")

	_, err = runCmd(t, dir, "restore", "../config.toml")
	assert.ErrorIs(t, err, mappings.ErrBadBackupName)
}

func TestResetConfig(t *testing.T) {
	cfg, path := testConfig(t)
	dir := filepath.Dir(path)

	out, err := runCmd(t, dir, "reset-config")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), cfg.Paths.DataDir)
	assert.Contains(t, string(data), "typing_delay_ms = 10")
}

func TestStats(t *testing.T) {
	cfg, path := testConfig(t)
	dir := filepath.Dir(path)

	out, err := runCmd(t, dir, "stats")
	require.NoError(t, err)
	assert.Equal(t, "No expansion history yet.\n", out)

	db, err := history.Open(cfg.HistoryPath())
	require.NoError(t, err)
	_, err = db.Record(history.Entry{Key: "brb", Trigger: "space", Injector: "recorder", OK: true})
	require.NoError(t, err)
	_, err = db.Record(history.Entry{Key: "brb", Trigger: "enter", Injector: "recorder", Error: "injection failed"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, os.MkdirAll(cfg.Paths.CacheDir, 0700))
	rotated := filepath.Join(cfg.Paths.CacheDir, "keyreplacer-20260101T000000.log.gz")
	require.NoError(t, os.WriteFile(cfg.LogPath(), []byte("started\n"), 0600))
	require.NoError(t, os.WriteFile(rotated, []byte("old"), 0600))

	out, err = runCmd(t, dir, "stats", "-recent", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Expansions: 2 (1 failed)")
	assert.Contains(t, out, "Most used:")
	assert.Contains(t, out, "Recent:")
	assert.Equal(t, 1, strings.Count(out, "✗")+strings.Count(out, "✓"))
	assert.Contains(t, out, "Log files:")
	assert.Less(t, strings.Index(out, cfg.LogPath()), strings.Index(out, rotated))
}

func TestRunDispatch(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"version"}, &out))
	assert.True(t, strings.HasPrefix(out.String(), "keyreplacerd "+Version))

	assert.ErrorIs(t, run(nil, &out), errUsage)
	assert.ErrorIs(t, run([]string{"frobnicate"}, &out), errUsage)

	out.Reset()
	require.NoError(t, run([]string{"help"}, &out))
	assert.Contains(t, out.String(), "COMMANDS:")
}
