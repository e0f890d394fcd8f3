package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyreplacer/internal/ipc"
	"keyreplacer/internal/mappings"
)

type fakeDaemon struct {
	mu    sync.Mutex
	state string
	table map[string]string
}

func (f *fakeDaemon) Status() ipc.StatusResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ipc.StatusResponse{
		Version:        "1.2.3",
		State:          f.state,
		Paused:         f.state == "paused",
		MappingsCount:  len(f.table),
		MappingsDigest: "0123456789abcdef0123",
		System:         "linux/linux-x11",
		Injector:       "recorder",
		Uptime:         65,
		DryRun:         true,
	}
}

func (f *fakeDaemon) set(s string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
	return s, nil
}

func (f *fakeDaemon) Pause() (string, error)  { return f.set("paused") }
func (f *fakeDaemon) Resume() (string, error) { return f.set("running") }
func (f *fakeDaemon) Toggle() (string, error) {
	if f.Status().Paused {
		return f.set("running")
	}
	return f.set("paused")
}

func (f *fakeDaemon) Reload() (ipc.ReloadResponse, error) {
	return ipc.ReloadResponse{MappingsCount: len(f.Mappings().Mappings), MappingsDigest: "feed"}, nil
}

func (f *fakeDaemon) AddMapping(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table[key] = value
	return nil
}

func (f *fakeDaemon) RemoveMapping(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.table[key]; !ok {
		return fmt.Errorf("%w: %q", mappings.ErrNotFound, key)
	}
	delete(f.table, key)
	return nil
}

func (f *fakeDaemon) Mappings() ipc.ListMappingsResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := make(map[string]string, len(f.table))
	for k, v := range f.table {
		m[k] = v
	}
	return ipc.ListMappingsResponse{Mappings: m}
}

func (f *fakeDaemon) Stats(recent int) (ipc.StatsResponse, error) {
	r := ipc.StatsResponse{
		Tokens:          120,
		Expansions:      3,
		HistoryTotal:    4,
		HistoryFailures: 1,
		Keys:            []ipc.KeyCount{{Key: "brb", Count: 3}, {Key: "omw", Count: 1, Failures: 1}},
	}
	all := []ipc.RecentExpansion{
		{Key: "omw", Trigger: "enter", OK: false, Error: "injection failed", Time: time.Now()},
		{Key: "brb", Trigger: "space", OK: true, DurationMs: 4.2, Time: time.Now()},
	}
	for i := 0; i < recent && i < len(all); i++ {
		r.Recent = append(r.Recent, all[i])
	}
	return r, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startFake(t *testing.T) (*ipc.Server, *fakeDaemon) {
	t.Helper()
	dir, err := os.MkdirTemp("", "krc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	f := &fakeDaemon{state: "running", table: map[string]string{"brb": "be right back"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := ipc.NewServer(ipc.ServerConfig{
		SocketPath: filepath.Join(dir, "s.sock"),
		Version:    "1.2.3",
		Logger:     logger,
	}, ipc.NewDaemonHandler(f, logger))
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s, f
}

func runCtl(t *testing.T, s *ipc.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	k := &ctl{socket: s.SocketPath(), timeout: 5 * time.Second, out: &out}
	err := k.run(context.Background(), args[0], args[1:])
	return out.String(), err
}

func TestStatus(t *testing.T) {
	s, _ := startFake(t)
	out, err := runCtl(t, s, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "RUNNING")
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "1m5s")
	assert.Contains(t, out, "linux/linux-x11")
	assert.Contains(t, out, "DRY RUN")
	assert.Contains(t, out, "0123456789abcdef\n")
}

func TestPing(t *testing.T) {
	s, _ := startFake(t)
	out, err := runCtl(t, s, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "RUNNING (latency:")
}

func TestStateCommands(t *testing.T) {
	s, f := startFake(t)

	out, err := runCtl(t, s, "pause")
	require.NoError(t, err)
	assert.Equal(t, "Expansion PAUSED\n", out)
	assert.True(t, f.Status().Paused)

	out, err = runCtl(t, s, "toggle")
	require.NoError(t, err)
	assert.Equal(t, "Expansion RUNNING\n", out)

	_, err = runCtl(t, s, "resume")
	require.NoError(t, err)
	assert.False(t, f.Status().Paused)
}

func TestMappingCommands(t *testing.T) {
	s, f := startFake(t)

	out, err := runCtl(t, s, "add", "omw", "on my way")
	require.NoError(t, err)
	assert.Contains(t, out, "Added mapping: omw → on my way")
	assert.Len(t, f.Mappings().Mappings, 2)

	out, err = runCtl(t, s, "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Found 2 mappings:", lines[0])
	keys := []string{strings.Fields(lines[2])[0], strings.Fields(lines[3])[0]}
	assert.True(t, sort.StringsAreSorted(keys))

	_, err = runCtl(t, s, "remove", "omw")
	require.NoError(t, err)

	_, err = runCtl(t, s, "remove", "omw")
	var re *ipc.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ipc.CodeNotFound, re.Code)

	_, err = runCtl(t, s, "add", "lonely")
	assert.ErrorIs(t, err, errUsage)

	out, err = runCtl(t, s, "reload")
	require.NoError(t, err)
	assert.Contains(t, out, "Reloaded 1 mappings (feed)")
}

func TestListEmpty(t *testing.T) {
	s, f := startFake(t)
	require.NoError(t, f.RemoveMapping("brb"))
	out, err := runCtl(t, s, "ls")
	require.NoError(t, err)
	assert.Equal(t, "No mappings found.\n", out)
}

func TestStats(t *testing.T) {
	s, _ := startFake(t)
	out, err := runCtl(t, s, "stats", "-recent", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "ENGINE")
	assert.Contains(t, out, "4 (1 failed)")
	assert.Contains(t, out, "RECENT")
	assert.Equal(t, 1, strings.Count(out, "✗"))
	assert.Zero(t, strings.Count(out, "✓"))
}

func TestWatch(t *testing.T) {
	s, _ := startFake(t)

	var out syncBuffer
	k := &ctl{socket: s.SocketPath(), timeout: 5 * time.Second, out: &out}
	done := make(chan error, 1)
	go func() { done <- k.run(context.Background(), "watch", []string{"expansion", "shutdown"}) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Watching expansion, shutdown")
	}, 5*time.Second, 10*time.Millisecond)

	ev, err := ipc.NewEvent(ipc.EventExpansion, ipc.ExpansionEvent{Key: "brb", Trigger: "space", Deleted: 3, Injector: "recorder", DurationMs: 1.5})
	require.NoError(t, err)
	s.Broadcast(ev)
	status, err := ipc.NewEvent(ipc.EventStatus, ipc.StatusEvent{State: "paused"})
	require.NoError(t, err)
	s.Broadcast(status)
	shutdown, err := ipc.NewEvent(ipc.EventShutdown, struct{}{})
	require.NoError(t, err)
	s.Broadcast(shutdown)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after shutdown")
	}
	got := out.String()
	assert.Contains(t, got, "✓ brb (space, 3 deleted, 1.5ms via recorder)")
	assert.Contains(t, got, "daemon shutting down")
	assert.NotContains(t, got, "state")
}

func TestWatchRejectsUnknownType(t *testing.T) {
	s, _ := startFake(t)
	_, err := runCtl(t, s, "watch", "keystrokes")
	assert.ErrorIs(t, err, errUsage)
}

func TestDaemonNotRunning(t *testing.T) {
	k := &ctl{socket: filepath.Join(t.TempDir(), "none.sock"), timeout: time.Second, out: io.Discard}
	err := k.run(context.Background(), "status", nil)
	assert.ErrorIs(t, err, ipc.ErrDaemonNotRunning)
}

func TestUnknownCommand(t *testing.T) {
	s, _ := startFake(t)
	_, err := runCtl(t, s, "frobnicate")
	assert.ErrorIs(t, err, errUsage)
}

func TestResolveSocket(t *testing.T) {
	assert.Equal(t, "/tmp/x.sock", resolveSocket("/tmp/x.sock", ""))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[ipc]\nsocket_path = \"/tmp/from-config.sock\"\n"), 0600))
	assert.Equal(t, "/tmp/from-config.sock", resolveSocket("", dir))
}
