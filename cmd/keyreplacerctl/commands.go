package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"keyreplacer/internal/ipc"
)

// ctl runs one command against the daemon.
type ctl struct {
	socket  string
	timeout time.Duration
	out     io.Writer
}

func (k *ctl) dial(ctx context.Context) (*ipc.Conn, error) {
	return ipc.Dial(ctx, ipc.ClientConfig{
		SocketPath:     k.socket,
		ClientName:     "keyreplacerctl",
		ClientVersion:  Version,
		RequestTimeout: k.timeout,
	})
}

func (k *ctl) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "-h", "--help":
		usage(k.out)
		return nil
	case "version":
		fmt.Fprintf(k.out, "keyreplacerctl %s\n", Version)
		return nil
	}

	conn, err := k.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	switch cmd {
	case "status":
		return k.status(ctx, conn)
	case "ping":
		return k.ping(ctx, conn)
	case "pause":
		return k.state(conn.Pause(ctx))
	case "resume":
		return k.state(conn.Resume(ctx))
	case "toggle":
		return k.state(conn.Toggle(ctx))
	case "reload":
		return k.reload(ctx, conn)
	case "add":
		if len(args) != 2 {
			return fmt.Errorf("%w: add KEY VALUE", errUsage)
		}
		if err := conn.AddMapping(ctx, args[0], args[1]); err != nil {
			return err
		}
		printOK(k.out, "Added mapping: %s → %s", args[0], args[1])
		return nil
	case "remove", "rm":
		if len(args) != 1 {
			return fmt.Errorf("%w: remove KEY", errUsage)
		}
		if err := conn.RemoveMapping(ctx, args[0]); err != nil {
			return err
		}
		printOK(k.out, "Removed mapping: %s", args[0])
		return nil
	case "list", "ls":
		return k.list(ctx, conn)
	case "stats":
		return k.stats(ctx, conn, args)
	case "watch":
		return k.watch(ctx, conn, args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (k *ctl) status(ctx context.Context, conn *ipc.Conn) error {
	st, err := conn.Status(ctx)
	if err != nil {
		return err
	}

	printSection(k.out, "DAEMON STATUS")
	fmt.Fprintf(k.out, "  %sVersion%s        %s%s%s\n", c.Dim, c.Reset, c.Cyan, st.Version, c.Reset)
	fmt.Fprintf(k.out, "  %sState%s          %s\n", c.Dim, c.Reset, stateLabel(st.State))
	fmt.Fprintf(k.out, "  %sUptime%s         %s\n", c.Dim, c.Reset, (time.Duration(st.Uptime * float64(time.Second))).Round(time.Second))
	fmt.Fprintf(k.out, "  %sSystem%s         %s\n", c.Dim, c.Reset, st.System)
	fmt.Fprintf(k.out, "  %sInjector%s       %s\n", c.Dim, c.Reset, st.Injector)
	if st.DryRun {
		fmt.Fprintf(k.out, "  %sMode%s           %sDRY RUN%s\n", c.Dim, c.Reset, c.Yellow, c.Reset)
	}

	printSection(k.out, "MAPPINGS")
	fmt.Fprintf(k.out, "  %sCount%s          %d\n", c.Dim, c.Reset, st.MappingsCount)
	fmt.Fprintf(k.out, "  %sDigest%s         %s\n", c.Dim, c.Reset, shortDigest(st.MappingsDigest))
	fmt.Fprintf(k.out, "  %sBuffered%s       %d characters\n", c.Dim, c.Reset, st.BufferLen)
	fmt.Fprintln(k.out)
	return nil
}

func stateLabel(state string) string {
	color := c.Red
	switch state {
	case "running":
		color = c.Green
	case "paused":
		color = c.Yellow
	}
	return c.Bold + color + strings.ToUpper(state) + c.Reset
}

func shortDigest(d string) string {
	if len(d) > 16 {
		return d[:16]
	}
	return d
}

func (k *ctl) ping(ctx context.Context, conn *ipc.Conn) error {
	start := time.Now()
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("daemon not responding: %w", err)
	}
	fmt.Fprintf(k.out, "  %sDaemon%s  %s%sRUNNING%s (latency: %s)\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset, time.Since(start).Round(time.Microsecond))
	return nil
}

func (k *ctl) state(state string, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(k.out, "Expansion %s\n", stateLabel(state))
	return nil
}

func (k *ctl) reload(ctx context.Context, conn *ipc.Conn) error {
	resp, err := conn.Reload(ctx)
	if err != nil {
		return err
	}
	printOK(k.out, "Reloaded %d mappings (%s)", resp.MappingsCount, shortDigest(resp.MappingsDigest))
	return nil
}

func (k *ctl) list(ctx context.Context, conn *ipc.Conn) error {
	resp, err := conn.ListMappings(ctx)
	if err != nil {
		return err
	}
	if len(resp.Mappings) == 0 {
		fmt.Fprintln(k.out, "No mappings found.")
		return nil
	}

	keys := make([]string, 0, len(resp.Mappings))
	for key := range resp.Mappings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Fprintf(k.out, "Found %d mappings:\n", len(keys))
	fmt.Fprintln(k.out, strings.Repeat("-", 50))
	for _, key := range keys {
		fmt.Fprintf(k.out, "%-20s → %s\n", key, resp.Mappings[key])
	}
	return nil
}

func (k *ctl) stats(ctx context.Context, conn *ipc.Conn, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	recent := fs.Int("recent", 5, "recent expansions to show")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	st, err := conn.Stats(ctx, *recent)
	if err != nil {
		return err
	}

	printSection(k.out, "ENGINE")
	fmt.Fprintf(k.out, "  %sKeystrokes%s     %d\n", c.Dim, c.Reset, st.Tokens)
	fmt.Fprintf(k.out, "  %sExpansions%s     %d\n", c.Dim, c.Reset, st.Expansions)
	fmt.Fprintf(k.out, "  %sFailures%s       %d\n", c.Dim, c.Reset, st.InjectionFailures)
	fmt.Fprintf(k.out, "  %sFaults%s         %d\n", c.Dim, c.Reset, st.ListenerFaults)
	fmt.Fprintf(k.out, "  %sRestarts%s       %d\n", c.Dim, c.Reset, st.SourceRestarts)

	printSection(k.out, "HISTORY")
	fmt.Fprintf(k.out, "  %sTotal%s          %d (%d failed)\n", c.Dim, c.Reset, st.HistoryTotal, st.HistoryFailures)
	for i, kc := range st.Keys {
		if i == 10 {
			break
		}
		fmt.Fprintf(k.out, "  %-20s %6d\n", kc.Key, kc.Count)
	}

	if len(st.Recent) > 0 {
		printSection(k.out, "RECENT")
		for _, r := range st.Recent {
			mark := c.Green + "✓" + c.Reset
			if !r.OK {
				mark = c.Red + "✗" + c.Reset
			}
			fmt.Fprintf(k.out, "  %s %s %-20s %-6s %.1fms\n", mark, r.Time.Local().Format("15:04:05"), r.Key, r.Trigger, r.DurationMs)
		}
	}
	fmt.Fprintln(k.out)
	return nil
}

var eventTypes = map[string]ipc.EventType{
	"expansion": ipc.EventExpansion,
	"status":    ipc.EventStatus,
	"error":     ipc.EventError,
	"mappings":  ipc.EventMappingsChanged,
	"shutdown":  ipc.EventShutdown,
}

// watch prints events until ctx ends or the daemon goes away.
func (k *ctl) watch(ctx context.Context, conn *ipc.Conn, args []string) error {
	var types []ipc.EventType
	for _, a := range args {
		t, ok := eventTypes[strings.ToLower(a)]
		if !ok {
			return fmt.Errorf("%w: unknown event type %q", errUsage, a)
		}
		types = append(types, t)
	}

	got, err := conn.Subscribe(ctx, types...)
	if err != nil {
		return err
	}
	names := make([]string, len(got))
	for i, t := range got {
		names[i] = t.String()
	}
	fmt.Fprintf(k.out, "%s%sWatching%s %s (Ctrl+C to stop)\n", c.Bold, c.Green, c.Reset, strings.Join(names, ", "))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-conn.Events():
			if !ok {
				return ipc.ErrConnectionLost
			}
			fmt.Fprintln(k.out, formatEvent(ev))
			if ev.Type == ipc.EventShutdown {
				return nil
			}
		}
	}
}

func formatEvent(ev *ipc.Event) string {
	ts := ev.Time.Local().Format("15:04:05")
	switch ev.Type {
	case ipc.EventExpansion:
		var x ipc.ExpansionEvent
		if json.Unmarshal(ev.Data, &x) == nil {
			if x.Error != "" {
				return fmt.Sprintf("[%s] %s✗ %s%s: %s", ts, c.Red, x.Key, c.Reset, x.Error)
			}
			return fmt.Sprintf("[%s] %s✓ %s%s (%s, %d deleted, %.1fms via %s)", ts, c.Green, x.Key, c.Reset, x.Trigger, x.Deleted, x.DurationMs, x.Injector)
		}
	case ipc.EventStatus:
		var s ipc.StatusEvent
		if json.Unmarshal(ev.Data, &s) == nil {
			return fmt.Sprintf("[%s] state %s", ts, stateLabel(s.State))
		}
	case ipc.EventError:
		var e ipc.ErrorEvent
		if json.Unmarshal(ev.Data, &e) == nil {
			return fmt.Sprintf("[%s] %serror%s %s", ts, c.Red, c.Reset, e.Message)
		}
	case ipc.EventMappingsChanged:
		var m ipc.MappingsEvent
		if json.Unmarshal(ev.Data, &m) == nil {
			return fmt.Sprintf("[%s] mappings changed: %d (%s)", ts, m.Count, shortDigest(m.Digest))
		}
	case ipc.EventShutdown:
		return fmt.Sprintf("[%s] daemon shutting down", ts)
	}
	return fmt.Sprintf("[%s] %s %s", ts, ev.Type, string(ev.Data))
}
