// keyreplacerctl is the control CLI for a running keyreplacerd.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"keyreplacer/internal/config"
	"keyreplacer/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

var errUsage = errors.New("usage")

// ANSI styles; empty when stdout is not a terminal.
type palette struct {
	Reset, Bold, Dim, Green, Yellow, Red, Cyan string
}

var c palette

func init() {
	if term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == "" {
		c = palette{
			Reset:  "\033[0m",
			Bold:   "\033[1m",
			Dim:    "\033[2m",
			Green:  "\033[32m",
			Yellow: "\033[33m",
			Red:    "\033[31m",
			Cyan:   "\033[36m",
		}
	}
}

func main() {
	fs := flag.NewFlagSet("keyreplacerctl", flag.ContinueOnError)
	socket := fs.String("socket", "", "control socket path (default: from config)")
	configDir := fs.String("config-dir", "", "directory holding config.toml")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Usage = func() { usage(os.Stderr) }
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if fs.NArg() < 1 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := &ctl{
		socket:  resolveSocket(*socket, *configDir),
		timeout: *timeout,
		out:     os.Stdout,
	}
	if err := cli.run(ctx, fs.Arg(0), fs.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
			os.Exit(2)
		}
		printError(os.Stderr, err)
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintf(os.Stderr, "  %sTip%s: start the daemon with: keyreplacerd run\n", c.Dim, c.Reset)
		}
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `keyreplacerctl - control a running keyreplacerd

Usage: keyreplacerctl [options] <command> [args]

Commands:
  status            Show daemon state and mapping count
  ping              Check that the daemon answers
  pause             Stop expanding until resumed
  resume            Resume expanding
  toggle            Switch between paused and running
  reload            Re-read the config and mappings files
  add KEY VALUE     Add or replace a mapping
  remove KEY        Remove a mapping
  list              List mappings
  stats [-recent N] Show counters and most used shortcuts
  watch [TYPE...]   Stream events (expansion, status, error, mappings, shutdown)
  help              Show this help message

Options:
  -socket PATH      Control socket (default: from config)
  -config-dir DIR   Directory holding config.toml
  -timeout D        Request timeout (default 10s)`)
}

// resolveSocket picks the socket from the flag, the config file or the
// platform default, in that order.
func resolveSocket(flagPath, configDir string) string {
	if flagPath != "" {
		return flagPath
	}
	path := config.FindConfigFile()
	if configDir != "" {
		path = findConfigIn(configDir)
	}
	if cfg, err := config.Load(path); err == nil && cfg.IPC.SocketPath != "" {
		return cfg.IPC.SocketPath
	}
	return config.DefaultSocketPath()
}

func findConfigIn(dir string) string {
	for _, ext := range config.SupportedConfigFormats() {
		p := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.toml")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s%s%s%s\n", c.Bold, c.Cyan, title, c.Reset)
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s%s✗%s %v\n", c.Bold, c.Red, c.Reset, err)
}

func printOK(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s%s✓%s %s\n", c.Bold, c.Green, c.Reset, fmt.Sprintf(format, args...))
}
