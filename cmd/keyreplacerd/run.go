package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"keyreplacer/internal/config"
	"keyreplacer/internal/expander"
	"keyreplacer/internal/inject"
	"keyreplacer/internal/keystroke"
	"keyreplacer/internal/logging"
)

func cmdRun(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configDir := fs.String("config-dir", "", "directory holding config.toml")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	noFileLog := fs.Bool("no-file-logging", false, "disable the log file")
	dryRun := fs.Bool("dry-run", false, "read lines from stdin and print expansions instead of typing them")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := configFile(*configDir)
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	logger, err := newLogger(cfg, *logLevel, !*noFileLog && cfg.Advanced.EnableLogging)
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)

	if created {
		logger.Info("created default configuration", "path", path)
	}
	logger.Info("keyreplacer starting",
		"version", Version,
		"config", path,
		"data_dir", cfg.Paths.DataDir,
		"cache_dir", cfg.Paths.CacheDir)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	lock, err := acquireLock(cfg.PIDPath())
	if err != nil {
		return err
	}
	defer lock.release()

	opts := daemonOptions{ConfigPath: path, Config: cfg, Logger: logger, DryRun: *dryRun}
	var sim *keystroke.Simulated
	if *dryRun {
		sim = keystroke.NewSimulated()
		opts.Source = sim
		opts.Injector = inject.NewRecorder()
	}

	d, err := newDaemon(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *dryRun {
		d.echo = out
	}
	if err := d.start(ctx); err != nil {
		d.closeResources()
		return err
	}
	defer d.stop()

	if sim != nil {
		fmt.Fprintln(out, "Dry run: type lines on stdin, end with Ctrl+D.")
		go func() {
			feedLines(os.Stdin, sim)
			cancel()
		}()
	} else {
		fmt.Fprintln(out, "Key Replacer is running in headless mode...")
		fmt.Fprintln(out, "Press Ctrl+C to stop.")
	}

	return waitForShutdown(ctx, d)
}

// waitForShutdown blocks until ctx ends or SIGINT/SIGTERM arrives. SIGHUP
// reloads configuration and mappings.
func waitForShutdown(ctx context.Context, d *daemon) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if _, err := d.Reload(); err != nil {
					d.logger.Error("reload", "error", err)
				}
				continue
			}
			d.logger.Info("shutting down", "signal", sig.String())
			return nil
		}
	}
}

// feedLines types each line of r into the simulated source followed by
// enter.
func feedLines(r io.Reader, sim *keystroke.Simulated) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := sim.Type(sc.Text()); err != nil {
			return
		}
		if err := sim.Send(keystroke.Named(keystroke.KeyEnter)); err != nil {
			return
		}
	}
}

func newLogger(cfg *config.Config, levelFlag string, toFile bool) (*logging.Logger, error) {
	lc := logging.DefaultConfig()

	name := cfg.Advanced.LogLevel
	if levelFlag != "" {
		name = levelFlag
	}
	lvl, err := logging.ParseLevel(name)
	if err != nil {
		return nil, err
	}
	lc.Level = lvl

	if f, err := logging.ParseFormat(cfg.Advanced.LogFormat); err == nil {
		lc.Format = f
	}
	if toFile {
		lc.Output = "both"
		lc.FilePath = cfg.LogPath()
	}
	return logging.New(lc)
}

// echoAttempt prints a dry-run expansion and clears the recorder.
func (d *daemon) echoAttempt(ev expander.Event, err error) {
	if d.echo == nil {
		return
	}
	if err != nil {
		fmt.Fprintf(d.echo, "✗ %s: %v\n", ev.Key, err)
	} else {
		fmt.Fprintf(d.echo, "✓ %s → %s (deleted %d, trigger %s)\n", ev.Key, ev.Replacement, ev.Deleted, ev.Trigger.String())
	}
	if rec, ok := d.injector.(*inject.Recorder); ok {
		rec.Reset()
	}
}
