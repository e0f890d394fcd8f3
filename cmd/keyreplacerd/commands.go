package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rivo/uniseg"

	"keyreplacer/internal/config"
	"keyreplacer/internal/history"
	"keyreplacer/internal/logging"
	"keyreplacer/internal/mappings"
)

// listValueWidth is where list truncates values.
const listValueWidth = 80

// configFile returns the config file inside dir, or the platform default
// when dir is empty.
func configFile(dir string) string {
	if dir == "" {
		return config.FindConfigFile()
	}
	for _, ext := range config.SupportedConfigFormats() {
		path := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, "config.toml")
}

// adminEnv is what the one-shot commands work on.
type adminEnv struct {
	cfg   *config.Config
	store *mappings.Store
}

// parseAdmin parses the shared -config-dir flag plus anything fs already
// defines, then opens the configuration and the mappings store.
func parseAdmin(fs *flag.FlagSet, args []string) (*adminEnv, error) {
	configDir := fs.String("config-dir", "", "directory holding config.toml")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, _, err := config.LoadOrCreate(configFile(*configDir))
	if err != nil {
		return nil, err
	}

	// Commands report through their own output; the store only logs
	// problems.
	logger, err := logging.New(&logging.Config{Level: logging.LevelWarn, Output: "stderr"})
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg, logger.Logger)
	if err != nil {
		return nil, err
	}
	return &adminEnv{cfg: cfg, store: store}, nil
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func cmdAdd(args []string, out io.Writer) error {
	fs := newFlagSet("add")
	env, err := parseAdmin(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: add KEY VALUE", errUsage)
	}
	key, value := fs.Arg(0), fs.Arg(1)

	if _, err := env.store.Add(key, value); err != nil {
		return fmt.Errorf("add mapping %q: %w", key, err)
	}
	fmt.Fprintf(out, "✓ Added mapping: %s → %s\n", key, value)
	return nil
}

func cmdRemove(args []string, out io.Writer) error {
	fs := newFlagSet("remove")
	env, err := parseAdmin(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: remove KEY", errUsage)
	}

	if _, err := env.store.Remove(fs.Arg(0)); err != nil {
		return fmt.Errorf("remove mapping %q: %w", fs.Arg(0), err)
	}
	fmt.Fprintf(out, "✓ Removed mapping: %s\n", fs.Arg(0))
	return nil
}

func cmdList(args []string, out io.Writer) error {
	env, err := parseAdmin(newFlagSet("list"), args)
	if err != nil {
		return err
	}

	t := env.store.Table()
	if t.Len() == 0 {
		fmt.Fprintln(out, "No mappings found.")
		return nil
	}
	fmt.Fprintf(out, "Found %d mappings:\n", t.Len())
	fmt.Fprintln(out, strings.Repeat("-", 50))
	for _, k := range t.Keys() {
		v, _ := t.Get(k)
		fmt.Fprintf(out, "%-20s → %s\n", k, truncate(v, listValueWidth))
	}
	return nil
}

// truncate shortens s to at most n runes followed by "...". It cuts
// between grapheme clusters so a combining mark is never separated from
// its base.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	var b strings.Builder
	runes := 0
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		cluster := g.Str()
		k := utf8.RuneCountInString(cluster)
		if runes+k > n {
			break
		}
		b.WriteString(cluster)
		runes += k
	}
	return b.String() + "..."
}

func cmdClear(args []string, out io.Writer) error {
	env, err := parseAdmin(newFlagSet("clear"), args)
	if err != nil {
		return err
	}

	n := env.store.Table().Len()
	if n == 0 {
		fmt.Fprintln(out, "No mappings to clear.")
		return nil
	}
	backup, err := env.store.Backup()
	if err != nil {
		return fmt.Errorf("backup before clear: %w", err)
	}
	if err := env.store.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Cleared %d mappings (backup: %s)\n", n, filepath.Base(backup))
	return nil
}

func cmdImport(args []string, out io.Writer) error {
	fs := newFlagSet("import")
	replace := fs.Bool("replace", false, "replace the table instead of merging")
	env, err := parseAdmin(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: import [-replace] FILE", errUsage)
	}
	path := fs.Arg(0)

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file not found: %s", path)
	}
	n, err := env.store.Import(path, !*replace)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	fmt.Fprintf(out, "✓ Imported %d mappings from %s\n", n, path)
	fmt.Fprintf(out, "Total mappings: %d\n", env.store.Table().Len())
	return nil
}

func cmdExport(args []string, out io.Writer) error {
	fs := newFlagSet("export")
	env, err := parseAdmin(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: export FILE", errUsage)
	}

	if err := env.store.Export(fs.Arg(0)); err != nil {
		return fmt.Errorf("export %s: %w", fs.Arg(0), err)
	}
	fmt.Fprintf(out, "✓ Exported %d mappings to %s\n", env.store.Table().Len(), fs.Arg(0))
	return nil
}

func cmdBackup(args []string, out io.Writer) error {
	env, err := parseAdmin(newFlagSet("backup"), args)
	if err != nil {
		return err
	}
	path, err := env.store.Backup()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Backed up %d mappings to %s\n", env.store.Table().Len(), path)
	return nil
}

func cmdBackups(args []string, out io.Writer) error {
	env, err := parseAdmin(newFlagSet("backups"), args)
	if err != nil {
		return err
	}
	list, err := env.store.Backups()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No backups found.")
		return nil
	}
	for _, b := range list {
		fmt.Fprintf(out, "%s  %s  %d bytes\n", b.Name, b.Created.Format("2006-01-02 15:04:05"), b.Size)
	}
	return nil
}

func cmdRestore(args []string, out io.Writer) error {
	fs := newFlagSet("restore")
	env, err := parseAdmin(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: restore NAME", errUsage)
	}

	t, err := env.store.Restore(fs.Arg(0))
	if err != nil {
		if errors.Is(err, mappings.ErrBadBackupName) {
			return fmt.Errorf("%w (see keyreplacerd backups)", err)
		}
		return err
	}
	fmt.Fprintf(out, "✓ Restored %d mappings from %s\n", t.Len(), fs.Arg(0))
	return nil
}

func cmdResetConfig(args []string, out io.Writer) error {
	fs := newFlagSet("reset-config")
	configDir := fs.String("config-dir", "", "directory holding config.toml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := configFile(*configDir)
	if _, err := config.ResetToDefaults(path); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Configuration reset to defaults: %s\n", path)
	return nil
}

func cmdStats(args []string, out io.Writer) error {
	fs := newFlagSet("stats")
	configDir := fs.String("config-dir", "", "directory holding config.toml")
	recent := fs.Int("recent", 10, "number of recent expansions to show")
	top := fs.Int("top", 10, "number of keys to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configFile(*configDir))
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.HistoryPath()); err != nil {
		fmt.Fprintln(out, "No expansion history yet.")
		return printLogFiles(out, cfg.LogPath())
	}

	db, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return err
	}
	defer db.Close()

	sum, err := db.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Expansions: %d (%d failed)\n", sum.Total, sum.Failures)
	if len(sum.Keys) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Most used:")
		for i, k := range sum.Keys {
			if i >= *top {
				break
			}
			fmt.Fprintf(out, "  %-20s %6d  last %s\n", k.Key, k.Count, k.LastUsed.Local().Format("2006-01-02 15:04"))
		}
	}

	if *recent > 0 {
		entries, err := db.Recent(*recent)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Recent:")
			for _, e := range entries {
				mark := "✓"
				if !e.OK {
					mark = "✗"
				}
				fmt.Fprintf(out, "  %s %s %-20s %-6s %s\n", mark, e.Time.Local().Format("15:04:05"), e.Key, e.Trigger, e.Duration)
			}
		}
	}
	return printLogFiles(out, cfg.LogPath())
}

// printLogFiles lists the daemon log and its rotated copies.
func printLogFiles(out io.Writer, path string) error {
	files, err := logging.LogFiles(path)
	if err != nil || len(files) == 0 {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Log files:")
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "  %-50s %8d bytes\n", f, info.Size())
	}
	return nil
}
