package mappings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Options configure a Store.
type Options struct {
	// Path is the mappings.json location.
	Path string

	// BackupDir holds timestamped backups. Defaults to <dir of Path>/backups.
	BackupDir string

	Limits Limits

	// AutoBackup snapshots the previous file before a save when the newest
	// backup is older than BackupInterval (zero means every save).
	AutoBackup     bool
	BackupInterval time.Duration
	MaxBackups     int

	Logger *slog.Logger

	// Now is the clock used for backup names.
	Now func() time.Time
}

// Store persists the mapping table as a flat JSON object and notifies
// subscribers when it changes, whether through its own methods or through
// an external edit picked up by Watch.
type Store struct {
	mu       sync.Mutex
	opts     Options
	table    *Table
	digest   string
	logger   *slog.Logger
	subMu    sync.Mutex
	onChange []func(*Table)
}

// Open loads the store at opts.Path. A missing file is an empty table.
// Entries that break the limits are dropped with a warning.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("mappings: path is required")
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(filepath.Dir(opts.Path), "backups")
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{opts: opts, logger: logger.With("component", "mappings")}
	t, err := s.readFile()
	if err != nil {
		return nil, err
	}
	s.table = t
	s.digest = t.Digest()
	s.logger.Info("loaded mappings", "count", t.Len(), "path", opts.Path)
	return s, nil
}

func (s *Store) readFile() (*Table, error) {
	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty, nil
		}
		return nil, fmt.Errorf("read mappings: %w", err)
	}
	t, err := Decode(data, FormatJSON)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.opts.Path, err)
	}
	t = t.Normalized(s.opts.Limits.CaseSensitive)
	valid, errs := t.Filter(s.opts.Limits)
	for _, e := range errs {
		s.logger.Warn("skipping mapping", "error", e)
	}
	return valid, nil
}

// Path returns the mappings file location.
func (s *Store) Path() string {
	return s.opts.Path
}

// Table returns the current snapshot.
func (s *Store) Table() *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// SetLimits replaces the limits used by later mutations. When case
// sensitivity is turned off the table is re-normalized in memory; the file
// is rewritten on the next save.
func (s *Store) SetLimits(l Limits) {
	s.mu.Lock()
	changed := s.opts.Limits.CaseSensitive != l.CaseSensitive
	s.opts.Limits = l
	t := s.table
	if changed {
		t = t.Normalized(l.CaseSensitive)
		s.table = t
	}
	s.mu.Unlock()

	if changed {
		s.notify(t)
	}
}

// SetBackupPolicy updates the backup options.
func (s *Store) SetBackupPolicy(auto bool, interval time.Duration, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.AutoBackup = auto
	s.opts.BackupInterval = interval
	if max > 0 {
		s.opts.MaxBackups = max
	}
}

// OnChange registers a callback for every new table.
func (s *Store) OnChange(cb func(*Table)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.onChange = append(s.onChange, cb)
}

func (s *Store) notify(t *Table) {
	s.subMu.Lock()
	callbacks := append([]func(*Table){}, s.onChange...)
	s.subMu.Unlock()
	for _, cb := range callbacks {
		cb(t)
	}
}

// Add sets key to value and saves.
func (s *Store) Add(key, value string) (*Table, error) {
	return s.update(func(t *Table, l Limits) (*Table, error) {
		return t.With(key, value, l)
	})
}

// Remove deletes key and saves. It returns ErrNotFound for unknown keys.
func (s *Store) Remove(key string) (*Table, error) {
	return s.update(func(t *Table, l Limits) (*Table, error) {
		return t.Without(key, l.CaseSensitive)
	})
}

// Clear removes every mapping and saves.
func (s *Store) Clear() error {
	_, err := s.update(func(*Table, Limits) (*Table, error) {
		return Empty, nil
	})
	return err
}

// Replace saves t as the whole table after normalizing and validating it.
func (s *Store) Replace(t *Table) (*Table, error) {
	return s.update(func(_ *Table, l Limits) (*Table, error) {
		n := t.Normalized(l.CaseSensitive)
		if err := n.Validate(l); err != nil {
			return nil, err
		}
		return n, nil
	})
}

// Import reads a JSON, YAML or TOML document and merges it into the table,
// or replaces the table when merge is false. It returns the number of
// entries read. Any invalid entry rejects the whole import.
func (s *Store) Import(path string, merge bool) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read import: %w", err)
	}
	in, err := Decode(data, FormatForPath(path))
	if err != nil {
		return 0, err
	}

	_, err = s.update(func(t *Table, l Limits) (*Table, error) {
		n := in.Normalized(l.CaseSensitive)
		if err := n.Validate(l); err != nil {
			return nil, err
		}
		if merge {
			return t.Merge(n), nil
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("imported mappings", "count", in.Len(), "path", path, "merge", merge)
	return in.Len(), nil
}

// Export writes the table to path in the format implied by its extension.
func (s *Store) Export(path string) error {
	data, err := Encode(s.Table(), FormatForPath(path))
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	s.logger.Info("exported mappings", "path", path)
	return nil
}

// Reload re-reads the file and notifies subscribers if it changed.
func (s *Store) Reload() (*Table, error) {
	s.mu.Lock()
	t, err := s.readFile()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	d := t.Digest()
	changed := d != s.digest
	s.table, s.digest = t, d
	s.mu.Unlock()

	if changed {
		s.notify(t)
	}
	return t, nil
}

func (s *Store) update(fn func(*Table, Limits) (*Table, error)) (*Table, error) {
	s.mu.Lock()
	next, err := fn(s.table, s.opts.Limits)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.save(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.notify(next)
	return next, nil
}

// save writes t under s.mu.
func (s *Store) save(t *Table) error {
	if s.opts.AutoBackup {
		if due, err := s.backupDue(); err != nil {
			s.logger.Warn("check backups", "error", err)
		} else if due {
			if _, err := s.backupFile(); err != nil {
				s.logger.Warn("backup before save failed", "error", err)
			}
		}
	}

	data, err := Encode(t, FormatJSON)
	if err != nil {
		return fmt.Errorf("encode mappings: %w", err)
	}
	if err := writeFileAtomic(s.opts.Path, data); err != nil {
		return err
	}
	s.table = t
	s.digest = t.Digest()
	s.logger.Info("saved mappings", "count", t.Len())
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
