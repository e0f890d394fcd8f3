package mappings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	backupPrefix     = "mappings_backup_"
	backupSuffix     = ".json"
	backupTimeLayout = "20060102_150405"
)

// ErrBadBackupName is returned by Restore for names that are not backups.
var ErrBadBackupName = errors.New("mappings: not a backup name")

// BackupInfo describes one backup file.
type BackupInfo struct {
	Name    string
	Path    string
	Created time.Time
	Size    int64
}

// Backup writes the current table to a new timestamped backup and prunes
// old ones. It returns the backup path.
func (s *Store) Backup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := Encode(s.table, FormatJSON)
	if err != nil {
		return "", err
	}
	return s.writeBackup(data)
}

// backupFile copies the on-disk mappings file into a backup. A missing
// file is not backed up.
func (s *Store) backupFile() (string, error) {
	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read mappings: %w", err)
	}
	return s.writeBackup(data)
}

func (s *Store) writeBackup(data []byte) (string, error) {
	if err := os.MkdirAll(s.opts.BackupDir, 0700); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	name := backupPrefix + s.opts.Now().Format(backupTimeLayout) + backupSuffix
	path := filepath.Join(s.opts.BackupDir, name)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	s.logger.Info("backup created", "path", path)
	s.pruneBackups()
	return path, nil
}

func (s *Store) pruneBackups() {
	backups, err := listBackups(s.opts.BackupDir)
	if err != nil || len(backups) <= s.opts.MaxBackups {
		return
	}
	for _, b := range backups[:len(backups)-s.opts.MaxBackups] {
		if err := os.Remove(b.Path); err == nil {
			s.logger.Info("removed old backup", "path", b.Path)
		}
	}
}

func (s *Store) backupDue() (bool, error) {
	if s.opts.BackupInterval <= 0 {
		return true, nil
	}
	backups, err := listBackups(s.opts.BackupDir)
	if err != nil {
		return false, err
	}
	if len(backups) == 0 {
		return true, nil
	}
	newest := backups[len(backups)-1].Created
	return s.opts.Now().Sub(newest) >= s.opts.BackupInterval, nil
}

// Backups lists the backups, oldest first.
func (s *Store) Backups() ([]BackupInfo, error) {
	return listBackups(s.opts.BackupDir)
}

// Restore replaces the table with the named backup. The current file is
// backed up first.
func (s *Store) Restore(name string) (*Table, error) {
	if filepath.Base(name) != name || !isBackupName(name) {
		return nil, fmt.Errorf("%w: %q", ErrBadBackupName, name)
	}
	data, err := os.ReadFile(filepath.Join(s.opts.BackupDir, name))
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	t, err := Decode(data, FormatJSON)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, err := s.backupFile(); err != nil {
		s.logger.Warn("backup before restore failed", "error", err)
	}
	s.mu.Unlock()

	return s.update(func(_ *Table, l Limits) (*Table, error) {
		return t.Normalized(l.CaseSensitive), nil
	})
}

func isBackupName(name string) bool {
	_, ok := backupTime(name)
	return ok
}

func backupTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
	t, err := time.ParseInLocation(backupTimeLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func listBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		created, ok := backupTime(e.Name())
		if !ok {
			continue
		}
		info := BackupInfo{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Created: created,
		}
		if fi, err := e.Info(); err == nil {
			info.Size = fi.Size()
		}
		backups = append(backups, info)
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Name < backups[j].Name
	})
	return backups, nil
}
