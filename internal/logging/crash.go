package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// maxCrashReports bounds the number of dumps kept on disk.
const maxCrashReports = 20

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time         `json:"timestamp"`
	Version      string            `json:"version"`
	GOOS         string            `json:"goos"`
	GOARCH       string            `json:"goarch"`
	NumGoroutine int               `json:"num_goroutine"`
	PanicValue   string            `json:"panic_value"`
	StackTrace   string            `json:"stack_trace"`
	Component    string            `json:"component,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// CrashHandler writes crash reports as JSON files. A nil handler only
// reports to the logger.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	logger    *Logger
}

// NewCrashHandler creates a CrashHandler writing into dir.
func NewCrashHandler(dir, version, component string, logger *Logger) *CrashHandler {
	if logger == nil {
		logger = Default()
	}
	return &CrashHandler{
		crashDir:  dir,
		version:   version,
		component: component,
		logger:    logger,
	}
}

// Report records a panic value and its stack. It returns the dump path.
func (h *CrashHandler) Report(value any, stack []byte, context map[string]string) (string, error) {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", value),
		StackTrace:   string(stack),
		Component:    h.component,
		Context:      context,
	}

	h.logger.Error("recovered panic",
		"panic", report.PanicValue,
		"stack", report.StackTrace,
	)

	h.mu.Lock()
	defer h.mu.Unlock()

	path, err := h.writeCrashDump(report)
	if err != nil {
		h.logger.Warn("write crash report", "error", err)
		return "", err
	}
	h.prune()
	return path, nil
}

// Recover is deferred at the top of goroutines; it records a panic and
// lets the goroutine exit.
func (h *CrashHandler) Recover(context map[string]string) {
	if r := recover(); r != nil {
		h.Report(r, debug.Stack(), context)
	}
}

func (h *CrashHandler) writeCrashDump(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.crashDir, 0750); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}

	filename := fmt.Sprintf("crash-%s-%s.json",
		report.Component,
		report.Timestamp.Format("20060102-150405.000"))
	path := filepath.Join(h.crashDir, filename)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

func (h *CrashHandler) prune() {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil || len(files) <= maxCrashReports {
		return
	}
	sort.Strings(files)
	for _, f := range files[:len(files)-maxCrashReports] {
		os.Remove(f)
	}
}

// Reports returns the stored crash reports, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}
