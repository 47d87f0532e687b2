// Package logcsv writes the persistent traffic log consumed by external
// tooling: one CSV record per log entry, one file per calendar day, with a
// bounded number of daily files kept on disk.
package logcsv

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/linetap/internal/common"
	"example.com/linetap/internal/sink"
)

const (
	filePrefix = "linetap-"
	fileSuffix = ".csv"
	dayLayout  = "2006-01-02"
)

// Header is the first record of every daily file.
var Header = []string{
	"sequence", "timestamp", "direction", "protocol",
	"raw_before", "raw_after", "fields", "rule_id", "error",
}

// Writer appends log entries to daily CSV files under a single directory.
type Writer struct {
	dir      string
	maxFiles int

	mu   sync.Mutex
	day  string
	file *os.File
	csv  *csv.Writer
}

// NewWriter prepares the log directory. maxFiles bounds how many daily
// files are retained; zero keeps everything.
func NewWriter(dir string, maxFiles int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("log directory: %w", err)
	}
	return &Writer{dir: dir, maxFiles: maxFiles}, nil
}

// Dir returns the log directory.
func (w *Writer) Dir() string { return w.dir }

// Append writes one entry, opening a new daily file when the entry's
// timestamp crosses a calendar-day boundary.
func (w *Writer) Append(e *sink.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	day := e.Time.Format(dayLayout)
	if day != w.day {
		if err := w.rotateLocked(day); err != nil {
			return err
		}
	}
	if err := w.csv.Write(Record(e)); err != nil {
		return err
	}
	w.csv.Flush()
	return w.csv.Error()
}

// Close flushes and closes the current daily file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) closeLocked() error {
	if w.file == nil {
		return nil
	}
	w.csv.Flush()
	err := w.csv.Error()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	w.csv = nil
	w.day = ""
	return err
}

func (w *Writer) rotateLocked(day string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := filepath.Join(w.dir, filePrefix+day+fileSuffix)
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.csv = csv.NewWriter(f)
	w.day = day
	if os.IsNotExist(statErr) {
		if err := w.csv.Write(Header); err != nil {
			return err
		}
		w.csv.Flush()
	}
	if w.maxFiles > 0 {
		w.pruneLocked()
	}
	return w.csv.Error()
}

// pruneLocked removes the oldest daily files beyond the retention limit.
// The file names sort chronologically, so lexical order is enough.
func (w *Writer) pruneLocked() {
	files, err := listLogFiles(w.dir)
	if err != nil {
		common.Logf("log retention: %v", err)
		return
	}
	for len(files) > w.maxFiles {
		victim := files[0]
		files = files[1:]
		if err := os.Remove(victim); err != nil {
			common.Logf("log retention: remove %s: %v", victim, err)
		}
	}
}

// Files lists the daily log files in chronological order.
func (w *Writer) Files() ([]string, error) {
	return listLogFiles(w.dir)
}

func listLogFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// ExportRange concatenates the daily files whose dates fall within
// [from, to] into out, writing a single header.
func (w *Writer) ExportRange(out io.Writer, from, to time.Time) error {
	w.mu.Lock()
	if w.csv != nil {
		w.csv.Flush()
	}
	w.mu.Unlock()

	files, err := listLogFiles(w.dir)
	if err != nil {
		return err
	}
	fromDay := from.Format(dayLayout)
	toDay := to.Format(dayLayout)
	wrote := false
	for _, path := range files {
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), filePrefix), fileSuffix)
		if day < fromDay || day > toDay {
			continue
		}
		if err := appendFile(out, path, !wrote); err != nil {
			return err
		}
		wrote = true
	}
	if !wrote {
		return fmt.Errorf("no log files between %s and %s", fromDay, toDay)
	}
	return nil
}

func appendFile(out io.Writer, path string, keepHeader bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !keepHeader {
		if i := strings.IndexByte(string(data), '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	_, err = out.Write(data)
	return err
}

// Record renders one entry as a CSV record in Header order.
func Record(e *sink.Entry) []string {
	after := ""
	if e.Modified() {
		after = common.CompactHex(e.After)
	}
	fields := make([]string, 0, len(e.Frame.Fields))
	for _, f := range e.Frame.Fields {
		fields = append(fields, f.Key+"="+f.Value)
	}
	return []string{
		strconv.FormatUint(e.Seq, 10),
		e.Time.Format(time.RFC3339Nano),
		string(e.Direction),
		string(e.Frame.Protocol),
		common.CompactHex(e.Before),
		after,
		strings.Join(fields, "; "),
		e.RuleID,
		strconv.FormatBool(e.Error),
	}
}

// Run consumes a sink subscription until its channel closes. Intended to
// run as the daemon's log writer goroutine.
func (w *Writer) Run(sub *sink.Subscription) {
	for e := range sub.C {
		if err := w.Append(e); err != nil {
			common.Logf("log writer: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		common.Logf("log writer: close: %v", err)
	}
}
