package logcsv

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/linetap/internal/frame"
	"example.com/linetap/internal/sink"
)

func entryAt(t time.Time, seq uint64, payload string) *sink.Entry {
	return &sink.Entry{
		Seq:       seq,
		Time:      t,
		Direction: sink.AToB,
		Frame:     frame.ParseRaw([]byte(payload)),
		Before:    []byte(payload),
	}
}

func readRecords(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	recs, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return recs
}

func TestAppendWritesHeaderAndRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	e := entryAt(ts, 7, "ab")
	e.After = []byte("xy")
	e.RuleID = "r9"
	if err := w.Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := filepath.Join(dir, "linetap-2026-08-30.csv")
	recs := readRecords(t, path)
	if len(recs) != 2 {
		t.Fatalf("%d records, want header + 1", len(recs))
	}
	for i, col := range Header {
		if recs[0][i] != col {
			t.Fatalf("header[%d] = %q, want %q", i, recs[0][i], col)
		}
	}
	rec := recs[1]
	if rec[0] != "7" || rec[2] != string(sink.AToB) || rec[3] != string(frame.Raw) {
		t.Fatalf("record = %v", rec)
	}
	if rec[4] != "6162" || rec[5] != "7879" || rec[7] != "r9" || rec[8] != "false" {
		t.Fatalf("record = %v", rec)
	}
	if !strings.Contains(rec[6], "length=2") {
		t.Fatalf("flattened fields = %q", rec[6])
	}
}

func TestUnmodifiedEntryLeavesAfterEmpty(t *testing.T) {
	e := entryAt(time.Now(), 1, "ab")
	rec := Record(e)
	if rec[5] != "" {
		t.Fatalf("raw_after = %q for unmodified entry", rec[5])
	}
}

func TestDayRollover(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	d1 := time.Date(2026, 8, 30, 23, 59, 0, 0, time.UTC)
	d2 := time.Date(2026, 8, 31, 0, 1, 0, 0, time.UTC)
	if err := w.Append(entryAt(d1, 1, "a")); err != nil {
		t.Fatalf("Append day 1: %v", err)
	}
	if err := w.Append(entryAt(d2, 2, "b")); err != nil {
		t.Fatalf("Append day 2: %v", err)
	}

	files, err := w.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if filepath.Base(files[0]) != "linetap-2026-08-30.csv" || filepath.Base(files[1]) != "linetap-2026-08-31.csv" {
		t.Fatalf("files = %v", files)
	}
}

func TestAppendToExistingDayKeepsSingleHeader(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	w, err := NewWriter(dir, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Append(entryAt(ts, 1, "a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close()

	w, err = NewWriter(dir, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()
	if err := w.Append(entryAt(ts.Add(time.Hour), 2, "b")); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}

	recs := readRecords(t, filepath.Join(dir, "linetap-2026-08-30.csv"))
	if len(recs) != 3 {
		t.Fatalf("%d records, want header + 2", len(recs))
	}
	if recs[1][0] != "1" || recs[2][0] != "2" {
		t.Fatalf("records out of order: %v", recs[1:])
	}
}

func TestRetentionPrunesOldestFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 2)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := w.Append(entryAt(base.AddDate(0, 0, i), uint64(i+1), "x")); err != nil {
			t.Fatalf("Append day %d: %v", i, err)
		}
	}
	files, err := w.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("retention kept %d files: %v", len(files), files)
	}
	if filepath.Base(files[0]) != "linetap-2026-08-03.csv" {
		t.Fatalf("oldest surviving file = %s", files[0])
	}
}

func TestExportRange(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := w.Append(entryAt(base.AddDate(0, 0, i), uint64(i+1), "x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := w.ExportRange(&buf, base, base.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("ExportRange: %v", err)
	}
	recs, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse export: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("%d exported records, want header + 2", len(recs))
	}
	if recs[1][0] != "1" || recs[2][0] != "2" {
		t.Fatalf("exported sequences: %v, %v", recs[1][0], recs[2][0])
	}

	if err := w.ExportRange(&buf, base.AddDate(0, 1, 0), base.AddDate(0, 1, 5)); err == nil {
		t.Fatal("export of empty range succeeded")
	}
}

func TestRunConsumesSubscription(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	s := sink.New(10, time.Second)
	sub := s.Subscribe(4)
	done := make(chan struct{})
	go func() {
		w.Run(sub)
		close(done)
	}()

	if _, err := s.Publish(&sink.Entry{
		Direction: sink.AToB,
		Frame:     frame.ParseRaw([]byte("hi")),
		Before:    []byte("hi"),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	s.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer loop did not exit after sink close")
	}

	files, err := w.Files()
	if err != nil || len(files) != 1 {
		t.Fatalf("files = %v, %v", files, err)
	}
	recs := readRecords(t, files[0])
	if len(recs) != 2 {
		t.Fatalf("%d records", len(recs))
	}
}
