package scheduler_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drewdzzz/integrityspy/internal/scan"
	"github.com/drewdzzz/integrityspy/internal/scheduler"
)

// fakeSignals is a test double for scheduler.SignalSource.
type fakeSignals struct {
	userScan chan struct{}
	shutdown chan struct{}
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{
		userScan: make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
}

func (f *fakeSignals) UserScan() <-chan struct{} { return f.userScan }
func (f *fakeSignals) Shutdown() <-chan struct{} { return f.shutdown }

type recordingObserver struct {
	calls chan []scan.ReportEntry
}

func (o *recordingObserver) ObserveScan(_ scheduler.TriggerKind, entries []scan.ReportEntry) {
	o.calls <- entries
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func readReport(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	return rows
}

func TestScheduler_UserScanThenShutdownProducesReport(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	writeFile(t, dir, "b.txt", "world")

	reportPath := filepath.Join(t.TempDir(), "report.json")
	signals := newFakeSignals()
	obs := &recordingObserver{calls: make(chan []scan.ReportEntry, 8)}

	s := scheduler.New(dir, time.Hour, signals, nil,
		scheduler.WithReportPath(reportPath),
		scheduler.WithObserver(obs),
	)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	signals.userScan <- struct{}{}

	select {
	case entries := <-obs.calls:
		if len(entries) != 2 {
			t.Fatalf("observed %d entries, want 2", len(entries))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for observer callback")
	}

	close(signals.shutdown)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to exit")
	}

	rows := readReport(t, reportPath)
	if len(rows) != 2 {
		t.Fatalf("report has %d rows, want 2", len(rows))
	}
	for _, r := range rows {
		if r["status"] != "OK" {
			t.Errorf("row %v: status != OK", r)
		}
	}
}

func TestScheduler_IgnoredTriggerNeverArrivesNoReport(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")

	reportPath := filepath.Join(t.TempDir(), "report.json")
	signals := newFakeSignals()

	s := scheduler.New(dir, time.Hour, signals, nil, scheduler.WithReportPath(reportPath))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(200 * time.Millisecond)
	if _, err := os.Stat(reportPath); err == nil {
		t.Fatal("report file appeared before Shutdown was signalled")
	}

	close(signals.shutdown)
	<-done
}

func TestScheduler_MixedChangesViaUserScan(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeFile(t, dir, filepath.Join("", "f"+string(rune('0'+i))+".txt"), "content")
	}

	reportPath := filepath.Join(t.TempDir(), "report.json")
	signals := newFakeSignals()
	s := scheduler.New(dir, time.Hour, signals, nil, scheduler.WithReportPath(reportPath))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// Let the baseline settle, then mutate the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.Remove(filepath.Join(dir, "f0.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "f1.txt"), []byte("changed"), 0o644); err != nil {
		t.Fatalf("modify: %v", err)
	}
	writeFile(t, dir, "new.txt", "brand new")

	signals.userScan <- struct{}{}
	time.Sleep(200 * time.Millisecond)
	close(signals.shutdown)

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows := readReport(t, reportPath)
	if len(rows) != 6 { // 5 baseline + 1 new
		t.Fatalf("len(rows) = %d, want 6", len(rows))
	}

	var ok, fail, absent, new_ int
	for _, r := range rows {
		switch r["status"] {
		case "OK":
			ok++
		case "FAIL":
			fail++
		case "ABSENT":
			absent++
		case "NEW":
			new_++
		}
	}
	if absent != 1 || fail != 1 || new_ != 1 || ok != 3 {
		t.Fatalf("counts ok=%d fail=%d absent=%d new=%d, want ok=3 fail=1 absent=1 new=1", ok, fail, absent, new_)
	}
}
