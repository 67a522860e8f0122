package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/drewdzzz/integrityspy/internal/history"
	"github.com/drewdzzz/integrityspy/internal/scheduler"
)

func openMemQueue(t *testing.T) *history.SQLiteQueue {
	t.Helper()
	q, err := history.OpenSQLiteQueue(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteQueue(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func sampleSummary(ok int) history.ScanSummary {
	return history.ScanSummary{Trigger: scheduler.TriggerUserScan, OK: ok, Fail: 0, New: 0, Absent: 0}
}

func TestOpenSQLiteQueue_InMemory_EmptyDepth(t *testing.T) {
	q := openMemQueue(t)
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestOpenSQLiteQueue_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	q, err := history.OpenSQLiteQueue(path)
	if err != nil {
		t.Fatalf("OpenSQLiteQueue(%q): %v", path, err)
	}
	_ = q.Close()
}

func TestEnqueue_IncreasesDepth(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, time.Now(), sampleSummary(3)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d after one Enqueue, want 1", d)
	}
}

func TestEnqueue_MultipleRows_DepthAccumulates(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, time.Now(), sampleSummary(i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if d := q.Depth(); d != 5 {
		t.Errorf("Depth = %d after 5 enqueues, want 5", d)
	}
}

func TestDequeue_ReturnsRowsInInsertionOrder(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, time.Now(), sampleSummary(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	pending, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Dequeue returned %d rows, want 3", len(pending))
	}
	for i, pr := range pending {
		if pr.Summary.OK != i {
			t.Errorf("row[%d].Summary.OK = %d, want %d", i, pr.Summary.OK, i)
		}
	}
}

func TestDequeue_RespectsLimit(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = q.Enqueue(ctx, time.Now(), sampleSummary(i))
	}

	pending, err := q.Dequeue(ctx, 4)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 4 {
		t.Errorf("Dequeue returned %d rows, want 4", len(pending))
	}
}

func TestDequeue_ZeroLimit_ReturnsNil(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, time.Now(), sampleSummary(1))

	pending, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatalf("Dequeue(0): %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Dequeue(0) returned %d rows, want 0", len(pending))
	}
}

func TestAck_MarksRowDelivered(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, time.Now(), sampleSummary(1))

	pending, err := q.Dequeue(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Dequeue: err=%v, got %d rows", err, len(pending))
	}

	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after Ack, want 0", d)
	}

	pending2, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}
	if len(pending2) != 0 {
		t.Errorf("second Dequeue returned %d rows after Ack, want 0", len(pending2))
	}
}

func TestAck_Idempotent(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, time.Now(), sampleSummary(1))
	pending, _ := q.Dequeue(ctx, 1)

	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("second (duplicate) Ack: %v", err)
	}
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after duplicate Ack, want 0", d)
	}
}

func TestAck_EmptyIDs_IsNoop(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	if err := q.Ack(ctx, nil); err != nil {
		t.Errorf("Ack(nil): unexpected error: %v", err)
	}
	if err := q.Ack(ctx, []int64{}); err != nil {
		t.Errorf("Ack([]): unexpected error: %v", err)
	}
}

func TestCrashRecovery_UnacknowledgedRowsRedelivered(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	ctx := context.Background()

	func() {
		q, err := history.OpenSQLiteQueue(dbPath)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer q.Close()

		_ = q.Enqueue(ctx, time.Now(), sampleSummary(1))
		_ = q.Enqueue(ctx, time.Now(), sampleSummary(2))

		pending, err := q.Dequeue(ctx, 10)
		if err != nil || len(pending) != 2 {
			t.Fatalf("phase 1 Dequeue: err=%v, got %d rows", err, len(pending))
		}
		_ = q.Ack(ctx, []int64{pending[0].ID})
	}()

	q2, err := history.OpenSQLiteQueue(dbPath)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer q2.Close()

	if d := q2.Depth(); d != 1 {
		t.Errorf("after restart Depth = %d, want 1", d)
	}

	pending, err := q2.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after restart: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("after restart got %d rows, want 1", len(pending))
	}
	if pending[0].Summary.OK != 2 {
		t.Errorf("Summary.OK = %d, want 2", pending[0].Summary.OK)
	}
}

func TestDequeue_PreservesSummaryFields(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	want := history.ScanSummary{Trigger: scheduler.TriggerFsChange, OK: 4, Fail: 1, New: 2, Absent: 3}
	if err := q.Enqueue(ctx, time.Now(), want); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pending, err := q.Dequeue(ctx, 1)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Dequeue: err=%v len=%d", err, len(pending))
	}
	if got := pending[0].Summary; got != want {
		t.Errorf("Summary = %+v, want %+v", got, want)
	}
}

func TestEnqueue_PreservesConcurrentWritersWithoutError(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			errs <- q.Enqueue(ctx, time.Now(), sampleSummary(i))
		}(i)
	}
	for i := 0; i < 20; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent Enqueue: %v", err)
		}
	}
	if d := q.Depth(); d != 20 {
		t.Errorf("Depth = %d after 20 concurrent enqueues, want 20", d)
	}
}
