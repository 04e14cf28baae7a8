package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fieldbeacon/fieldbeacon/internal/report"
	"github.com/fieldbeacon/fieldbeacon/internal/store"
)

func newTestQueue(t *testing.T, capacity int) *Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, capacity, zap.NewNop())
}

func testIncident(seq uint32) *report.Incident {
	return &report.Incident{
		Sequence:    seq,
		Latitude:    12.34,
		Longitude:   56.78,
		Priority:    report.PriorityHigh,
		Category:    "test",
		Description: fmt.Sprintf("report %d", seq),
		DeviceID:    0xAA,
		ReportedAt:  time.Unix(1721000000, 0).UTC(),
	}
}

func TestQueueFIFO(t *testing.T) {
	q := newTestQueue(t, 50)

	const n = 10
	for i := uint32(1); i <= n; i++ {
		if err := q.Store(testIncident(i)); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	if count, _ := q.PendingCount(); count != n {
		t.Fatalf("pending = %d, want %d", count, n)
	}

	// Drain: each NextPending must return the oldest, in insert order.
	for i := uint32(1); i <= n; i++ {
		inc, ok, err := q.NextPending()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			t.Fatalf("queue empty at %d", i)
		}
		if inc.Sequence != i {
			t.Fatalf("got seq %d, want %d", inc.Sequence, i)
		}
		if inc.Description != fmt.Sprintf("report %d", i) {
			t.Errorf("description mismatch: %q", inc.Description)
		}
		if err := q.MarkSent(i); err != nil {
			t.Fatalf("mark sent %d: %v", i, err)
		}
	}

	if count, _ := q.PendingCount(); count != 0 {
		t.Errorf("pending after drain = %d, want 0", count)
	}
	if _, ok, _ := q.NextPending(); ok {
		t.Error("drained queue still yields entries")
	}
}

func TestQueueCapacity(t *testing.T) {
	q := newTestQueue(t, 10)

	for i := uint32(1); i <= 10; i++ {
		if err := q.Store(testIncident(i)); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	err := q.Store(testIncident(11))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("11th store: got %v, want ErrQueueFull", err)
	}

	// Full queue keeps its contents intact.
	if count, _ := q.PendingCount(); count != 10 {
		t.Errorf("pending = %d, want 10", count)
	}

	// Removing one makes room again.
	if err := q.MarkSent(1); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := q.Store(testIncident(11)); err != nil {
		t.Errorf("store after free: %v", err)
	}
}

func TestUnsequencedReportsAllQueued(t *testing.T) {
	q := newTestQueue(t, 10)

	// Reports that never made it onto the mesh all carry sequence 0.
	// Each one must still occupy its own row.
	for i := 1; i <= 3; i++ {
		inc := testIncident(0)
		inc.Description = fmt.Sprintf("offline %d", i)
		if err := q.Store(inc); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	if count, _ := q.PendingCount(); count != 3 {
		t.Fatalf("pending = %d, want 3", count)
	}

	// Draining removes exactly one per MarkSent, oldest first.
	for i := 1; i <= 3; i++ {
		inc, ok, err := q.NextPending()
		if err != nil || !ok {
			t.Fatalf("next (%d): ok=%v err=%v", i, ok, err)
		}
		if want := fmt.Sprintf("offline %d", i); inc.Description != want {
			t.Fatalf("got %q, want %q", inc.Description, want)
		}
		if err := q.MarkSent(0); err != nil {
			t.Fatalf("mark sent %d: %v", i, err)
		}
		if count, _ := q.PendingCount(); count != 3-i {
			t.Fatalf("pending after %d drains = %d", i, count)
		}
	}
}

func TestMarkSentUnknownSeq(t *testing.T) {
	q := newTestQueue(t, 10)
	if err := q.MarkSent(99); err == nil {
		t.Fatal("expected error for unknown sequence")
	}
}

func TestNextPendingNonDestructive(t *testing.T) {
	q := newTestQueue(t, 10)
	if err := q.Store(testIncident(7)); err != nil {
		t.Fatalf("store: %v", err)
	}

	for i := 0; i < 3; i++ {
		inc, ok, err := q.NextPending()
		if err != nil || !ok {
			t.Fatalf("next (%d): ok=%v err=%v", i, ok, err)
		}
		if inc.Sequence != 7 {
			t.Fatalf("seq = %d", inc.Sequence)
		}
	}
	if count, _ := q.PendingCount(); count != 1 {
		t.Errorf("peeking consumed the entry: pending = %d", count)
	}
}

func TestPendingList(t *testing.T) {
	q := newTestQueue(t, 10)
	for i := uint32(1); i <= 5; i++ {
		if err := q.Store(testIncident(i)); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	list, err := q.Pending(3)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d entries, want 3", len(list))
	}
	for i, inc := range list {
		if inc.Sequence != uint32(i+1) {
			t.Errorf("entry %d has seq %d", i, inc.Sequence)
		}
	}
}

func TestClearAll(t *testing.T) {
	q := newTestQueue(t, 10)
	for i := uint32(1); i <= 4; i++ {
		if err := q.Store(testIncident(i)); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	if err := q.ClearAll(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if count, _ := q.PendingCount(); count != 0 {
		t.Errorf("pending after clear = %d", count)
	}
}
