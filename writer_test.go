package l2

import "testing"

func TestWriterGetCommitReclaim(t *testing.T) {
	w := newWriter(32)
	region := make([]byte, 10)
	if err := w.feed(region); err != nil {
		t.Fatalf("feed: %v", err)
	}

	buf, err := w.Get(4)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	copy(buf, "abcd")
	if err := w.Commit(4); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	buf, err = w.Get(100)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(buf) != 6 {
		t.Fatalf("Get(100) returned %d bytes, want 6 (remaining room)", len(buf))
	}
	copy(buf, "ef")
	if err := w.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if w.full() {
		t.Fatalf("writer should not report full with room left")
	}

	plen := w.reclaim()
	if plen != 6 {
		t.Fatalf("reclaim() = %d, want 6", plen)
	}
	if string(region[:plen]) != "abcdef" {
		t.Fatalf("region[:plen] = %q, want %q", region[:plen], "abcdef")
	}
}

func TestWriterCommitPastLastGetFails(t *testing.T) {
	w := newWriter(8)
	if err := w.feed(make([]byte, 8)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if _, err := w.Get(4); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := w.Commit(5); err == nil {
		t.Fatalf("expected error committing more than Get handed out")
	}
}

func TestWriterFullWhenRegionExhausted(t *testing.T) {
	w := newWriter(8)
	region := make([]byte, 4)
	if err := w.feed(region); err != nil {
		t.Fatalf("feed: %v", err)
	}
	buf, err := w.Get(4)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(buf) != 4 {
		t.Fatalf("Get(4) returned %d bytes, want 4", len(buf))
	}
	if err := w.Commit(4); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !w.full() {
		t.Fatalf("expected writer to report full once the region is exhausted")
	}
}

func TestWriterEnqueueAndFeedPrepends(t *testing.T) {
	w := newWriter(16)
	region := make([]byte, 10)
	if err := w.feed(region); err != nil {
		t.Fatalf("feed: %v", err)
	}
	buf, _ := w.Get(3)
	copy(buf, "abc")
	if err := w.Commit(3); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	plen := w.reclaim()

	if err := w.enqueue(region[:plen]); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !w.queued() {
		t.Fatalf("expected queued() true after enqueue")
	}

	region2 := make([]byte, 10)
	if err := w.feed(region2); err != nil {
		t.Fatalf("feed (resume): %v", err)
	}
	if w.queued() {
		t.Fatalf("expected queue to be drained once reattached")
	}
	buf, err := w.Get(100)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(region2[:3]) != "abc" {
		t.Fatalf("feed did not prepend queued bytes, region2[:3] = %q", region2[:3])
	}
	if len(buf) != 7 {
		t.Fatalf("Get(100) after resume returned %d bytes, want 7", len(buf))
	}
}

func TestWriterEnqueueTooLargeFails(t *testing.T) {
	w := newWriter(4)
	if err := w.enqueue(make([]byte, 5)); err == nil {
		t.Fatalf("expected error enqueueing more bytes than the queue's capacity")
	}
}

func TestWriterFeedQueuedDataTooLargeForNewRegionFails(t *testing.T) {
	w := newWriter(16)
	if err := w.enqueue(make([]byte, 10)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := w.feed(make([]byte, 4)); err == nil {
		t.Fatalf("expected error feeding a region smaller than the queued carry-over")
	}
}
