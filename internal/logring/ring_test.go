package logring

import (
	"fmt"
	"sync"
	"testing"
)

func TestRingPushAndLast(t *testing.T) {
	r := New(10, 0)
	r.Push(StreamStdout, "one")
	r.Push(StreamStderr, "two")
	r.Push(StreamStdout, "three")

	got := r.Last(0)
	if len(got) != 3 {
		t.Fatalf("Last(0) returned %d records, want 3", len(got))
	}
	if got[0].Line != "one" || got[2].Line != "three" {
		t.Errorf("records out of order: %q, %q", got[0].Line, got[2].Line)
	}
	if got[1].Stream != StreamStderr {
		t.Errorf("stream tag = %q, want %q", got[1].Stream, StreamStderr)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestRingLineCapEviction(t *testing.T) {
	r := New(3, 0)
	for i := 1; i <= 5; i++ {
		r.Push(StreamStdout, fmt.Sprintf("line-%d", i))
	}

	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	got := r.Last(0)
	want := []string{"line-3", "line-4", "line-5"}
	for i, w := range want {
		if got[i].Line != w {
			t.Errorf("record %d = %q, want %q", i, got[i].Line, w)
		}
	}
}

func TestRingByteCapEviction(t *testing.T) {
	r := New(100, 10)
	r.Push(StreamStdout, "aaaa") // 4 bytes
	r.Push(StreamStdout, "bbbb") // 8 bytes
	r.Push(StreamStdout, "cccc") // 12 bytes, evicts "aaaa"

	if r.Bytes() > 10 {
		t.Errorf("Bytes() = %d, want <= 10", r.Bytes())
	}
	got := r.Last(0)
	if len(got) != 2 || got[0].Line != "bbbb" {
		t.Errorf("unexpected records after eviction: %+v", got)
	}
}

func TestRingOversizeLineRetained(t *testing.T) {
	// A single line larger than the byte cap is still kept; the ring
	// never drops the newest record.
	r := New(10, 4)
	r.Push(StreamStderr, "this line exceeds the byte budget")
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRingLastBounds(t *testing.T) {
	r := New(10, 0)
	r.Push(StreamStdout, "a")
	r.Push(StreamStdout, "b")

	if got := r.Last(5); len(got) != 2 {
		t.Errorf("Last(5) returned %d records, want 2", len(got))
	}
	if got := r.Last(1); len(got) != 1 || got[0].Line != "b" {
		t.Errorf("Last(1) = %+v, want newest record", got)
	}
	if got := r.Last(-1); len(got) != 2 {
		t.Errorf("Last(-1) returned %d records, want 2", len(got))
	}
}

func TestRingSinceSeq(t *testing.T) {
	r := New(3, 0)
	r.Push(StreamStdout, "a")
	r.Push(StreamStdout, "b")

	got, cur := r.SinceSeq(0)
	if len(got) != 2 || cur != 2 {
		t.Fatalf("SinceSeq(0) = %d records, cursor %d; want 2, 2", len(got), cur)
	}

	// Nothing new since the cursor.
	got, cur = r.SinceSeq(cur)
	if len(got) != 0 || cur != 2 {
		t.Fatalf("SinceSeq(cursor) = %d records, cursor %d; want 0, 2", len(got), cur)
	}

	// Push past capacity; only surviving records after the cursor return.
	r.Push(StreamStdout, "c")
	r.Push(StreamStdout, "d")
	r.Push(StreamStdout, "e") // evicts "b"

	got, cur = r.SinceSeq(2)
	if cur != 5 {
		t.Fatalf("cursor = %d, want 5", cur)
	}
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("SinceSeq(2) returned %d records, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Line != w {
			t.Errorf("record %d = %q, want %q", i, got[i].Line, w)
		}
	}

	// A cursor older than the evicted range still returns only retained
	// records, never duplicates.
	got, _ = r.SinceSeq(1)
	if len(got) != 3 {
		t.Errorf("SinceSeq(1) returned %d records, want 3 retained", len(got))
	}
}

func TestRingConcurrentAccess(t *testing.T) {
	r := New(64, 0)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r.Push(StreamStdout, fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}
	for rd := 0; rd < 2; rd++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if got := r.Last(10); len(got) > 64 {
					t.Errorf("snapshot exceeds capacity: %d", len(got))
					return
				}
			}
		}()
	}
	wg.Wait()

	if r.Len() != 64 {
		t.Errorf("Len() = %d, want full ring of 64", r.Len())
	}
}
