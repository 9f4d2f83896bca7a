// Package logring provides a bounded in-memory capture of child process
// output, tagged by stream and queryable by line count.
package logring

import (
	"sync"
	"time"
)

// Stream tags for captured lines.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Default capacity limits: whichever is hit first wins.
const (
	DefaultMaxLines = 10000
	DefaultMaxBytes = 2 << 20 // 2 MiB
)

// Record is a single captured line.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
}

// Ring is a fixed-capacity circular buffer of Records. Push is O(1);
// reads return snapshots and never block writers.
type Ring struct {
	mu    sync.Mutex
	buf   []Record
	head  int // index of the oldest record
	count int
	bytes int
	seq   int64 // total records ever pushed

	maxLines int
	maxBytes int
}

// New creates a ring bounded by maxLines and maxBytes. Non-positive
// arguments fall back to the defaults.
func New(maxLines, maxBytes int) *Ring {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Ring{
		buf:      make([]Record, maxLines),
		maxLines: maxLines,
		maxBytes: maxBytes,
	}
}

// Push appends a line with the current wall-clock time.
func (r *Ring) Push(stream, line string) {
	r.PushRecord(Record{Timestamp: time.Now().UTC(), Stream: stream, Line: line})
}

// PushRecord appends a pre-built record, evicting the oldest entries when
// either capacity limit is exceeded.
func (r *Ring) PushRecord(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == r.maxLines {
		r.evictOldest()
	}
	idx := (r.head + r.count) % r.maxLines
	r.buf[idx] = rec
	r.count++
	r.bytes += len(rec.Line)
	r.seq++

	for r.bytes > r.maxBytes && r.count > 1 {
		r.evictOldest()
	}
}

// evictOldest removes the record at head. Caller holds the lock.
func (r *Ring) evictOldest() {
	r.bytes -= len(r.buf[r.head].Line)
	r.buf[r.head] = Record{}
	r.head = (r.head + 1) % r.maxLines
	r.count--
}

// Last returns a copy of the most recent n records in arrival order.
// n <= 0 returns all retained records.
func (r *Ring) Last(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Record, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+start+i)%r.maxLines]
	}
	return out
}

// Seq returns the sequence number of the most recently pushed record.
// Sequence numbers start at 1 and never reset.
func (r *Ring) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// SinceSeq returns the retained records pushed after the given sequence
// number, in arrival order, along with the current sequence. Records
// evicted before the call are gone; callers polling with the returned
// cursor see each surviving record exactly once.
func (r *Ring) SinceSeq(after int64) ([]Record, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if after >= r.seq {
		return nil, r.seq
	}
	n := int(r.seq - after)
	if n > r.count {
		n = r.count
	}
	out := make([]Record, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+start+i)%r.maxLines]
	}
	return out, r.seq
}

// Len returns the number of retained records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Bytes returns the total size of retained lines.
func (r *Ring) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}
