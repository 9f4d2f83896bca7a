package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/mcp"
)

// Framer queue and deadline defaults.
const (
	DefaultQueueSize     = 1024
	DefaultWriteDeadline = 5 * time.Second
)

// outMsg is one outbound line awaiting its write acknowledgment.
type outMsg struct {
	data []byte
	ack  chan error
}

// framer owns a child's stdin and stdout: a single writer goroutine
// consumes a bounded queue, and a reader goroutine parses newline-delimited
// JSON into messages for the correlator. Parse failures become synthetic
// protocol violations and never kill the child.
type framer struct {
	serverID string
	stdin    io.WriteCloser
	log      *slog.Logger

	queueSize     int
	writeDeadline time.Duration

	outq chan outMsg

	closeOnce sync.Once
	closed    chan struct{}

	// readerDone is closed when stdout reaches EOF and the read loop ends.
	readerDone chan struct{}
}

func newFramer(serverID string, stdin io.WriteCloser, queueSize int, writeDeadline time.Duration, log *slog.Logger) *framer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if writeDeadline <= 0 {
		writeDeadline = DefaultWriteDeadline
	}
	f := &framer{
		serverID:      serverID,
		stdin:         stdin,
		log:           log,
		queueSize:     queueSize,
		writeDeadline: writeDeadline,
		outq:          make(chan outMsg, queueSize),
		closed:        make(chan struct{}),
		readerDone:    make(chan struct{}),
	}
	go f.writeLoop()
	return f
}

// send enqueues one JSON line and waits for the writer's acknowledgment.
// A full queue fails immediately with backpressure; a write that does not
// complete within the deadline fails the caller with child-write-timeout
// while the writer keeps going.
func (f *framer) send(data []byte) error {
	m := outMsg{data: data, ack: make(chan error, 1)}

	select {
	case f.outq <- m:
	case <-f.closed:
		return fault.New(fault.ChildExited, "server %s: child is gone", f.serverID)
	default:
		return fault.New(fault.Backpressure, "server %s: outbound queue full (%d)", f.serverID, f.queueSize)
	}

	timer := time.NewTimer(f.writeDeadline)
	defer timer.Stop()
	select {
	case err := <-m.ack:
		if err != nil {
			return fault.Wrap(fault.ChildExited, err, "server %s: write to child", f.serverID)
		}
		return nil
	case <-timer.C:
		return fault.New(fault.ChildWriteTimeout, "server %s: child did not accept write within %s", f.serverID, f.writeDeadline)
	case <-f.closed:
		return fault.New(fault.ChildExited, "server %s: child exited during write", f.serverID)
	}
}

// sendRequest marshals and sends a JSON-RPC request or notification.
func (f *framer) sendRequest(req *mcp.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "marshal request")
	}
	return f.send(data)
}

func (f *framer) writeLoop() {
	for {
		select {
		case m := <-f.outq:
			_, err := f.stdin.Write(append(m.data, '\n'))
			m.ack <- err
			if err != nil {
				f.log.Debug("stdin write failed", "server", f.serverID, "error", err)
			}
		case <-f.closed:
			return
		}
	}
}

// readLoop parses stdout lines until EOF, handing valid messages to
// dispatch and malformed ones to violation. It tolerates blank lines and
// interleaved whitespace.
func (f *framer) readLoop(stdout io.Reader, dispatch func(*mcp.Message), violation func(reason string, line []byte)) {
	defer close(f.readerDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg mcp.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			violation("invalid json", append([]byte(nil), line...))
			continue
		}
		dispatch(&msg)
	}
	if err := scanner.Err(); err != nil {
		f.log.Debug("stdout read ended", "server", f.serverID, "error", err)
	}
}

// close shuts the framer down: stdin is closed so the child sees EOF, and
// pending senders are released.
func (f *framer) close() {
	f.closeOnce.Do(func() {
		close(f.closed)
		_ = f.stdin.Close()
	})
}

// drain waits for the read loop to see EOF, bounded by timeout.
func (f *framer) drain(timeout time.Duration) {
	select {
	case <-f.readerDone:
	case <-time.After(timeout):
	}
}
