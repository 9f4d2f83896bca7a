package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/mcp"
)

// DefaultMaxPending bounds the per-child waiter table.
const DefaultMaxPending = 10000

// sweepInterval is the cadence of the orphaned-waiter backstop.
const sweepInterval = 30 * time.Second

type pendingWaiter struct {
	ch       chan *mcp.Response
	method   string
	deadline time.Time
}

// correlator matches child responses to waiters by request id. Ids are
// allocated from a per-child monotonic counter starting at 1; id 0 and the
// JSON-RPC null id are reserved for synthetic framer errors.
type correlator struct {
	serverID string
	f        *framer
	log      *slog.Logger

	maxPending int
	nextID     atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingWaiter

	violations atomic.Int64

	// notify observes child notifications; never resolves a waiter.
	notify func(method string, params json.RawMessage)

	exitOnce sync.Once
	exited   chan struct{}
}

func newCorrelator(serverID string, f *framer, maxPending int, notify func(string, json.RawMessage), log *slog.Logger) *correlator {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	c := &correlator{
		serverID:   serverID,
		f:          f,
		log:        log,
		maxPending: maxPending,
		pending:    make(map[int64]*pendingWaiter),
		notify:     notify,
		exited:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Call writes a request through the framer and blocks until the matching
// response arrives, the context expires, or the child exits. The response
// may carry the child's error object; transport-level failures come back
// as error.
func (c *correlator) Call(ctx context.Context, method string, params json.RawMessage) (*mcp.Response, error) {
	select {
	case <-c.exited:
		return nil, fault.New(fault.ChildExited, "server %s: child has exited", c.serverID)
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan *mcp.Response, 1)
	deadline, _ := ctx.Deadline()

	c.mu.Lock()
	if len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		return nil, fault.New(fault.Backpressure, "server %s: waiter table full (%d)", c.serverID, c.maxPending)
	}
	c.pending[id] = &pendingWaiter{ch: ch, method: method, deadline: deadline}
	c.mu.Unlock()

	req := &mcp.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  params,
	}
	if err := c.f.sendRequest(req); err != nil {
		c.remove(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.remove(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.New(fault.MCPTimeout, "server %s: %s timed out", c.serverID, method)
		}
		return nil, ctx.Err()
	case <-c.exited:
		c.remove(id)
		return nil, fault.New(fault.ChildExited, "server %s: child exited awaiting %s", c.serverID, method)
	}
}

// Notify sends a fire-and-forget notification (no id, no waiter).
func (c *correlator) Notify(method string, params json.RawMessage) error {
	return c.f.sendRequest(&mcp.Request{JSONRPC: "2.0", Method: method, Params: params})
}

// dispatch routes one inbound message: responses resolve waiters by id,
// notifications go to the observer, anything else is logged and dropped.
func (c *correlator) dispatch(msg *mcp.Message) {
	if msg.Method != "" {
		if len(msg.ID) == 0 {
			if c.notify != nil {
				c.notify(msg.Method, msg.Params)
			}
			return
		}
		// Child-originated request; the gateway does not serve these.
		c.log.Debug("dropping child request", "server", c.serverID, "method", msg.Method)
		return
	}

	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.violation("non-numeric response id", msg.ID)
		return
	}
	if id == 0 {
		c.violation("response with reserved id 0", nil)
		return
	}

	c.mu.Lock()
	w, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		// Late arrival after timeout, or a duplicate id.
		c.log.Debug("dropping unmatched response", "server", c.serverID, "id", id)
		return
	}
	w.ch <- &mcp.Response{JSONRPC: msg.JSONRPC, ID: msg.ID, Result: msg.Result, Error: msg.Error}
}

// violation records a synthetic protocol error from the framer or
// dispatcher. The child keeps running.
func (c *correlator) violation(reason string, detail []byte) {
	c.violations.Add(1)
	if len(detail) > 200 {
		detail = detail[:200]
	}
	c.log.Warn("protocol violation from child",
		"server", c.serverID, "reason", reason, "detail", string(detail))
}

func (c *correlator) violationCount() int64 {
	return c.violations.Load()
}

func (c *correlator) remove(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// childExited releases every waiter; blocked Calls observe the closed
// channel and fail with child-exited.
func (c *correlator) childExited() {
	c.exitOnce.Do(func() {
		c.mu.Lock()
		c.pending = make(map[int64]*pendingWaiter)
		c.mu.Unlock()
		close(c.exited)
	})
}

// sweepLoop is a backstop that clears waiters long past their deadline
// (normally their own Call removes them).
func (c *correlator) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepOrphans(time.Now())
		case <-c.exited:
			return
		}
	}
}

func (c *correlator) sweepOrphans(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, w := range c.pending {
		if !w.deadline.IsZero() && now.After(w.deadline.Add(sweepInterval)) {
			delete(c.pending, id)
			c.log.Warn("swept orphaned waiter",
				"server", c.serverID, "id", id, "method", w.method)
		}
	}
}
