package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/logring"
	"github.com/fluidmcp/fluidmcp/internal/mcp"
	"github.com/fluidmcp/fluidmcp/internal/store"
)

// State is the lifecycle state of a server instance.
type State string

const (
	StateStopped     State = "stopped"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateFailed      State = "failed"
	StateRestarting  State = "restarting"
	StateTerminating State = "terminating"
)

// Instance timing defaults.
const (
	DefaultStopGrace     = 10 * time.Second
	DefaultReadyDeadline = 15 * time.Second
	DefaultMaxRestarts   = 3
)

// Status is a point-in-time view of an instance.
type Status struct {
	ServerID     string      `json:"server_id"`
	State        State       `json:"state"`
	PID          int         `json:"pid,omitempty"`
	StartTime    *time.Time  `json:"start_time,omitempty"`
	LastExit     *ExitStatus `json:"last_exit,omitempty"`
	RestartCount int         `json:"restart_count"`
	UptimeSec    int64       `json:"uptime_sec,omitempty"`
}

// Instance owns the runtime of one configured server: its child process,
// stdio framing, request correlation, and restart policy. There is exactly
// one Instance per server-id; it is created on first start and destroyed
// only when the server leaves the registry.
type Instance struct {
	serverID string
	source   ConfigSource
	st       store.Store
	ring     *logring.Ring
	log      *slog.Logger

	allowed       []string
	policy        RestartPolicy
	stableWindow  time.Duration
	stopGrace     time.Duration
	readyDeadline time.Duration
	onReady       func(serverID string, tools []mcp.Tool, raw json.RawMessage)

	mu         sync.Mutex
	state      State
	transition chan struct{} // closed and replaced on every state change
	child      *Child
	framer     *framer
	corr       *correlator
	gen        int // spawn generation, guards stale exit events

	startTime    time.Time
	lastExit     *ExitStatus
	restartCount int
	envOverlay   map[string]string
	autoRestart  bool
	maxRestarts  int
}

func (s *Supervisor) newInstance(serverID string) *Instance {
	return &Instance{
		serverID:      serverID,
		source:        s.source,
		st:            s.st,
		ring:          logring.New(s.ringLines, s.ringBytes),
		log:           s.log.With("server", serverID),
		allowed:       s.allowed,
		policy:        s.policy,
		stableWindow:  s.stableWindow,
		stopGrace:     s.stopGrace,
		readyDeadline: s.readyDeadline,
		onReady:       s.onReady,
		state:         StateStopped,
		transition:    make(chan struct{}),
		maxRestarts:   DefaultMaxRestarts,
	}
}

// Start brings the instance to running and ready-for-RPC. Concurrent
// starts collapse: every caller returns once the single spawn attempt
// settles, and all observe the same child.
func (inst *Instance) Start(ctx context.Context) error {
	for {
		inst.mu.Lock()
		switch inst.state {
		case StateRunning:
			inst.mu.Unlock()
			return nil
		case StateStarting, StateRestarting, StateTerminating:
			ch := inst.transition
			inst.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		case StateStopped, StateFailed:
			inst.setStateLocked(StateStarting)
			inst.mu.Unlock()
			return inst.startOnce(ctx)
		}
	}
}

// startOnce spawns and handshakes the child. The caller must have moved
// the instance to starting; on success the state is running (and ready),
// on failure it is failed.
func (inst *Instance) startOnce(ctx context.Context) error {
	cfg, err := inst.source.Get(ctx, inst.serverID)
	if err != nil {
		inst.fail(nil)
		return err
	}
	if cfg.DeletedAt != nil {
		inst.fail(nil)
		return fault.New(fault.UnknownServer, "server %s is deleted", inst.serverID)
	}
	if !CommandAllowed(cfg.Command, inst.allowed) {
		inst.fail(nil)
		return fault.New(fault.CommandDenied, "command %q is not on the allow-list", cfg.Command)
	}

	env := MergeEnv(os.Environ(), cfg.Env, inst.EnvOverlay())
	c, err := SpawnChild(ChildConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     env,
		Dir:     cfg.Cwd,
		Ring:    inst.ring,
		Log:     inst.log,
	})
	if err != nil {
		inst.fail(&ExitStatus{Code: -1, Reason: err.Error()})
		return fault.Wrap(fault.ChildSpawn, err, "spawn %s", cfg.Command)
	}

	f := newFramer(inst.serverID, c.stdin, 0, 0, inst.log)
	corr := newCorrelator(inst.serverID, f, 0, inst.notification, inst.log)
	go f.readLoop(c.stdout, corr.dispatch, corr.violation)

	inst.mu.Lock()
	inst.gen++
	gen := inst.gen
	inst.child = c
	inst.framer = f
	inst.corr = corr
	inst.startTime = time.Now()
	inst.autoRestart = cfg.AutoRestart
	inst.maxRestarts = cfg.MaxRestarts
	if inst.maxRestarts <= 0 {
		inst.maxRestarts = DefaultMaxRestarts
	}
	inst.setStateLocked(StateRunning)
	inst.mu.Unlock()

	go inst.watchExit(c, corr, gen)
	inst.log.Info("child started", "pid", c.PID(), "command", cfg.Command)

	tools, raw, err := inst.handshake(ctx, corr)
	if err != nil {
		inst.log.Warn("mcp handshake failed", "error", err)
		f.close()
		c.Terminate(0, true)
		inst.mu.Lock()
		if inst.gen == gen && inst.state == StateRunning {
			inst.setStateLocked(StateTerminating)
		}
		inst.mu.Unlock()
		inst.waitSettled()
		inst.fail(&ExitStatus{Code: -1, Reason: "mcp-handshake"})
		return fault.Wrap(fault.MCPHandshake, err, "server %s: mcp handshake", inst.serverID)
	}

	if inst.onReady != nil {
		inst.onReady(inst.serverID, tools, raw)
	}
	return nil
}

// handshake establishes ready-for-RPC: initialize, the initialized
// notification, then tools/list, all bounded by the readiness deadline.
func (inst *Instance) handshake(ctx context.Context, corr *correlator) ([]mcp.Tool, json.RawMessage, error) {
	hctx, cancel := context.WithTimeout(ctx, inst.readyDeadline)
	defer cancel()

	params, _ := json.Marshal(mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      mcp.ClientInfo{Name: "fluidmcp", Version: "0.1.0"},
	})
	resp, err := corr.Call(hctx, mcp.MethodInitialize, params)
	if err != nil {
		return nil, nil, err
	}
	if resp.Error != nil {
		return nil, nil, fault.New(fault.MCPHandshake, "initialize rejected: %s", resp.Error.Message)
	}
	if err := corr.Notify(mcp.MethodInitialized, nil); err != nil {
		return nil, nil, err
	}

	resp, err = corr.Call(hctx, mcp.MethodToolsList, json.RawMessage(`{}`))
	if err != nil {
		return nil, nil, err
	}
	if resp.Error != nil {
		return nil, nil, fault.New(fault.MCPHandshake, "tools/list rejected: %s", resp.Error.Message)
	}
	var lt mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &lt); err != nil {
		return nil, nil, fault.Wrap(fault.MCPProtocol, err, "parse tools/list result")
	}
	return lt.Tools, resp.Result, nil
}

// Call forwards one JSON-RPC request to the child. The response may carry
// the child's own error object, which callers pass through verbatim.
func (inst *Instance) Call(ctx context.Context, method string, params json.RawMessage) (*mcp.Response, error) {
	inst.mu.Lock()
	if inst.state != StateRunning {
		state := inst.state
		inst.mu.Unlock()
		return nil, fault.New(fault.NotRunning, "server %s is %s", inst.serverID, state)
	}
	corr := inst.corr
	inst.mu.Unlock()
	return corr.Call(ctx, method, params)
}

// Stop terminates the child: stdin EOF, SIGTERM, then SIGKILL after the
// grace period (skipped when force). Concurrent stops collapse; a pending
// automatic restart is cancelled.
func (inst *Instance) Stop(ctx context.Context, force bool) error {
	for {
		inst.mu.Lock()
		switch inst.state {
		case StateStopped, StateFailed:
			inst.mu.Unlock()
			return nil
		case StateRestarting:
			inst.setStateLocked(StateStopped)
			inst.mu.Unlock()
			return nil
		case StateStarting, StateTerminating:
			ch := inst.transition
			inst.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		case StateRunning:
			inst.setStateLocked(StateTerminating)
			c, f := inst.child, inst.framer
			inst.mu.Unlock()

			f.close()
			f.drain(DefaultWriteDeadline)
			grace := inst.stopGrace
			if force {
				grace = 0
			}
			c.Terminate(grace, force)
			return inst.waitStopped(ctx)
		}
	}
}

// Restart stops then starts the instance. The child PID changes.
func (inst *Instance) Restart(ctx context.Context) error {
	if err := inst.Stop(ctx, false); err != nil {
		return err
	}
	return inst.Start(ctx)
}

// watchExit observes the child's exit exactly once and drives the state
// machine: clean exit to stopped, abnormal exit to failed and, under the
// restart policy, to restarting after backoff.
func (inst *Instance) watchExit(c *Child, corr *correlator, gen int) {
	st := <-c.Exited()
	corr.childExited()

	inst.mu.Lock()
	if gen != inst.gen {
		inst.mu.Unlock()
		return
	}
	inst.lastExit = &st
	inst.child = nil

	switch {
	case inst.state == StateTerminating:
		inst.setStateLocked(StateStopped)
	case st.Code == 0 && st.Signal == "":
		inst.setStateLocked(StateStopped)
	default:
		inst.setStateLocked(StateFailed)
		if inst.autoRestart {
			if time.Since(inst.startTime) >= inst.stableWindow {
				inst.restartCount = 0
			}
			if inst.restartCount < inst.maxRestarts {
				inst.restartCount++
				delay := inst.policy.Delay(inst.restartCount - 1)
				inst.log.Info("scheduling restart",
					"attempt", inst.restartCount, "max", inst.maxRestarts, "delay", delay)
				inst.setStateLocked(StateRestarting)
				go inst.restartAfter(delay)
			} else {
				inst.log.Warn("restart budget exhausted", "restarts", inst.restartCount)
			}
		}
	}
	inst.mu.Unlock()

	inst.persistExit(st)
}

// restartAfter waits out the backoff before the automatic restart. The
// wait aborts as soon as the state leaves Restarting, so a stop cancels
// the pending restart without lingering for the full delay.
func (inst *Instance) restartAfter(delay time.Duration) {
	inst.mu.Lock()
	if inst.state != StateRestarting {
		inst.mu.Unlock()
		return
	}
	ch := inst.transition
	inst.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ch:
		// A stop raced the backoff and won.
		return
	}

	inst.mu.Lock()
	if inst.state != StateRestarting {
		inst.mu.Unlock()
		return
	}
	inst.setStateLocked(StateStarting)
	inst.mu.Unlock()

	if err := inst.startOnce(context.Background()); err != nil {
		inst.log.Warn("automatic restart failed", "error", err)
	}
}

// fail moves the instance to failed from a pre-running startup error.
func (inst *Instance) fail(exit *ExitStatus) {
	inst.mu.Lock()
	if exit != nil {
		inst.lastExit = exit
	}
	inst.setStateLocked(StateFailed)
	inst.mu.Unlock()
}

// waitStopped blocks until the instance reaches a settled state after a
// terminate, bounded by ctx and a hard cap beyond the kill escalation.
func (inst *Instance) waitStopped(ctx context.Context) error {
	deadline := time.After(inst.stopGrace + DefaultWriteDeadline)
	for {
		inst.mu.Lock()
		state := inst.state
		ch := inst.transition
		inst.mu.Unlock()
		if state == StateStopped || state == StateFailed {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fault.New(fault.Internal, "server %s: child did not exit after kill", inst.serverID)
		}
	}
}

// waitSettled blocks until the state leaves terminating, without a caller
// context. Used on the handshake failure path.
func (inst *Instance) waitSettled() {
	deadline := time.After(DefaultWriteDeadline)
	for {
		inst.mu.Lock()
		state := inst.state
		ch := inst.transition
		inst.mu.Unlock()
		if state != StateTerminating && state != StateRunning {
			return
		}
		select {
		case <-ch:
		case <-deadline:
			return
		}
	}
}

// setStateLocked changes the state and wakes every waiter. Caller holds mu.
func (inst *Instance) setStateLocked(s State) {
	if inst.state == s {
		return
	}
	inst.log.Debug("state transition", "from", inst.state, "to", s)
	inst.state = s
	close(inst.transition)
	inst.transition = make(chan struct{})
	go inst.persistSnapshot(inst.snapshotLocked())
}

// Status returns a point-in-time view.
func (inst *Instance) Status() Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	s := Status{
		ServerID:     inst.serverID,
		State:        inst.state,
		LastExit:     inst.lastExit,
		RestartCount: inst.restartCount,
	}
	if inst.child != nil {
		s.PID = inst.child.PID()
	}
	if inst.state == StateRunning {
		t := inst.startTime
		s.StartTime = &t
		s.UptimeSec = int64(time.Since(t).Seconds())
	}
	return s
}

// State returns the current lifecycle state.
func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// Logs returns the last n captured output lines.
func (inst *Instance) Logs(n int) []logring.Record {
	return inst.ring.Last(n)
}

// EnvOverlay returns a copy of the instance's environment overlay.
func (inst *Instance) EnvOverlay() map[string]string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	out := make(map[string]string, len(inst.envOverlay))
	for k, v := range inst.envOverlay {
		out[k] = v
	}
	return out
}

// SetEnvOverlay replaces the overlay merged over the config env at spawn.
// A running instance is restarted so the change takes effect.
func (inst *Instance) SetEnvOverlay(ctx context.Context, overlay map[string]string) error {
	inst.mu.Lock()
	inst.envOverlay = overlay
	running := inst.state == StateRunning || inst.state == StateStarting
	inst.mu.Unlock()

	if running {
		return inst.Restart(ctx)
	}
	return nil
}

// notification receives child notifications from the correlator.
func (inst *Instance) notification(method string, params json.RawMessage) {
	inst.log.Debug("child notification", "method", method)
}

func (inst *Instance) snapshotLocked() *store.InstanceSnapshot {
	snap := &store.InstanceSnapshot{
		ServerID:     inst.serverID,
		State:        string(inst.state),
		RestartCount: inst.restartCount,
		UpdatedAt:    time.Now().UTC(),
	}
	if inst.child != nil {
		snap.PID = inst.child.PID()
		t := inst.startTime
		snap.StartTime = &t
	}
	if inst.lastExit != nil {
		code := inst.lastExit.Code
		snap.ExitCode = &code
		snap.ExitSignal = inst.lastExit.Signal
		snap.ExitReason = inst.lastExit.Reason
	}
	return snap
}

// persistSnapshot writes an observability copy of the runtime state; the
// in-memory instance stays authoritative and persistence errors are only
// logged.
func (inst *Instance) persistSnapshot(snap *store.InstanceSnapshot) {
	if inst.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.st.UpsertInstance(ctx, snap); err != nil {
		inst.log.Debug("persist instance snapshot", "error", err)
	}
}

// persistExit appends the output tail around a child exit to the capped
// persisted log collection.
func (inst *Instance) persistExit(st ExitStatus) {
	if inst.st == nil {
		return
	}
	records := inst.ring.Last(exitLogTail)
	entries := make([]store.LogEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, store.LogEntry{
			ServerID:  inst.serverID,
			Timestamp: r.Timestamp,
			Stream:    r.Stream,
			Line:      r.Line,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.st.AppendLogs(ctx, inst.serverID, entries); err != nil {
		inst.log.Debug("persist exit logs", "error", err)
	}
	inst.log.Info("child exited", "code", st.Code, "signal", st.Signal, "reason", st.Reason)
}

// exitLogTail is how many trailing lines are persisted per exit.
const exitLogTail = 50
