package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/logring"
	"github.com/fluidmcp/fluidmcp/internal/supervisor"
)

// processBackend runs an inference server as a supervised child and
// fronts it over HTTP. Invocations POST to the configured endpoint; a
// prober hits the health endpoint on a fixed interval.
type processBackend struct {
	id      string
	cfg     ProcessConfig
	allowed []string
	ring    *logring.Ring
	client  *http.Client
	policy  supervisor.RestartPolicy
	log     *slog.Logger

	mu          sync.Mutex
	child       *supervisor.Child
	running     bool
	gen         int // spawn generation, guards stale exit and probe events
	restarts    int
	lastStart   time.Time
	healthFails int
	healthy     bool
	cudaOOM     bool
	probeStop   chan struct{}
}

func newProcessBackend(id string, cfg ProcessConfig, allowed []string, client *http.Client, log *slog.Logger) *processBackend {
	return &processBackend{
		id:      id,
		cfg:     cfg,
		allowed: allowed,
		ring:    logring.New(0, 0),
		client:  client,
		policy:  supervisor.DefaultRestartPolicy(),
		log:     log.With("model", id),
	}
}

func (b *processBackend) healthInterval() time.Duration {
	if b.cfg.HealthIntervalSec > 0 {
		return time.Duration(b.cfg.HealthIntervalSec) * time.Second
	}
	return DefaultHealthInterval
}

func (b *processBackend) healthThreshold() int {
	if b.cfg.HealthFailureThreshold > 0 {
		return b.cfg.HealthFailureThreshold
	}
	return DefaultHealthThreshold
}

func (b *processBackend) maxRestarts() int {
	if b.cfg.MaxRestarts > 0 {
		return b.cfg.MaxRestarts
	}
	return supervisor.DefaultMaxRestarts
}

// start spawns the child. Caller state is reset; a fresh generation
// invalidates watchers of the previous child.
func (b *processBackend) start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked()
}

func (b *processBackend) startLocked() error {
	if b.running {
		return fault.New(fault.AlreadyRunning, "model %s is already running", b.id)
	}
	if !supervisor.CommandAllowed(b.cfg.Command, b.allowed) {
		return fault.New(fault.CommandDenied, "command %q is not on the allow-list", b.cfg.Command)
	}

	b.gen++
	gen := b.gen
	child, err := supervisor.SpawnChild(supervisor.ChildConfig{
		Command:       b.cfg.Command,
		Args:          b.cfg.Args,
		Env:           supervisor.MergeEnv(os.Environ(), b.cfg.Env, nil),
		Ring:          b.ring,
		CaptureStdout: true, // not an MCP speaker; stdout is just logs
		StderrLine:    b.matchOOM,
		Log:           b.log,
	})
	if err != nil {
		return fault.Wrap(fault.ChildSpawn, err, "spawn %s", b.cfg.Command)
	}

	b.child = child
	b.running = true
	b.lastStart = time.Now()
	b.healthFails = 0
	b.healthy = true
	b.cudaOOM = false
	b.probeStop = make(chan struct{})

	b.log.Info("model process started", "pid", child.PID(), "command", b.cfg.Command)
	go b.watchExit(child, gen)
	if b.cfg.HealthEndpoint != "" {
		go b.probeLoop(gen, b.probeStop)
	}
	return nil
}

// matchOOM scans stderr for the configured OOM pattern and latches the
// flag until the next start.
func (b *processBackend) matchOOM(line string) {
	if b.cfg.OOMPattern == "" || !strings.Contains(line, b.cfg.OOMPattern) {
		return
	}
	b.mu.Lock()
	first := !b.cudaOOM
	b.cudaOOM = true
	b.mu.Unlock()
	if first {
		b.log.Warn("model hit gpu out-of-memory", "line", line)
	}
}

func (b *processBackend) watchExit(child *supervisor.Child, gen int) {
	status := <-child.Exited()

	b.mu.Lock()
	if gen != b.gen || !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.healthy = false
	close(b.probeStop)

	// Stable runs reset the restart budget.
	if time.Since(b.lastStart) >= supervisor.DefaultStableWindow {
		b.restarts = 0
	}

	policy := b.cfg.RestartPolicy
	if policy == "" {
		policy = RestartOnFailure
	}
	restart := false
	switch policy {
	case RestartAlways:
		restart = true
	case RestartOnFailure:
		restart = status.Code != 0 || status.Signal != ""
	}
	if restart && b.restarts >= b.maxRestarts() {
		b.log.Warn("model restart budget exhausted", "restarts", b.restarts)
		restart = false
	}

	if !restart {
		b.mu.Unlock()
		b.log.Info("model process exited", "code", status.Code, "signal", status.Signal)
		return
	}

	attempt := b.restarts
	b.restarts++
	delay := b.policy.Delay(attempt)
	b.mu.Unlock()

	b.log.Warn("model process exited, restarting",
		"code", status.Code, "signal", status.Signal, "attempt", attempt+1, "delay", delay)
	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.running {
			return
		}
		if err := b.startLocked(); err != nil {
			b.log.Error("model restart failed", "error", err)
		}
	})
}

// probeLoop hits the health endpoint every interval. Crossing the
// failure threshold marks the model unhealthy and, under on-failure,
// recycles the child.
func (b *processBackend) probeLoop(gen int, stop chan struct{}) {
	ticker := time.NewTicker(b.healthInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ok := b.probeOnce()

		b.mu.Lock()
		if gen != b.gen {
			b.mu.Unlock()
			return
		}
		if ok {
			b.healthFails = 0
			b.healthy = true
			b.mu.Unlock()
			continue
		}
		b.healthFails++
		fails := b.healthFails
		crossed := fails == b.healthThreshold()
		if fails >= b.healthThreshold() {
			b.healthy = false
		}
		policy := b.cfg.RestartPolicy
		child := b.child
		b.mu.Unlock()

		if !crossed {
			continue
		}
		b.log.Warn("model health probes failing", "consecutive", fails)
		if policy == "" || policy == RestartOnFailure {
			// Kill the child; the exit watcher applies the restart policy.
			child.Terminate(0, true)
		}
	}
}

func (b *processBackend) probeOnce() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.HealthEndpoint, nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (b *processBackend) invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	running, oom, endpoint := b.running, b.cudaOOM, b.cfg.Endpoint
	b.mu.Unlock()

	if oom {
		return nil, fault.New(fault.CudaOOM, "model %s hit gpu out-of-memory; restart to recover", b.id)
	}
	if !running {
		return nil, fault.New(fault.NotRunning, "model %s is not running", b.id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.BadInput, err, "build invoke request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.MCPTimeout, ctx.Err(), "invoke model %s", b.id)
		}
		return nil, fault.Wrap(fault.NotRunning, err, "invoke model %s", b.id)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "read model response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.New(fault.Internal, "model %s returned status %d", b.id, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": snippet(body)})
	}
	return body, nil
}

func (b *processBackend) restart(ctx context.Context) error {
	if err := b.stop(ctx, false); err != nil && !fault.IsKind(err, fault.NotRunning) {
		return err
	}
	b.mu.Lock()
	b.restarts = 0
	b.mu.Unlock()
	return b.start()
}

func (b *processBackend) stop(ctx context.Context, force bool) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return fault.New(fault.NotRunning, "model %s is not running", b.id)
	}
	b.gen++ // orphan the exit watcher so no auto-restart fires
	b.running = false
	b.healthy = false
	child := b.child
	close(b.probeStop)
	b.mu.Unlock()

	child.Terminate(supervisor.DefaultStopGrace, force)
	select {
	case <-child.Exited():
	case <-ctx.Done():
		child.Terminate(0, true)
	}
	b.log.Info("model process stopped", "force", force)
	return nil
}

func (b *processBackend) health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := "stopped"
	if b.running {
		state = "running"
	}
	return Health{
		ModelID:             b.id,
		Healthy:             b.running && b.healthy,
		ConsecutiveFailures: b.healthFails,
		CudaOOM:             b.cudaOOM,
		State:               state,
		RestartCount:        b.restarts,
	}
}

func (b *processBackend) logs(lines int) []logring.Record {
	return b.ring.Last(lines)
}

func (b *processBackend) close() {
	ctx, cancel := context.WithTimeout(context.Background(), supervisor.DefaultStopGrace+time.Second)
	defer cancel()
	_ = b.stop(ctx, false)
}

func snippet(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
