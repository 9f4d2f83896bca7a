package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProcessBackend(t *testing.T, cfg ProcessConfig) *processBackend {
	t.Helper()
	b := newProcessBackend("local", cfg, []string{"sh"}, &http.Client{}, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.stop(ctx, true)
	})
	return b
}

func TestProcessBackendInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"completion": "ok", "echo": in["prompt"]})
	}))
	defer srv.Close()

	b := newTestProcessBackend(t, ProcessConfig{
		Command:       "sh",
		Args:          []string{"-c", "sleep 60"},
		Endpoint:      srv.URL,
		RestartPolicy: RestartNever,
	})
	if err := b.start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	out, err := b.invoke(context.Background(), json.RawMessage(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if resp["echo"] != "hi" {
		t.Errorf("result = %v", resp)
	}
}

func TestProcessBackendInvokeNotRunning(t *testing.T) {
	b := newTestProcessBackend(t, ProcessConfig{
		Command:  "sh",
		Args:     []string{"-c", "sleep 60"},
		Endpoint: "http://127.0.0.1:9/invoke",
	})

	if _, err := b.invoke(context.Background(), nil); !fault.IsKind(err, fault.NotRunning) {
		t.Errorf("got %v, want not-running", err)
	}
}

func TestProcessBackendCommandDenied(t *testing.T) {
	b := newProcessBackend("bad", ProcessConfig{
		Command:  "rm",
		Args:     []string{"-rf", "/tmp/x"},
		Endpoint: "http://127.0.0.1:9/invoke",
	}, []string{"sh"}, &http.Client{}, discardLogger())

	if err := b.start(); !fault.IsKind(err, fault.CommandDenied) {
		t.Errorf("got %v, want command-denied", err)
	}
}

func TestProcessBackendOOMLatches(t *testing.T) {
	b := newTestProcessBackend(t, ProcessConfig{
		Command:       "sh",
		Args:          []string{"-c", `echo "CUDA out of memory. Tried to allocate" 1>&2; sleep 60`},
		Endpoint:      "http://127.0.0.1:9/invoke",
		RestartPolicy: RestartNever,
		OOMPattern:    "CUDA out of memory",
	})
	if err := b.start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if b.health().CudaOOM {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("oom flag never latched")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := b.invoke(context.Background(), nil); !fault.IsKind(err, fault.CudaOOM) {
		t.Errorf("got %v, want cuda-oom", err)
	}

	// A restart clears the latch.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.cfg.Args = []string{"-c", "sleep 60"}
	if err := b.restart(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if b.health().CudaOOM {
		t.Error("oom flag survived restart")
	}
}

func TestProcessBackendExitWithoutRestart(t *testing.T) {
	b := newTestProcessBackend(t, ProcessConfig{
		Command:       "sh",
		Args:          []string{"-c", "exit 3"},
		Endpoint:      "http://127.0.0.1:9/invoke",
		RestartPolicy: RestartNever,
	})
	if err := b.start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		h := b.health()
		if h.State == "stopped" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("backend never observed the exit")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if b.health().Healthy {
		t.Error("exited backend still healthy")
	}
}

func TestProcessBackendHealthProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	b := newTestProcessBackend(t, ProcessConfig{
		Command:        "sh",
		Args:           []string{"-c", "sleep 60"},
		Endpoint:       healthy.URL,
		HealthEndpoint: healthy.URL,
	})
	if !b.probeOnce() {
		t.Error("probe against healthy endpoint failed")
	}

	b.cfg.HealthEndpoint = failing.URL
	if b.probeOnce() {
		t.Error("probe against failing endpoint succeeded")
	}
}
