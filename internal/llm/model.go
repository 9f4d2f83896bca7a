// Package llm manages the pool of LLM backends: local inference
// processes supervised like MCP children, and cloud predictions reached
// over HTTP, behind one uniform interface.
package llm

import (
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
)

// ModelType discriminates the backend union.
type ModelType string

const (
	TypeProcess   ModelType = "process"
	TypeReplicate ModelType = "replicate"
)

// Restart policies for process-backed models.
const (
	RestartOnFailure = "on-failure"
	RestartAlways    = "always"
	RestartNever     = "never"
)

// Model is one configured LLM backend. Exactly one of Process and
// Replicate is set, matching Type.
type Model struct {
	ID        string           `json:"model_id" yaml:"model_id"`
	Type      ModelType        `json:"type" yaml:"type"`
	Process   *ProcessConfig   `json:"process,omitempty" yaml:"process,omitempty"`
	Replicate *ReplicateConfig `json:"replicate,omitempty" yaml:"replicate,omitempty"`
	CreatedAt time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt time.Time        `json:"updated_at" yaml:"-"`
}

// ProcessConfig describes a locally supervised inference server. The
// child binds a loopback port; Endpoint receives invocations and
// HealthEndpoint is probed on a fixed interval.
type ProcessConfig struct {
	Command        string            `json:"command" yaml:"command"`
	Args           []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`
	HealthEndpoint string            `json:"health_endpoint" yaml:"health_endpoint"`
	RestartPolicy  string            `json:"restart_policy,omitempty" yaml:"restart_policy,omitempty"`
	MaxRestarts    int               `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty"`

	HealthIntervalSec      int `json:"health_interval_sec,omitempty" yaml:"health_interval_sec,omitempty"`
	HealthFailureThreshold int `json:"health_failure_threshold,omitempty" yaml:"health_failure_threshold,omitempty"`

	// OOMPattern, when matched against stderr, marks the backend as
	// having hit a CUDA out-of-memory condition.
	OOMPattern string `json:"oom_pattern,omitempty" yaml:"oom_pattern,omitempty"`
}

// ReplicateConfig describes a cloud prediction backend.
type ReplicateConfig struct {
	Model         string         `json:"model" yaml:"model"`
	APIKeyRef     string         `json:"api_key_ref" yaml:"api_key_ref"`
	DefaultParams map[string]any `json:"default_params,omitempty" yaml:"default_params,omitempty"`
	TimeoutSec    int            `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Endpoint      string         `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	PollIntervalSec int `json:"poll_interval_sec,omitempty" yaml:"poll_interval_sec,omitempty"`
}

// Backend tuning defaults.
const (
	DefaultHealthInterval   = 10 * time.Second
	DefaultHealthThreshold  = 3
	DefaultPollInterval     = 2 * time.Second
	DefaultInvokeTimeout    = 120 * time.Second
	DefaultMaxRetries       = 3
	DefaultReplicateAPIBase = "https://api.replicate.com/v1/predictions"
)

// Health is a point-in-time view of a backend's health machinery.
type Health struct {
	ModelID             string `json:"model_id"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutive_health_failures"`
	CudaOOM             bool   `json:"has_cuda_oom,omitempty"`
	State               string `json:"state,omitempty"`
	RestartCount        int    `json:"restart_count,omitempty"`
}

func (m *Model) validate() error {
	if m.ID == "" {
		return fault.New(fault.BadInput, "model_id is required")
	}
	switch m.Type {
	case TypeProcess:
		if m.Process == nil {
			return fault.New(fault.BadInput, "process block is required for type=process")
		}
		if m.Process.Command == "" || m.Process.Endpoint == "" {
			return fault.New(fault.BadInput, "process models need command and endpoint")
		}
		switch m.Process.RestartPolicy {
		case "", RestartOnFailure, RestartAlways, RestartNever:
		default:
			return fault.New(fault.BadInput, "unknown restart_policy %q", m.Process.RestartPolicy)
		}
	case TypeReplicate:
		if m.Replicate == nil {
			return fault.New(fault.BadInput, "replicate block is required for type=replicate")
		}
		if m.Replicate.Model == "" {
			return fault.New(fault.BadInput, "replicate models need a model reference")
		}
		if m.Replicate.APIKeyRef == "" {
			return fault.New(fault.BadInput, "replicate models need api_key_ref")
		}
	default:
		return fault.New(fault.BadInput, "unknown model type %q", m.Type)
	}
	return nil
}
