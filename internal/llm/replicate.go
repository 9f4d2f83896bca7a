package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/logring"
	"github.com/fluidmcp/fluidmcp/internal/supervisor"
)

// replicateBackend fronts a cloud prediction API. Predictions are
// created with one POST and polled until they reach a terminal status.
type replicateBackend struct {
	id        string
	cfg       ReplicateConfig
	client    *http.Client
	log       *slog.Logger
	lookupEnv func(string) (string, bool)
	ring      *logring.Ring

	mu       sync.Mutex
	lastErr  string
	invoked  int
	failures int
}

// prediction is the wire shape shared by create and poll responses.
type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func newReplicateBackend(id string, cfg ReplicateConfig, client *http.Client, lookupEnv func(string) (string, bool), log *slog.Logger) *replicateBackend {
	return &replicateBackend{
		id:        id,
		cfg:       cfg,
		client:    client,
		log:       log.With("model", id),
		lookupEnv: lookupEnv,
		ring:      logring.New(0, 0),
	}
}

func (b *replicateBackend) endpoint() string {
	if b.cfg.Endpoint != "" {
		return b.cfg.Endpoint
	}
	return DefaultReplicateAPIBase
}

func (b *replicateBackend) pollInterval() time.Duration {
	if b.cfg.PollIntervalSec > 0 {
		return time.Duration(b.cfg.PollIntervalSec) * time.Second
	}
	return DefaultPollInterval
}

func (b *replicateBackend) maxRetries() int {
	if b.cfg.MaxRetries > 0 {
		return b.cfg.MaxRetries
	}
	return DefaultMaxRetries
}

// apiKey re-resolves the ${NAME} reference on every call; registration
// already verified it, but the environment may have changed since.
func (b *replicateBackend) apiKey() (string, error) {
	return resolveAPIKey(b.cfg.APIKeyRef, b.lookupEnv)
}

// resolveAPIKey resolves a ${NAME} credential reference against the
// process environment. The manager calls it at registration so a dangling
// reference fails the create, not the first invoke.
func resolveAPIKey(ref string, lookupEnv func(string) (string, bool)) (string, error) {
	name := strings.TrimSuffix(strings.TrimPrefix(ref, "${"), "}")
	if name == "" || name == ref {
		return "", fault.New(fault.BadInput, "api_key_ref %q is not a ${NAME} reference", ref)
	}
	key, ok := lookupEnv(name)
	if !ok || key == "" {
		return "", fault.New(fault.MissingCredential, "environment variable %s is not set", name)
	}
	return key, nil
}

func (b *replicateBackend) invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	key, err := b.apiKey()
	if err != nil {
		return nil, err
	}

	if b.cfg.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(b.cfg.TimeoutSec)*time.Second)
		defer cancel()
	}

	body, err := b.buildCreateBody(payload)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.invoked++
	b.mu.Unlock()
	b.ring.Push(logring.StreamStdout, fmt.Sprintf("create prediction model=%s", b.cfg.Model))

	pred, err := b.createPrediction(ctx, key, body)
	if err != nil {
		b.recordFailure(err)
		return nil, err
	}

	out, err := b.waitTerminal(ctx, key, pred)
	if err != nil {
		b.recordFailure(err)
		return nil, err
	}
	return out, nil
}

// buildCreateBody merges default_params under the caller's input. The
// payload is the prediction input unless it already carries one.
func (b *replicateBackend) buildCreateBody(payload json.RawMessage) ([]byte, error) {
	input := map[string]any{}
	for k, v := range b.cfg.DefaultParams {
		input[k] = v
	}
	if len(payload) > 0 {
		var caller map[string]any
		if err := json.Unmarshal(payload, &caller); err != nil {
			return nil, fault.Wrap(fault.BadInput, err, "invoke payload must be a json object")
		}
		if nested, ok := caller["input"].(map[string]any); ok {
			caller = nested
		}
		for k, v := range caller {
			input[k] = v
		}
	}
	return json.Marshal(map[string]any{
		"version": b.cfg.Model,
		"input":   input,
	})
}

// createPrediction POSTs the prediction, retrying transient failures
// with exponential backoff.
func (b *replicateBackend) createPrediction(ctx context.Context, key string, body []byte) (*prediction, error) {
	policy := supervisor.RestartPolicy{Base: 500 * time.Millisecond, Factor: 2, Cap: 10 * time.Second, Jitter: 0.25}

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries(); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Delay(attempt - 1)):
			case <-ctx.Done():
				return nil, fault.Wrap(fault.MCPTimeout, ctx.Err(), "create prediction for model %s", b.id)
			}
		}

		pred, retryable, err := b.postCreate(ctx, key, body)
		if err == nil {
			return pred, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		b.log.Warn("prediction create failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (b *replicateBackend) postCreate(ctx context.Context, key string, body []byte) (*prediction, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, false, fault.Wrap(fault.Internal, err, "build prediction request")
	}
	req.Header.Set("Authorization", "Token "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, fault.Wrap(fault.MCPTimeout, ctx.Err(), "create prediction for model %s", b.id)
		}
		return nil, true, fault.Wrap(fault.Internal, err, "reach prediction api")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fault.Wrap(fault.Internal, err, "read prediction response")
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fault.New(fault.Internal, "prediction api returned status %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": snippet(raw)})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fault.New(fault.BadInput, "prediction api rejected the request with status %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": snippet(raw)})
	}

	var pred prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, false, fault.Wrap(fault.MCPProtocol, err, "decode prediction response")
	}
	return &pred, false, nil
}

// waitTerminal polls the prediction until it succeeds, fails, or the
// context expires.
func (b *replicateBackend) waitTerminal(ctx context.Context, key string, pred *prediction) (json.RawMessage, error) {
	for {
		switch pred.Status {
		case "succeeded":
			out, err := json.Marshal(pred)
			if err != nil {
				return nil, fault.Wrap(fault.Internal, err, "encode prediction result")
			}
			return out, nil
		case "failed", "canceled":
			return nil, fault.New(fault.Internal, "prediction %s %s: %s", pred.ID, pred.Status, pred.Error)
		}

		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.MCPTimeout, ctx.Err(), "prediction %s still %s", pred.ID, pred.Status)
		case <-time.After(b.pollInterval()):
		}

		next, err := b.pollOnce(ctx, key, pred)
		if err != nil {
			return nil, err
		}
		pred = next
	}
}

func (b *replicateBackend) pollOnce(ctx context.Context, key string, pred *prediction) (*prediction, error) {
	url := pred.URLs.Get
	if url == "" {
		url = strings.TrimSuffix(b.endpoint(), "/") + "/" + pred.ID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "build poll request")
	}
	req.Header.Set("Authorization", "Token "+key)

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.MCPTimeout, ctx.Err(), "poll prediction %s", pred.ID)
		}
		return nil, fault.Wrap(fault.Internal, err, "poll prediction %s", pred.ID)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "read poll response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.New(fault.Internal, "poll returned status %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": snippet(raw)})
	}

	var next prediction
	if err := json.Unmarshal(raw, &next); err != nil {
		return nil, fault.Wrap(fault.MCPProtocol, err, "decode poll response")
	}
	return &next, nil
}

func (b *replicateBackend) recordFailure(err error) {
	b.mu.Lock()
	b.failures++
	b.lastErr = err.Error()
	b.mu.Unlock()
	b.ring.Push(logring.StreamStderr, err.Error())
}

// restart and stop have nothing to manage for a cloud backend.
func (b *replicateBackend) restart(context.Context) error {
	return fault.New(fault.InvalidState, "model %s is a cloud backend with no process to restart", b.id)
}

func (b *replicateBackend) stop(context.Context, bool) error {
	return fault.New(fault.InvalidState, "model %s is a cloud backend with no process to stop", b.id)
}

// health checks credential resolution; the remote API is not probed.
func (b *replicateBackend) health() Health {
	_, err := b.apiKey()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Health{
		ModelID: b.id,
		Healthy: err == nil,
		State:   "remote",
	}
}

func (b *replicateBackend) logs(lines int) []logring.Record {
	return b.ring.Last(lines)
}

func (b *replicateBackend) close() {}
