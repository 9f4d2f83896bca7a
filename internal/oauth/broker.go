package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/store"
)

// Broker runs the per-server authorization-code flow: it issues PKCE
// pairs, tracks pending states, and exchanges callback codes for tokens.
// Tokens pass through to the caller; the broker retains nothing.
type Broker struct {
	states  *StateStore
	baseURL string
	client  *http.Client
	log     *slog.Logger

	// lookupEnv resolves client credentials from the process environment;
	// overridable in tests.
	lookupEnv func(string) (string, bool)
}

// NewBroker creates a Broker computing redirect URIs against baseURL
// (scheme://host[:port], no trailing slash).
func NewBroker(baseURL string, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		states:    NewStateStore(log),
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log.With("component", "oauth"),
		lookupEnv: os.LookupEnv,
	}
}

// Close releases the broker's background sweep.
func (b *Broker) Close() { b.states.Close() }

// RedirectURI computes the provider redirect target for a server. It is
// derived from the gateway's base URL, never from client input.
func (b *Broker) RedirectURI(serverID string) string {
	return fmt.Sprintf("%s/%s/auth/callback", b.baseURL, serverID)
}

// Login starts an authorization flow for serverID and returns the
// provider URL to redirect the browser to.
func (b *Broker) Login(serverID string, auth store.AuthConfig) (string, error) {
	clientID, ok := b.lookupEnv(auth.ClientIDEnv)
	if !ok || clientID == "" {
		return "", fault.New(fault.MissingClientID, "env var %s is not set", auth.ClientIDEnv)
	}

	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "generate pkce verifier")
	}
	state, err := b.states.Create(serverID, verifier, auth)
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "generate state")
	}

	u, err := url.Parse(auth.AuthorizationURL)
	if err != nil {
		return "", fault.Wrap(fault.BadInput, err, "parse authorization url")
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", b.RedirectURI(serverID))
	q.Set("state", state)
	q.Set("code_challenge", CodeChallenge(verifier))
	q.Set("code_challenge_method", "S256")
	if len(auth.Scopes) > 0 {
		q.Set("scope", strings.Join(auth.Scopes, " "))
	}
	u.RawQuery = q.Encode()

	b.log.Info("authorization flow started", "server", serverID)
	return u.String(), nil
}

// Callback consumes the state exactly once and exchanges the code for the
// provider's token response, returned verbatim. The verifier never leaves
// the gateway, and a failed exchange never echoes it.
func (b *Broker) Callback(ctx context.Context, serverID, state, code string) (json.RawMessage, error) {
	entry, ok := b.states.Consume(state)
	if !ok {
		return nil, fault.New(fault.InvalidState, "unknown, expired, or replayed state")
	}
	if entry.ServerID != serverID {
		return nil, fault.New(fault.InvalidState, "state was issued for a different server")
	}
	if code == "" {
		return nil, fault.New(fault.BadInput, "missing authorization code")
	}

	clientID, ok := b.lookupEnv(entry.Auth.ClientIDEnv)
	if !ok || clientID == "" {
		return nil, fault.New(fault.MissingClientID, "env var %s is not set", entry.Auth.ClientIDEnv)
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {b.RedirectURI(serverID)},
		"client_id":     {clientID},
		"code_verifier": {entry.Verifier},
	}
	if entry.Auth.ClientSecretEnv != "" {
		if secret, ok := b.lookupEnv(entry.Auth.ClientSecretEnv); ok && secret != "" {
			form.Set("client_secret", secret)
		}
	}

	body, err := b.postToken(ctx, entry.Auth.TokenURL, form)
	if err != nil {
		return nil, err
	}
	b.log.Info("authorization flow completed", "server", serverID)
	return body, nil
}

// postToken form-POSTs to the provider's token endpoint and relays the
// response body. Non-2xx answers surface as oauth-exchange with a bounded
// body snippet.
func (b *Broker) postToken(ctx context.Context, tokenURL string, form url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.OAuthExchange, err, "token request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fault.Wrap(fault.OAuthExchange, err, "read token response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fault.New(fault.OAuthExchange, "token endpoint returned %d", resp.StatusCode).
			WithDetails(map[string]any{"provider_status": resp.StatusCode, "provider_body": snippet(body)})
	}
	return body, nil
}

func snippet(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
