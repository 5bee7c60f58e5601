// Package llmclient defines the opaque chat(messages) -> text capability
// the core depends on. Concrete provider wiring (Anthropic, OpenAI,
// Gemini, Ollama) lives outside the core; this package only carries the
// narrow interface plus a deterministic Mock used across this repo's
// own tests.
package llmclient

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/zjucss/simsocius/pkg/simevent"
)

// Message is the provider-agnostic chat message shape passed to Client.Chat.
type Message struct {
	Role simevent.Role
	Content string
	Media []simevent.MediaRef
}

// Response is what a successful chat call returns.
type Response struct {
	Text string
	TokensUsed int
	FinishReason string
}

// Client is the narrow capability the agent package depends on. A call
// either returns a Response or an error; retry/backoff policy lives in the
// caller (pkg/simagent), not here, because the retry count is a property
// of the agent's error-handling contract, not the transport.
type Client interface {
	Chat(ctx context.Context, messages []Message) (Response, error)

	// Name identifies the client for logging/metrics (e.g. "anthropic:claude-sonnet").
	Name() string
}

// Registry is a process-wide, name-keyed set of configured clients,
// matching the shape of the Clients field on a Simulator snapshot.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a Registry from an initial set of named clients.
func NewRegistry(clients map[string]Client) *Registry {
	if clients == nil {
		clients = map[string]Client{}
	}
	return &Registry{clients: clients}
}

// Get returns the named client, or (nil, false) if absent.
func (r *Registry) Get(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Set registers or replaces a client.
func (r *Registry) Set(name string, c Client) {
	r.clients[name] = c
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.clients = map[string]Client{}
}

// Clone returns a shallow copy — Client values are themselves stateless
// capability handles, so copying the map is sufficient for copy-on-branch
// isolation of the snapshot that holds it.
func (r *Registry) Clone() *Registry {
	out := make(map[string]Client, len(r.clients))
	for k, v := range r.clients {
		out[k] = v
	}
	return &Registry{clients: out}
}

// Mock is a deterministic canned-response client: never calls the network,
// always returns the same action envelope shape for a given input hash.
// Used as the default client in this repo's own tests and as the
// degrade-gracefully fallback when quota is exhausted and the calling
// code must still produce a deterministic response.
type Mock struct {
	// Template, if non-empty, is returned verbatim regardless of input.
	Template string
	// FailAlways makes every call return Err.
	FailAlways bool
	Err error
}

// Chat implements Client.
func (m *Mock) Chat(_ context.Context, messages []Message) (Response, error) {
	if m.FailAlways {
		err := m.Err
		if err == nil {
			err = fmt.Errorf("mock client: simulated failure")
		}
		return Response{}, err
	}
	if m.Template != "" {
		return Response{Text: m.Template, TokensUsed: estimateTokens(m.Template)}, nil
	}
	h := sha1.New()
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte(msg.Content))
	}
	digest := hex.EncodeToString(h.Sum(nil))[:8]
	text := fmt.Sprintf(
		"Thoughts: deterministic mock reply (trace=%s)\nAction: <Action name=\"wait\"/>\n", digest)
	return Response{Text: text, TokensUsed: estimateTokens(text)}, nil
}

// Name implements Client.
func (m *Mock) Name() string { return "mock" }

// estimateTokens is a crude whitespace-split estimate used only by Mock,
// which never talks to tiktoken-go (real token accounting lives in
// pkg/quota, against real provider output).
func estimateTokens(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
