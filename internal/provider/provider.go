// Package provider abstracts answer generation over pluggable LLM backends.
// Each endpoint is bound to a "provider/model" reference; the provider half
// selects a Generator implementation, the model half is passed through on
// every call.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedProvider is returned when a model reference names a provider
// this build has no implementation for.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// GenError wraps a failed generation call with the provider that produced it.
// The wrapped error may contain upstream detail and must never reach a
// customer-facing response.
type GenError struct {
	Provider string
	Err      error
}

func (e *GenError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *GenError) Unwrap() error {
	return e.Err
}

// Message is one turn of a conversation passed to a Generator.
type Message struct {
	Role      string    `json:"role"` // "system", "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// GenConfig carries the per-call generation parameters.
type GenConfig struct {
	Model       string
	Temperature float64 // 0 means provider default
	MaxTokens   int     // 0 means provider default
}

// Generator produces raw text from a conversation. Implementations are safe
// for concurrent use.
type Generator interface {
	Generate(ctx context.Context, messages []Message, cfg GenConfig) (string, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool
}

// Options holds construction-time settings shared by all providers.
type Options struct {
	OllamaBaseURL string
	OpenAIBaseURL string // any OpenAI-compatible server; empty means api.openai.com
	OpenAIAPIKey  string
}

// New returns the Generator implementation for the given provider identifier.
// "custom" endpoints speak the OpenAI wire format against their own base URL,
// so they share the openai client.
func New(providerID string, opts Options) (Generator, error) {
	switch providerID {
	case "ollama":
		return NewOllama(opts.OllamaBaseURL), nil
	case "openai", "custom":
		return NewOpenAI(opts.OpenAIBaseURL, opts.OpenAIAPIKey), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, providerID)
	}
}

// ParseModelRef splits a "provider/model" reference. The model half may itself
// contain slashes (e.g. "openai/org/model").
func ParseModelRef(ref string) (providerID, model string, err error) {
	providerID, model, ok := strings.Cut(ref, "/")
	if !ok || providerID == "" || model == "" {
		return "", "", fmt.Errorf("invalid model reference %q: want provider/model", ref)
	}
	return providerID, model, nil
}
