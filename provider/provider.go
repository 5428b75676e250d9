// Package provider exposes text-generation collaborators behind a uniform
// interface. The pipeline treats providers as unreliable: calls may fail with
// rate-limit or overload signals (retryable) or authorization errors (not),
// and responses are free-form text that callers must extract payloads from.
package provider

import (
	"context"
	"fmt"

	"github.com/finbrief/finbrief/config"
)

// LLMProvider is the contract for text-generation collaborators.
type LLMProvider interface {
	// Generate generates text using the given model.
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns input/output token usage.
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// GetAvailableModels returns configured model keys.
	GetAvailableModels() []string

	// CalculateCost calculates the dollar cost for a given token usage.
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// StatusError is a collaborator failure carrying the HTTP-style status the
// upstream API returned. Retry policy classifies on Status: 429 and 5xx are
// transient, everything else is fatal.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider status %d", e.Status)
	}
	return fmt.Sprintf("provider status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure is a rate-limit or overload signal.
func (e *StatusError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// New creates a provider from configuration. The first configured provider
// entry wins; this mirrors single-provider deployments.
func New(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	for _, p := range cfg.Providers {
		switch p.Type {
		case "openai":
			return NewOpenAIProvider(p), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", p.Type)
		}
	}
	return nil, fmt.Errorf("no valid LLM providers found")
}
