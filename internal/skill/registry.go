package skill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/finbrief/finbrief/config"
	"github.com/finbrief/finbrief/internal/extract"
	"github.com/finbrief/finbrief/provider"
)

// Skill is the uniform contract every pipeline stage implements. Run
// receives the shared pipeline context plus the step input chosen by the
// planner, and returns structured output with LLM-call diagnostics.
type Skill interface {
	Name() Name
	Description() string
	// LongRunning skills get the orchestrator's longer step timeout.
	LongRunning() bool
	// Critical skills abort the job on failure; non-critical failures are
	// logged and skipped.
	Critical() bool
	Run(ctx context.Context, sc *Context, input map[string]interface{}) (Result, error)
}

// Registry holds the closed set of available skills.
type Registry struct {
	skills map[Name]Skill
	order  []Name
}

// NewRegistry creates the registry with every pipeline skill wired to the
// given provider and routing configuration.
func NewRegistry(cfg *config.Config, llm provider.LLMProvider, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "[SKILL] ", log.LstdFlags)
	}
	b := base{
		llm:        llm,
		routing:    cfg.LLM.Routing,
		maxRetries: cfg.Orchestrator.MaxRetries,
		logger:     logger,
	}
	r := &Registry{skills: make(map[Name]Skill)}
	for _, s := range []Skill{
		&classifySkill{base: b},
		&analyzeAttachmentSkill{base: b},
		&draftAnswerSkill{base: b},
		&researchSkill{base: b},
		&synthesizeSkill{base: b},
		&verifySkill{base: b},
	} {
		r.skills[s.Name()] = s
		r.order = append(r.order, s.Name())
	}
	return r
}

// Get returns the skill registered under name.
func (r *Registry) Get(name Name) (Skill, bool) {
	s, ok := r.skills[name]
	return s, ok
}

// Names returns all registered skill names in registration order.
func (r *Registry) Names() []Name {
	out := make([]Name, len(r.order))
	copy(out, r.order)
	return out
}

// Describe renders a capability list suitable for embedding in the planning
// prompt.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, name := range r.order {
		s := r.skills[name]
		fmt.Fprintf(&b, "- %s: %s\n", name, s.Description())
	}
	return strings.TrimRight(b.String(), "\n")
}

// base carries the fields shared by every skill implementation.
type base struct {
	llm        provider.LLMProvider
	routing    config.LLMRoutingConfig
	maxRetries int
	logger     *log.Logger
}

// model resolves a routed model key, falling back to the routing fallback.
func (b *base) model(routed string) string {
	if routed != "" {
		return routed
	}
	return b.routing.Fallback
}

// generate calls the collaborator with bounded retries of transient
// failures. Retry applies around the individual call: a 429 or 5xx is
// retried with the same input up to maxRetries additional attempts; any
// other error propagates immediately.
func (b *base) generate(ctx context.Context, sc *Context, model, prompt string, options map[string]interface{}) (string, *Trace, error) {
	trace := &Trace{Model: model, PromptChars: len(prompt)}
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		trace.Attempts = attempt + 1
		out, in, outTok, err := b.llm.GenerateWithTokens(ctx, prompt, model, options)
		if err == nil {
			trace.OutputChars = len(out)
			trace.InputTokens = in
			trace.OutputTokens = outTok
			trace.Cost = b.llm.CalculateCost(in, outTok, model)
			sc.Emit("trace", map[string]interface{}{
				"model":         model,
				"attempts":      trace.Attempts,
				"input_tokens":  in,
				"output_tokens": outTok,
				"cost":          trace.Cost,
			})
			return out, trace, nil
		}
		lastErr = err
		var ste *provider.StatusError
		if !errors.As(err, &ste) || !ste.Retryable() {
			return "", trace, err
		}
		b.logger.Printf("transient collaborator error (status %d), attempt %d/%d", ste.Status, attempt+1, b.maxRetries+1)
		sc.Emit("trace", map[string]interface{}{
			"model":   model,
			"retry":   attempt + 1,
			"status":  ste.Status,
			"message": "transient collaborator error, retrying",
		})
		if attempt < b.maxRetries {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return "", trace, ctx.Err()
			}
		}
	}
	return "", trace, lastErr
}

// decodeJSON recovers a structured value from raw collaborator output using
// the full fallback chain: fence-strip, direct parse, truncation repair,
// brace extraction. Returns whether a repair/extraction step was needed.
func decodeJSON(raw string, v interface{}) (repaired bool, err error) {
	s := extract.StripFences(raw)
	if json.Unmarshal([]byte(s), v) == nil {
		return false, nil
	}
	if fixed, ok := extract.RepairTruncatedJSON(s); ok {
		if json.Unmarshal([]byte(fixed), v) == nil {
			return true, nil
		}
	}
	if span, ok := extract.ExtractJSONObject(raw); ok {
		if json.Unmarshal([]byte(span), v) == nil {
			return true, nil
		}
	}
	return false, &StageError{Kind: KindExtraction, Message: "no structured payload in collaborator output", RawOutput: truncateRaw(raw)}
}

func truncateRaw(s string) string {
	const max = 2048
	if len(s) <= max {
		return s
	}
	return s[:max]
}
