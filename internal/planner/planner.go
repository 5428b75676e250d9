// Package planner produces the ordered list of skill invocations for a
// report job. The primary path asks a planning collaborator; when that call
// fails or its output cannot be extracted, a deterministic default plan is
// built from the request flags. The fallback is total: it always yields a
// usable plan and never fails.
package planner

import (
	"context"
	"fmt"
	"log"

	"github.com/finbrief/finbrief/config"
	"github.com/finbrief/finbrief/internal/extract"
	"github.com/finbrief/finbrief/internal/skill"
	"github.com/finbrief/finbrief/provider"

	"encoding/json"
)

// StepStatus tracks a plan step through execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one planned skill invocation. Steps are created by the planner and
// status-transitioned in place by the orchestrator, never deleted.
type Step struct {
	Skill       skill.Name             `json:"skill"`
	Description string                 `json:"description"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Status      StepStatus             `json:"status"`
}

// Plan is the ordered step list plus the planner's reasoning.
type Plan struct {
	Reasoning string  `json:"reasoning"`
	Steps     []*Step `json:"steps"`
	Fallback  bool    `json:"fallback,omitempty"`
}

// Request carries the context flags the planner derives a plan from.
type Request struct {
	Query         string
	Attachments   []skill.Attachment
	Conversation  []string
	PreClassified bool
}

// IsFollowUp reports whether the request continues an existing conversation.
func (r Request) IsFollowUp() bool { return len(r.Conversation) > 0 }

// Generator builds plans, preferring the planning collaborator.
type Generator struct {
	cfg      *config.Config
	llm      provider.LLMProvider
	registry *skill.Registry
	logger   *log.Logger
}

// NewGenerator creates a plan generator.
func NewGenerator(cfg *config.Config, llm provider.LLMProvider, registry *skill.Registry) *Generator {
	return &Generator{
		cfg:      cfg,
		llm:      llm,
		registry: registry,
		logger:   log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// GeneratePlan returns a plan for the request. LLM failures and unusable
// outputs degrade to the deterministic default plan.
func (g *Generator) GeneratePlan(ctx context.Context, req Request) *Plan {
	if g.llm != nil {
		if plan, err := g.planWithLLM(ctx, req); err == nil {
			return plan
		} else {
			g.logger.Printf("plan generation degraded to default plan: %v", err)
		}
	}
	return g.DefaultPlan(req)
}

func (g *Generator) planWithLLM(ctx context.Context, req Request) (*Plan, error) {
	model := g.cfg.LLM.Routing.Planning
	if model == "" {
		model = g.cfg.LLM.Routing.Fallback
	}
	resp, err := g.llm.Generate(ctx, g.planningPrompt(req), model, map[string]interface{}{
		"temperature": 0.2,
		"max_tokens":  1500,
	})
	if err != nil {
		return nil, fmt.Errorf("planning collaborator: %w", err)
	}
	plan, err := g.parsePlanningResponse(resp)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(plan, req); err != nil {
		return nil, fmt.Errorf("generated plan invalid: %w", err)
	}
	return plan, nil
}

func (g *Generator) planningPrompt(req Request) string {
	return fmt.Sprintf(`You are a planning agent for a financial research pipeline. Produce an
ordered step list for the query below.

AVAILABLE SKILLS:
%s

CONTEXT FLAGS:
- attachments: %d
- follow_up: %t
- pre_classified: %t

RULES:
1. End with research, synthesize, verify in that order.
2. Skip classify when pre_classified is true; otherwise classify comes first.
3. Add one analyze_attachment step per attachment, before research.
4. draft_answer is optional and only useful for fresh (non follow-up) queries.

QUERY: %s

Respond ONLY with JSON:
{"reasoning":"...","steps":[{"skill":"name","description":"...","input":{}}]}`,
		g.registry.Describe(), len(req.Attachments), req.IsFollowUp(), req.PreClassified, req.Query)
}

func (g *Generator) parsePlanningResponse(resp string) (*Plan, error) {
	s := extract.StripFences(resp)
	if !json.Valid([]byte(s)) {
		if fixed, ok := extract.RepairTruncatedJSON(s); ok {
			s = fixed
		} else if span, ok := extract.ExtractJSONObject(resp); ok {
			s = span
		} else {
			return nil, fmt.Errorf("no JSON found in planning response")
		}
	}
	var raw struct {
		Reasoning string `json:"reasoning"`
		Steps     []struct {
			Skill       string                 `json:"skill"`
			Description string                 `json:"description"`
			Input       map[string]interface{} `json:"input"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("parse planning response: %w", err)
	}
	plan := &Plan{Reasoning: raw.Reasoning}
	for _, st := range raw.Steps {
		plan.Steps = append(plan.Steps, &Step{
			Skill:       skill.Name(st.Skill),
			Description: st.Description,
			Input:       st.Input,
			Status:      StepPending,
		})
	}
	return plan, nil
}

// Validate rejects plans the orchestrator cannot execute: unknown skills,
// or a tail that does not finish with research, synthesize, verify.
func (g *Generator) Validate(plan *Plan, req Request) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	for _, st := range plan.Steps {
		if _, ok := g.registry.Get(st.Skill); !ok {
			return fmt.Errorf("unknown skill %q", st.Skill)
		}
	}
	if len(plan.Steps) < 3 {
		return fmt.Errorf("plan is missing mandatory terminal stages")
	}
	tail := plan.Steps[len(plan.Steps)-3:]
	want := []skill.Name{skill.Research, skill.Synthesize, skill.Verify}
	for i, st := range tail {
		if st.Skill != want[i] {
			return fmt.Errorf("plan must end with research, synthesize, verify")
		}
	}
	if req.PreClassified {
		for _, st := range plan.Steps {
			if st.Skill == skill.Classify {
				return fmt.Errorf("plan repeats classification on a pre-classified request")
			}
		}
	}
	return nil
}

// DefaultPlan builds the deterministic fallback plan from the request
// flags. It always produces a usable plan.
func (g *Generator) DefaultPlan(req Request) *Plan {
	plan := &Plan{
		Reasoning: "default plan derived from request flags",
		Fallback:  true,
	}
	if !req.PreClassified {
		plan.Steps = append(plan.Steps, &Step{
			Skill:       skill.Classify,
			Description: "Classify the query into ticker, company and research domains",
			Status:      StepPending,
		})
	}
	for _, att := range req.Attachments {
		plan.Steps = append(plan.Steps, &Step{
			Skill:       skill.AnalyzeAttachment,
			Description: fmt.Sprintf("Analyze attachment %s", att.Name),
			Input:       map[string]interface{}{"attachment_id": att.ID},
			Status:      StepPending,
		})
	}
	if !req.IsFollowUp() {
		plan.Steps = append(plan.Steps, &Step{
			Skill:       skill.DraftAnswer,
			Description: "Produce a quick preliminary answer",
			Status:      StepPending,
		})
	}
	plan.Steps = append(plan.Steps,
		&Step{Skill: skill.Research, Description: "Gather supporting evidence", Status: StepPending},
		&Step{Skill: skill.Synthesize, Description: "Synthesize evidence into a report candidate", Status: StepPending},
		&Step{Skill: skill.Verify, Description: "Verify the report candidate and finalize confidences", Status: StepPending},
	)
	return plan
}
