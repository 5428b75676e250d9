// Package skill exposes the pipeline's external text-generation
// collaborators as a closed, enumerable set of uniform asynchronous
// operations. Each skill validates its prerequisites against the shared
// pipeline context and fails fast with a descriptive error when a prior
// stage's output is missing.
package skill

import (
	"sync"
	"time"
)

// Name identifies a skill. The set is closed: the orchestrator's policy
// decisions (timeouts, criticality) switch exhaustively over these values.
type Name string

const (
	Classify          Name = "classify"
	AnalyzeAttachment Name = "analyze_attachment"
	DraftAnswer       Name = "draft_answer"
	Research          Name = "research"
	Synthesize        Name = "synthesize"
	Verify            Name = "verify"
)

// AllNames lists every registered skill in default execution order.
func AllNames() []Name {
	return []Name{Classify, AnalyzeAttachment, DraftAnswer, Research, Synthesize, Verify}
}

// EmitFunc publishes a named event with a JSON-serializable payload to the
// job bound to this pipeline run. Implementations must never block for long
// and must tolerate emission after the job is gone.
type EmitFunc func(event string, payload map[string]interface{})

// Attachment is user-supplied supplementary material for a query.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     string `json:"content,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

// Classification is the classify skill's output, consumed by later stages.
type Classification struct {
	Ticker     string   `json:"ticker,omitempty"`
	Company    string   `json:"company,omitempty"`
	Domains    []string `json:"domains,omitempty"`
	IsFollowUp bool     `json:"is_follow_up"`
}

// Evidence is one unit of gathered supporting material.
type Evidence struct {
	ID        string  `json:"id"`
	Source    string  `json:"source"`
	Excerpt   string  `json:"excerpt"`
	Relevance float64 `json:"relevance"`
}

// Finding is one verifiable statement in a report candidate.
type Finding struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources,omitempty"`
}

// Report is a candidate (or final) report produced by a skill.
type Report struct {
	Summary     string    `json:"summary"`
	Findings    []Finding `json:"findings"`
	GeneratedBy Name      `json:"generated_by"`
	Draft       bool      `json:"draft,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Trace captures LLM-call diagnostics for one skill execution.
type Trace struct {
	Model        string  `json:"model"`
	PromptChars  int     `json:"prompt_chars"`
	OutputChars  int     `json:"output_chars"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Attempts     int     `json:"attempts"`
	Repaired     bool    `json:"repaired,omitempty"`
}

// Result is the uniform output of one skill execution.
type Result struct {
	Output map[string]interface{} `json:"output,omitempty"`
	Report *Report                `json:"report,omitempty"`
	Trace  *Trace                 `json:"trace,omitempty"`
}

// Context carries the shared mutable pipeline state across skill executions
// within one job. Step execution is sequential except for the draft/research
// overlap, so every field access goes through the mutex.
type Context struct {
	mu sync.Mutex

	Query          string
	ReasoningLevel string
	Conversation   []string
	Emit           EmitFunc

	attachments    []Attachment
	classification *Classification
	evidence       []Evidence
	draft          *Report
	report         *Report
	warnings       []string
}

// NewContext builds a pipeline context for one job run.
func NewContext(query, reasoningLevel string, conversation []string, attachments []Attachment, emit EmitFunc) *Context {
	if emit == nil {
		emit = func(string, map[string]interface{}) {}
	}
	return &Context{
		Query:          query,
		ReasoningLevel: reasoningLevel,
		Conversation:   conversation,
		Emit:           emit,
		attachments:    attachments,
	}
}

// Attachments returns a copy of the attachment list.
func (c *Context) Attachments() []Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Attachment, len(c.attachments))
	copy(out, c.attachments)
	return out
}

// AnnotateAttachment stores a summary on the attachment with the given ID.
func (c *Context) AnnotateAttachment(id, summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.attachments {
		if c.attachments[i].ID == id {
			c.attachments[i].Summary = summary
			return
		}
	}
}

// Classification returns the active classification, or nil before classify.
func (c *Context) Classification() *Classification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classification
}

// SetClassification installs the domain profile used by later steps.
func (c *Context) SetClassification(cl *Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classification = cl
}

// AddEvidence appends gathered evidence to the pool.
func (c *Context) AddEvidence(ev ...Evidence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evidence = append(c.evidence, ev...)
}

// Evidence returns a copy of the evidence pool.
func (c *Context) Evidence() []Evidence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Evidence, len(c.evidence))
	copy(out, c.evidence)
	return out
}

// SetDraft records the quick preliminary answer.
func (c *Context) SetDraft(r *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = r
}

// Draft returns the preliminary answer, if any.
func (c *Context) Draft() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SetReport replaces the current report candidate. Only the most recent
// candidate is retained.
func (c *Context) SetReport(r *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report = r
}

// Report returns the current report candidate, or nil.
func (c *Context) Report() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// AddWarning records a non-fatal annotation, e.g. an extraction fallback.
func (c *Context) AddWarning(w string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, w)
}

// Warnings returns a copy of accumulated warnings.
func (c *Context) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}
