package skill

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// classifySkill determines the ticker/company/domain profile for a query.
type classifySkill struct{ base }

func (s *classifySkill) Name() Name { return Classify }
func (s *classifySkill) Description() string {
	return "Classify the query: resolve ticker, company and research domains, detect follow-ups"
}
func (s *classifySkill) LongRunning() bool { return false }
func (s *classifySkill) Critical() bool    { return true }

func (s *classifySkill) Run(ctx context.Context, sc *Context, input map[string]interface{}) (Result, error) {
	prompt := fmt.Sprintf(`You are a financial research classifier.

QUERY: %s
%s
Respond ONLY with JSON:
{"ticker":"symbol or empty","company":"name or empty","domains":["earnings","filings","news","macro"],"is_follow_up":false}`,
		sc.Query, conversationBlock(sc.Conversation))

	raw, trace, err := s.generate(ctx, sc, s.model(s.routing.Classify), prompt, map[string]interface{}{"temperature": 0.1})
	if err != nil {
		return Result{Trace: trace}, err
	}

	var cl Classification
	repaired, derr := decodeJSON(raw, &cl)
	if derr != nil {
		// Extraction failures never abort the job: fall back to an empty
		// profile and annotate the run.
		sc.AddWarning("classify: output was not extractable, using empty classification")
		cl = Classification{}
	}
	trace.Repaired = repaired
	sc.SetClassification(&cl)
	return Result{
		Output: map[string]interface{}{"ticker": cl.Ticker, "company": cl.Company, "domains": cl.Domains, "is_follow_up": cl.IsFollowUp},
		Trace:  trace,
	}, nil
}

// analyzeAttachmentSkill summarizes one attachment into the evidence pool.
type analyzeAttachmentSkill struct{ base }

func (s *analyzeAttachmentSkill) Name() Name { return AnalyzeAttachment }
func (s *analyzeAttachmentSkill) Description() string {
	return "Summarize one user attachment and feed it into the evidence pool"
}
func (s *analyzeAttachmentSkill) LongRunning() bool { return false }
func (s *analyzeAttachmentSkill) Critical() bool    { return true }

func (s *analyzeAttachmentSkill) Run(ctx context.Context, sc *Context, input map[string]interface{}) (Result, error) {
	atts := sc.Attachments()
	if len(atts) == 0 {
		return Result{}, &StageError{Kind: KindFatal, Stage: AnalyzeAttachment, Message: "no attachments present in context"}
	}
	id, _ := input["attachment_id"].(string)
	var att *Attachment
	for i := range atts {
		if atts[i].ID == id || id == "" && atts[i].Summary == "" {
			att = &atts[i]
			break
		}
	}
	if att == nil {
		return Result{}, &StageError{Kind: KindFatal, Stage: AnalyzeAttachment, Message: fmt.Sprintf("attachment %q not found", id)}
	}

	prompt := fmt.Sprintf(`Summarize the following attachment for an equity research workflow.
Name: %s (%s)

CONTENT:
%s

Respond ONLY with JSON: {"summary":"...","excerpts":[{"text":"...","relevance":0.0}]}`,
		att.Name, att.ContentType, att.Content)

	raw, trace, err := s.generate(ctx, sc, s.model(s.routing.Classify), prompt, map[string]interface{}{"temperature": 0.2})
	if err != nil {
		return Result{Trace: trace}, err
	}

	var out struct {
		Summary  string `json:"summary"`
		Excerpts []struct {
			Text      string  `json:"text"`
			Relevance float64 `json:"relevance"`
		} `json:"excerpts"`
	}
	repaired, derr := decodeJSON(raw, &out)
	if derr != nil {
		sc.AddWarning(fmt.Sprintf("analyze_attachment: output for %s was not extractable", att.Name))
		return Result{Trace: trace}, nil
	}
	trace.Repaired = repaired
	sc.AnnotateAttachment(att.ID, out.Summary)
	for _, ex := range out.Excerpts {
		sc.AddEvidence(Evidence{ID: uuid.NewString(), Source: "attachment:" + att.Name, Excerpt: ex.Text, Relevance: ex.Relevance})
	}
	return Result{Output: map[string]interface{}{"attachment": att.Name, "summary": out.Summary}, Trace: trace}, nil
}

// draftAnswerSkill produces a quick preliminary answer before research lands.
type draftAnswerSkill struct{ base }

func (s *draftAnswerSkill) Name() Name { return DraftAnswer }
func (s *draftAnswerSkill) Description() string {
	return "Produce a quick preliminary answer from the query alone (non-critical)"
}
func (s *draftAnswerSkill) LongRunning() bool { return false }
func (s *draftAnswerSkill) Critical() bool    { return false }

func (s *draftAnswerSkill) Run(ctx context.Context, sc *Context, input map[string]interface{}) (Result, error) {
	prompt := fmt.Sprintf(`Give a brief preliminary answer to this research query. This is a
draft shown while deeper research runs; keep it short and hedge appropriately.

QUERY: %s

Respond ONLY with JSON: {"summary":"...","findings":[{"text":"...","confidence":0.0}]}`, sc.Query)

	raw, trace, err := s.generate(ctx, sc, s.model(s.routing.Classify), prompt, map[string]interface{}{"temperature": 0.5})
	if err != nil {
		return Result{Trace: trace}, err
	}

	report, repaired, derr := parseReport(raw, DraftAnswer)
	if derr != nil {
		sc.AddWarning("draft_answer: output was not extractable, skipping draft")
		return Result{Trace: trace}, nil
	}
	trace.Repaired = repaired
	report.Draft = true
	sc.SetDraft(report)
	sc.SetReport(report)
	return Result{Report: report, Trace: trace}, nil
}

// researchSkill gathers evidence for the classified query.
type researchSkill struct{ base }

func (s *researchSkill) Name() Name { return Research }
func (s *researchSkill) Description() string {
	return "Gather supporting evidence for the classified query (requires classify)"
}
func (s *researchSkill) LongRunning() bool { return true }
func (s *researchSkill) Critical() bool    { return true }

func (s *researchSkill) Run(ctx context.Context, sc *Context, input map[string]interface{}) (Result, error) {
	cl := sc.Classification()
	if cl == nil {
		return Result{}, &StageError{Kind: KindFatal, Stage: Research, Message: "research requires a prior classification"}
	}

	var attNotes strings.Builder
	for _, a := range sc.Attachments() {
		if a.Summary != "" {
			fmt.Fprintf(&attNotes, "- %s: %s\n", a.Name, a.Summary)
		}
	}
	prompt := fmt.Sprintf(`You are a financial research collaborator. Gather evidence for:

QUERY: %s
TICKER: %s  COMPANY: %s  DOMAINS: %s
ATTACHMENT NOTES:
%s
Respond ONLY with JSON:
{"findings":[{"source":"...","excerpt":"...","relevance":0.0}]}`,
		sc.Query, cl.Ticker, cl.Company, strings.Join(cl.Domains, ", "), attNotes.String())

	raw, trace, err := s.generate(ctx, sc, s.model(s.routing.Research), prompt, map[string]interface{}{"temperature": 0.3})
	if err != nil {
		return Result{Trace: trace}, err
	}

	var out struct {
		Findings []struct {
			Source    string  `json:"source"`
			Excerpt   string  `json:"excerpt"`
			Relevance float64 `json:"relevance"`
		} `json:"findings"`
	}
	repaired, derr := decodeJSON(raw, &out)
	if derr != nil {
		sc.AddWarning("research: output was not extractable, evidence pool unchanged")
		return Result{Trace: trace}, nil
	}
	trace.Repaired = repaired
	evidence := make([]Evidence, 0, len(out.Findings))
	for _, f := range out.Findings {
		evidence = append(evidence, Evidence{ID: uuid.NewString(), Source: f.Source, Excerpt: f.Excerpt, Relevance: f.Relevance})
	}
	sc.AddEvidence(evidence...)
	return Result{Output: map[string]interface{}{"evidence_count": len(evidence)}, Trace: trace}, nil
}

// synthesizeSkill combines the evidence pool into a report candidate.
type synthesizeSkill struct{ base }

func (s *synthesizeSkill) Name() Name { return Synthesize }
func (s *synthesizeSkill) Description() string {
	return "Synthesize the evidence pool into a structured report candidate (requires research)"
}
func (s *synthesizeSkill) LongRunning() bool { return true }
func (s *synthesizeSkill) Critical() bool    { return true }

func (s *synthesizeSkill) Run(ctx context.Context, sc *Context, input map[string]interface{}) (Result, error) {
	if sc.Classification() == nil {
		return Result{}, &StageError{Kind: KindFatal, Stage: Synthesize, Message: "synthesize requires classify and research to have run"}
	}

	var ev strings.Builder
	for _, e := range sc.Evidence() {
		fmt.Fprintf(&ev, "- [%s] %s (relevance %.2f)\n", e.Source, e.Excerpt, e.Relevance)
	}
	prompt := fmt.Sprintf(`Write a structured research report for the query below using only the
gathered evidence. Each finding must carry a confidence in [0,1].

QUERY: %s
REASONING LEVEL: %s
EVIDENCE:
%s
Respond ONLY with JSON:
{"summary":"...","findings":[{"text":"...","confidence":0.0,"sources":["..."]}]}`,
		sc.Query, sc.ReasoningLevel, ev.String())

	raw, trace, err := s.generate(ctx, sc, s.model(s.routing.Synthesize), prompt, map[string]interface{}{"temperature": 0.3})
	if err != nil {
		return Result{Trace: trace}, err
	}

	report, repaired, derr := parseReport(raw, Synthesize)
	if derr != nil {
		sc.AddWarning("synthesize: output was not extractable, no candidate produced")
		return Result{Trace: trace}, nil
	}
	trace.Repaired = repaired
	sc.SetReport(report)
	return Result{Report: report, Trace: trace}, nil
}

// verifySkill reviews the current candidate and finalizes confidences.
type verifySkill struct{ base }

func (s *verifySkill) Name() Name { return Verify }
func (s *verifySkill) Description() string {
	return "Verify the report candidate against the evidence and finalize confidences (requires synthesize)"
}
func (s *verifySkill) LongRunning() bool { return true }
func (s *verifySkill) Critical() bool    { return true }

func (s *verifySkill) Run(ctx context.Context, sc *Context, input map[string]interface{}) (Result, error) {
	candidate := sc.Report()
	if candidate == nil {
		return Result{}, &StageError{Kind: KindFatal, Stage: Verify, Message: "verify requires a report candidate"}
	}

	var findings strings.Builder
	for _, f := range candidate.Findings {
		fmt.Fprintf(&findings, "- (%.2f) %s\n", f.Confidence, f.Text)
	}
	var ev strings.Builder
	for _, e := range sc.Evidence() {
		fmt.Fprintf(&ev, "- [%s] %s\n", e.Source, e.Excerpt)
	}
	prompt := fmt.Sprintf(`Review this report draft against the evidence. Remove unsupported
findings, adjust confidences, and tighten the summary.

SUMMARY: %s
FINDINGS:
%s
EVIDENCE:
%s
Respond ONLY with JSON:
{"summary":"...","findings":[{"text":"...","confidence":0.0,"sources":["..."]}]}`,
		candidate.Summary, findings.String(), ev.String())

	raw, trace, err := s.generate(ctx, sc, s.model(s.routing.Verify), prompt, map[string]interface{}{"temperature": 0.2})
	if err != nil {
		return Result{Trace: trace}, err
	}

	report, repaired, derr := parseReport(raw, Verify)
	if derr != nil {
		// Keep the unverified candidate rather than losing the report.
		sc.AddWarning("verify: output was not extractable, keeping unverified candidate")
		return Result{Trace: trace}, nil
	}
	trace.Repaired = repaired
	sc.SetReport(report)
	return Result{Report: report, Trace: trace}, nil
}

// parseReport decodes a {summary, findings[]} payload into a Report.
func parseReport(raw string, by Name) (*Report, bool, error) {
	var out struct {
		Summary  string `json:"summary"`
		Findings []struct {
			Text       string   `json:"text"`
			Confidence float64  `json:"confidence"`
			Sources    []string `json:"sources"`
		} `json:"findings"`
	}
	repaired, err := decodeJSON(raw, &out)
	if err != nil {
		return nil, false, err
	}
	report := &Report{Summary: out.Summary, GeneratedBy: by, CreatedAt: time.Now()}
	for _, f := range out.Findings {
		report.Findings = append(report.Findings, Finding{
			ID:         uuid.NewString(),
			Text:       f.Text,
			Confidence: f.Confidence,
			Sources:    f.Sources,
		})
	}
	return report, repaired, nil
}

func conversationBlock(conv []string) string {
	if len(conv) == 0 {
		return ""
	}
	return "CONVERSATION SO FAR:\n" + strings.Join(conv, "\n") + "\n"
}
