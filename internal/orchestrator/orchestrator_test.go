package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/finbrief/finbrief/config"
	"github.com/finbrief/finbrief/internal/planner"
	"github.com/finbrief/finbrief/internal/skill"
	"github.com/finbrief/finbrief/provider"
)

// keywordStub routes responses on prompt content so each pipeline stage gets
// a plausible payload. Entries in fail override matching prompts with an
// error.
type keywordStub struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	delay time.Duration
}

var stubRoutes = []struct {
	marker string
	stage  string
	text   string
}{
	{"research classifier", "classify", `{"ticker":"ACME","company":"Acme Corp","domains":["earnings"],"is_follow_up":false}`},
	{"Summarize the following attachment", "analyze_attachment", `{"summary":"doc summary","excerpts":[{"text":"excerpt","relevance":0.8}]}`},
	{"preliminary answer", "draft_answer", `{"summary":"draft summary","findings":[{"text":"draft finding","confidence":0.5}]}`},
	{"Gather evidence", "research", `{"findings":[{"source":"news","excerpt":"evidence","relevance":0.9}]}`},
	{"structured research report", "synthesize", `{"summary":"synthesized","findings":[{"text":"finding one","confidence":0.6,"sources":["news"]}]}`},
	{"Review this report draft", "verify", `{"summary":"verified","findings":[{"text":"finding one","confidence":0.85,"sources":["news"]}]}`},
}

func (s *keywordStub) route(prompt string) (string, string) {
	for _, r := range stubRoutes {
		if strings.Contains(prompt, r.marker) {
			return r.stage, r.text
		}
	}
	return "unknown", "{}"
}

func (s *keywordStub) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	out, _, _, err := s.GenerateWithTokens(ctx, prompt, model, options)
	return out, err
}

func (s *keywordStub) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", 0, 0, ctx.Err()
		}
	}
	stage, text := s.route(prompt)
	s.mu.Lock()
	s.calls = append(s.calls, stage)
	err := s.fail[stage]
	s.mu.Unlock()
	if err != nil {
		return "", 0, 0, err
	}
	return text, 120, 60, nil
}

func (s *keywordStub) GetAvailableModels() []string { return []string{"test"} }

func (s *keywordStub) CalculateCost(in, out int64, model string) float64 { return 0.001 }

func (s *keywordStub) called(stage string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == stage {
			return true
		}
	}
	return false
}

// eventSink collects emitted events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []sunkEvent
}

type sunkEvent struct {
	name    string
	payload map[string]interface{}
}

func (e *eventSink) emit(name string, payload map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, sunkEvent{name, payload})
}

func (e *eventSink) find(name string) []sunkEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []sunkEvent
	for _, ev := range e.events {
		if ev.name == name {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LLM.Routing = config.LLMRoutingConfig{Fallback: "test"}
	cfg.Orchestrator = config.OrchestratorConfig{
		StepTimeout:     5 * time.Second,
		LongStepTimeout: 10 * time.Second,
		MaxRetries:      0,
	}
	cfg.Telemetry.Enabled = false
	return cfg
}

func newOrchestrator(cfg *config.Config, stub *keywordStub) *Orchestrator {
	reg := skill.NewRegistry(cfg, stub, nil)
	// A nil planning provider forces the deterministic default plan, which
	// keeps step order predictable in tests.
	plans := planner.NewGenerator(cfg, nil, reg)
	return New(cfg, reg, plans, nil)
}

func TestRunProducesVerifiedReport(t *testing.T) {
	stub := &keywordStub{}
	o := newOrchestrator(testConfig(), stub)
	sink := &eventSink{}

	report, wl, err := o.Run(context.Background(), Request{
		Query: "outlook for ACME",
		Emit:  sink.emit,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report == nil || report.GeneratedBy != skill.Verify {
		t.Fatalf("expected verified report, got %+v", report)
	}
	if len(wl.Invocations) != 5 {
		t.Fatalf("expected 5 invocations, got %d", len(wl.Invocations))
	}
	for _, inv := range wl.Invocations {
		if inv.Status != planner.StepCompleted {
			t.Fatalf("step %s not completed: %s", inv.Skill, inv.Status)
		}
	}

	progress := sink.find("progress")
	if len(progress) == 0 {
		t.Fatal("expected progress events")
	}
	last := progress[len(progress)-1]
	if pct, _ := last.payload["percent"].(int); pct != 100 {
		t.Fatalf("final progress should be 100, got %v", last.payload["percent"])
	}
	if _, ok := last.payload["stats"].(ReportStats); !ok {
		t.Fatal("final progress event should carry report stats")
	}
	if reports := sink.find("report"); len(reports) == 0 {
		t.Fatal("expected report events")
	}
}

func TestNonCriticalDraftFailureIsSkipped(t *testing.T) {
	stub := &keywordStub{fail: map[string]error{
		"draft_answer": &provider.StatusError{Status: 401, Body: "denied"},
	}}
	o := newOrchestrator(testConfig(), stub)

	report, wl, err := o.Run(context.Background(), Request{Query: "q"})
	if err != nil {
		t.Fatalf("draft failure must not abort the run: %v", err)
	}
	if report == nil {
		t.Fatal("expected a report despite draft failure")
	}
	var noted bool
	for _, n := range wl.Notes {
		if strings.Contains(n, "draft_answer") {
			noted = true
		}
	}
	if !noted {
		t.Fatalf("work log should note the skipped draft, notes: %v", wl.Notes)
	}
}

func TestCriticalFailureAbortsAtStep(t *testing.T) {
	stub := &keywordStub{fail: map[string]error{
		"research": &provider.StatusError{Status: 401, Body: "denied"},
	}}
	o := newOrchestrator(testConfig(), stub)
	sink := &eventSink{}

	report, _, err := o.Run(context.Background(), Request{Query: "q", Emit: sink.emit})
	if report != nil {
		t.Fatal("aborted run must not return a report")
	}
	var serr *skill.StageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if serr.Kind != skill.KindFatal || serr.Stage != skill.Research {
		t.Fatalf("expected fatal research error, got %+v", serr)
	}
	if stub.called("synthesize") || stub.called("verify") {
		t.Fatal("steps after the failure must not run")
	}
	if len(sink.find("skill_error")) == 0 {
		t.Fatal("expected a skill_error event")
	}
}

func TestStepTimeoutIsClassified(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.StepTimeout = 20 * time.Millisecond
	cfg.Orchestrator.LongStepTimeout = 20 * time.Millisecond
	stub := &keywordStub{delay: 500 * time.Millisecond}
	o := newOrchestrator(cfg, stub)

	_, _, err := o.Run(context.Background(), Request{Query: "q"})
	var serr *skill.StageError
	if !errors.As(err, &serr) || serr.Kind != skill.KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestAbortStopsAtStepBoundary(t *testing.T) {
	stub := &keywordStub{}
	o := newOrchestrator(testConfig(), stub)
	sink := &eventSink{}

	var steps int
	abort := func() bool { return steps >= 1 }
	req := Request{
		Query: "q",
		Emit: func(name string, payload map[string]interface{}) {
			if name == "skill_complete" {
				steps++
			}
			sink.emit(name, payload)
		},
		Abort: abort,
	}
	report, wl, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("abort must not surface an error: %v", err)
	}
	if report != nil {
		t.Fatal("aborted run must not return a report")
	}
	if len(wl.Invocations) != 1 {
		t.Fatalf("expected exactly 1 invocation before abort, got %d", len(wl.Invocations))
	}
	progress := sink.find("progress")
	last := progress[len(progress)-1]
	if terminal, _ := last.payload["terminal"].(bool); !terminal {
		t.Fatal("abort should emit a terminal progress event")
	}
	if last.payload["message"] != "aborted" {
		t.Fatalf("expected aborted message, got %v", last.payload["message"])
	}
}

func TestParallelDraftOverlapsResearch(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.ParallelDraft = true
	stub := &keywordStub{}
	o := newOrchestrator(cfg, stub)

	report, wl, err := o.Run(context.Background(), Request{Query: "q"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report == nil {
		t.Fatal("expected a report")
	}
	if !stub.called("draft_answer") || !stub.called("research") {
		t.Fatal("both overlapped steps must run")
	}
	if len(wl.Invocations) != 5 {
		t.Fatalf("expected 5 invocations, got %d", len(wl.Invocations))
	}
}

func TestParallelDraftFailureDoesNotAbort(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.ParallelDraft = true
	stub := &keywordStub{fail: map[string]error{
		"draft_answer": &provider.StatusError{Status: 500},
	}}
	o := newOrchestrator(cfg, stub)

	report, _, err := o.Run(context.Background(), Request{Query: "q"})
	if err != nil {
		t.Fatalf("overlapped draft failure must not abort: %v", err)
	}
	if report == nil {
		t.Fatal("expected a report")
	}
}

func TestPreClassifiedSkipsClassifyStep(t *testing.T) {
	stub := &keywordStub{}
	o := newOrchestrator(testConfig(), stub)

	report, wl, err := o.Run(context.Background(), Request{
		Query:         "q",
		PreClassified: &skill.Classification{Ticker: "ACME"},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report == nil {
		t.Fatal("expected a report")
	}
	for _, inv := range wl.Invocations {
		if inv.Skill == skill.Classify {
			t.Fatal("pre-classified runs must skip classify")
		}
	}
}

func TestSummarizeBucketsConfidence(t *testing.T) {
	r := &skill.Report{Findings: []skill.Finding{
		{Confidence: 0.1}, {Confidence: 0.5}, {Confidence: 0.65}, {Confidence: 0.9},
	}}
	stats := Summarize(r, []string{"w1"})
	if stats.FindingCount != 4 {
		t.Fatalf("finding count = %d", stats.FindingCount)
	}
	if stats.Confidence["low"] != 1 || stats.Confidence["medium"] != 2 || stats.Confidence["high"] != 1 {
		t.Fatalf("bad buckets: %v", stats.Confidence)
	}
	want := (0.1 + 0.5 + 0.65 + 0.9) / 4
	if diff := stats.MeanConfidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("mean = %f, want %f", stats.MeanConfidence, want)
	}
	if stats.Warnings != 1 {
		t.Fatalf("warnings = %d", stats.Warnings)
	}
}

func TestSummarizeEmptyReport(t *testing.T) {
	stats := Summarize(&skill.Report{}, nil)
	if stats.FindingCount != 0 || stats.MeanConfidence != 0 {
		t.Fatalf("unexpected stats for empty report: %+v", stats)
	}
}
