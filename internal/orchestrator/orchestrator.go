// Package orchestrator drives a planned skill sequence to a final report.
// It owns step-level policy: timeouts, criticality, abort checks between
// steps, and the terminal no-report check. Retry of transient collaborator
// errors lives inside the skills themselves, around individual calls.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/finbrief/finbrief/config"
	"github.com/finbrief/finbrief/internal/planner"
	"github.com/finbrief/finbrief/internal/skill"
	"github.com/finbrief/finbrief/internal/telemetry"
)

// Invocation records one executed (or skipped) plan step.
type Invocation struct {
	Skill       skill.Name             `json:"skill"`
	Description string                 `json:"description,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Status      planner.StepStatus     `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
	DurationMs  int64                  `json:"duration_ms"`
	Error       string                 `json:"error,omitempty"`
	Trace       *skill.Trace           `json:"trace,omitempty"`
}

// WorkLog is the full execution record for one run: the plan as generated,
// every invocation in order, and free-form reasoning notes.
type WorkLog struct {
	Plan        *planner.Plan `json:"plan"`
	Invocations []Invocation  `json:"invocations"`
	Notes       []string      `json:"notes,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

// ReportStats summarizes the final report for the closing progress event.
type ReportStats struct {
	FindingCount   int            `json:"finding_count"`
	MeanConfidence float64        `json:"mean_confidence"`
	Confidence     map[string]int `json:"confidence_buckets"`
	Warnings       int            `json:"warnings"`
}

// Request carries everything needed to run one job's pipeline.
type Request struct {
	Query          string
	ReasoningLevel string
	Conversation   []string
	Attachments    []skill.Attachment
	PreClassified  *skill.Classification

	// Emit publishes job events; nil means discard.
	Emit skill.EmitFunc
	// Abort is polled at step boundaries; a true return stops the run
	// without error. Nil means never abort.
	Abort func() bool
}

// Orchestrator executes plans step by step.
type Orchestrator struct {
	cfg      *config.Config
	registry *skill.Registry
	plans    *planner.Generator
	tele     *telemetry.Telemetry
	logger   *log.Logger
}

// New creates an orchestrator.
func New(cfg *config.Config, registry *skill.Registry, plans *planner.Generator, tele *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		plans:    plans,
		tele:     tele,
		logger:   log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
	}
}

// Run plans and executes the pipeline for one request. It returns the final
// report and the complete work log. An aborted run returns (nil, log, nil);
// the caller already knows why it stopped. A completed plan that produced no
// report candidate fails with a no-report error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*skill.Report, *WorkLog, error) {
	emit := req.Emit
	if emit == nil {
		emit = func(string, map[string]interface{}) {}
	}
	abort := req.Abort
	if abort == nil {
		abort = func() bool { return false }
	}

	plan := o.plans.GeneratePlan(ctx, planner.Request{
		Query:         req.Query,
		Attachments:   req.Attachments,
		Conversation:  req.Conversation,
		PreClassified: req.PreClassified != nil,
	})
	wl := &WorkLog{Plan: plan, StartedAt: time.Now()}
	emit("work_log", map[string]interface{}{
		"reasoning": plan.Reasoning,
		"steps":     plan.Steps,
		"fallback":  plan.Fallback,
	})

	sc := skill.NewContext(req.Query, req.ReasoningLevel, req.Conversation, req.Attachments, emit)
	if req.PreClassified != nil {
		sc.SetClassification(req.PreClassified)
	}

	total := len(plan.Steps)
	for i := 0; i < total; i++ {
		if abort() {
			o.noteAborted(wl, emit, i, total)
			return nil, wl, nil
		}
		step := plan.Steps[i]

		// Overlap a non-critical draft with the research step that
		// follows it: the draft gives subscribers an early answer while
		// the slow evidence gathering runs.
		if o.cfg.Orchestrator.ParallelDraft && step.Skill == skill.DraftAnswer &&
			i+1 < total && plan.Steps[i+1].Skill == skill.Research {
			next := plan.Steps[i+1]
			o.emitProgress(emit, i, total, fmt.Sprintf("running %s and %s concurrently", step.Skill, next.Skill))

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				inv, _ := o.runStep(ctx, sc, step, emit)
				o.record(wl, inv)
			}()
			inv, err := o.runStep(ctx, sc, next, emit)
			wg.Wait()
			o.record(wl, inv)
			if err != nil {
				return o.fail(wl, next, err)
			}
			i++ // both steps consumed
			o.emitProgress(emit, i+1, total, fmt.Sprintf("completed %s", next.Skill))
			continue
		}

		o.emitProgress(emit, i, total, fmt.Sprintf("running %s", step.Skill))
		inv, err := o.runStep(ctx, sc, step, emit)
		o.record(wl, inv)
		if err != nil {
			sk, _ := o.registry.Get(step.Skill)
			if sk != nil && !sk.Critical() {
				o.logger.Printf("non-critical step %s failed, continuing: %v", step.Skill, err)
				wl.Notes = append(wl.Notes, fmt.Sprintf("skipped %s: %v", step.Skill, err))
				sc.AddWarning(fmt.Sprintf("%s failed and was skipped", step.Skill))
				continue
			}
			return o.fail(wl, step, err)
		}
		o.emitProgress(emit, i+1, total, fmt.Sprintf("completed %s", step.Skill))
	}

	if abort() {
		o.noteAborted(wl, emit, total, total)
		return nil, wl, nil
	}

	report := sc.Report()
	if report == nil {
		err := &skill.StageError{
			Kind:    skill.KindNoReport,
			Message: "plan completed without producing a report",
		}
		wl.CompletedAt = time.Now()
		emit("error", err.UserFacing())
		return nil, wl, err
	}

	wl.CompletedAt = time.Now()
	stats := Summarize(report, sc.Warnings())
	emit("report", map[string]interface{}{"report": report, "final": true})
	emit("progress", map[string]interface{}{
		"percent": 100,
		"message": "report ready",
		"stats":   stats,
	})
	o.logger.Printf("run complete: %d findings, mean confidence %.2f, %s",
		stats.FindingCount, stats.MeanConfidence, time.Since(wl.StartedAt).Round(time.Millisecond))
	return report, wl, nil
}

// runStep executes one plan step under its timeout and returns its
// invocation record plus the classified error, if any.
func (o *Orchestrator) runStep(ctx context.Context, sc *skill.Context, step *planner.Step, emit skill.EmitFunc) (Invocation, error) {
	inv := Invocation{
		Skill:       step.Skill,
		Description: step.Description,
		Input:       step.Input,
		StartedAt:   time.Now(),
	}
	sk, ok := o.registry.Get(step.Skill)
	if !ok {
		step.Status = planner.StepFailed
		inv.Status = planner.StepFailed
		err := &skill.StageError{Kind: skill.KindFatal, Stage: step.Skill, Message: "unknown skill"}
		inv.Error = err.Error()
		return inv, err
	}

	timeout := o.cfg.Orchestrator.StepTimeout
	if sk.LongRunning() {
		timeout = o.cfg.Orchestrator.LongStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	step.Status = planner.StepRunning
	emit("skill_start", map[string]interface{}{"skill": string(step.Skill)})
	o.logger.Printf("step %s starting (timeout %s)", step.Skill, timeout)

	res, err := sk.Run(stepCtx, sc, step.Input)
	inv.CompletedAt = time.Now()
	inv.DurationMs = inv.CompletedAt.Sub(inv.StartedAt).Milliseconds()
	inv.Trace = res.Trace
	o.recordTelemetry(step.Skill, inv, err == nil)

	if err != nil {
		serr := skill.ClassifyError(step.Skill, err)
		step.Status = planner.StepFailed
		inv.Status = planner.StepFailed
		inv.Error = serr.Error()
		emit("skill_error", serr.UserFacing())
		o.logger.Printf("step %s failed after %dms: %v", step.Skill, inv.DurationMs, serr)
		return inv, serr
	}

	step.Status = planner.StepCompleted
	inv.Status = planner.StepCompleted
	payload := map[string]interface{}{
		"skill":       string(step.Skill),
		"duration_ms": inv.DurationMs,
	}
	if res.Output != nil {
		payload["output"] = res.Output
	}
	emit("skill_complete", payload)
	if res.Report != nil {
		emit("report", map[string]interface{}{"report": res.Report, "final": false})
	}
	o.logger.Printf("step %s completed in %dms", step.Skill, inv.DurationMs)
	return inv, nil
}

func (o *Orchestrator) recordTelemetry(name skill.Name, inv Invocation, ok bool) {
	var model string
	var tokens int64
	var cost float64
	attempts := 1
	if inv.Trace != nil {
		model = inv.Trace.Model
		tokens = inv.Trace.InputTokens + inv.Trace.OutputTokens
		cost = inv.Trace.Cost
		if inv.Trace.Attempts > 0 {
			attempts = inv.Trace.Attempts
		}
	}
	o.tele.RecordSkill(string(name), time.Duration(inv.DurationMs)*time.Millisecond, ok, model, tokens, cost, attempts)
}

func (o *Orchestrator) record(wl *WorkLog, inv Invocation) {
	wl.Invocations = append(wl.Invocations, inv)
}

func (o *Orchestrator) fail(wl *WorkLog, step *planner.Step, err error) (*skill.Report, *WorkLog, error) {
	wl.CompletedAt = time.Now()
	wl.Notes = append(wl.Notes, fmt.Sprintf("aborted at %s: %v", step.Skill, err))
	return nil, wl, err
}

func (o *Orchestrator) noteAborted(wl *WorkLog, emit skill.EmitFunc, done, total int) {
	wl.CompletedAt = time.Now()
	wl.Notes = append(wl.Notes, fmt.Sprintf("aborted after %d/%d steps", done, total))
	emit("progress", map[string]interface{}{
		"percent":  percent(done, total),
		"message":  "aborted",
		"terminal": true,
	})
	o.logger.Printf("run aborted after %d/%d steps", done, total)
}

func (o *Orchestrator) emitProgress(emit skill.EmitFunc, done, total int, msg string) {
	emit("progress", map[string]interface{}{
		"percent": percent(done, total),
		"message": msg,
	})
}

func percent(done, total int) int {
	if total == 0 {
		return 100
	}
	p := done * 100 / total
	if p > 99 {
		p = 99 // 100 is reserved for the terminal event
	}
	return p
}

// Summarize computes the closing statistics for a report.
func Summarize(r *skill.Report, warnings []string) ReportStats {
	stats := ReportStats{
		FindingCount: len(r.Findings),
		Confidence:   map[string]int{"low": 0, "medium": 0, "high": 0},
		Warnings:     len(warnings),
	}
	if len(r.Findings) == 0 {
		return stats
	}
	var sum float64
	for _, f := range r.Findings {
		sum += f.Confidence
		switch {
		case f.Confidence < 0.4:
			stats.Confidence["low"]++
		case f.Confidence < 0.7:
			stats.Confidence["medium"]++
		default:
			stats.Confidence["high"]++
		}
	}
	stats.MeanConfidence = sum / float64(len(r.Findings))
	return stats
}
