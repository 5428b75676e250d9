package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/finbrief/finbrief/config"
	"github.com/finbrief/finbrief/internal/orchestrator"
	"github.com/finbrief/finbrief/internal/skill"
)

// blockingRunner parks every run until released, so tests can hold jobs in
// the running state.
type blockingRunner struct {
	release chan struct{}
	report  *skill.Report
	err     error
}

func (r *blockingRunner) Run(ctx context.Context, req orchestrator.Request) (*skill.Report, *orchestrator.WorkLog, error) {
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, &orchestrator.WorkLog{}, ctx.Err()
		}
	}
	if req.Abort != nil && req.Abort() {
		return nil, &orchestrator.WorkLog{}, nil
	}
	return r.report, &orchestrator.WorkLog{}, r.err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Jobs = config.JobsConfig{
		MaxActive:    10,
		ProgressCap:  200,
		TraceCap:     50,
		BufferPrefix: 10,
		MaxRuntime:   30 * time.Minute,
		TerminalTTL:  time.Hour,
	}
	return cfg
}

func newTestManager(runner Runner) *Manager {
	return NewManager(testConfig(), runner, nil, nil)
}

func TestAdmissionCapRejectsEleventhJob(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	m := newTestManager(runner)
	defer close(runner.release)

	for i := 0; i < 10; i++ {
		if _, err := m.Submit(fmt.Sprintf("query %d", i), "standard", nil, nil); err != nil {
			t.Fatalf("job %d should be admitted: %v", i, err)
		}
	}
	_, err := m.Submit("one too many", "standard", nil, nil)
	var serr *skill.StageError
	if !errors.As(err, &serr) || serr.Kind != skill.KindCapacity {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	if serr.Status != 429 {
		t.Fatalf("capacity error should carry 429, got %d", serr.Status)
	}
}

func TestBoundedBufferRetainsPrefixAndRecentWindow(t *testing.T) {
	m := newTestManager(&blockingRunner{})
	j, err := m.Create("buffer test", "standard", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	send := m.createSendFn(j.ID)
	for i := 0; i < 250; i++ {
		send("progress", map[string]interface{}{"message": fmt.Sprintf("step_%d", i)})
	}

	progress, _ := j.History()
	if len(progress) > 200 {
		t.Fatalf("progress buffer exceeded cap: %d", len(progress))
	}
	if got := progress[0].Payload["message"]; got != "step_0" {
		t.Fatalf("first event must survive eviction, got %v", got)
	}
	for i := 0; i < 10; i++ {
		if got := progress[i].Payload["message"]; got != fmt.Sprintf("step_%d", i) {
			t.Fatalf("prefix event %d corrupted: %v", i, got)
		}
	}
	if got := progress[len(progress)-1].Payload["message"]; got != "step_249" {
		t.Fatalf("latest event missing, got %v", got)
	}
}

func TestTraceEventsGoToTraceBuffer(t *testing.T) {
	m := newTestManager(&blockingRunner{})
	j, _ := m.Create("trace test", "standard", nil, nil)

	send := m.createSendFn(j.ID)
	for i := 0; i < 60; i++ {
		send("trace", map[string]interface{}{"n": i})
	}
	progress, traces := j.History()
	if len(traces) != 50 {
		t.Fatalf("trace buffer should sit at its cap, got %d", len(traces))
	}
	if len(progress) != 0 {
		t.Fatalf("trace events must not land in the progress buffer, got %d", len(progress))
	}
}

func TestEmitToUnknownJobIsSilentNoOp(t *testing.T) {
	m := newTestManager(&blockingRunner{})
	send := m.createSendFn("no-such-job")
	send("progress", map[string]interface{}{"message": "lost"}) // must not panic
}

func TestCancelSemantics(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	m := newTestManager(runner)

	j, err := m.Submit("cancel me", "standard", nil, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !m.Cancel(j.ID) {
		t.Fatal("cancelling a running job must return true")
	}
	if j.Status() != StatusFailed {
		t.Fatalf("cancelled job should be failed, got %s", j.Status())
	}
	snap := j.Snapshot()
	if snap.Error == nil || snap.Error["kind"] != skill.KindCancelled.String() {
		t.Fatalf("cancellation must be flagged in the error, got %v", snap.Error)
	}

	if m.Cancel(j.ID) {
		t.Fatal("cancelling a terminal job must return false")
	}
	if j.Status() != StatusFailed {
		t.Fatal("second cancel must leave status unchanged")
	}
	close(runner.release)
}

func TestCompletedJobBroadcastsDone(t *testing.T) {
	report := &skill.Report{Summary: "done"}
	runner := &blockingRunner{report: report}
	m := newTestManager(runner)

	var mu sync.Mutex
	var events []Event
	j, _ := m.Create("finishing job", "standard", nil, nil)
	unsub, ok := m.Subscribe(j.ID, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if !ok {
		t.Fatal("subscribe failed")
	}
	defer unsub()

	if err := m.Start(j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return j.Status() == StatusCompleted })

	mu.Lock()
	defer mu.Unlock()
	var sawStatus, sawDone bool
	var lastSeq int64
	for _, ev := range events {
		if ev.Seq <= lastSeq {
			t.Fatalf("events out of order: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		switch ev.Type {
		case "job_status":
			sawStatus = true
		case "done":
			sawDone = true
		}
	}
	if !sawStatus || !sawDone {
		t.Fatalf("expected job_status and done events, got %d events", len(events))
	}
	if snap := j.Snapshot(); snap.Report != report {
		t.Fatal("final report not stored on the job")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := newTestManager(&blockingRunner{})
	j, _ := m.Create("fanout", "standard", nil, nil)

	var a, b int
	unsubA, _ := m.Subscribe(j.ID, func(Event) { a++ })
	unsubB, _ := m.Subscribe(j.ID, func(Event) { b++ })

	send := m.createSendFn(j.ID)
	send("progress", nil)
	unsubA()
	send("progress", nil)
	unsubB()
	send("progress", nil)

	if a != 1 || b != 2 {
		t.Fatalf("fan-out counts wrong: a=%d b=%d", a, b)
	}
}

func TestCancelStaleOnlyHitsOldRunningJobs(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	m := newTestManager(runner)
	defer close(runner.release)

	stale, _ := m.Submit("stale job", "standard", nil, nil)
	fresh, _ := m.Submit("fresh job", "standard", nil, nil)

	stale.mu.Lock()
	stale.createdAt = time.Now().Add(-time.Hour)
	stale.mu.Unlock()

	if n := m.CancelStale(); n != 1 {
		t.Fatalf("expected 1 stale cancellation, got %d", n)
	}
	if stale.Status() != StatusFailed {
		t.Fatalf("stale job should be failed, got %s", stale.Status())
	}
	if snap := stale.Snapshot(); snap.Error["kind"] != skill.KindTimeout.String() {
		t.Fatalf("stale cancel must flag a timeout, got %v", snap.Error)
	}
	if fresh.Status() != StatusRunning {
		t.Fatalf("fresh job must be untouched, got %s", fresh.Status())
	}
}

func TestCleanupSparesJobsWithSubscribers(t *testing.T) {
	m := newTestManager(&blockingRunner{report: &skill.Report{Summary: "s"}})
	watched, _ := m.Submit("watched job", "standard", nil, nil)
	idle, _ := m.Submit("idle job", "standard", nil, nil)
	waitFor(t, func() bool {
		return watched.Status().Terminal() && idle.Status().Terminal()
	})

	unsub, _ := m.Subscribe(watched.ID, func(Event) {})
	defer unsub()

	for _, j := range []*Job{watched, idle} {
		j.mu.Lock()
		j.completedAt = time.Now().Add(-2 * time.Hour)
		j.mu.Unlock()
	}

	if n := m.Cleanup(time.Hour); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, ok := m.Get(watched.ID); !ok {
		t.Fatal("a job with a live subscriber must never be evicted")
	}
	if _, ok := m.Get(idle.ID); ok {
		t.Fatal("idle terminal job past TTL should be evicted")
	}
}

func TestAttachmentsOnlyChangeBeforeStart(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	m := newTestManager(runner)
	defer close(runner.release)

	j, _ := m.Create("attachment job", "standard", nil, nil)
	if err := m.AddAttachment(j.ID, skill.Attachment{Name: "10k.txt"}); err != nil {
		t.Fatalf("add before start: %v", err)
	}
	atts := j.Attachments()
	if len(atts) != 1 || atts[0].ID == "" {
		t.Fatalf("attachment not stored with generated id: %+v", atts)
	}

	if err := m.Start(j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.AddAttachment(j.ID, skill.Attachment{Name: "late.txt"}); err == nil {
		t.Fatal("adding after start must fail")
	}
	if err := m.RemoveAttachment(j.ID, atts[0].ID); err == nil {
		t.Fatal("removing after start must fail")
	}
}

func TestListNewestFirst(t *testing.T) {
	m := newTestManager(&blockingRunner{})
	first, _ := m.Create("first", "standard", nil, nil)
	second, _ := m.Create("second", "standard", nil, nil)

	second.mu.Lock()
	second.createdAt = first.createdAt.Add(time.Second)
	second.mu.Unlock()

	list := m.List()
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}
}

func TestSummaryTracksLatestProgress(t *testing.T) {
	m := newTestManager(&blockingRunner{})
	j, _ := m.Create("progress summary", "standard", nil, nil)
	send := m.createSendFn(j.ID)
	send("progress", map[string]interface{}{"percent": 20})
	send("progress", map[string]interface{}{"percent": 60})
	send("skill_start", map[string]interface{}{"skill": "research"})

	s := j.Summarize()
	if s.Progress != 60 {
		t.Fatalf("summary progress = %d, want 60", s.Progress)
	}
	if s.Slug != "progress-summary" {
		t.Fatalf("slug = %q", s.Slug)
	}
	if s.HasReport {
		t.Fatal("no report yet")
	}
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	m := newTestManager(runner)

	j, _ := m.Submit("long job", "standard", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !j.Status().Terminal() {
		t.Fatalf("running job should be terminal after shutdown, got %s", j.Status())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
