// Package jobs owns the authoritative state of every pipeline run: admission
// control, lifecycle transitions, bounded event history, multi-subscriber
// fan-out, and periodic reaping. All job state lives on a Manager created at
// startup and torn down by Shutdown; nothing here is package-global.
package jobs

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"

	"github.com/finbrief/finbrief/config"
	"github.com/finbrief/finbrief/internal/orchestrator"
	"github.com/finbrief/finbrief/internal/skill"
	"github.com/finbrief/finbrief/internal/telemetry"
)

// Store is the persistence collaborator. Writes are best-effort: failures
// are logged, never fatal. GetJob rehydrates a job the in-memory table no
// longer holds.
type Store interface {
	PutJob(ctx context.Context, snap *Snapshot) error
	GetJob(ctx context.Context, id string) (*Snapshot, error)
	ArchiveReport(ctx context.Context, snap *Snapshot) error
}

// Runner executes one planned pipeline run. Satisfied by
// orchestrator.Orchestrator.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*skill.Report, *orchestrator.WorkLog, error)
}

// Manager is the process-scoped job table.
type Manager struct {
	cfg    *config.Config
	runner Runner
	store  Store
	tele   *telemetry.Telemetry
	logger *log.Logger

	mu   sync.Mutex
	jobs map[string]*Job

	reaperStop chan struct{}
	wg         sync.WaitGroup
}

// NewManager creates the job table and starts the reaper sweep goroutine.
func NewManager(cfg *config.Config, runner Runner, store Store, tele *telemetry.Telemetry) *Manager {
	m := &Manager{
		cfg:        cfg,
		runner:     runner,
		store:      store,
		tele:       tele,
		logger:     log.New(log.Writer(), "[JOBS] ", log.LstdFlags),
		jobs:       make(map[string]*Job),
		reaperStop: make(chan struct{}),
	}
	if expr, err := cronexpr.Parse(cfg.Jobs.ReaperSchedule); err == nil {
		m.wg.Add(1)
		go m.reapLoop(expr)
	} else if cfg.Jobs.ReaperSchedule != "" {
		m.logger.Printf("invalid reaper schedule %q, sweeps disabled: %v", cfg.Jobs.ReaperSchedule, err)
	}
	return m
}

// Shutdown stops the reaper, cancels running jobs, and persists final
// state. It waits for job goroutines up to the context deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.reaperStop)

	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		if !j.Status().Terminal() {
			j.requestCancel(&skill.StageError{Kind: skill.KindCancelled, Message: "server shutting down"})
		}
		m.persist(j)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Create admits a new queued job if the active count is under the cap.
func (m *Manager) Create(query, reasoningLevel string, conversation []string, atts []skill.Attachment) (*Job, error) {
	if query == "" {
		return nil, &skill.StageError{Kind: skill.KindFatal, Message: "query must not be empty"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if active := m.countActiveLocked(); active >= m.cfg.Jobs.MaxActive {
		return nil, &skill.StageError{
			Kind:    skill.KindCapacity,
			Status:  429,
			Message: fmt.Sprintf("active job limit reached (%d)", m.cfg.Jobs.MaxActive),
		}
	}
	j := newJob(uuid.NewString(), query, reasoningLevel, conversation, atts,
		m.cfg.Jobs.BufferPrefix, m.cfg.Jobs.ProgressCap, m.cfg.Jobs.TraceCap)
	m.jobs[j.ID] = j
	m.tele.SetActiveJobs(m.countActiveLocked())
	m.logger.Printf("job %s (%s) admitted", j.ID, j.Slug)
	return j, nil
}

// Start launches the pipeline goroutine for a queued job.
func (m *Manager) Start(id string) error {
	j, ok := m.Get(id)
	if !ok {
		return &skill.StageError{Kind: skill.KindFatal, Status: 404, Message: "job not found"}
	}
	if !j.start() {
		return &skill.StageError{Kind: skill.KindFatal, Status: 409, Message: fmt.Sprintf("job is %s, not queued", j.Status())}
	}
	m.wg.Add(1)
	go m.run(j)
	return nil
}

// Submit is Create followed by Start.
func (m *Manager) Submit(query, reasoningLevel string, conversation []string, atts []skill.Attachment) (*Job, error) {
	j, err := m.Create(query, reasoningLevel, conversation, atts)
	if err != nil {
		return nil, err
	}
	if err := m.Start(j.ID); err != nil {
		return nil, err
	}
	return j, nil
}

// run executes one job to its terminal state.
func (m *Manager) run(j *Job) {
	defer m.wg.Done()
	started := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Jobs.MaxRuntime)
	defer cancel()
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()

	report, wl, err := m.runner.Run(ctx, orchestrator.Request{
		Query:          j.Query,
		ReasoningLevel: j.ReasoningLevel,
		Conversation:   j.Conversation,
		Attachments:    j.Attachments(),
		Emit:           m.createSendFn(j.ID),
		Abort:          j.IsCancelled,
	})

	switch {
	case err != nil:
		serr := skill.ClassifyError("", err)
		if j.fail(serr, wl) {
			m.logger.Printf("job %s failed: %v", j.ID, serr)
			m.tele.RecordJob("failed", time.Since(started))
		}
	case report == nil:
		// aborted cooperatively; requestCancel already transitioned it
		m.logger.Printf("job %s stopped without a report", j.ID)
	default:
		if j.complete(report, wl) {
			m.logger.Printf("job %s completed in %s", j.ID, time.Since(started).Round(time.Millisecond))
			m.tele.RecordJob("completed", time.Since(started))
			m.archive(j)
		}
	}
	m.persist(j)
	m.refreshActiveGauge()
}

// createSendFn returns the event-emission function bound to one job.
// Emitting to an unknown or evicted job is a silent no-op, since a skill
// may outlive a job that was cleaned up.
func (m *Manager) createSendFn(id string) skill.EmitFunc {
	return func(evType string, payload map[string]interface{}) {
		m.mu.Lock()
		j, ok := m.jobs[id]
		m.mu.Unlock()
		if !ok {
			return
		}
		j.record(evType, payload)
		m.tele.RecordEvent(evType)
		if m.cfg.Jobs.PersistOnChange && isSignificant(evType) {
			m.persist(j)
		}
	}
}

func isSignificant(evType string) bool {
	switch evType {
	case "report", "work_log", "job_status", "done", "error":
		return true
	}
	return false
}

// Cancel force-fails a queued or running job. Terminal jobs return false
// unchanged.
func (m *Manager) Cancel(id string) bool {
	j, ok := m.Get(id)
	if !ok {
		return false
	}
	cancelled := j.requestCancel(&skill.StageError{Kind: skill.KindCancelled, Message: "cancelled by caller"})
	if cancelled {
		m.logger.Printf("job %s cancelled", j.ID)
		m.tele.RecordJob("cancelled", time.Since(j.Summarize().CreatedAt))
		m.persist(j)
		m.refreshActiveGauge()
	}
	return cancelled
}

// CancelStale force-fails running jobs older than the max runtime bound.
// Returns the count cancelled.
func (m *Manager) CancelStale() int {
	cutoff := time.Now().Add(-m.cfg.Jobs.MaxRuntime)
	m.mu.Lock()
	var stale []*Job
	for _, j := range m.jobs {
		j.mu.Lock()
		if j.status == StatusRunning && j.createdAt.Before(cutoff) {
			stale = append(stale, j)
		}
		j.mu.Unlock()
	}
	m.mu.Unlock()

	for _, j := range stale {
		j.requestCancel(&skill.StageError{
			Kind:    skill.KindTimeout,
			Message: fmt.Sprintf("job timed out after %s", m.cfg.Jobs.MaxRuntime),
		})
		m.persist(j)
	}
	if len(stale) > 0 {
		m.logger.Printf("stale sweep cancelled %d job(s)", len(stale))
		m.refreshActiveGauge()
	}
	return len(stale)
}

// Cleanup evicts terminal jobs older than maxAge with zero subscribers. A
// job with a live subscriber is never evicted regardless of age. Returns
// the count evicted.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted int
	for id, j := range m.jobs {
		j.mu.Lock()
		old := j.status.Terminal() && !j.completedAt.IsZero() && j.completedAt.Before(cutoff) && j.bcast.count() == 0
		j.mu.Unlock()
		if old {
			delete(m.jobs, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Printf("cleanup evicted %d job(s)", evicted)
	}
	return evicted
}

func (m *Manager) reapLoop(expr *cronexpr.Expression) {
	defer m.wg.Done()
	for {
		next := expr.Next(time.Now())
		if next.IsZero() {
			return
		}
		select {
		case <-time.After(time.Until(next)):
			m.CancelStale()
			m.Cleanup(m.cfg.Jobs.TerminalTTL)
		case <-m.reaperStop:
			return
		}
	}
}

// Get returns the in-memory job.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// Lookup returns the job snapshot, falling back to the persistence
// collaborator for jobs the in-memory table no longer holds.
func (m *Manager) Lookup(ctx context.Context, id string) (*Snapshot, bool) {
	if j, ok := m.Get(id); ok {
		return j.Snapshot(), true
	}
	if m.store == nil {
		return nil, false
	}
	snap, err := m.store.GetJob(ctx, id)
	if err != nil || snap == nil {
		return nil, false
	}
	return snap, true
}

// Subscribe attaches a listener to a job's live event stream and returns
// an unsubscribe function. History is not replayed automatically; callers
// wanting replay fetch it separately via History.
func (m *Manager) Subscribe(id string, l Listener) (func(), bool) {
	j, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	return j.subscribe(l), true
}

// CountActive returns the number of queued plus running jobs.
func (m *Manager) CountActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countActiveLocked()
}

func (m *Manager) countActiveLocked() int {
	var n int
	for _, j := range m.jobs {
		if !j.Status().Terminal() {
			n++
		}
	}
	return n
}

// List returns job summaries, newest first.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	out := make([]Summary, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Summarize())
	}
	m.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

// AddAttachment attaches material to a queued job.
func (m *Manager) AddAttachment(id string, att skill.Attachment) error {
	j, ok := m.Get(id)
	if !ok {
		return &skill.StageError{Kind: skill.KindFatal, Status: 404, Message: "job not found"}
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if !j.addAttachment(att) {
		return &skill.StageError{Kind: skill.KindFatal, Status: 409, Message: "attachments can only change before the job starts"}
	}
	return nil
}

// RemoveAttachment detaches material from a queued job.
func (m *Manager) RemoveAttachment(id, attachmentID string) error {
	j, ok := m.Get(id)
	if !ok {
		return &skill.StageError{Kind: skill.KindFatal, Status: 404, Message: "job not found"}
	}
	if !j.removeAttachment(attachmentID) {
		return &skill.StageError{Kind: skill.KindFatal, Status: 404, Message: "attachment not found or job already started"}
	}
	return nil
}

func (m *Manager) refreshActiveGauge() {
	m.tele.SetActiveJobs(m.CountActive())
}

// persist writes job state best-effort; failures are logged, never fatal.
func (m *Manager) persist(j *Job) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.PutJob(ctx, j.Snapshot()); err != nil {
		m.logger.Printf("persist job %s: %v", j.ID, err)
	}
}

// archive writes a completed job's report to the durable archive.
func (m *Manager) archive(j *Job) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.ArchiveReport(ctx, j.Snapshot()); err != nil {
		m.logger.Printf("archive report for job %s: %v", j.ID, err)
	}
}
