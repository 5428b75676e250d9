package jobs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/finbrief/finbrief/internal/orchestrator"
	"github.com/finbrief/finbrief/internal/skill"
)

// Status is a job lifecycle state. Transitions run only along
// queued -> running -> {completed, failed}; cancel forces failed from the
// two non-terminal states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Job is the authoritative state of one pipeline run. All fields are owned
// by the Manager and mutated only through the transition and recording
// methods, each of which holds the job's mutex.
type Job struct {
	mu sync.Mutex

	ID             string
	Slug           string
	Query          string
	ReasoningLevel string
	Conversation   []string

	status      Status
	createdAt   time.Time
	updatedAt   time.Time
	completedAt time.Time

	attachments []skill.Attachment
	progress    *boundedBuffer
	traces      *boundedBuffer
	workLog     *orchestrator.WorkLog
	report      *skill.Report
	jobErr      *skill.StageError

	cancelled bool
	cancel    context.CancelFunc
	seq       int64
	bcast     broadcaster
}

// Summary is the lightweight projection used by list endpoints.
type Summary struct {
	ID        string    `json:"job_id"`
	Slug      string    `json:"slug"`
	Status    Status    `json:"status"`
	Query     string    `json:"query"`
	Progress  int       `json:"progress_percent"`
	HasReport bool      `json:"has_report"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the full JSON-serializable job state handed to persistence
// and detail endpoints.
type Snapshot struct {
	ID             string                 `json:"job_id"`
	Slug           string                 `json:"slug"`
	Status         Status                 `json:"status"`
	Query          string                 `json:"query"`
	ReasoningLevel string                 `json:"reasoning_level,omitempty"`
	Conversation   []string               `json:"conversation,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Attachments    []skill.Attachment     `json:"attachments,omitempty"`
	Progress       []Event                `json:"progress,omitempty"`
	Traces         []Event                `json:"traces,omitempty"`
	WorkLog        *orchestrator.WorkLog  `json:"work_log,omitempty"`
	Report         *skill.Report          `json:"report,omitempty"`
	Error          map[string]interface{} `json:"error,omitempty"`
}

func newJob(id, query, reasoningLevel string, conversation []string, atts []skill.Attachment, prefix, progressCap, traceCap int) *Job {
	now := time.Now()
	return &Job{
		ID:             id,
		Slug:           slugify(query),
		Query:          query,
		ReasoningLevel: reasoningLevel,
		Conversation:   conversation,
		status:         StatusQueued,
		createdAt:      now,
		updatedAt:      now,
		attachments:    atts,
		progress:       newBoundedBuffer(prefix, progressCap),
		traces:         newBoundedBuffer(prefix, traceCap),
	}
}

// record appends an event to the right bounded buffer, folds report/error
// payloads into the job state, and fans the event out to subscribers. The
// append and the broadcast happen atomically under the job lock so no
// subscriber observes events out of order.
func (j *Job) record(evType string, payload map[string]interface{}) Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.recordLocked(evType, payload)
}

func (j *Job) recordLocked(evType string, payload map[string]interface{}) Event {
	j.seq++
	ev := Event{Seq: j.seq, Type: evType, Payload: payload, At: time.Now()}
	switch evType {
	case "trace":
		j.traces.Append(ev)
	default:
		j.progress.Append(ev)
	}
	if evType == "report" {
		if r, ok := payload["report"].(*skill.Report); ok {
			j.report = r
		}
	}
	j.updatedAt = ev.At
	j.bcast.publish(ev)
	return ev
}

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// IsCancelled reports whether a cancel request was observed. The
// orchestrator polls this at step boundaries.
func (j *Job) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// start transitions queued -> running.
func (j *Job) start() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return false
	}
	j.status = StatusRunning
	j.recordLocked("job_status", map[string]interface{}{"status": string(StatusRunning)})
	return true
}

// complete transitions running -> completed and broadcasts the terminal
// done event.
func (j *Job) complete(report *skill.Report, wl *orchestrator.WorkLog) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = StatusCompleted
	j.completedAt = time.Now()
	j.report = report
	j.workLog = wl
	j.recordLocked("job_status", map[string]interface{}{"status": string(StatusCompleted)})
	j.recordLocked("done", map[string]interface{}{"report": report})
	return true
}

// fail transitions to failed with a tagged error and broadcasts the
// terminal error event.
func (j *Job) fail(serr *skill.StageError, wl *orchestrator.WorkLog) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = StatusFailed
	j.completedAt = time.Now()
	j.jobErr = serr
	if wl != nil {
		j.workLog = wl
	}
	j.recordLocked("job_status", map[string]interface{}{"status": string(StatusFailed)})
	j.recordLocked("error", serr.UserFacing())
	return true
}

// requestCancel marks the job cancelled and force-fails it. Valid only
// from queued or running; terminal jobs return false unchanged.
func (j *Job) requestCancel(serr *skill.StageError) bool {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.cancelled = true
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return j.fail(serr, nil)
}

func (j *Job) subscribe(l Listener) (unsubscribe func()) {
	j.mu.Lock()
	id := j.bcast.subscribe(l)
	j.mu.Unlock()
	return func() {
		j.mu.Lock()
		j.bcast.unsubscribe(id)
		j.mu.Unlock()
	}
}

func (j *Job) subscriberCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bcast.count()
}

// History returns copies of both bounded buffers for replay.
func (j *Job) History() (progress, traces []Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress.Snapshot(), j.traces.Snapshot()
}

// Summarize builds the list-endpoint projection.
func (j *Job) Summarize() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Summary{
		ID:        j.ID,
		Slug:      j.Slug,
		Status:    j.status,
		Query:     j.Query,
		Progress:  j.latestPercentLocked(),
		HasReport: j.report != nil,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
	}
}

func (j *Job) latestPercentLocked() int {
	evs := j.progress.events
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type != "progress" {
			continue
		}
		switch v := evs[i].Payload["percent"].(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return 0
}

// Snapshot builds the full serializable state.
func (j *Job) Snapshot() *Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := &Snapshot{
		ID:             j.ID,
		Slug:           j.Slug,
		Status:         j.status,
		Query:          j.Query,
		ReasoningLevel: j.ReasoningLevel,
		Conversation:   j.Conversation,
		CreatedAt:      j.createdAt,
		UpdatedAt:      j.updatedAt,
		Attachments:    append([]skill.Attachment(nil), j.attachments...),
		Progress:       j.progress.Snapshot(),
		Traces:         j.traces.Snapshot(),
		WorkLog:        j.workLog,
		Report:         j.report,
	}
	if !j.completedAt.IsZero() {
		t := j.completedAt
		snap.CompletedAt = &t
	}
	if j.jobErr != nil {
		snap.Error = j.jobErr.UserFacing()
	}
	return snap
}

// Attachments returns a copy of the attachment list.
func (j *Job) Attachments() []skill.Attachment {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]skill.Attachment(nil), j.attachments...)
}

// addAttachment is valid only before the job starts.
func (j *Job) addAttachment(att skill.Attachment) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return false
	}
	j.attachments = append(j.attachments, att)
	j.recordLocked("attachment_added", map[string]interface{}{"id": att.ID, "name": att.Name})
	return true
}

func (j *Job) removeAttachment(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return false
	}
	for i := range j.attachments {
		if j.attachments[i].ID == id {
			name := j.attachments[i].Name
			j.attachments = append(j.attachments[:i], j.attachments[i+1:]...)
			j.recordLocked("attachment_removed", map[string]interface{}{"id": id, "name": name})
			return true
		}
	}
	return false
}

// slugify derives a short URL-safe handle from the query.
func slugify(q string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(q) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
		if b.Len() >= 48 {
			break
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "job"
	}
	return s
}
