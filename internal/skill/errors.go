package skill

import (
	"context"
	"errors"
	"fmt"

	"github.com/finbrief/finbrief/provider"
)

// Kind is the closed set of pipeline failure classes. Propagation logic
// switches on Kind instead of probing ad hoc error fields.
type Kind int

const (
	// KindExtraction: text could not be turned into structured data. Always
	// recovered locally with a default value; never aborts a job.
	KindExtraction Kind = iota
	// KindTransient: rate-limit or overload signal; retried a bounded number
	// of times with the same input.
	KindTransient
	// KindFatal: authorization/configuration failure; never retried.
	KindFatal
	// KindTimeout: a step exceeded its allotted duration.
	KindTimeout
	// KindNoReport: the plan completed without any report candidate.
	KindNoReport
	// KindCapacity: job admission rejected by the concurrency cap.
	KindCapacity
	// KindCancelled: the job was cancelled by a caller or the reaper.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindExtraction:
		return "extraction"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindTimeout:
		return "timeout"
	case KindNoReport:
		return "no_report"
	case KindCapacity:
		return "capacity"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StageError is the structured pipeline error: a fixed kind, the stage that
// produced it, and an optional HTTP-style status from the collaborator.
// It is the only error shape that crosses the orchestrator boundary.
type StageError struct {
	Kind      Kind
	Stage     Name
	Status    int
	Message   string
	RawOutput string
	Err       error
}

func (e *StageError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

// Retryable reports whether the error should be retried with the same input.
func (e *StageError) Retryable() bool { return e.Kind == KindTransient }

// UserFacing projects the error into the JSON shape exposed to observers.
func (e *StageError) UserFacing() map[string]interface{} {
	out := map[string]interface{}{
		"message": e.Message,
		"kind":    e.Kind.String(),
	}
	if e.Stage != "" {
		out["stage"] = string(e.Stage)
	}
	if e.Status != 0 {
		out["status"] = e.Status
	}
	return out
}

// ClassifyError wraps err as a StageError tagged with stage, deriving the
// kind from the underlying failure: collaborator status 429/5xx is
// transient, other statuses are fatal, a deadline is a timeout, and a
// context cancellation is a cancellation. An error that is already a
// StageError only gains the stage tag.
func ClassifyError(stage Name, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage
		}
		return se
	}
	var ste *provider.StatusError
	if errors.As(err, &ste) {
		kind := KindFatal
		if ste.Retryable() {
			kind = KindTransient
		}
		return &StageError{Kind: kind, Stage: stage, Status: ste.Status, Message: err.Error(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StageError{Kind: KindTimeout, Stage: stage, Message: "step timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &StageError{Kind: KindCancelled, Stage: stage, Message: "cancelled", Err: err}
	}
	return &StageError{Kind: KindFatal, Stage: stage, Message: err.Error(), Err: err}
}
