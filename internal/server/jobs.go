package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/finbrief/finbrief/internal/jobs"
	"github.com/finbrief/finbrief/internal/skill"
)

type createJobRequest struct {
	Query          string             `json:"query"`
	ReasoningLevel string             `json:"reasoning_level"`
	Conversation   []string           `json:"conversation"`
	Attachments    []skill.Attachment `json:"attachments"`
	// Deferred jobs stay queued so the caller can attach material first.
	Deferred bool `json:"deferred"`
}

func (s *Server) createJob(c echo.Context) error {
	var req createJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.ReasoningLevel == "" {
		req.ReasoningLevel = "standard"
	}

	var j *jobs.Job
	var err error
	if req.Deferred {
		j, err = s.manager.Create(req.Query, req.ReasoningLevel, req.Conversation, req.Attachments)
	} else {
		j, err = s.manager.Submit(req.Query, req.ReasoningLevel, req.Conversation, req.Attachments)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, j.Summarize())
}

func (s *Server) listJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": s.manager.List()})
}

func (s *Server) getJob(c echo.Context) error {
	snap, ok := s.manager.Lookup(c.Request().Context(), c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) startJob(c echo.Context) error {
	if err := s.manager.Start(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) cancelJob(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.manager.Get(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	cancelled := s.manager.Cancel(id)
	code := http.StatusOK
	if !cancelled {
		code = http.StatusConflict
	}
	return c.JSON(code, map[string]interface{}{"cancelled": cancelled})
}

func (s *Server) addAttachment(c echo.Context) error {
	var att skill.Attachment
	if err := c.Bind(&att); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if att.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "attachment name is required")
	}
	if err := s.manager.AddAttachment(c.Param("id"), att); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) removeAttachment(c echo.Context) error {
	if err := s.manager.RemoveAttachment(c.Param("id"), c.Param("attachment_id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// streamEvents serves a job's live event stream over SSE. ?replay=true
// first replays the bounded progress and trace buffers, so reconnecting
// observers see both how the job started and what just happened.
func (s *Server) streamEvents(c echo.Context) error {
	id := c.Param("id")
	j, ok := s.manager.Get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	write := func(ev jobs.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: " + ev.Type + "\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if c.QueryParam("replay") == "true" {
		progress, traces := j.History()
		limit := s.cfg.Server.StreamReplayLimit
		if limit > 0 && len(progress) > limit {
			progress = progress[len(progress)-limit:]
		}
		for _, ev := range append(progress, traces...) {
			if err := write(ev); err != nil {
				return nil
			}
		}
	}

	// The listener must not block inside the job lock, so events are handed
	// to the writer goroutine through a buffered channel; a slow consumer
	// loses events rather than stalling the pipeline.
	events := make(chan jobs.Event, 256)
	unsubscribe, ok := s.manager.Subscribe(id, func(ev jobs.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	defer unsubscribe()

	keepAlive := s.cfg.Server.SSEKeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := write(ev); err != nil {
				return nil
			}
			if ev.Type == "done" || ev.Type == "error" {
				return nil
			}
		case <-ticker.C:
			if _, err := resp.Write([]byte(": keep-alive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
