package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"crossquery.app/conductor/common/id"
	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/http/middleware"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/orchestrator"
	"crossquery.app/conductor/internal/queue"
	"crossquery.app/conductor/internal/session"
	"crossquery.app/conductor/internal/stream"
)

type QueryHandler struct {
	orch       *orchestrator.Orchestrator
	sessions   session.Store
	producer   queue.Producer // nil disables the async path
	sessionTTL time.Duration
}

func NewQueryHandler(orch *orchestrator.Orchestrator, sessions session.Store, producer queue.Producer, sessionTTL time.Duration) *QueryHandler {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &QueryHandler{
		orch:       orch,
		sessions:   sessions,
		producer:   producer,
		sessionTTL: sessionTTL,
	}
}

type queryRequest struct {
	Question string      `json:"question" binding:"required"`
	Flags    model.Flags `json:"flags"`
}

// Query runs a question synchronously and streams progress over SSE.
// The connection stays open until the terminal complete event.
func (h *QueryHandler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	callerID := middleware.CallerID(c)
	sessionID := id.NewString()
	ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{
		SessionID: logger.Ptr(sessionID),
	})

	var sess *model.Session
	if req.Flags.SaveSession && h.sessions != nil {
		sess = &model.Session{
			SessionID: sessionID,
			CallerID:  callerID,
			Question:  req.Question,
			Flags:     req.Flags,
			Status:    model.SessionRunning,
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(h.sessionTTL),
		}
		if err := h.sessions.Create(ctx, sess); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}
	}

	setSSEHeaders(c.Writer)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	mux := stream.NewMux(sessionID, stream.DefaultBuffer)

	type outcome struct {
		result *model.AggregatedResult
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		result, err := h.orch.Handle(ctx, orchestrator.Request{
			SessionID:  sessionID,
			QuestionID: id.NewString(),
			CallerID:   callerID,
			Question:   req.Question,
			Flags:      req.Flags,
		}, mux)
		resCh <- outcome{result: result, err: err}
	}()

	// Drain the stream onto the wire. When the client disconnects the
	// request context cancels, the pipeline winds down and the mux
	// still closes with a complete event.
	var entries []model.TraceEntry
	for ev := range mux.Events() {
		sseWrite(c.Writer, string(ev.Type), ev)
		flusher.Flush()
		if sess != nil {
			if ev.Type != stream.EventPartialResults && ev.Type != stream.EventAnalysisChunk {
				entries = append(entries, model.TraceEntry{
					Type:    string(ev.Type),
					At:      ev.At,
					Payload: ev.Data,
				})
			}
		}
	}

	out := <-resCh
	if sess != nil {
		sess.Trace = entries
		if out.err != nil {
			sess.Status = model.SessionFailed
		} else {
			sess.Status = model.SessionCompleted
			sess.FinalResult = out.result
		}
		if err := h.sessions.Update(ctx, sess); err != nil {
			// The stream already finished; nothing to send the caller.
			_ = err
		}
	}
}

type asyncResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// QueryAsync enqueues the question and returns immediately. The result
// is fetched later through the session endpoints.
func (h *QueryHandler) QueryAsync(c *gin.Context) {
	if h.producer == nil || h.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "async queries not configured"})
		return
	}

	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	callerID := middleware.CallerID(c)
	sessionID := id.NewString()
	ctx := c.Request.Context()

	sess := &model.Session{
		SessionID: sessionID,
		CallerID:  callerID,
		Question:  req.Question,
		Flags:     req.Flags,
		Status:    model.SessionPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(h.sessionTTL),
	}
	if err := h.sessions.Create(ctx, sess); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	var traceID *string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = logger.Ptr(sc.TraceID().String())
	}

	if err := h.producer.Enqueue(ctx, queue.QueryJob{
		SessionID: sessionID,
		CallerID:  callerID,
		Question:  req.Question,
		Flags:     req.Flags,
		TraceID:   traceID,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue query"})
		return
	}

	c.JSON(http.StatusAccepted, asyncResponse{
		SessionID: sessionID,
		Status:    string(model.SessionPending),
	})
}
