// Package worker consumes queued query jobs, runs them through the
// orchestrator and persists the outcome to the session store. Stream
// events are recorded as the session trace instead of being sent to a
// live consumer.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"crossquery.app/conductor/common/id"
	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
	"crossquery.app/conductor/internal/orchestrator"
	"crossquery.app/conductor/internal/queue"
	"crossquery.app/conductor/internal/session"
	"crossquery.app/conductor/internal/stream"
)

type Config struct {
	MaxAttempts int
}

type Worker struct {
	consumer *queue.RedisConsumer
	orch     *orchestrator.Orchestrator
	sessions session.Store
	cfg      Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer *queue.RedisConsumer, orch *orchestrator.Orchestrator, sessions session.Store, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Worker{
		consumer:  consumer,
		orch:      orch,
		sessions:  sessions,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"session_id", msg.SessionID)
			w.handleFailedMessage(ctx, msg, err)
			continue
		}
		if err := w.consumer.Ack(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "acking processed message failed",
				"error", err,
				"message_id", msg.ID)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"session_id", msg.SessionID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage runs one job end to end. Exported so the reclaimer
// can reuse it.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker.process_query",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: logger.Ptr(msg.SessionID),
		CallerID:  logger.Ptr(msg.CallerID),
		MessageID: logger.Ptr(msg.ID),
		Component: "conductor.worker",
	})

	slog.InfoContext(ctx, "processing query job", "attempt", msg.Attempt)

	sess, err := w.sessions.Get(ctx, msg.CallerID, msg.SessionID)
	if err != nil {
		if oerr.KindOf(err) == oerr.KindNotFound {
			// The session expired or was deleted while queued. Nothing to
			// report the result into, so the job is done.
			slog.WarnContext(ctx, "session gone, dropping job")
			return nil
		}
		return fmt.Errorf("loading session: %w", err)
	}
	if sess.Status == model.SessionCompleted || sess.Status == model.SessionFailed {
		slog.InfoContext(ctx, "session already finished, skipping", "status", sess.Status)
		return nil
	}

	sess.Status = model.SessionRunning
	if err := w.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("marking session running: %w", err)
	}

	mux := stream.NewMux(msg.SessionID, stream.DefaultBuffer)
	traceCh := make(chan []model.TraceEntry, 1)
	go func() {
		traceCh <- stream.Record(mux.Events())
	}()

	result, runErr := w.orch.Handle(ctx, orchestrator.Request{
		SessionID:  msg.SessionID,
		QuestionID: id.NewString(),
		CallerID:   msg.CallerID,
		Question:   msg.Question,
		Flags:      msg.Flags,
	}, mux)
	sess.Trace = <-traceCh

	if runErr != nil {
		sc.RecordError(runErr)
		sess.Status = model.SessionFailed
		if err := w.sessions.Update(ctx, sess); err != nil {
			slog.ErrorContext(ctx, "persisting failed session", "error", err)
		}
		return runErr
	}

	sess.Status = model.SessionCompleted
	sess.FinalResult = result
	if err := w.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("persisting session result: %w", err)
	}

	slog.InfoContext(ctx, "query job completed", "rows", len(result.Rows))
	return nil
}

// handleFailedMessage requeues recoverable failures until the attempt
// budget runs out, then parks the message on the DLQ.
func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, procErr error) {
	if oerr.Recoverable(procErr) && msg.Attempt < w.cfg.MaxAttempts {
		if err := w.consumer.Requeue(ctx, msg, procErr.Error()); err != nil {
			slog.ErrorContext(ctx, "requeue failed", "error", err, "message_id", msg.ID)
		}
		return
	}

	if err := w.consumer.SendDLQ(ctx, msg, procErr.Error()); err != nil {
		slog.ErrorContext(ctx, "sending to DLQ failed", "error", err, "message_id", msg.ID)
	}
}
