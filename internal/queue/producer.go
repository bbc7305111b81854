// Package queue moves async query jobs through Redis streams. The API
// server enqueues; the worker consumes with a consumer group, requeues
// transient failures and parks poison messages on a DLQ stream.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"crossquery.app/conductor/internal/model"
)

// QueryJob is one queued question.
type QueryJob struct {
	SessionID string
	CallerID  string
	Question  string
	Flags     model.Flags
	TraceID   *string
	Attempt   int
}

type Producer interface {
	Enqueue(ctx context.Context, job QueryJob) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, job QueryJob) error {
	attempt := job.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	flags, err := json.Marshal(job.Flags)
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}

	fields := map[string]any{
		"session_id": job.SessionID,
		"caller_id":  job.CallerID,
		"question":   job.Question,
		"flags":      string(flags),
		"attempt":    attempt,
	}
	if job.TraceID != nil && *job.TraceID != "" {
		fields["trace_id"] = *job.TraceID
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue query job: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued query job",
		"session_id", job.SessionID,
		"caller_id", job.CallerID,
		"attempt", attempt)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
