// Package scribe forwards committed bookmark movements to an external
// analytics channel. Forwarding is fire-and-forget: it runs after the store
// commit and its failures are swallowed and logged locally, never surfaced to
// the caller.
package scribe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Record is one committed bookmark movement plus the draft commits it made
// public.
type Record struct {
	Repo        string    `json:"repo"`
	Bookmark    string    `json:"bookmark"`
	Kind        string    `json:"kind"`
	Operation   string    `json:"operation"`
	OldTarget   string    `json:"old_target,omitempty"`
	NewTarget   string    `json:"new_target,omitempty"`
	Reason      string    `json:"reason"`
	UpdateLogID int64     `json:"update_log_id"`
	Commits     []string  `json:"commits,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink delivers one record to a backend.
type Sink interface {
	Log(ctx context.Context, rec Record) error
}

// StreamSink appends records to a Redis stream consumed by downstream
// pipelines.
type StreamSink struct {
	client *redis.Client
	stream string
}

func NewStreamSink(client *redis.Client, stream string) *StreamSink {
	return &StreamSink{client: client, stream: stream}
}

func (s *StreamSink) Log(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode scribe record: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("append to scribe stream: %w", err)
	}
	return nil
}

// LogSink writes records to the local log. It backs deployments with no
// stream configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Log(ctx context.Context, rec Record) error {
	s.logger.Info("bookmark movement",
		zap.String("repo", rec.Repo),
		zap.String("bookmark", rec.Bookmark),
		zap.String("kind", rec.Kind),
		zap.String("operation", rec.Operation),
		zap.String("reason", rec.Reason),
		zap.Int64("update_log_id", rec.UpdateLogID),
		zap.Int("commits", len(rec.Commits)))
	return nil
}

// Service wraps a sink with the best-effort contract: Forward never returns
// an error and never lets a sink failure affect the movement's result.
type Service struct {
	sink   Sink
	logger *zap.Logger
}

func NewService(sink Sink, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{sink: sink, logger: logger}
}

// Forward delivers the record, swallowing and logging any failure.
func (s *Service) Forward(ctx context.Context, rec Record) {
	if err := s.sink.Log(ctx, rec); err != nil {
		s.logger.Warn("scribe forward failed",
			zap.String("repo", rec.Repo),
			zap.String("bookmark", rec.Bookmark),
			zap.Error(err))
	}
}
