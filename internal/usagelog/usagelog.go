// Package usagelog records one entry per gateway request, successful or
// not. Storage and billing consume the entries downstream; the gateway only
// hands them to a Sink.
package usagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/llmgateway/internal/cost"
	"github.com/howard-nolan/llmgateway/internal/routing"
)

// Log is the record of one request.
type Log struct {
	RequestID      string    `json:"request_id"`
	OrganizationID string    `json:"organization_id"`
	Endpoint       string    `json:"endpoint"`
	CreatedAt      time.Time `json:"created_at"`
	DurationMs     int64     `json:"duration_ms"`

	RequestedModel    string `json:"requested_model"`
	RequestedProvider string `json:"requested_provider,omitempty"`
	UsedModel         string `json:"used_model,omitempty"`
	UsedProvider      string `json:"used_provider,omitempty"`
	Deprecated        bool   `json:"deprecated,omitempty"`
	Streamed          bool   `json:"streamed"`

	StatusCode   int    `json:"status_code"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Content is the final response text, healed when healing applied.
	Content      string   `json:"content,omitempty"`
	Plugins      []string `json:"plugins,omitempty"`
	Healed       bool     `json:"healed,omitempty"`
	HealStrategy string   `json:"heal_strategy,omitempty"`

	Attempts []routing.Attempt `json:"attempts"`
	Cost     *cost.Breakdown   `json:"cost,omitempty"`

	// Raw upstream traffic, only captured in debug mode.
	UpstreamRequest  string `json:"upstream_request,omitempty"`
	UpstreamResponse string `json:"upstream_response,omitempty"`
}

// Sink stores logs.
type Sink interface {
	InsertLog(ctx context.Context, l *Log) error
}

// RedisSink appends logs to a Redis stream as a single JSON field, for
// consumers to read with XREADGROUP.
type RedisSink struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

// DefaultMaxLen caps the stream length; older entries are trimmed.
const DefaultMaxLen = 100_000

// NewRedisSink creates a sink writing to stream.
func NewRedisSink(rdb redis.UniversalClient, stream string) *RedisSink {
	return &RedisSink{rdb: rdb, stream: stream, maxLen: DefaultMaxLen}
}

// InsertLog implements Sink.
func (s *RedisSink) InsertLog(ctx context.Context, l *Log) error {
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encoding usage log: %w", err)
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"request_id": l.RequestID,
			"log":        string(b),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("writing usage log to %s: %w", s.stream, err)
	}
	return nil
}

// SlogSink writes each log as one structured line. It is the fallback when
// no Redis is configured.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a sink logging through log.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

// InsertLog implements Sink.
func (s *SlogSink) InsertLog(ctx context.Context, l *Log) error {
	attrs := []any{
		"request_id", l.RequestID,
		"org", l.OrganizationID,
		"endpoint", l.Endpoint,
		"model", l.RequestedModel,
		"provider", l.UsedProvider,
		"status", l.StatusCode,
		"attempts", len(l.Attempts),
		"streamed", l.Streamed,
		"duration_ms", l.DurationMs,
	}
	if l.FinishReason != "" {
		attrs = append(attrs, "finish_reason", l.FinishReason)
	}
	if l.ErrorType != "" {
		attrs = append(attrs, "error_type", l.ErrorType)
	}
	if l.Cost != nil {
		attrs = append(attrs,
			"prompt_tokens", l.Cost.PromptTokens,
			"completion_tokens", l.Cost.CompletionTokens,
			"cost", l.Cost.Total(),
			"estimated", l.Cost.EstimatedCost,
		)
	}
	s.log.InfoContext(ctx, "usage", attrs...)
	return nil
}
