// Package events carries the operator-facing status and log stream: every
// worker status transition, health round and log line is published as an
// Event to one or more sinks.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

// Kind 标识事件类别。
type Kind string

const (
	KindStatus     Kind = "status"
	KindLog        Kind = "log"
	KindNodeHealth Kind = "node-health"
	KindSweep      Kind = "sweep"
	KindRescue     Kind = "rescue"
)

// Event 是推送给运维视图的一条事件。
type Event struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Worker     string            `json:"worker,omitempty"`
	Status     string            `json:"status,omitempty"`
	Message    string            `json:"message,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// New 创建带 ID 与时间戳的事件。
func New(kind Kind, worker, message string) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Worker:     worker,
		Message:    message,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink 接收事件。实现必须是并发安全的。
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Fanout 将事件依次投递到全部 sink，并合并错误。
type Fanout []Sink

// Publish 实现 Sink。
func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink 将事件写入结构化日志。
type LogSink struct {
	Logger *slog.Logger
}

// Publish 实现 Sink。
func (s LogSink) Publish(_ context.Context, event Event) error {
	log := s.Logger
	if log == nil {
		log = logger.Named("events")
	}
	attrs := []any{
		slog.String("kind", string(event.Kind)),
		slog.String("event_id", event.ID),
	}
	if event.Worker != "" {
		attrs = append(attrs, slog.String("worker", event.Worker))
	}
	if event.Status != "" {
		attrs = append(attrs, slog.String("status", event.Status))
	}
	for k, v := range event.Fields {
		attrs = append(attrs, slog.String(k, v))
	}
	log.Info(event.Message, attrs...)
	return nil
}

// MemorySink 保留最近的事件，供 API 与测试读取。
type MemorySink struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewMemorySink 创建保留最多 limit 条事件的 sink。
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 500
	}
	return &MemorySink{limit: limit}
}

// Publish 实现 Sink。
func (s *MemorySink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if over := len(s.events) - s.limit; over > 0 {
		s.events = append([]Event(nil), s.events[over:]...)
	}
	return nil
}

// Events 返回当前保留的事件副本。
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}
