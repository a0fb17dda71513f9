// Package events publishes task lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"taskcenter/internal/core"
)

// Event types.
const (
	TypeTransitioned = "task.transitioned"
	TypeDeleted      = "task.deleted"
)

const (
	queueSize    = 256
	writeTimeout = 10 * time.Second
)

// TaskEvent is the JSON payload written for every accepted change.
type TaskEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	TaskID    int64     `json:"taskId"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	WorkerID  int64     `json:"workerId,omitempty"`
	ScriptID  int64     `json:"scriptId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a core.Observer that forwards events to a Kafka topic. Events are
// queued and written by a single goroutine, so per-task order is kept.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
	queue  chan TaskEvent
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewPublisher writes to topic on the given brokers.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is empty")
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return newPublisher(writer, logger), nil
}

func newPublisher(writer messageWriter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		writer: writer,
		logger: logger,
		queue:  make(chan TaskEvent, queueSize),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Publisher) TaskTransitioned(_ context.Context, t core.Transition) {
	p.enqueue(TaskEvent{
		Type:      TypeTransitioned,
		TaskID:    t.TaskID,
		From:      string(t.From),
		To:        string(t.To),
		WorkerID:  t.Task.WorkerID,
		ScriptID:  t.Task.ScriptID,
		Timestamp: t.At.UTC(),
	})
}

func (p *Publisher) TaskDeleted(_ context.Context, taskID int64) {
	p.enqueue(TaskEvent{
		Type:      TypeDeleted,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) enqueue(event TaskEvent) {
	event.ID = uuid.NewString()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- event:
	default:
		p.logger.Warn("kafka queue full, dropping event", "task_id", event.TaskID, "type", event.Type)
	}
}

func (p *Publisher) loop() {
	defer close(p.done)
	for event := range p.queue {
		if err := p.write(event); err != nil {
			p.logger.Warn("publish task event", "task_id", event.TaskID, "type", event.Type, "err", err)
		}
	}
}

func (p *Publisher) write(event TaskEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(event.TaskID, 10)),
		Value: value,
		Time:  event.Timestamp,
	})
}

// Close drains queued events and closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}
