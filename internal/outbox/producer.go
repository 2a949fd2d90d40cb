package outbox

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
)

// EventProducer writes dispatched events to Kafka. The pipeline publishes to
// two topics (activity_records and reward_events), so writers are created
// lazily per destination and reused for the life of the process.
type EventProducer struct {
	brokers []string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewEventProducer creates a producer for the given broker list.
func NewEventProducer(brokers []string) *EventProducer {
	return &EventProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages publishes the batch to one topic. Writes are synchronous and
// require all-replica acks: an event leaves the outbox table only after the
// broker has confirmed it.
func (p *EventProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writerFor(topic).WriteMessages(ctx, msgs...)
}

func (p *EventProducer) writerFor(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
	p.writers[topic] = writer
	return writer
}

// Close shuts down every topic writer, returning the first error seen.
func (p *EventProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}
