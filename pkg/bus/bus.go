// Package bus connects the ingester to the publish/subscribe transport and
// hands received messages to the ingestion loop through a bounded queue.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultQueueSize = 1024

// Message is one publication as received from the bus.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Source delivers bus messages into a Queue until stopped.
type Source interface {
	// Start connects and subscribes. Connection loss after Start is
	// handled by the source itself.
	Start(ctx context.Context) error
	Stop()
	Name() string
}

// Queue is the bounded hand-off between transport callbacks and the single
// consumer. Offer never blocks: a full queue drops the message.
type Queue struct {
	ch     chan Message
	log    *slog.Logger
	onDrop func(source string)
	now    func() time.Time
}

func NewQueue(size int, logger *slog.Logger, onDrop func(source string)) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ch:     make(chan Message, size),
		log:    logger,
		onDrop: onDrop,
		now:    time.Now,
	}
}

// C is read by the ingestion loop. It is never closed.
func (q *Queue) C() <-chan Message {
	return q.ch
}

func (q *Queue) Len() int {
	return len(q.ch)
}

// Offer copies payload, since transports reuse their buffers, and queues
// the message if there is room.
func (q *Queue) Offer(source, topic string, payload []byte) bool {
	msg := Message{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: q.now().UTC(),
	}
	select {
	case q.ch <- msg:
		return true
	default:
		q.log.Warn("message queue full, dropping message", "source", source, "topic", topic)
		if q.onDrop != nil {
			q.onDrop(source)
		}
		return false
	}
}

// Kind names a transport in configuration.
type Kind string

const (
	KindMQTT   Kind = "mqtt"
	KindAMQP   Kind = "amqp"
	KindBroker Kind = "broker"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindMQTT, KindAMQP, KindBroker:
		return k, nil
	case "":
		return KindMQTT, nil
	}
	return "", fmt.Errorf("unknown bus kind %q", s)
}
