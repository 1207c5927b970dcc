package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange   = "amq.topic"
	DefaultRoutingKey = "msh.#"

	amqpReconnectDelay = 5 * time.Second
)

var errDeliveriesClosed = errors.New("delivery channel closed")

// AMQPOptions configures the consumer. With the default exchange the
// source sees everything RabbitMQ's MQTT plugin receives.
type AMQPOptions struct {
	URL            string
	Exchange       string
	RoutingKey     string
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

// AMQPSource binds a private, auto-deleted queue to a topic exchange and
// forwards deliveries with their routing key turned back into a topic.
type AMQPSource struct {
	opts  AMQPOptions
	queue *Queue
	log   *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAMQPSource(opts AMQPOptions, queue *Queue) *AMQPSource {
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	if opts.RoutingKey == "" {
		opts.RoutingKey = DefaultRoutingKey
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = amqpReconnectDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPSource{
		opts:  opts,
		queue: queue,
		log:   logger.With("source", string(KindAMQP), "exchange", opts.Exchange),
		done:  make(chan struct{}),
	}
}

func (s *AMQPSource) Name() string { return string(KindAMQP) }

// TopicFromRoutingKey undoes the MQTT plugin's "/" to "." mapping.
func TopicFromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// Start validates the URL and begins consuming in the background.
func (s *AMQPSource) Start(ctx context.Context) error {
	if _, err := amqp.ParseURI(s.opts.URL); err != nil {
		return fmt.Errorf("amqp url: %w", err)
	}
	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *AMQPSource) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := amqp.Dial(s.opts.URL)
		if err == nil {
			s.log.Info("connected")
			err = s.consume(ctx, conn)
			conn.Close()
			if err == nil {
				return
			}
		}
		s.log.Error("amqp consumer stopped, reconnecting", "error", err, "retry_in", s.opts.ReconnectDelay)

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(s.opts.ReconnectDelay):
		}
	}
}

// consume returns nil on a requested stop and an error when the connection
// or channel went away.
func (s *AMQPSource) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		"",    // Name, server generated
		false, // Durable
		true,  // Delete when unused
		true,  // Exclusive
		false, // No-wait
		nil,
	)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, s.opts.RoutingKey, s.opts.Exchange, false, nil); err != nil {
		return err
	}
	deliveries, err := ch.Consume(
		q.Name,
		"",    // Consumer
		true,  // Auto-Ack
		true,  // Exclusive
		false, // No-local
		false, // No-wait
		nil,
	)
	if err != nil {
		return err
	}
	s.log.Info("consuming", "queue", q.Name, "routing_key", s.opts.RoutingKey)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		case amqpErr := <-connClosed:
			if amqpErr == nil {
				return errDeliveriesClosed
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			s.queue.Offer(s.Name(), TopicFromRoutingKey(d.RoutingKey), d.Body)
		}
	}
}

func (s *AMQPSource) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	s.log.Info("stopped")
}
