// Package sink persists built events: synchronously to the event log and
// asynchronously to the relational store through a bounded worker pool.
package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/kabili207/meshmapper/pkg/metrics"
	"github.com/kabili207/meshmapper/pkg/models"
	"github.com/kabili207/meshmapper/pkg/store"
)

const (
	DefaultWorkers      = 4
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 10 * time.Second
)

// EventLog is the durable append-only record of events.
type EventLog interface {
	WriteEvent(v any) error
}

// Provider hands out the store when it is usable and learns how writes
// went. *supervisor.Supervisor implements it.
type Provider interface {
	Acquire() (store.Recorder, bool)
	ReportSuccess()
	ReportFailure(err error)
}

type Options struct {
	Workers      int
	QueueSize    int
	Overflow     Overflow
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type Sink struct {
	events   EventLog
	provider Provider
	pool     *Pool
	timeout  time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func New(events EventLog, provider Provider, opts Options) *Sink {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New("meshmapper", nil)
	}

	s := &Sink{
		events:   events,
		provider: provider,
		timeout:  opts.WriteTimeout,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	s.pool = NewPool(opts.Workers, opts.QueueSize, opts.Overflow, func() {
		s.metrics.SinkDropped.Inc()
	})
	return s
}

// Persist appends e to the event log and queues the relational write.
// Neither path can stop the other, and neither reports back to the caller.
func (s *Sink) Persist(ctx context.Context, e *models.Event) {
	if err := s.events.WriteEvent(e); err != nil {
		s.metrics.AppendLogErrors.WithLabelValues("events").Inc()
		s.log.Error("failed to append event", "node_id", e.NodeID, "error", err)
	}

	rec, ok := s.provider.Acquire()
	if !ok {
		s.metrics.StoreWrites.WithLabelValues("skipped").Inc()
		return
	}

	accepted := s.pool.Submit(ctx, func(ctx context.Context) {
		s.record(ctx, rec, e)
	})
	s.metrics.SinkQueueDepth.Set(float64(s.pool.Pending()))
	if !accepted {
		s.log.Warn("store queue full, dropping write", "node_id", e.NodeID)
	}
}

func (s *Sink) record(ctx context.Context, rec store.Recorder, e *models.Event) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := rec.RecordEvent(ctx, e)
	s.metrics.StoreWriteDuration.Observe(time.Since(start).Seconds())
	s.metrics.SinkQueueDepth.Set(float64(s.pool.Pending()))

	if err != nil {
		s.metrics.StoreWrites.WithLabelValues("error").Inc()
		s.log.Warn("database save error", "node_id", e.NodeID, "error", err)
		s.provider.ReportFailure(err)
		return
	}
	s.metrics.StoreWrites.WithLabelValues("success").Inc()
	s.provider.ReportSuccess()
}

// Close stops accepting writes and waits for queued ones until ctx ends.
func (s *Sink) Close(ctx context.Context) error {
	pending := s.pool.Pending()
	if err := s.pool.Close(ctx); err != nil {
		s.log.Warn("store writes abandoned at shutdown", "pending", pending, "error", err)
		return err
	}
	return nil
}
