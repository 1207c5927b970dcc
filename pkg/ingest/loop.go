package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kabili207/meshmapper/pkg/bus"
	"github.com/kabili207/meshmapper/pkg/decoder"
	"github.com/kabili207/meshmapper/pkg/geo"
	"github.com/kabili207/meshmapper/pkg/metrics"
	"github.com/kabili207/meshmapper/pkg/models"
)

// Outcome is how far one message got through the pipeline.
type Outcome string

const (
	OutcomeNoDecoder     Outcome = "no_decoder"
	OutcomeMissingNodeID Outcome = "missing_node_id"
	OutcomeDecodeError   Outcome = "decode_error"
	OutcomeDecoded       Outcome = "decoded"
	OutcomeIndexError    Outcome = "index_error"
	OutcomeEvent         Outcome = "event"
)

type PacketDecoder interface {
	Decode(topic string, payload []byte) (*decoder.Packet, error)
}

// MessageLog records every message raw and every decoded packet.
type MessageLog interface {
	WriteRaw(ts time.Time, topic string, payload []byte) error
	WriteDecoded(ts time.Time, topic string, v any) error
}

type EventSink interface {
	Persist(ctx context.Context, e *models.Event)
}

// EventPublisher receives built events for live observers.
type EventPublisher interface {
	Publish(e *models.Event)
}

type Options struct {
	Decoder   PacketDecoder
	Logs      MessageLog
	Indexer   geo.Indexer
	Sink      EventSink
	Publisher EventPublisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Loop is the single consumer of the bus queue. Everything up to the event
// log runs inline in arrival order; only the relational write is handed off.
type Loop struct {
	dec     PacketDecoder
	logs    MessageLog
	idx     geo.Indexer
	sink    EventSink
	pub     EventPublisher
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewLoop(opts Options) *Loop {
	l := &Loop{
		dec:     opts.Decoder,
		logs:    opts.Logs,
		idx:     opts.Indexer,
		sink:    opts.Sink,
		pub:     opts.Publisher,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	if l.dec == nil {
		l.dec = decoder.New(decoder.Options{Logger: opts.Logger})
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.metrics == nil {
		l.metrics = metrics.New("meshmapper", nil)
	}
	return l
}

// Run consumes in until ctx is cancelled. Messages already queued at that
// point are still handled, so stop the source before cancelling.
func (l *Loop) Run(ctx context.Context, in <-chan bus.Message) error {
	l.log.Info("ingestion loop started")
	for {
		select {
		case <-ctx.Done():
			n := l.Drain(context.WithoutCancel(ctx), in)
			l.log.Info("ingestion loop stopped", "drained", n)
			return nil
		case msg := <-in:
			l.Handle(ctx, msg)
		}
	}
}

// Drain handles every message currently queued on in and returns how many
// there were. It does not wait for more.
func (l *Loop) Drain(ctx context.Context, in <-chan bus.Message) int {
	var n int
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return n
			}
			l.Handle(ctx, msg)
			n++
		default:
			return n
		}
	}
}

// Handle runs one message through the pipeline. It never fails: every
// problem is logged and counted, and the next message starts clean.
func (l *Loop) Handle(ctx context.Context, msg bus.Message) Outcome {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	format := decoder.FormatForTopic(msg.Topic)
	l.metrics.MessagesReceived.WithLabelValues(formatLabel(format)).Inc()

	if err := l.logs.WriteRaw(msg.ReceivedAt, msg.Topic, msg.Payload); err != nil {
		l.metrics.AppendLogErrors.WithLabelValues("raw").Inc()
		l.log.Error("failed to append raw log", "topic", msg.Topic, "error", err)
	}

	outcome := l.decode(ctx, msg)
	l.metrics.DecodeResults.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (l *Loop) decode(ctx context.Context, msg bus.Message) Outcome {
	pkt, err := l.dec.Decode(msg.Topic, msg.Payload)
	switch {
	case errors.Is(err, decoder.ErrNoDecoder):
		return OutcomeNoDecoder
	case errors.Is(err, decoder.ErrMissingNodeID):
		l.log.Warn("dropping packet without a node id", "topic", msg.Topic)
		return OutcomeMissingNodeID
	case err != nil:
		l.log.Warn("decode error", "topic", msg.Topic, "error", err)
		return OutcomeDecodeError
	}

	if err := l.logs.WriteDecoded(msg.ReceivedAt, msg.Topic, pkt); err != nil {
		l.metrics.AppendLogErrors.WithLabelValues("decoded").Inc()
		l.log.Error("failed to append decoded log", "topic", msg.Topic, "error", err)
	}

	event, err := BuildEvent(pkt, msg, l.idx)
	if err != nil {
		l.log.Warn("H3 mapping error", "node_id", pkt.From, "error", err)
		return OutcomeIndexError
	}
	if event == nil {
		return OutcomeDecoded
	}

	l.log.Info("position event",
		"node_id", event.NodeID, "latitude", event.Latitude, "longitude", event.Longitude, "hex_id", *event.HexID)
	l.metrics.EventsEmitted.Inc()
	l.sink.Persist(ctx, event)
	if l.pub != nil {
		l.pub.Publish(event)
	}
	return OutcomeEvent
}

func formatLabel(f decoder.Format) string {
	if f == decoder.FormatNone {
		return "none"
	}
	return string(f)
}
