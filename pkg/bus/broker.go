package bus

import (
	"context"
	"fmt"
	"log/slog"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/kabili207/meshmapper/pkg/auth"
	"github.com/kabili207/meshmapper/pkg/hooks"
)

const DefaultBrokerAddress = ":1883"

// BrokerOptions configures the embedded broker gateways publish into.
type BrokerOptions struct {
	Address        string
	TopicFilter    string
	Users          []auth.Credential
	AllowAnonymous bool
	Logger         *slog.Logger
}

// BrokerSource runs an MQTT broker in-process, so gateways can uplink to
// the ingester without a separate broker.
type BrokerSource struct {
	opts   BrokerOptions
	queue  *Queue
	log    *slog.Logger
	server *mqtt.Server
	hook   *hooks.IngestHook
}

func NewBrokerSource(opts BrokerOptions, queue *Queue) *BrokerSource {
	if opts.Address == "" {
		opts.Address = DefaultBrokerAddress
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerSource{
		opts:  opts,
		queue: queue,
		log:   logger.With("source", string(KindBroker), "address", opts.Address),
	}
}

func (s *BrokerSource) Name() string { return string(KindBroker) }

func (s *BrokerSource) Start(_ context.Context) error {
	s.server = mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       s.log,
	})

	s.hook = new(hooks.IngestHook)
	err := s.server.AddHook(s.hook, &hooks.IngestHookOptions{
		Users:          auth.NewLedger(s.opts.Users),
		AllowAnonymous: s.opts.AllowAnonymous,
		TopicFilter:    s.opts.TopicFilter,
		Deliver: func(topic string, payload []byte) {
			s.queue.Offer(s.Name(), topic, payload)
		},
	})
	if err != nil {
		return fmt.Errorf("broker hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "ingest", Address: s.opts.Address})
	if err := s.server.AddListener(tcp); err != nil {
		return fmt.Errorf("broker listener: %w", err)
	}
	if err := s.server.Serve(); err != nil {
		return fmt.Errorf("broker serve: %w", err)
	}
	s.log.Info("broker listening")
	return nil
}

// Gateways lists the clients currently connected to the broker.
func (s *BrokerSource) Gateways() []hooks.Gateway {
	if s.hook == nil {
		return nil
	}
	return s.hook.Gateways()
}

func (s *BrokerSource) Stop() {
	if s.server == nil {
		return
	}
	if err := s.server.Close(); err != nil {
		s.log.Warn("broker close", "error", err)
	}
	s.log.Info("broker stopped")
}
