package bus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures the subscribing client.
type MQTTOptions struct {
	Host     string
	Port     int
	Topic    string
	Username string
	Password string
	ClientID string
	QoS      byte

	ConnectTimeout    time.Duration
	MaxReconnectDelay time.Duration
	Logger            *slog.Logger
}

func (o MQTTOptions) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", o.Host, o.Port)
}

// MQTTSource subscribes to a broker with paho. The subscription is made in
// the connect handler so it is restored after every reconnect.
type MQTTSource struct {
	opts   MQTTOptions
	queue  *Queue
	log    *slog.Logger
	client mqtt.Client
}

func NewMQTTSource(opts MQTTOptions, queue *Queue) *MQTTSource {
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("meshmapper-%d", os.Getpid())
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{
		opts:  opts,
		queue: queue,
		log:   logger.With("source", string(KindMQTT), "broker", opts.BrokerURL()),
	}
}

func (s *MQTTSource) Name() string { return string(KindMQTT) }

// Start returns once the first connection attempt has finished. A broker
// that is down is not fatal: paho keeps retrying in the background.
func (s *MQTTSource) Start(ctx context.Context) error {
	o := mqtt.NewClientOptions()
	o.AddBroker(s.opts.BrokerURL())
	o.SetClientID(s.opts.ClientID)
	o.SetUsername(s.opts.Username)
	o.SetPassword(s.opts.Password)
	o.SetCleanSession(true)
	o.SetConnectTimeout(s.opts.ConnectTimeout)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetMaxReconnectInterval(s.opts.MaxReconnectDelay)
	o.SetOnConnectHandler(s.onConnect)
	o.SetConnectionLostHandler(s.onConnectionLost)
	o.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		s.log.Info("reconnecting to broker")
	})

	s.client = mqtt.NewClient(o)
	s.log.Info("connecting to broker", "client_id", s.opts.ClientID, "topic", s.opts.Topic)
	token := s.client.Connect()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-time.After(s.opts.ConnectTimeout):
		s.log.Warn("broker not reachable yet, retrying in background")
	case <-ctx.Done():
		s.client.Disconnect(0)
		return ctx.Err()
	}
	return nil
}

func (s *MQTTSource) onConnect(client mqtt.Client) {
	s.log.Info("connected to broker")
	token := client.Subscribe(s.opts.Topic, s.opts.QoS, s.handle)
	if token.Wait() && token.Error() != nil {
		s.log.Error("failed to subscribe", "topic", s.opts.Topic, "error", token.Error())
		return
	}
	s.log.Info("subscribed", "topic", s.opts.Topic)
}

func (s *MQTTSource) onConnectionLost(_ mqtt.Client, err error) {
	s.log.Warn("lost connection to broker", "error", err)
}

func (s *MQTTSource) handle(_ mqtt.Client, msg mqtt.Message) {
	s.queue.Offer(s.Name(), msg.Topic(), msg.Payload())
}

// Stop disconnects, giving in-flight work a quarter second.
func (s *MQTTSource) Stop() {
	if s.client == nil {
		return
	}
	s.client.Disconnect(250)
	s.log.Info("disconnected from broker")
}
