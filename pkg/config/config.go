// Package config loads the ingester configuration. Values come from
// defaults, an optional YAML file and the environment, later sources winning.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/kabili207/meshmapper/pkg/auth"
	"github.com/kabili207/meshmapper/pkg/bus"
	"github.com/kabili207/meshmapper/pkg/decoder"
	"github.com/kabili207/meshmapper/pkg/geo"
	"github.com/kabili207/meshmapper/pkg/sink"
)

type Configuration struct {
	ListenAddr string           `mapstructure:"listen_addr"`
	Log        LogConfig        `mapstructure:"log"`
	Bus        BusConfig        `mapstructure:"bus"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	AMQP       AMQPConfig       `mapstructure:"amqp"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Logs       LogPaths         `mapstructure:"logs"`
	H3         H3Config         `mapstructure:"h3"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Channels   []MeshChannelDef `mapstructure:"channels"`
	DirectKeys []DirectKeyDef   `mapstructure:"direct_keys"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BusConfig struct {
	Kind      string `mapstructure:"kind"`
	QueueSize int    `mapstructure:"queue_size"`
}

type MQTTConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Topic    string `mapstructure:"topic"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	QoS      byte   `mapstructure:"qos"`
}

type AMQPConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// BrokerConfig configures the embedded broker used when bus.kind is
// "broker". Users is a list of salted password hashes from genpass.
type BrokerConfig struct {
	Address        string            `mapstructure:"address"`
	TopicFilter    string            `mapstructure:"topic_filter"`
	AllowAnonymous bool              `mapstructure:"allow_anonymous"`
	Users          []auth.Credential `mapstructure:"users"`
}

type LogPaths struct {
	Raw     string `mapstructure:"raw"`
	Decoded string `mapstructure:"decoded"`
	Events  string `mapstructure:"events"`
}

type H3Config struct {
	Resolution int `mapstructure:"resolution"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxOpen        int           `mapstructure:"max_open"`
	MinIdle        int           `mapstructure:"min_idle"`
	Retries        int           `mapstructure:"retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type SinkConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	Overflow        string        `mapstructure:"overflow"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MeshChannelDef is a channel whose traffic should be decrypted. Key is the
// base64 PSK as shown in the Meshtastic apps.
type MeshChannelDef struct {
	Name string `mapstructure:"name"`
	Key  string `mapstructure:"key"`
}

// DirectKeyDef is the base64 X25519 private key of a node whose PKI direct
// messages should be opened.
type DirectKeyDef struct {
	Node       string `mapstructure:"node"`
	PrivateKey string `mapstructure:"private_key"`
}

// envBindings maps keys onto the unprefixed variable names used by existing
// deployments. Other keys are reachable as their upper-cased path with "_"
// for ".".
var envBindings = map[string]string{
	"mqtt.host":     "MQTT_HOST",
	"mqtt.port":     "MQTT_PORT",
	"mqtt.topic":    "MQTT_TOPIC",
	"logs.raw":      "LOG_PATH",
	"logs.decoded":  "DECODED_LOG_PATH",
	"logs.events":   "HEX_EVENTS_PATH",
	"h3.resolution": "H3_RESOLUTION",
	"database.url":  "DATABASE_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":9100")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("bus.kind", string(bus.KindMQTT))
	v.SetDefault("bus.queue_size", bus.DefaultQueueSize)

	v.SetDefault("mqtt.host", "192.168.88.30")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.topic", "msh/#")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.qos", 0)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", bus.DefaultExchange)
	v.SetDefault("amqp.routing_key", bus.DefaultRoutingKey)

	v.SetDefault("broker.address", bus.DefaultBrokerAddress)
	v.SetDefault("broker.topic_filter", "msh/#")
	v.SetDefault("broker.allow_anonymous", false)

	v.SetDefault("logs.raw", "/logs/mqtt_raw.log")
	v.SetDefault("logs.decoded", "/logs/mqtt_decoded.log")
	v.SetDefault("logs.events", "/logs/hex_events.jsonl")

	v.SetDefault("h3.resolution", geo.DefaultResolution)

	v.SetDefault("database.url", "postgresql://meshuser:meshpass@db:5432/meshmapper")
	v.SetDefault("database.max_open", 10)
	v.SetDefault("database.min_idle", 2)
	v.SetDefault("database.retries", 5)
	v.SetDefault("database.retry_delay", 3*time.Second)
	v.SetDefault("database.probe_interval", 30*time.Second)
	v.SetDefault("database.connect_timeout", 10*time.Second)

	v.SetDefault("sink.workers", sink.DefaultWorkers)
	v.SetDefault("sink.queue_size", sink.DefaultQueueSize)
	v.SetDefault("sink.overflow", sink.OverflowDropNewest.String())
	v.SetDefault("sink.write_timeout", sink.DefaultWriteTimeout)
	v.SetDefault("sink.shutdown_timeout", 10*time.Second)
}

// New returns a viper instance with defaults and environment bindings in
// place. file may be empty, in which case ./config.yaml and
// /etc/meshmapper/config.yaml are tried and their absence is not an error.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/meshmapper/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into a Configuration and validates it.
func Load(v *viper.Viper) (*Configuration, error) {
	var cfg Configuration
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would only fail later at runtime.
func (c *Configuration) Validate() error {
	var errs []error
	if _, err := bus.ParseKind(c.Bus.Kind); err != nil {
		errs = append(errs, err)
	}
	if c.Bus.Kind == string(bus.KindAMQP) && c.AMQP.URL == "" {
		errs = append(errs, errors.New("amqp.url is required when bus.kind is amqp"))
	}
	if c.H3.Resolution < 0 || c.H3.Resolution > geo.MaxResolution {
		errs = append(errs, fmt.Errorf("h3.resolution %d out of range [0, %d]", c.H3.Resolution, geo.MaxResolution))
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS))
	}
	if _, err := sink.ParseOverflow(c.Sink.Overflow); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ChannelKeys(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.DirectKeyList(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ChannelKeys expands the configured channels. No channels selects the
// decoder's defaults.
func (c *Configuration) ChannelKeys() ([]decoder.ChannelKey, error) {
	if len(c.Channels) == 0 {
		return nil, nil
	}
	keys := make([]decoder.ChannelKey, 0, len(c.Channels))
	for _, ch := range c.Channels {
		key, err := decoder.ParseKey(ch.Key)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		keys = append(keys, decoder.ChannelKey{Name: ch.Name, Key: key})
	}
	return keys, nil
}

func (c *Configuration) DirectKeyList() ([]decoder.DirectKey, error) {
	keys := make([]decoder.DirectKey, 0, len(c.DirectKeys))
	for _, dk := range c.DirectKeys {
		k, err := decoder.ParseDirectKey(dk.Node, dk.PrivateKey)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}
