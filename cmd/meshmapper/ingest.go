package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kabili207/meshmapper/pkg/applog"
	"github.com/kabili207/meshmapper/pkg/bus"
	"github.com/kabili207/meshmapper/pkg/config"
	"github.com/kabili207/meshmapper/pkg/decoder"
	"github.com/kabili207/meshmapper/pkg/geo"
	"github.com/kabili207/meshmapper/pkg/ingest"
	"github.com/kabili207/meshmapper/pkg/metrics"
	"github.com/kabili207/meshmapper/pkg/routes"
	"github.com/kabili207/meshmapper/pkg/sink"
	"github.com/kabili207/meshmapper/pkg/store"
	"github.com/kabili207/meshmapper/pkg/supervisor"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the ingestion pipeline",
	Long: `Subscribes to the configured bus and runs every message through the
decoder. Position reports are indexed onto H3 cells and recorded in the event
log and the database. The process keeps running without the database.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().Bool("no-migrate", false, "skip applying migrations on connect")
	ingestCmd.Flags().Bool("no-ops", false, "do not serve the ops endpoints")
}

func storeOptions(cfg *config.Configuration) store.Options {
	return store.Options{
		URL:            cfg.Database.URL,
		MaxOpenConns:   cfg.Database.MaxOpen,
		MinIdleConns:   cfg.Database.MinIdle,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	}
}

func newSource(cfg *config.Configuration, queue *bus.Queue, logger *slog.Logger) (bus.Source, error) {
	kind, err := bus.ParseKind(cfg.Bus.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case bus.KindAMQP:
		return bus.NewAMQPSource(bus.AMQPOptions{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
			Logger:     logger,
		}, queue), nil
	case bus.KindBroker:
		return bus.NewBrokerSource(bus.BrokerOptions{
			Address:        cfg.Broker.Address,
			TopicFilter:    cfg.Broker.TopicFilter,
			Users:          cfg.Broker.Users,
			AllowAnonymous: cfg.Broker.AllowAnonymous,
			Logger:         logger,
		}, queue), nil
	}
	return bus.NewMQTTSource(bus.MQTTOptions{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		Topic:    cfg.MQTT.Topic,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		ClientID: cfg.MQTT.ClientID,
		QoS:      cfg.MQTT.QoS,
		Logger:   logger,
	}, queue), nil
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	noOps, _ := cmd.Flags().GetBool("no-ops")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New("meshmapper", prometheus.DefaultRegisterer)

	logs, err := applog.OpenAll(applog.Paths{
		Raw:     cfg.Logs.Raw,
		Decoded: cfg.Logs.Decoded,
		Events:  cfg.Logs.Events,
	})
	if err != nil {
		return fmt.Errorf("failed to open logs: %w", err)
	}
	defer logs.Close()

	channels, err := cfg.ChannelKeys()
	if err != nil {
		return err
	}
	direct, err := cfg.DirectKeyList()
	if err != nil {
		return err
	}
	overflow, err := sink.ParseOverflow(cfg.Sink.Overflow)
	if err != nil {
		return err
	}

	sup := supervisor.New(supervisor.Options{
		Open: func(ctx context.Context) (store.Recorder, error) {
			db, err := store.Open(ctx, storeOptions(cfg))
			if err != nil {
				return nil, err
			}
			if !noMigrate {
				if err := store.Migrate(db); err != nil {
					db.Close()
					return nil, err
				}
			}
			return store.New(db), nil
		},
		Retries:       cfg.Database.Retries,
		RetryDelay:    cfg.Database.RetryDelay,
		ProbeInterval: cfg.Database.ProbeInterval,
		Logger:        logger.With("component", "supervisor"),
		OnStateChange: func(st supervisor.State) {
			m.SupervisorState.Set(float64(st))
		},
	})
	defer sup.Close()

	if err := sup.Connect(ctx); err != nil {
		switch {
		case errors.Is(err, supervisor.ErrConnectionExhausted):
			logger.Warn("continuing without database", "error", err)
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return err
		}
	}

	events := sink.New(logs, sup, sink.Options{
		Workers:      cfg.Sink.Workers,
		QueueSize:    cfg.Sink.QueueSize,
		Overflow:     overflow,
		WriteTimeout: cfg.Sink.WriteTimeout,
		Logger:       logger.With("component", "sink"),
		Metrics:      m,
	})

	queue := bus.NewQueue(cfg.Bus.QueueSize, logger, func(source string) {
		m.MessagesDropped.WithLabelValues(source).Inc()
	})
	source, err := newSource(cfg, queue, logger.With("component", "bus"))
	if err != nil {
		return err
	}

	notifier := routes.NewEventNotifier()
	loop := ingest.NewLoop(ingest.Options{
		Decoder: decoder.New(decoder.Options{
			Channels:   channels,
			DirectKeys: direct,
			Logger:     logger.With("component", "decoder"),
		}),
		Logs:      logs,
		Indexer:   geo.NewIndexer(cfg.H3.Resolution),
		Sink:      events,
		Publisher: notifier,
		Logger:    logger,
		Metrics:   m,
	})

	if !noOps && cfg.ListenAddr != "" {
		ops := &routes.OpsRouter{
			Store:    sup,
			Bus:      source.Name(),
			Notifier: notifier,
			Gatherer: prometheus.DefaultGatherer,
			Logger:   logger.With("component", "ops"),
		}
		if b, ok := source.(*bus.BrokerSource); ok {
			ops.Gateways = b
		}
		go func() {
			if err := ops.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
	}

	if err := source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s source: %w", source.Name(), err)
	}
	logger.Info("ingesting",
		"bus", source.Name(),
		"h3_resolution", cfg.H3.Resolution,
		"store", sup.State().String(),
	)

	// The loop outlives the signal context: it stops only after the source,
	// and then drains what the source already queued.
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(loopCtx, queue.C()) }()

	<-ctx.Done()
	logger.Info("shutting down")
	source.Stop()
	stopLoop()
	runErr := <-loopDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sink.ShutdownTimeout)
	defer cancel()
	if err := events.Close(shutdownCtx); err != nil {
		logger.Warn("pending store writes were not completed", "error", err)
	}
	return runErr
}
