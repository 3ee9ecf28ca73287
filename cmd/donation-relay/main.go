package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	relay "github.com/overtonx/donation-relay"
	"github.com/overtonx/donation-relay/config"
	"github.com/overtonx/donation-relay/internal/logging"
	"github.com/overtonx/donation-relay/pusher"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = relay.ServiceVersion

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(config.DefaultEnvFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}
	logger.Info("=== PIXGG Webhook Listener starting ===",
		zap.String("cluster", cfg.PusherCluster),
		zap.String("channel", cfg.PusherChannelKey),
		zap.String("event", cfg.PusherEventName),
		zap.String("target", cfg.WebhookTargetURL),
		zap.String("version", version),
	)

	metrics := relay.NewOpenTelemetryMetricsCollector()

	transport := pusher.NewClient(cfg.PusherAppKey, cfg.PusherCluster,
		pusher.WithHost(cfg.PusherHost),
		pusher.WithInsecure(cfg.PusherInsecure),
		pusher.WithLogger(logger.Named("pusher")),
		pusher.WithDialer(&websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}),
	)

	webhook := relay.NewWebhookPublisher(cfg.WebhookTargetURL,
		relay.WithWebhookTimeout(cfg.WebhookTimeout),
		relay.WithWebhookLogger(logger),
	)

	deliveryOpts := []relay.DeliveryPipelineOption{
		relay.WithStrictDeliveryStatus(cfg.WebhookStrictStatus),
	}
	if cfg.KafkaBrokers != "" {
		mirror, err := relay.NewKafkaPublisher(logger,
			relay.WithKafkaProducerProps(kafka.ConfigMap{"bootstrap.servers": cfg.KafkaBrokers}),
			relay.WithKafkaTopic(cfg.KafkaTopic),
		)
		if err != nil {
			logger.Error("Failed to create Kafka mirror, continuing without it", zap.Error(err))
		} else {
			deliveryOpts = append(deliveryOpts, relay.WithDeliveryMirror(mirror))
		}
	}

	r, err := relay.NewRelay(transport,
		relay.Subscription{
			AppKey:    cfg.PusherAppKey,
			Cluster:   cfg.PusherCluster,
			Channel:   cfg.PusherChannelKey,
			EventName: cfg.PusherEventName,
		},
		relay.WithLogger(logger),
		relay.WithMetrics(metrics),
		relay.WithPublisher(webhook),
		relay.WithStatusAddr(cfg.StatusAddr()),
		relay.WithHeartbeatInterval(cfg.HeartbeatInterval),
		relay.WithDeliveryOptions(deliveryOpts...),
		relay.WithStatusServerOptions(relay.WithServiceIdentity(relay.ServiceName, version)),
	)
	if err != nil {
		logger.Error("Failed to create relay", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := r.Run(ctx); err != nil {
		logger.Warn("Relay stopped with errors", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return 0
}
