package relay

import (
	"net/http"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	defaultKafkaTopic        = "donation-events"
	defaultStatusAddr        = ":3000"
	defaultHeartbeatInterval = time.Minute
	defaultShutdownGrace     = 5 * time.Second
)

//
// Relay Options
//

type RelayOption func(*Relay)

func WithLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(metrics MetricsCollector) RelayOption {
	return func(r *Relay) {
		r.metrics = metrics
	}
}

func WithPublisher(publisher Publisher) RelayOption {
	return func(r *Relay) {
		r.publisher = publisher
	}
}

// WithStatusAddr sets the listen address of the status server. An empty address disables it.
func WithStatusAddr(addr string) RelayOption {
	return func(r *Relay) {
		r.statusAddr = addr
	}
}

// WithHeartbeatInterval sets the heartbeat period. Zero disables the heartbeat.
func WithHeartbeatInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		r.heartbeatInterval = interval
	}
}

// WithStatusServerOptions forwards opts to the status server built by NewRelay.
func WithStatusServerOptions(opts ...StatusServerOption) RelayOption {
	return func(r *Relay) {
		r.statusOpts = append(r.statusOpts, opts...)
	}
}

func WithDeliveryOptions(opts ...DeliveryPipelineOption) RelayOption {
	return func(r *Relay) {
		r.deliveryOpts = append(r.deliveryOpts, opts...)
	}
}

//
// DeliveryPipeline Options
//

type DeliveryPipelineOption func(*deliveryPipelineOptions)

type deliveryPipelineOptions struct {
	mirror       Publisher
	strictStatus bool
	now          func() time.Time
}

// WithDeliveryMirror publishes every outbound payload to a secondary publisher as well.
func WithDeliveryMirror(mirror Publisher) DeliveryPipelineOption {
	return func(o *deliveryPipelineOptions) {
		o.mirror = mirror
	}
}

// WithStrictDeliveryStatus counts non-2xx responses as failed deliveries.
// By default any received response counts as sent.
func WithStrictDeliveryStatus(strict bool) DeliveryPipelineOption {
	return func(o *deliveryPipelineOptions) {
		o.strictStatus = strict
	}
}

func withDeliveryClock(now func() time.Time) DeliveryPipelineOption {
	return func(o *deliveryPipelineOptions) {
		o.now = now
	}
}

//
// WebhookPublisher Options
//

type WebhookPublisherOption func(*WebhookPublisher)

// WithWebhookTimeout sets the end-to-end timeout of a single POST.
func WithWebhookTimeout(timeout time.Duration) WebhookPublisherOption {
	return func(p *WebhookPublisher) {
		if timeout > 0 {
			p.client.Timeout = timeout
		}
	}
}

// WithWebhookHTTPClient replaces the HTTP client. The client's own timeout is kept.
func WithWebhookHTTPClient(client *http.Client) WebhookPublisherOption {
	return func(p *WebhookPublisher) {
		if client != nil {
			p.client = client
		}
	}
}

func WithWebhookLogger(logger *zap.Logger) WebhookPublisherOption {
	return func(p *WebhookPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

//
// KafkaPublisher Options
//

type KafkaPublisherOption func(*KafkaPublisher)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

func WithKafkaTopic(topic string) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		if topic != "" {
			p.topic = topic
		}
	}
}

func WithKafkaHeaderBuilder(builder KafkaHeaderBuilder) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.headerBuilder = builder
	}
}

//
// StatusServer Options
//

type StatusServerOption func(*StatusServer)

// WithServiceIdentity overrides the service name and version reported by the status endpoint.
func WithServiceIdentity(name, version string) StatusServerOption {
	return func(s *StatusServer) {
		s.serviceName = name
		s.serviceVersion = version
	}
}

func withStatusServerClock(now func() time.Time) StatusServerOption {
	return func(s *StatusServer) {
		s.now = now
	}
}
