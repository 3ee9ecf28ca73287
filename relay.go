package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/donation-relay/embedded"
)

// Relay holds the shared dependencies of the service and wires its workers:
// the subscription controller, the status server and the heartbeat.
type Relay struct {
	transport    embedded.Transport
	subscription Subscription
	status       *StatusModel
	publisher    Publisher
	metrics      MetricsCollector
	logger       *zap.Logger

	statusAddr        string
	heartbeatInterval time.Duration
	deliveryOpts      []DeliveryPipelineOption
	statusOpts        []StatusServerOption

	pipeline   *DeliveryPipeline
	controller *SubscriptionController
	server     *StatusServer
	dispatcher *Dispatcher
}

// NewRelay creates a relay that forwards donation events received over transport.
func NewRelay(transport embedded.Transport, subscription Subscription, opts ...RelayOption) (*Relay, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if err := subscription.validate(); err != nil {
		return nil, err
	}

	r := &Relay{
		transport:         transport,
		subscription:      subscription,
		status:            NewStatusModel(),
		logger:            zap.NewNop(),
		metrics:           NewNopMetricsCollector(),
		statusAddr:        defaultStatusAddr,
		heartbeatInterval: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.metrics == nil {
		r.metrics = NewNopMetricsCollector()
	}
	if r.publisher == nil {
		r.publisher = NewNopPublisher()
	}

	r.pipeline = NewDeliveryPipeline(r.publisher, r.status, r.logger, r.metrics, r.deliveryOpts...)
	r.controller = NewSubscriptionController(r.transport, r.subscription, r.status, r.pipeline, r.logger, r.metrics)

	workers := []Worker{r.controller}
	if r.statusAddr != "" {
		r.server = NewStatusServer(r.statusAddr, r.status, r.subscription, r.logger, r.statusOpts...)
		workers = append(workers, r.server)
	}
	if r.heartbeatInterval > 0 {
		workers = append(workers, NewHeartbeatWorker(r.status, r.logger, r.metrics, r.heartbeatInterval))
	}
	r.dispatcher = NewDispatcher(r.logger, workers...)
	r.dispatcher.OnShutdown("drain_deliveries", func() error {
		r.logger.Info("Waiting for in-flight webhook deliveries")
		r.pipeline.Wait()
		return nil
	})
	r.dispatcher.OnShutdown("close_publishers", r.pipeline.Close)

	return r, nil
}

// Status returns the shared status model.
func (r *Relay) Status() *StatusModel {
	return r.status
}

// Pipeline returns the delivery pipeline.
func (r *Relay) Pipeline() *DeliveryPipeline {
	return r.pipeline
}

// StatusServer returns the status server, or nil when it is disabled.
func (r *Relay) StatusServer() *StatusServer {
	return r.server
}

// Run starts every worker and blocks until the context is cancelled or Stop is called.
// It then waits for in-flight deliveries and closes the publishers.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Donation relay starting",
		zap.String("channel", r.subscription.Channel),
		zap.String("event", r.subscription.EventName),
	)

	if err := r.dispatcher.Start(ctx); err != nil {
		r.logger.Warn("Donation relay stopped with errors", zap.Error(err))
		return err
	}
	r.logger.Info("Donation relay stopped")
	return nil
}

// Stop signals Run to shut down. It is safe to call Stop multiple times.
func (r *Relay) Stop() {
	r.dispatcher.Stop()
}
