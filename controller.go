package relay

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/overtonx/donation-relay/embedded"
)

// Channel events that are only observed and logged.
var auxiliaryEvents = map[string]string{
	"skip-alert":  "Skip alert received",
	"clear-queue": "Queue cleared",
	"pause":       "Pause received",
}

// SubscriptionController owns the inbound transport: it connects, subscribes,
// turns lifecycle callbacks into status transitions and routes donation events
// to the delivery pipeline.
type SubscriptionController struct {
	transport    embedded.Transport
	subscription Subscription
	status       *StatusModel
	pipeline     *DeliveryPipeline
	logger       *zap.Logger
	metrics      MetricsCollector

	bound bool

	mu       sync.RWMutex
	started  bool
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewSubscriptionController creates a controller for the given subscription.
func NewSubscriptionController(
	transport embedded.Transport,
	subscription Subscription,
	status *StatusModel,
	pipeline *DeliveryPipeline,
	logger *zap.Logger,
	metrics MetricsCollector,
) *SubscriptionController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &SubscriptionController{
		transport:    transport,
		subscription: subscription,
		status:       status,
		pipeline:     pipeline,
		logger:       logger,
		metrics:      metrics,
		stopChan:     make(chan struct{}),
	}
}

func (c *SubscriptionController) Name() string {
	return "subscription_controller"
}

// Start connects, subscribes and consumes transport events until the context is
// cancelled, Stop is called or the transport closes its event stream.
func (c *SubscriptionController) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.logger.Warn("Subscription controller already started")
		return
	}
	c.started = true
	c.mu.Unlock()

	c.logger.Info("Connecting to Pusher",
		zap.String("app_key", c.subscription.AppKey),
		zap.String("cluster", c.subscription.Cluster),
	)
	if err := c.transport.Connect(ctx); err != nil {
		c.logger.Error("Failed to start Pusher connection", zap.Error(err))
		return
	}
	if err := c.transport.Subscribe(c.subscription.Channel); err != nil {
		c.logger.Error("Failed to subscribe", zap.String("channel", c.subscription.Channel), zap.Error(err))
		return
	}

	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context cancelled, subscription controller stopping")
			c.Stop()
			return
		case <-c.stopChan:
			return
		case ev, ok := <-events:
			if !ok {
				c.logger.Info("Transport event stream closed")
				return
			}
			c.handle(ev)
		}
	}
}

// Stop disconnects from the transport. It is safe to call Stop multiple times.
func (c *SubscriptionController) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Disconnecting from Pusher")
		close(c.stopChan)
		if err := c.transport.Disconnect(); err != nil {
			c.logger.Warn("Pusher disconnect returned an error", zap.Error(err))
		}
	})
}

func (c *SubscriptionController) handle(ev embedded.TransportEvent) {
	switch ev.Kind {
	case embedded.EventConnected:
		c.logger.Info("Pusher connection established")
	case embedded.EventSubscriptionSucceeded:
		c.onSubscriptionSucceeded(ev)
	case embedded.EventConnectionError:
		c.logger.Error("Pusher connection error", zap.Error(ev.Err))
		c.transition(StatusError, nil)
	case embedded.EventDisconnected:
		c.logger.Warn("Pusher connection lost")
		c.transition(StatusDisconnected, boolPtr(false))
	case embedded.EventReconnected:
		c.logger.Info("Pusher connection re-established")
		c.transition(StatusRunning, boolPtr(true))
	case embedded.EventMessage:
		c.route(ev)
	default:
		c.logger.Debug("Ignoring unknown transport event", zap.Stringer("kind", ev.Kind))
	}
}

func (c *SubscriptionController) onSubscriptionSucceeded(ev embedded.TransportEvent) {
	if ev.Channel != c.subscription.Channel {
		c.logger.Debug("Subscription succeeded on foreign channel", zap.String("channel", ev.Channel))
		return
	}
	c.logger.Info("Subscribed to channel", zap.String("channel", ev.Channel))
	c.transition(StatusRunning, boolPtr(true))

	if !c.bound {
		c.bound = true
		c.logger.Info("Listening for donation events", zap.String("event", c.subscription.EventName))
	}
}

func (c *SubscriptionController) route(ev embedded.TransportEvent) {
	if ev.Channel != c.subscription.Channel {
		return
	}
	if !c.bound {
		c.logger.Debug("Dropping event received before subscription", zap.String("event", ev.Name))
		return
	}

	if ev.Name == c.subscription.EventName {
		c.onDonation(ev)
		return
	}
	if msg, ok := auxiliaryEvents[ev.Name]; ok {
		c.logger.Info(msg, zap.String("event", ev.Name), zap.ByteString("data", ev.Data))
		return
	}
	c.logger.Debug("Ignoring channel event", zap.String("event", ev.Name))
}

func (c *SubscriptionController) onDonation(ev embedded.TransportEvent) {
	event, err := DecodeDonationEvent(ev.Data)
	if err != nil {
		c.logger.Error("Dropping undecodable donation event", zap.ByteString("data", ev.Data), zap.Error(err))
		return
	}

	c.status.RecordEvent(event)
	c.metrics.IncrementCounter("relay.events.received", nil)

	c.logger.Info("New donation received",
		zap.String("donator", stringOf(event.DonatorNickname())),
		zap.String("amount", stringOf(event.TotalAmount())),
	)
	c.logger.Debug("Donation event data", zap.ByteString("data", ev.Data))

	c.pipeline.Dispatch(event)
}

func (c *SubscriptionController) transition(to ConnectionStatus, connected *bool) {
	from, accepted := c.status.Transition(to, connected)
	if !accepted {
		c.metrics.IncrementCounter("relay.connection.rejected_transition", map[string]string{"from": string(from), "to": string(to)})
		c.logger.Warn("Ignoring status transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	if from != to {
		c.metrics.IncrementCounter("relay.connection.transition", map[string]string{"from": string(from), "to": string(to)})
		c.logger.Debug("Status changed", zap.String("from", string(from)), zap.String("to", string(to)))
	}
}

func boolPtr(v bool) *bool {
	return &v
}
