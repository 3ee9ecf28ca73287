package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeliveryPipeline turns donation events into outbound payloads and attempts
// one delivery per event. Attempts are never retried nor queued.
type DeliveryPipeline struct {
	publisher Publisher
	mirror    Publisher
	status    *StatusModel
	logger    *zap.Logger
	metrics   MetricsCollector

	strictStatus bool
	now          func() time.Time

	inflight sync.WaitGroup
}

// NewDeliveryPipeline creates a new pipeline publishing through the given publisher.
func NewDeliveryPipeline(
	publisher Publisher,
	status *StatusModel,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...DeliveryPipelineOption,
) *DeliveryPipeline {
	options := &deliveryPipelineOptions{now: time.Now}
	for _, opt := range opts {
		opt(options)
	}
	if publisher == nil {
		publisher = NewNopPublisher()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &DeliveryPipeline{
		publisher:    publisher,
		mirror:       options.mirror,
		status:       status,
		logger:       logger,
		metrics:      metrics,
		strictStatus: options.strictStatus,
		now:          options.now,
	}
}

// Dispatch starts a delivery attempt in its own goroutine and returns immediately.
func (p *DeliveryPipeline) Dispatch(event DonationEvent) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.Deliver(event)
	}()
}

// Wait blocks until every dispatched attempt has settled.
func (p *DeliveryPipeline) Wait() {
	p.inflight.Wait()
}

// Deliver performs a single delivery attempt and reports whether the target accepted it.
// Exactly one of the sent/failed counters is incremented per call, and Deliver never panics.
func (p *DeliveryPipeline) Deliver(event DonationEvent) (ok bool) {
	start := p.now()
	fields := []zap.Field{
		zap.String("transaction_id", stringOf(event.TransactionID())),
		zap.String("donator", stringOf(event.DonatorNickname())),
	}

	counted := false
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Webhook delivery panicked", append(fields, zap.Any("panic", r))...)
			if !counted {
				ok = false
				p.countFailed(string(FailureRequestConstruction))
			}
		}
		p.metrics.RecordDuration("relay.webhook.duration", p.now().Sub(start), nil)
	}()

	payload := NewOutboundPayload(event, start)
	err := p.publisher.Publish(context.Background(), payload)

	ok, sent := p.classify(err, fields)
	counted = true
	if sent {
		p.status.IncrementSent()
		p.metrics.IncrementCounter("relay.webhook.sent", nil)
	} else {
		p.countFailed(failureTag(err))
	}

	p.mirrorPayload(payload, fields)
	return ok
}

// classify logs the outcome and decides which counter it belongs to.
// A response from the target counts as sent unless strict status checking is on.
func (p *DeliveryPipeline) classify(err error, fields []zap.Field) (ok, sent bool) {
	if err == nil {
		p.logger.Info("Webhook sent successfully", fields...)
		return true, true
	}

	var derr *DeliveryError
	if !errors.As(err, &derr) {
		p.logger.Error("Failed to send webhook", append(fields, zap.Error(err))...)
		return false, false
	}

	switch {
	case derr.ResponseReceived():
		p.logger.Error("Failed to send webhook: server responded with an error status",
			append(fields,
				zap.Int("status", derr.StatusCode),
				zap.String("response", derr.Body),
				zap.Bool("counted_as_sent", !p.strictStatus),
			)...)
		return false, !p.strictStatus
	case derr.Kind == FailureNoResponse:
		p.logger.Error("Failed to send webhook: no response from server",
			append(fields, zap.String("failure", string(derr.Kind)), zap.Error(derr.Err))...)
	default:
		p.logger.Error("Failed to send webhook: request could not be sent",
			append(fields, zap.String("failure", string(derr.Kind)), zap.Error(derr.Err))...)
	}
	return false, false
}

func (p *DeliveryPipeline) countFailed(reason string) {
	p.status.IncrementFailed()
	p.metrics.IncrementCounter("relay.webhook.failed", map[string]string{"reason": reason})
}

func (p *DeliveryPipeline) mirrorPayload(payload OutboundPayload, fields []zap.Field) {
	if p.mirror == nil {
		return
	}
	if err := p.mirror.Publish(context.Background(), payload); err != nil {
		p.metrics.IncrementCounter("relay.mirror.failed", nil)
		p.logger.Warn("Failed to mirror payload", append(fields, zap.Error(err))...)
	}
}

// Close closes the publisher and the mirror, if any.
func (p *DeliveryPipeline) Close() error {
	var errs []error
	if err := p.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close publisher: %w", err))
	}
	if p.mirror != nil {
		if err := p.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close mirror: %w", err))
		}
	}
	return errors.Join(errs...)
}

func failureTag(err error) string {
	var derr *DeliveryError
	if errors.As(err, &derr) {
		return string(derr.Kind)
	}
	return "unknown"
}
