package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	// UserAgent identifies the relay to webhook targets.
	UserAgent = "PIXGG-Webhook-Listener/1.0.0"

	defaultWebhookTimeout = 10 * time.Second
	maxResponseExcerpt    = 4 << 10
)

// WebhookPublisher POSTs payloads as JSON to a fixed target URL.
type WebhookPublisher struct {
	targetURL string
	client    *http.Client
	logger    *zap.Logger
}

// NewWebhookPublisher creates a publisher for the given target.
// The target is expected to be validated by configuration loading.
func NewWebhookPublisher(targetURL string, opts ...WebhookPublisherOption) *WebhookPublisher {
	p := &WebhookPublisher{
		targetURL: targetURL,
		client:    &http.Client{Timeout: defaultWebhookTimeout},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish performs exactly one POST. A non-nil error is always a *DeliveryError.
func (p *WebhookPublisher) Publish(ctx context.Context, payload OutboundPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Kind: FailureRequestConstruction, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.targetURL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Kind: FailureRequestConstruction, Err: err}
	}
	// The transport rejects other schemes before anything goes on the wire.
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return &DeliveryError{
			Kind: FailureRequestConstruction,
			Err:  fmt.Errorf("unsupported protocol scheme %q", req.URL.Scheme),
		}
	}

	deliveryID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Delivery-Id", deliveryID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	p.logger.Info("Sending webhook", zap.String("target", p.targetURL), zap.String("delivery_id", deliveryID))
	p.logger.Debug("Webhook payload", zap.ByteString("payload", body))

	resp, err := p.client.Do(req)
	if err != nil {
		return &DeliveryError{Kind: FailureNoResponse, Err: err}
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseExcerpt))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{
			Kind:       FailureServerRejected,
			StatusCode: resp.StatusCode,
			Body:       string(excerpt),
		}
	}

	p.logger.Info("Webhook delivered",
		zap.String("delivery_id", deliveryID),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

// Close releases idle connections held by the HTTP client.
func (p *WebhookPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
