package relay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// NewHeartbeatWorker returns a worker that periodically logs the status snapshot
// and publishes it as gauges.
func NewHeartbeatWorker(status *StatusModel, logger *zap.Logger, metrics MetricsCollector, interval time.Duration) *PeriodicWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}

	return NewPeriodicWorker("heartbeat", interval, logger, func(ctx context.Context) error {
		snap := status.Snapshot()
		uptime := status.Uptime(time.Now())

		connected := 0.0
		if snap.PusherConnected {
			connected = 1
		}
		metrics.RecordGauge("relay.webhooks.sent", float64(snap.WebhooksSent), nil)
		metrics.RecordGauge("relay.webhooks.failed", float64(snap.WebhooksFailed), nil)
		metrics.RecordGauge("relay.uptime_seconds", uptime.Seconds(), nil)
		metrics.RecordGauge("relay.pusher.connected", connected, nil)

		logger.Info("Heartbeat",
			zap.String("status", string(snap.Status)),
			zap.Bool("pusher_connected", snap.PusherConnected),
			zap.Int64("webhooks_sent", snap.WebhooksSent),
			zap.Int64("webhooks_failed", snap.WebhooksFailed),
			zap.Int64("uptime_seconds", int64(uptime/time.Second)),
		)
		return nil
	})
}
