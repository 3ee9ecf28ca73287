package embedded

import (
	"context"
	"encoding/json"
	"time"
)

// TransportEventKind enumerates what an inbound transport can report.
type TransportEventKind int

const (
	EventConnected TransportEventKind = iota
	EventSubscriptionSucceeded
	EventConnectionError
	EventDisconnected
	EventReconnected
	EventMessage
)

func (k TransportEventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventSubscriptionSucceeded:
		return "subscription_succeeded"
	case EventConnectionError:
		return "connection_error"
	case EventDisconnected:
		return "disconnected"
	case EventReconnected:
		return "reconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// TransportEvent is a lifecycle callback or a channel message delivered by a Transport.
type TransportEvent struct {
	Kind    TransportEventKind
	Channel string
	Name    string
	Data    json.RawMessage
	Err     error
}

// Transport is a bidirectional pub/sub event source.
// Connect and Subscribe never block on the network: every outcome is reported on Events.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(channel string) error
	Events() <-chan TransportEvent
	Disconnect() error
}

type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}
