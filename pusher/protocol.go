package pusher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	protocolVersion = 7
	clientName      = "donation-relay"
	clientVersion   = "1.0.0"

	eventConnectionEstablished = "pusher:connection_established"
	eventSubscribe             = "pusher:subscribe"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventError                 = "pusher:error"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"

	defaultActivityTimeout = 120 * time.Second
	pongGrace              = 30 * time.Second
	handshakeTimeout       = 10 * time.Second
	writeTimeout           = 10 * time.Second
)

var (
	// ErrClosed is returned by operations on a client after Disconnect.
	ErrClosed = errors.New("pusher: client closed")
	// ErrHandshake is returned when the server does not open with connection_established.
	ErrHandshake = errors.New("pusher: unexpected handshake frame")
)

// Frame is a single Pusher protocol message.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func newFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s data: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

// Payload returns the frame data, unwrapping data that was sent as a JSON-encoded string.
func (f Frame) Payload() json.RawMessage {
	data := bytes.TrimSpace(f.Data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return json.RawMessage(s)
		}
	}
	return json.RawMessage(data)
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type subscribeData struct {
	Channel string `json:"channel"`
}

// ProtocolError is an error reported by the Pusher server, either as a
// pusher:error frame or as a close code.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("pusher error: %s", e.Message)
	}
	return fmt.Sprintf("pusher error %d: %s", e.Code, e.Message)
}

// Fatal reports whether the server asked the client not to reconnect.
func (e *ProtocolError) Fatal() bool {
	return e.Code >= 4000 && e.Code < 4100
}

func parseProtocolError(data json.RawMessage) *ProtocolError {
	var body struct {
		Message string `json:"message"`
		Code    *int   `json:"code"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return &ProtocolError{Message: string(data)}
	}
	perr := &ProtocolError{Message: body.Message}
	if body.Code != nil {
		perr.Code = *body.Code
	}
	return perr
}

// closeAction is what the client does after the server closed the connection with code.
type closeAction int

const (
	reconnectWithBackoff closeAction = iota
	reconnectImmediately
	stopReconnecting
)

func actionForCloseCode(code int) closeAction {
	switch {
	case code >= 4000 && code < 4100:
		return stopReconnecting
	case code >= 4200 && code < 4300:
		return reconnectImmediately
	default:
		return reconnectWithBackoff
	}
}

// endpoint builds the WebSocket URL for an app key on host.
func endpoint(host, appKey string, insecure bool) string {
	scheme := "wss"
	if insecure {
		scheme = "ws"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   "/app/" + appKey,
		RawQuery: fmt.Sprintf("protocol=%d&client=%s&version=%s&flash=false",
			protocolVersion, clientName, clientVersion),
	}
	return u.String()
}

func defaultHost(cluster string) string {
	return fmt.Sprintf("ws-%s.pusher.com:443", cluster)
}
