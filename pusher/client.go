package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/overtonx/donation-relay/embedded"
)

const eventBufferSize = 64

// Client is a Pusher protocol 7 client for public channels.
// It reconnects on its own and reports its lifecycle on Events().
type Client struct {
	appKey   string
	host     string
	insecure bool
	logger   *zap.Logger
	dialer   *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration

	events    chan embedded.TransportEvent
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	conn     *websocket.Conn
	channels []string

	writeMu sync.Mutex
}

var _ embedded.Transport = (*Client)(nil)

type Option func(*Client)

// WithHost overrides the host[:port] of the Pusher endpoint.
func WithHost(host string) Option {
	return func(c *Client) {
		if host != "" {
			c.host = host
		}
	}
}

// WithInsecure switches the endpoint scheme from wss to ws.
func WithInsecure(insecure bool) Option {
	return func(c *Client) {
		c.insecure = insecure
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackoff sets the first and the largest delay between reconnection attempts.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		if min > 0 {
			c.minBackoff = min
		}
		if max >= c.minBackoff {
			c.maxBackoff = max
		}
	}
}

// WithDialer replaces the websocket dialer, for example to route through a proxy.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

// NewClient creates a client for appKey on the given cluster. It does not connect.
func NewClient(appKey, cluster string, opts ...Option) *Client {
	c := &Client{
		appKey:     appKey,
		host:       defaultHost(cluster),
		logger:     zap.NewNop(),
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		events:     make(chan embedded.TransportEvent, eventBufferSize),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the WebSocket endpoint the client dials.
func (c *Client) URL() string {
	return endpoint(c.host, c.appKey, c.insecure)
}

// Events returns the lifecycle and message stream. It is closed by Disconnect.
func (c *Client) Events() <-chan embedded.TransportEvent {
	return c.events
}

// Connect starts the connection loop in the background and returns immediately.
// Connection outcomes are reported on Events().
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if c.started {
		return errors.New("pusher: client already connected")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// Subscribe subscribes to a public channel. The subscription is remembered and
// renewed after every reconnect.
func (c *Client) Subscribe(channel string) error {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return ErrClosed
	}
	for _, existing := range c.channels {
		if existing == channel {
			c.mu.Unlock()
			return nil
		}
	}
	c.channels = append(c.channels, channel)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.subscribe(conn, channel)
}

// Disconnect closes the connection and stops reconnecting. It waits for the
// connection loop to exit and then closes the event stream. It is safe to call
// Disconnect multiple times.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		cancel := c.cancel
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			c.closeConn(conn)
		}
		c.wg.Wait()
		close(c.events)
	})
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	url := c.URL()
	backoff := c.minBackoff
	established := false

	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		c.logger.Debug("Dialing Pusher", zap.String("url", url))
		conn, activity, err := c.dial(ctx, url)
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			var perr *ProtocolError
			if errors.As(err, &perr) {
				c.emit(embedded.TransportEvent{Kind: embedded.EventConnectionError, Err: err})
				if perr.Fatal() {
					c.logger.Error("Pusher refused the connection, not reconnecting", zap.Error(err))
					return
				}
			}
			c.logger.Warn("Pusher connection attempt failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			continue
		}

		channels, ok := c.attach(conn)
		if !ok {
			c.closeConn(conn)
			return
		}
		backoff = c.minBackoff

		kind := embedded.EventConnected
		if established {
			kind = embedded.EventReconnected
		}
		established = true
		c.emit(embedded.TransportEvent{Kind: kind})

		for _, channel := range channels {
			if err := c.subscribe(conn, channel); err != nil {
				c.logger.Warn("Failed to subscribe", zap.String("channel", channel), zap.Error(err))
			}
		}

		err = c.readLoop(ctx, conn, activity)
		c.detach(conn)
		c.closeConn(conn)

		if ctx.Err() != nil || c.isClosed() {
			return
		}
		c.logger.Warn("Pusher connection lost", zap.Error(err))
		c.emit(embedded.TransportEvent{Kind: embedded.EventDisconnected, Err: err})

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			switch actionForCloseCode(closeErr.Code) {
			case stopReconnecting:
				perr := &ProtocolError{Code: closeErr.Code, Message: closeErr.Text}
				c.logger.Error("Pusher closed the connection, not reconnecting", zap.Error(perr))
				c.emit(embedded.TransportEvent{Kind: embedded.EventConnectionError, Err: perr})
				return
			case reconnectImmediately:
				continue
			}
		}

		c.logger.Info("Reconnecting to Pusher", zap.Duration("retry_in", backoff))
		if !c.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

// dial opens the socket and waits for connection_established.
func (c *Client) dial(ctx context.Context, url string) (*websocket.Conn, time.Duration, error) {
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to dial pusher: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("failed to read handshake: %w", err)
	}

	switch frame.Event {
	case eventConnectionEstablished:
		var established connectionEstablished
		if err := json.Unmarshal(frame.Payload(), &established); err != nil {
			_ = conn.Close()
			return nil, 0, fmt.Errorf("failed to decode handshake: %w", err)
		}
		activity := time.Duration(established.ActivityTimeout) * time.Second
		if activity <= 0 {
			activity = defaultActivityTimeout
		}
		c.logger.Info("Pusher connection established",
			zap.String("socket_id", established.SocketID),
			zap.Duration("activity_timeout", activity),
		)
		return conn, activity, nil
	case eventError:
		_ = conn.Close()
		return nil, 0, parseProtocolError(frame.Payload())
	default:
		_ = conn.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrHandshake, frame.Event)
	}
}

// attach makes conn the current connection and returns the channels to subscribe.
func (c *Client) attach(conn *websocket.Conn) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return nil, false
	}
	c.conn = conn
	return append([]string(nil), c.channels...), true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, activity time.Duration) error {
	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, activity, done)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(activity + pongGrace))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn("Ignoring malformed Pusher frame", zap.ByteString("frame", message), zap.Error(err))
			continue
		}
		c.handleFrame(conn, frame)
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, frame Frame) {
	switch frame.Event {
	case eventPing:
		if err := c.write(conn, Frame{Event: eventPong, Data: json.RawMessage("{}")}); err != nil {
			c.logger.Warn("Failed to answer ping", zap.Error(err))
		}
	case eventPong:
		c.logger.Debug("Pusher pong received")
	case eventError:
		perr := parseProtocolError(frame.Payload())
		c.logger.Error("Pusher error received", zap.Int("code", perr.Code), zap.String("message", perr.Message))
		c.emit(embedded.TransportEvent{Kind: embedded.EventConnectionError, Err: perr})
	case eventSubscriptionSucceeded:
		c.emit(embedded.TransportEvent{Kind: embedded.EventSubscriptionSucceeded, Channel: frame.Channel})
	default:
		if frame.Channel == "" || strings.HasPrefix(frame.Event, "pusher") {
			c.logger.Debug("Ignoring Pusher frame", zap.String("event", frame.Event))
			return
		}
		c.emit(embedded.TransportEvent{
			Kind:    embedded.EventMessage,
			Channel: frame.Channel,
			Name:    frame.Event,
			Data:    frame.Payload(),
		})
	}
}

// keepalive pings the server every interval and unblocks the reader when ctx ends.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := c.write(conn, Frame{Event: eventPing, Data: json.RawMessage("{}")}); err != nil {
				c.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) subscribe(conn *websocket.Conn, channel string) error {
	frame, err := newFrame(eventSubscribe, subscribeData{Channel: channel})
	if err != nil {
		return err
	}
	c.logger.Debug("Subscribing", zap.String("channel", channel))
	return c.write(conn, frame)
}

func (c *Client) write(conn *websocket.Conn, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write %s: %w", frame.Event, err)
	}
	return nil
}

func (c *Client) closeConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
}

// emit delivers ev unless the client is closing.
func (c *Client) emit(ev embedded.TransportEvent) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.closed:
		return false
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
