package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/donation-relay/embedded"
)

const testTimeout = 2 * time.Second

// fakePusher is a minimal Pusher-compatible server. Every accepted connection
// is greeted with the handshake frame and handed to the test.
type fakePusher struct {
	server    *httptest.Server
	handshake Frame
	conns     chan *websocket.Conn
	queries   chan string

	mu     sync.Mutex
	opened []*websocket.Conn
}

func newFakePusher(t *testing.T) *fakePusher {
	t.Helper()
	established, err := json.Marshal(`{"socket_id":"123.456","activity_timeout":120}`)
	require.NoError(t, err)
	return newFakePusherWithHandshake(t, Frame{Event: eventConnectionEstablished, Data: established})
}

func newFakePusherWithHandshake(t *testing.T, handshake Frame) *fakePusher {
	t.Helper()
	f := &fakePusher{
		handshake: handshake,
		conns:     make(chan *websocket.Conn, 8),
		queries:   make(chan string, 8),
	}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.opened = append(f.opened, conn)
		f.mu.Unlock()

		f.queries <- r.URL.Path + "?" + r.URL.RawQuery
		_ = conn.WriteJSON(f.handshake)
		f.conns <- conn
	}))
	t.Cleanup(func() {
		f.mu.Lock()
		for _, conn := range f.opened {
			_ = conn.Close()
		}
		f.mu.Unlock()
		f.server.Close()
	})
	return f
}

func (f *fakePusher) client(t *testing.T) *Client {
	t.Helper()
	c := NewClient("key123", "mt1",
		WithHost(strings.TrimPrefix(f.server.URL, "http://")),
		WithInsecure(true),
		WithBackoff(10*time.Millisecond, 20*time.Millisecond),
	)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func (f *fakePusher) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(testTimeout):
		t.Fatal("client did not connect")
		return nil
	}
}

func nextEvent(t *testing.T, c *Client) embedded.TransportEvent {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(testTimeout):
		t.Fatal("no transport event received")
		return embedded.TransportEvent{}
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestClient_ConnectSubscribeAndReceive(t *testing.T) {
	f := newFakePusher(t)
	c := f.client(t)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe("channel-1"))

	conn := f.accept(t)
	assert.Equal(t, "/app/key123?protocol=7&client=donation-relay&version=1.0.0&flash=false", <-f.queries)
	assert.Equal(t, embedded.EventConnected, nextEvent(t, c).Kind)

	frame := readFrame(t, conn)
	assert.Equal(t, eventSubscribe, frame.Event)
	assert.JSONEq(t, `{"channel":"channel-1"}`, string(frame.Payload()))

	writeFrame(t, conn, `{"event":"pusher_internal:subscription_succeeded","channel":"channel-1","data":"{}"}`)
	ev := nextEvent(t, c)
	assert.Equal(t, embedded.EventSubscriptionSucceeded, ev.Kind)
	assert.Equal(t, "channel-1", ev.Channel)

	writeFrame(t, conn, `{"event":"donation","channel":"channel-1","data":"{\"TransactionId\":\"abc123\",\"TotalAmount\":10.5}"}`)
	ev = nextEvent(t, c)
	assert.Equal(t, embedded.EventMessage, ev.Kind)
	assert.Equal(t, "channel-1", ev.Channel)
	assert.Equal(t, "donation", ev.Name)
	assert.JSONEq(t, `{"TransactionId":"abc123","TotalAmount":10.5}`, string(ev.Data))
}

func TestClient_RepliesToPing(t *testing.T) {
	f := newFakePusher(t)
	c := f.client(t)

	require.NoError(t, c.Connect(context.Background()))
	conn := f.accept(t)
	assert.Equal(t, embedded.EventConnected, nextEvent(t, c).Kind)

	writeFrame(t, conn, `{"event":"pusher:ping","data":"{}"}`)

	frame := readFrame(t, conn)
	assert.Equal(t, eventPong, frame.Event)
}

func TestClient_ErrorFrameIsReported(t *testing.T) {
	f := newFakePusher(t)
	c := f.client(t)

	require.NoError(t, c.Connect(context.Background()))
	conn := f.accept(t)
	assert.Equal(t, embedded.EventConnected, nextEvent(t, c).Kind)

	writeFrame(t, conn, `{"event":"pusher:error","data":{"message":"Client event rejected","code":4301}}`)

	ev := nextEvent(t, c)
	assert.Equal(t, embedded.EventConnectionError, ev.Kind)
	var perr *ProtocolError
	require.True(t, errors.As(ev.Err, &perr))
	assert.Equal(t, 4301, perr.Code)
	assert.Equal(t, "Client event rejected", perr.Message)
}

func TestClient_ReconnectsAndResubscribes(t *testing.T) {
	f := newFakePusher(t)
	c := f.client(t)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe("channel-1"))

	first := f.accept(t)
	assert.Equal(t, embedded.EventConnected, nextEvent(t, c).Kind)
	assert.Equal(t, eventSubscribe, readFrame(t, first).Event)

	require.NoError(t, first.Close())

	assert.Equal(t, embedded.EventDisconnected, nextEvent(t, c).Kind)

	second := f.accept(t)
	assert.Equal(t, embedded.EventReconnected, nextEvent(t, c).Kind)

	frame := readFrame(t, second)
	assert.Equal(t, eventSubscribe, frame.Event)
	assert.JSONEq(t, `{"channel":"channel-1"}`, string(frame.Payload()))
}

func TestClient_StopsOnFatalCloseCode(t *testing.T) {
	f := newFakePusher(t)
	c := f.client(t)

	require.NoError(t, c.Connect(context.Background()))
	conn := f.accept(t)
	assert.Equal(t, embedded.EventConnected, nextEvent(t, c).Kind)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(4001, "Application does not exist"),
		time.Now().Add(time.Second)))

	assert.Equal(t, embedded.EventDisconnected, nextEvent(t, c).Kind)
	ev := nextEvent(t, c)
	assert.Equal(t, embedded.EventConnectionError, ev.Kind)
	var perr *ProtocolError
	require.True(t, errors.As(ev.Err, &perr))
	assert.Equal(t, 4001, perr.Code)

	select {
	case <-f.conns:
		t.Fatal("client reconnected after a fatal close code")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_FatalHandshakeError(t *testing.T) {
	f := newFakePusherWithHandshake(t, Frame{
		Event: eventError,
		Data:  json.RawMessage(`{"message":"Application does not exist","code":4001}`),
	})
	c := f.client(t)

	require.NoError(t, c.Connect(context.Background()))
	f.accept(t)

	ev := nextEvent(t, c)
	assert.Equal(t, embedded.EventConnectionError, ev.Kind)
	var perr *ProtocolError
	require.True(t, errors.As(ev.Err, &perr))
	assert.True(t, perr.Fatal())

	select {
	case <-f.conns:
		t.Fatal("client retried after a fatal handshake error")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_Disconnect(t *testing.T) {
	f := newFakePusher(t)
	c := f.client(t)

	require.NoError(t, c.Connect(context.Background()))
	f.accept(t)
	assert.Equal(t, embedded.EventConnected, nextEvent(t, c).Kind)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())

	deadline := time.After(testTimeout)
	for closed := false; !closed; {
		select {
		case _, ok := <-c.Events():
			closed = !ok
		case <-deadline:
			t.Fatal("event stream was not closed")
		}
	}

	assert.ErrorIs(t, c.Subscribe("channel-1"), ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestClient_DisconnectBeforeConnect(t *testing.T) {
	c := NewClient("key123", "mt1")

	require.NoError(t, c.Disconnect())

	_, ok := <-c.Events()
	assert.False(t, ok)
}

func TestClient_ConnectTwice(t *testing.T) {
	f := newFakePusher(t)
	c := f.client(t)

	require.NoError(t, c.Connect(context.Background()))
	assert.Error(t, c.Connect(context.Background()))
}

func TestClient_URL(t *testing.T) {
	c := NewClient("key123", "us2")
	assert.Equal(t, "wss://ws-us2.pusher.com:443/app/key123?protocol=7&client=donation-relay&version=1.0.0&flash=false", c.URL())
}

func TestClient_WithDialer(t *testing.T) {
	f := newFakePusher(t)

	var dials atomic.Int32
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	}
	c := NewClient("key123", "mt1",
		WithHost(strings.TrimPrefix(f.server.URL, "http://")),
		WithInsecure(true),
		WithDialer(dialer),
		WithDialer(nil),
	)
	t.Cleanup(func() { _ = c.Disconnect() })

	require.NoError(t, c.Connect(context.Background()))
	f.accept(t)

	assert.Equal(t, embedded.EventConnected, nextEvent(t, c).Kind)
	assert.Equal(t, int32(1), dials.Load())
}
