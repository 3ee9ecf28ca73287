package relay

import (
	"context"
	"sync"

	"github.com/overtonx/donation-relay/embedded"
)

// fakeTransport is an in-memory Transport driven by the test through its events channel.
type fakeTransport struct {
	events chan embedded.TransportEvent

	connectErr   error
	subscribeErr error

	mu          sync.Mutex
	connects    int
	subscribed  []string
	disconnects int
	closeOnce   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan embedded.TransportEvent, 16)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Subscribe(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, channel)
	return f.subscribeErr
}

func (f *fakeTransport) Events() <-chan embedded.TransportEvent {
	return f.events
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) send(ev embedded.TransportEvent) {
	f.events <- ev
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

// recordingPublisher keeps every payload it is asked to publish.
type recordingPublisher struct {
	mu       sync.Mutex
	payloads []OutboundPayload
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, payload OutboundPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []OutboundPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OutboundPayload(nil), p.payloads...)
}
