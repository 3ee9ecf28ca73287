package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
)

type capturedRequest struct {
	method string
	header http.Header
	body   []byte
}

// newWebhookTarget starts a target answering with status and body and reports each request.
func newWebhookTarget(t *testing.T, status int, body string) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	requests := make(chan capturedRequest, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		requests <- capturedRequest{method: r.Method, header: r.Header.Clone(), body: raw}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func samplePayload() OutboundPayload {
	event := DonationEvent{
		FieldTransactionID:   "abc123",
		FieldDonatorNickname: "Alice",
		FieldTotalAmount:     json.Number("10.5"),
	}
	return NewOutboundPayload(event, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}

func TestWebhookPublisher_Success(t *testing.T) {
	srv, requests := newWebhookTarget(t, http.StatusOK, "ok")
	p := NewWebhookPublisher(srv.URL)

	require.NoError(t, p.Publish(context.Background(), samplePayload()))

	req := <-requests
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "PIXGG-Webhook-Listener/1.0.0", req.header.Get("User-Agent"))
	_, err := uuid.Parse(req.header.Get("X-Delivery-Id"))
	assert.NoError(t, err)
	assert.JSONEq(t, `{
		"transactionId": "abc123",
		"donatorNickname": "Alice",
		"totalAmount": 10.5,
		"timestamp": "2024-05-01T12:00:00.000Z",
		"originalEvent": {"TransactionId": "abc123", "DonatorNickname": "Alice", "TotalAmount": 10.5}
	}`, string(req.body))
	assert.NoError(t, p.Close())
}

func TestWebhookPublisher_PropagatesContext(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.Baggage{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	member, err := baggage.NewMember("source", "pusher")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)
	ctx := baggage.ContextWithBaggage(context.Background(), bag)

	srv, requests := newWebhookTarget(t, http.StatusOK, "")
	require.NoError(t, NewWebhookPublisher(srv.URL).Publish(ctx, samplePayload()))

	req := <-requests
	assert.Equal(t, "source=pusher", req.header.Get("Baggage"))
}

func TestWebhookPublisher_ServerRejected(t *testing.T) {
	srv, _ := newWebhookTarget(t, http.StatusInternalServerError, "internal error")
	p := NewWebhookPublisher(srv.URL)

	err := p.Publish(context.Background(), samplePayload())

	var derr *DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, FailureServerRejected, derr.Kind)
	assert.Equal(t, http.StatusInternalServerError, derr.StatusCode)
	assert.Equal(t, "internal error", derr.Body)
	assert.True(t, derr.ResponseReceived())
	assert.ErrorIs(t, err, ErrServerRejected)
	assert.NotErrorIs(t, err, ErrNoResponse)
}

func TestWebhookPublisher_ResponseExcerptIsBounded(t *testing.T) {
	srv, _ := newWebhookTarget(t, http.StatusBadGateway, strings.Repeat("x", 3*maxResponseExcerpt))

	err := NewWebhookPublisher(srv.URL).Publish(context.Background(), samplePayload())

	var derr *DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.Len(t, derr.Body, maxResponseExcerpt)
}

func TestWebhookPublisher_NoResponse(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	err := NewWebhookPublisher(target).Publish(context.Background(), samplePayload())

	var derr *DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, FailureNoResponse, derr.Kind)
	assert.False(t, derr.ResponseReceived())
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestWebhookPublisher_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	p := NewWebhookPublisher(srv.URL, WithWebhookTimeout(50*time.Millisecond))
	err := p.Publish(context.Background(), samplePayload())

	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestWebhookPublisher_RequestConstructionFailed(t *testing.T) {
	t.Run("invalid target", func(t *testing.T) {
		err := NewWebhookPublisher("http://[::1").Publish(context.Background(), samplePayload())
		assert.ErrorIs(t, err, ErrRequestConstruction)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		err := NewWebhookPublisher("ftp://example.com/hook").Publish(context.Background(), samplePayload())

		var derr *DeliveryError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, FailureRequestConstruction, derr.Kind)
		assert.ErrorIs(t, err, ErrRequestConstruction)
		assert.NotErrorIs(t, err, ErrNoResponse)
		assert.False(t, derr.ResponseReceived())
	})

	t.Run("unencodable payload", func(t *testing.T) {
		payload := NewOutboundPayload(DonationEvent{"callback": func() {}}, time.Now())
		err := NewWebhookPublisher("http://localhost/hook").Publish(context.Background(), payload)

		var derr *DeliveryError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, FailureRequestConstruction, derr.Kind)
		assert.Error(t, errors.Unwrap(err))
	})
}
